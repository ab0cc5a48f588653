package messages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/syncutil"
	"github.com/mbd888/escrowsync/internal/traces"
)

// ParticipantChecker answers whether a user is a party of an escrow.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, escrowID, userID string) (bool, error)
}

// Publisher fans out inserted messages to realtime subscribers.
type Publisher interface {
	PublishMessage(m *Message)
}

// Directory resolves listing and username summaries for conversations.
type Directory interface {
	Listing(ctx context.Context, id string) (*Listing, error)
	Usernames(ctx context.Context, ids ...string) (map[string]string, error)
}

// Service implements escrow chat and conversations.
type Service struct {
	store     Store
	escrows   ParticipantChecker
	directory Directory
	publisher Publisher
	locks     *syncutil.KeyLocks
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new message service.
func NewService(store Store, escrows ParticipantChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		escrows: escrows,
		locks:   syncutil.NewKeyLocks(0),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// WithDirectory enables listing lookups and username enrichment.
func (s *Service) WithDirectory(d Directory) *Service {
	s.directory = d
	return s
}

// WithPublisher sets the realtime publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Insert appends a client message to an escrow's chat. A retried insert
// carrying the same client nonce returns the stored message.
func (s *Service) Insert(ctx context.Context, caller string, req NewMessage) (*Message, error) {
	ctx, span := traces.StartSpan(ctx, "messages.Insert", traces.EscrowID(req.EscrowID))
	defer span.End()

	if req.SenderID != "" && req.SenderID != caller {
		return nil, ErrSenderMismatch
	}
	msgType := req.Type
	if msgType == "" {
		msgType = TypeText
	}
	if !msgType.Valid() || msgType == TypeSystem {
		return nil, ErrInvalidType
	}
	body, err := cleanBody(req.Body)
	if err != nil {
		return nil, err
	}
	if msgType == TypePriceChangeProposal {
		amount, err := escrow.NormalizeAmount(req.Metadata.Amount)
		if err != nil {
			return nil, err
		}
		req.Metadata.Amount = amount
	}

	if err := s.checkEscrow(ctx, req.EscrowID, caller); err != nil {
		return nil, err
	}

	m := &Message{
		EscrowID: req.EscrowID,
		SenderID: caller,
		Body:     body,
		Type:     msgType,
		Metadata: req.Metadata,
	}
	return s.insert(ctx, m)
}

// List returns an escrow's chat in display order.
func (s *Service) List(ctx context.Context, escrowID, caller string) ([]*Message, error) {
	if err := s.checkEscrow(ctx, escrowID, caller); err != nil {
		return nil, err
	}
	return s.store.List(ctx, EscrowThread(escrowID), 0)
}

// PostSystem appends a system message on behalf of senderID.
func (s *Service) PostSystem(ctx context.Context, escrowID, senderID, body string) error {
	_, err := s.insert(ctx, &Message{
		EscrowID: escrowID,
		SenderID: senderID,
		Body:     body,
		Type:     TypeSystem,
	})
	return err
}

func (s *Service) checkEscrow(ctx context.Context, escrowID, caller string) error {
	if escrowID == "" {
		return ErrThreadNotFound
	}
	ok, err := s.escrows.IsParticipant(ctx, escrowID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// insert stores m, deduplicating on the sender's client nonce.
func (s *Service) insert(ctx context.Context, m *Message) (*Message, error) {
	thread := m.Thread()
	if nonce := m.Nonce(); nonce != "" {
		unlock, err := s.locks.Lock(ctx, syncutil.Key(thread.Table(), thread.ID, m.SenderID, nonce))
		if err != nil {
			return nil, err
		}
		defer unlock()

		existing, err := s.store.FindByNonce(ctx, thread, m.SenderID, nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to look up nonce: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	m.ID = idgen.WithPrefix("msg_")
	m.CreatedAt = s.now()
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(thread.Kind), string(m.Type)).Inc()
	if s.publisher != nil {
		cp := *m
		s.publisher.PublishMessage(&cp)
	}
	return m, nil
}

// cleanBody trims body and enforces the length limits.
func cleanBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", ErrBodyTooLong
	}
	return body, nil
}
