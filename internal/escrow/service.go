package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/syncutil"
	"github.com/mbd888/escrowsync/internal/traces"
)

// System message bodies inserted when the protocol settles an escrow.
const (
	MessageReleased  = "Both parties agreed to release funds. Transaction completed!"
	MessageCancelled = "Both parties agreed to cancel. Transaction cancelled."
	MessageFunded    = "Payment confirmed. Funds are now held in escrow."
)

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrderID(ctx context.Context, orderID string) (*Escrow, error)
	// Update persists escrow only if the stored status still equals expected,
	// returning ErrStatusChanged otherwise.
	Update(ctx context.Context, escrow *Escrow, expected Status) error
	ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListAwaitingDeposit(ctx context.Context, limit int) ([]*Escrow, error)
	// DepositAddresses returns every deposit address ever assigned.
	DepositAddresses(ctx context.Context) ([]string, error)
}

// ProfileResolver looks up party display summaries.
type ProfileResolver interface {
	Profiles(ctx context.Context, ids ...string) (map[string]*Profile, error)
}

// SystemMessenger appends system messages to an escrow's chat.
type SystemMessenger interface {
	PostSystem(ctx context.Context, escrowID, senderID, body string) error
}

// Publisher fans out record changes to realtime subscribers.
type Publisher interface {
	PublishEscrow(e *Escrow)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	SellerID      string        `json:"seller_id" binding:"required"`
	Amount        string        `json:"amount" binding:"required"`
	Currency      string        `json:"currency" binding:"required"`
	USDAmount     string        `json:"usd_amount"`
	PaymentMethod PaymentMethod `json:"payment_method" binding:"required"`
}

// Service implements the reference escrow backend.
type Service struct {
	store     Store
	deposits  DepositChecker
	addresses AddressAllocator
	paypal    PayPalGateway
	profiles  ProfileResolver
	messenger SystemMessenger
	publisher Publisher
	required  int
	locks     *syncutil.KeyLocks
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		required: RequiredConfirmations,
		locks:    syncutil.NewKeyLocks(0),
		logger:   logger,
		now:      now,
	}
}

// WithDeposits sets the crypto rail used to allocate addresses and count
// confirmations.
func (s *Service) WithDeposits(checker DepositChecker, allocator AddressAllocator) *Service {
	s.deposits = checker
	s.addresses = allocator
	return s
}

// WithPayPal sets the PayPal rail.
func (s *Service) WithPayPal(gw PayPalGateway) *Service {
	s.paypal = gw
	return s
}

// WithProfiles enables joined buyer/seller profiles on reads.
func (s *Service) WithProfiles(r ProfileResolver) *Service {
	s.profiles = r
	return s
}

// WithMessenger sets where settlement system messages go.
func (s *Service) WithMessenger(m SystemMessenger) *Service {
	s.messenger = m
	return s
}

// WithPublisher sets the realtime publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithRequiredConfirmations overrides the funding threshold.
func (s *Service) WithRequiredConfirmations(n int) *Service {
	if n > 0 {
		s.required = n
	}
	return s
}

// RequiredConfirmations returns the funding threshold in use.
func (s *Service) RequiredConfirmations() int {
	return s.required
}

// Create opens a new escrow with the caller as buyer.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Amount(req.Amount))
	defer span.End()

	if buyerID == "" || req.SellerID == "" {
		return nil, ErrUnauthorized
	}
	if buyerID == req.SellerID {
		return nil, errors.New("buyer and seller cannot be the same user")
	}
	if req.PaymentMethod != MethodCrypto && req.PaymentMethod != MethodPayPal {
		return nil, ErrWrongMethod
	}
	amount, err := NormalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		BuyerID:       buyerID,
		SellerID:      req.SellerID,
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.USDAmount != "" {
		usd, err := NormalizeAmount(req.USDAmount)
		if err != nil {
			return nil, err
		}
		e.USDAmount = &usd
	}
	if e.PaymentMethod == MethodCrypto {
		e.Confirmations = IntPtr(0)
		if s.addresses != nil {
			addr, err := s.addresses.Allocate(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("allocate deposit address: %w", err)
			}
			e.DepositAddress = &addr
		}
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	return e, nil
}

// Get returns an escrow visible to caller, joined with party profiles.
func (s *Service) Get(ctx context.Context, id, caller string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	s.attachProfiles(ctx, e)
	return e, nil
}

// IsParticipant reports whether userID is a party of escrow id.
func (s *Service) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.IsParticipant(userID), nil
}

// ListByParty returns escrows where userID is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	return s.store.ListByParty(ctx, userID, limit)
}

// ApplyPatch writes a direct partial update after checking the caller may
// write the targeted field. An action write that brings both parties into
// agreement settles the escrow.
func (s *Service) ApplyPatch(ctx context.Context, id, caller string, p Patch) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyPatch", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Authorize(e, caller); err != nil {
		return nil, err
	}

	prev := e.Status
	p.Apply(e, s.now())
	settled := false
	if p.IsAction() {
		settled = s.settle(e)
	}
	if err := s.store.Update(ctx, e, prev); err != nil {
		return nil, err
	}
	if p.IsAction() {
		countAction(p.Action())
	}
	s.publish(e)
	if settled {
		s.postSettlement(ctx, e, caller)
	}
	s.attachProfiles(ctx, e)
	return e, nil
}

// Confirm records the caller's release/cancel choice through the backend
// and settles the escrow when both parties agree. When the status moved
// underneath the write, the current record is returned unchanged.
func (s *Service) Confirm(ctx context.Context, id, caller string, action Action) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm", traces.EscrowID(id))
	defer span.End()

	if !action.Valid() {
		return nil, ErrInvalidAction
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	if e.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if action == ActionRelease && !payoutReady(e) {
		return nil, ErrPayoutDetails
	}

	p, err := Select(caller, action).Patch(e)
	if err != nil {
		return nil, err
	}
	prev := e.Status
	p.Apply(e, s.now())
	settled := s.settle(e)

	if err := s.store.Update(ctx, e, prev); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			current, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			s.attachProfiles(ctx, current)
			return current, nil
		}
		return nil, err
	}
	countAction(&action)
	s.publish(e)
	if settled {
		s.postSettlement(ctx, e, caller)
	}
	s.attachProfiles(ctx, e)
	return e, nil
}

// SellerDetailsRequest carries the seller's payout destination.
type SellerDetailsRequest struct {
	SellerAddress     string `json:"seller_address"`
	SellerPayPalEmail string `json:"seller_paypal_email"`
}

// SetSellerDetails records where released funds go. A release both parties
// already agreed on settles once the details are present.
func (s *Service) SetSellerDetails(ctx context.Context, id, caller string, req SellerDetailsRequest) (*Escrow, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.RoleOf(caller) != PartySeller {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending && e.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	switch e.PaymentMethod {
	case MethodCrypto:
		if strings.TrimSpace(req.SellerAddress) == "" {
			return nil, fmt.Errorf("%w: seller_address is required", ErrPayoutDetails)
		}
		e.SellerAddress = strings.TrimSpace(req.SellerAddress)
	case MethodPayPal:
		if strings.TrimSpace(req.SellerPayPalEmail) == "" {
			return nil, fmt.Errorf("%w: seller_paypal_email is required", ErrPayoutDetails)
		}
		e.SellerPayPalEmail = strings.TrimSpace(req.SellerPayPalEmail)
	}
	e.UpdatedAt = s.now()
	prev := e.Status
	settled := s.settle(e)

	if err := s.store.Update(ctx, e, prev); err != nil {
		return nil, err
	}
	s.publish(e)
	if settled {
		s.postSettlement(ctx, e, caller)
	}
	s.attachProfiles(ctx, e)
	return e, nil
}

// settle applies the consensus outcome to e. It reports whether e moved to a
// terminal status.
func (s *Service) settle(e *Escrow) bool {
	c := Resolve(e)
	if !c.Agreed() {
		return false
	}
	if c.Action == ActionRelease && !payoutReady(e) {
		s.logger.Warn("release agreed but seller payout details missing", "escrow", e.ID)
		return false
	}
	if !CanTransition(e.Status, c.Outcome) {
		return false
	}
	e.Status = c.Outcome
	e.BuyerConfirmed = true
	e.SellerConfirmed = true
	return true
}

func (s *Service) postSettlement(ctx context.Context, e *Escrow, caller string) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status)).Inc()
	s.logger.Info("escrow settled", "escrow", e.ID, "status", e.Status)
	body := MessageCancelled
	if e.Status == StatusCompleted {
		body = MessageReleased
	}
	s.postSystem(ctx, e.ID, caller, body)
}

func (s *Service) postSystem(ctx context.Context, escrowID, senderID, body string) {
	if s.messenger == nil {
		return
	}
	if err := s.messenger.PostSystem(ctx, escrowID, senderID, body); err != nil {
		s.logger.Warn("failed to post system message", "escrow", escrowID, "error", err)
	}
}

func (s *Service) publish(e *Escrow) {
	if s.publisher != nil {
		s.publisher.PublishEscrow(e.Clone())
	}
}

// attachProfiles joins party summaries. Lookup failures leave the
// profiles empty.
func (s *Service) attachProfiles(ctx context.Context, e *Escrow) {
	if s.profiles == nil {
		return
	}
	profiles, err := s.profiles.Profiles(ctx, e.BuyerID, e.SellerID)
	if err != nil {
		s.logger.Debug("profile lookup failed", "escrow", e.ID, "error", err)
		return
	}
	e.BuyerProfile = profiles[e.BuyerID]
	e.SellerProfile = profiles[e.SellerID]
}

// now returns the current time at the precision Postgres stores.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func countAction(a *Action) {
	label := "clear"
	if a != nil {
		label = string(*a)
	}
	metrics.EscrowActionsTotal.WithLabelValues(label).Inc()
}

func payoutReady(e *Escrow) bool {
	switch e.PaymentMethod {
	case MethodCrypto:
		return e.SellerAddress != ""
	case MethodPayPal:
		return e.SellerPayPalEmail != ""
	}
	return false
}
