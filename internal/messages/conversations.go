package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/syncutil"
	"github.com/mbd888/escrowsync/internal/traces"
)

// ConversationLimit caps the conversation list.
const ConversationLimit = 50

// SendRequest is a message posted to a conversation.
type SendRequest struct {
	Body        string `json:"body"`
	ImageURL    string `json:"image_url"`
	ClientNonce string `json:"client_nonce"`
}

// Conversations lists the caller's conversations, most recent first, each
// with its last message. Listing titles and usernames are joined when the
// directory answers; lookup failures leave them empty.
func (s *Service) Conversations(ctx context.Context, caller string) ([]*Conversation, error) {
	convs, err := s.store.ListConversations(ctx, caller, ConversationLimit)
	if err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(convs)*2)
	for _, c := range convs {
		last, err := s.store.Last(ctx, ConversationThread(c.ID))
		if err != nil {
			s.logger.Debug("last message lookup failed", "conversation", c.ID, "error", err)
		}
		c.LastMessage = last
		userIDs = append(userIDs, c.StarterID, c.RecipientID)
	}
	s.enrich(ctx, convs, userIDs)
	return convs, nil
}

func (s *Service) enrich(ctx context.Context, convs []*Conversation, userIDs []string) {
	if s.directory == nil || len(convs) == 0 {
		return
	}
	names, err := s.directory.Usernames(ctx, userIDs...)
	if err != nil {
		s.logger.Debug("username lookup failed", "error", err)
	}
	titles := make(map[string]string)
	for _, c := range convs {
		c.StarterUsername = names[c.StarterID]
		c.RecipientUsername = names[c.RecipientID]
		if c.ListingID == "" {
			continue
		}
		title, ok := titles[c.ListingID]
		if !ok {
			if l, err := s.directory.Listing(ctx, c.ListingID); err == nil && l != nil {
				title = l.Title
			}
			titles[c.ListingID] = title
		}
		c.ListingTitle = title
	}
}

// StartConversation returns the caller's conversation about a listing,
// creating it with the listing owner on first contact.
func (s *Service) StartConversation(ctx context.Context, caller, listingID string) (*Conversation, error) {
	ctx, span := traces.StartSpan(ctx, "messages.StartConversation")
	defer span.End()

	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return nil, ErrMissingListing
	}
	if s.directory == nil {
		return nil, ErrListingNotFound
	}
	listing, err := s.directory.Listing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, ErrListingNotFound
	}
	if listing.OwnerID == caller {
		return nil, ErrSelfConversation
	}

	unlock, err := s.locks.Lock(ctx, syncutil.Key("conversation", caller, listingID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.FindConversation(ctx, caller, listing.OwnerID, listingID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.ListingTitle = listing.Title
		return existing, nil
	}

	now := s.now()
	c := &Conversation{
		ID:          idgen.WithPrefix("conv_"),
		StarterID:   caller,
		RecipientID: listing.OwnerID,
		ListingID:   listingID,
		Title:       listing.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	c.ListingTitle = listing.Title
	return c, nil
}

// ConversationMessages returns a conversation and its messages in display
// order.
func (s *Service) ConversationMessages(ctx context.Context, caller, conversationID string) (*Conversation, []*Message, error) {
	c, err := s.conversation(ctx, caller, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.List(ctx, ConversationThread(conversationID), 0)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// Send posts a message to a conversation. Either a body or an image is
// required.
func (s *Service) Send(ctx context.Context, caller, conversationID string, req SendRequest) (*Message, error) {
	ctx, span := traces.StartSpan(ctx, "messages.Send")
	defer span.End()

	body := strings.TrimSpace(req.Body)
	imageURL := strings.TrimSpace(req.ImageURL)
	if body == "" && imageURL == "" {
		return nil, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, ErrBodyTooLong
	}
	if _, err := s.conversation(ctx, caller, conversationID); err != nil {
		return nil, err
	}

	m, err := s.insert(ctx, &Message{
		ConversationID: conversationID,
		SenderID:       caller,
		Body:           body,
		Type:           TypeText,
		ImageURL:       imageURL,
		Metadata:       Metadata{ClientNonce: req.ClientNonce},
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchConversation(ctx, conversationID, m); err != nil {
		s.logger.Warn("failed to bump conversation", "conversation", conversationID, "error", err)
	}
	return m, nil
}

func (s *Service) conversation(ctx context.Context, caller, id string) (*Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// CanRead reports whether userID may read thread.
func (s *Service) CanRead(ctx context.Context, thread Thread, userID string) (bool, error) {
	switch thread.Kind {
	case KindConversation:
		if _, err := s.conversation(ctx, userID, thread.ID); err != nil {
			if errors.Is(err, ErrNotParticipant) || errors.Is(err, ErrThreadNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	case KindEscrow:
		if thread.ID == "" {
			return false, nil
		}
		return s.escrows.IsParticipant(ctx, thread.ID, userID)
	}
	return false, nil
}
