// Package messages stores the chat attached to an escrow and the lighter
// pre-escrow conversations between two users.
//
// Both threads share one Message type so clients reconcile them the same
// way: by id, and by the client nonce carried in the metadata.
package messages

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrEmptyBody        = errors.New("message cannot be empty")
	ErrBodyTooLong      = errors.New("message too long (max 1000 characters)")
	ErrInvalidType      = errors.New("invalid message type")
	ErrNotParticipant   = errors.New("not a participant of this thread")
	ErrThreadNotFound   = errors.New("thread not found")
	ErrSenderMismatch   = errors.New("sender must be the authenticated user")
	ErrSelfConversation = errors.New("cannot message yourself")
	ErrListingNotFound  = errors.New("listing not found")
	ErrMissingListing   = errors.New("listing_id is required")
)

// MaxBodyLength is the maximum message length in characters.
const MaxBodyLength = 1000

// Type classifies a message.
type Type string

const (
	TypeText                Type = "text"
	TypeSystem              Type = "system"
	TypePriceChangeRequest  Type = "price_change_request"
	TypePriceChangeProposal Type = "price_change_proposal"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeSystem, TypePriceChangeRequest, TypePriceChangeProposal:
		return true
	}
	return false
}

// Metadata is the structured side-channel of a message.
type Metadata struct {
	ClientNonce string `json:"client_nonce,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// Message is one chat entry in an escrow or conversation thread.
type Message struct {
	ID             string    `json:"id"`
	EscrowID       string    `json:"escrow_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	Type           Type      `json:"type"`
	ImageURL       string    `json:"image_url,omitempty"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

// Nonce returns the client nonce, if any.
func (m *Message) Nonce() string {
	return m.Metadata.ClientNonce
}

// Thread returns the thread m belongs to.
func (m *Message) Thread() Thread {
	if m.ConversationID != "" {
		return ConversationThread(m.ConversationID)
	}
	return EscrowThread(m.EscrowID)
}

// Less orders messages by created_at, then id.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders msgs in place.
func Sort(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// ThreadKind distinguishes escrow chat from conversations.
type ThreadKind string

const (
	KindEscrow       ThreadKind = "escrow"
	KindConversation ThreadKind = "conversation"
)

// Thread addresses one message thread.
type Thread struct {
	Kind ThreadKind
	ID   string
}

// EscrowThread addresses the chat of an escrow.
func EscrowThread(id string) Thread { return Thread{Kind: KindEscrow, ID: id} }

// ConversationThread addresses a pre-escrow conversation.
func ConversationThread(id string) Thread { return Thread{Kind: KindConversation, ID: id} }

// Table is the realtime table name of the thread's messages.
func (t Thread) Table() string {
	if t.Kind == KindConversation {
		return "conversation_messages"
	}
	return "escrow_messages"
}

// Column is the foreign-key column of the thread in its table.
func (t Thread) Column() string {
	if t.Kind == KindConversation {
		return "conversation_id"
	}
	return "escrow_id"
}

// NewMessage is an insert request from a client.
type NewMessage struct {
	EscrowID       string   `json:"escrow_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SenderID       string   `json:"sender_id,omitempty"`
	Body           string   `json:"body"`
	Type           Type     `json:"type,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	Metadata       Metadata `json:"metadata"`
}

// Conversation is a two-party thread, optionally about a listing.
type Conversation struct {
	ID                string    `json:"id"`
	StarterID         string    `json:"starter_id"`
	RecipientID       string    `json:"recipient_id"`
	ListingID         string    `json:"listing_id,omitempty"`
	Title             string    `json:"title,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	LastMessage       *Message  `json:"last_message,omitempty"`
	ListingTitle      string    `json:"listing_title,omitempty"`
	StarterUsername   string    `json:"starter_username,omitempty"`
	RecipientUsername string    `json:"recipient_username,omitempty"`
}

// IsParticipant reports whether userID is one of the two parties.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.StarterID || userID == c.RecipientID)
}

// Counterparty returns the other party's id.
func (c *Conversation) Counterparty(userID string) string {
	if userID == c.StarterID {
		return c.RecipientID
	}
	return c.StarterID
}

// Listing is the directory summary of a marketplace listing.
type Listing struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
}
