// Package escrow holds the escrow record shared by a buyer and a seller.
//
// Flow:
//  1. Buyer opens an escrow → status pending, deposit address or PayPal order
//  2. Payment is observed (confirmations or PayPal authorization) → funded
//  3. Each party selects release or cancel on their own action field
//  4. Both selections agree → completed (release) or cancelled (cancel)
//
// The same types are used by the reference backend (Service, stores,
// handlers) and by clients that observe the record through fetches and
// realtime pushes.
package escrow

import (
	"errors"
	"time"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrInvalidStatus    = errors.New("invalid escrow status for this operation")
	ErrNotParticipant   = errors.New("not a participant of this escrow")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	ErrInvalidAction    = errors.New("action must be release or cancel")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrStatusChanged    = errors.New("escrow status changed concurrently")
	ErrAlreadyResolved  = errors.New("escrow already resolved")
	ErrPayoutDetails    = errors.New("seller payout details required before release")
	ErrPaymentPending   = errors.New("payment not yet received")
	ErrNoDepositAddress = errors.New("escrow has no deposit address")
	ErrWrongMethod      = errors.New("operation not available for this payment method")
	ErrAlreadyFunded    = errors.New("escrow already funded")
	ErrEmptyPatch       = errors.New("patch has no fields")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Awaiting payment
	StatusFunded    Status = "funded"    // Payment observed, parties may act
	StatusConfirmed Status = "confirmed" // Delivery acknowledged, awaiting payout
	StatusCompleted Status = "completed" // Funds released to seller
	StatusDisputed  Status = "disputed"  // Escalated outside the consensus protocol
	StatusCancelled Status = "cancelled" // Both parties agreed to cancel
	StatusRefunded  Status = "refunded"  // Funds returned to buyer
)

// Action is a party's release-or-cancel intent.
type Action string

const (
	ActionRelease Action = "release"
	ActionCancel  Action = "cancel"
)

// Valid reports whether a is one of the two known actions.
func (a Action) Valid() bool {
	return a == ActionRelease || a == ActionCancel
}

// PaymentMethod is the rail used to fund the escrow.
type PaymentMethod string

const (
	MethodCrypto PaymentMethod = "crypto"
	MethodPayPal PaymentMethod = "paypal"
)

// Party identifies which side of the escrow a user is on.
type Party string

const (
	PartyNone   Party = ""
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Profile is the joined display summary of a party.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Label returns a display name, falling back to an id-derived placeholder.
func (p *Profile) Label() string {
	if p != nil {
		if p.DisplayName != "" {
			return p.DisplayName
		}
		if p.Username != "" {
			return p.Username
		}
		return Placeholder(p.ID)
	}
	return "Unknown user"
}

// Placeholder derives a short label from a user id.
func Placeholder(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "Unknown user"
	}
	return "User " + id
}

// Escrow is the escrow record as stored by the backend.
type Escrow struct {
	ID                    string        `json:"id"`
	BuyerID               string        `json:"buyer_id"`
	SellerID              string        `json:"seller_id"`
	Amount                string        `json:"amount"`
	Currency              string        `json:"currency"`
	USDAmount             *string       `json:"usd_amount"`
	PaymentMethod         PaymentMethod `json:"payment_method"`
	Status                Status        `json:"status"`
	Confirmations         *int          `json:"confirmations"`
	DepositAddress        *string       `json:"deposit_address"`
	BuyerAction           *Action       `json:"buyer_action"`
	SellerAction          *Action       `json:"seller_action"`
	BuyerConfirmed        bool          `json:"buyer_confirmed"`
	SellerConfirmed       bool          `json:"seller_confirmed"`
	SellerAddress         string        `json:"seller_address,omitempty"`
	SellerPayPalEmail     string        `json:"seller_paypal_email,omitempty"`
	PayPalOrderID         string        `json:"paypal_order_id,omitempty"`
	PayPalAuthorizationID string        `json:"paypal_authorization_id,omitempty"`
	BuyerProfile          *Profile      `json:"buyer_profile,omitempty"`
	SellerProfile         *Profile      `json:"seller_profile,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// RoleOf returns the party userID plays in the escrow.
func (e *Escrow) RoleOf(userID string) Party {
	switch {
	case userID == "":
		return PartyNone
	case userID == e.BuyerID:
		return PartyBuyer
	case userID == e.SellerID:
		return PartySeller
	}
	return PartyNone
}

// IsParticipant reports whether userID is the buyer or the seller.
func (e *Escrow) IsParticipant(userID string) bool {
	return e.RoleOf(userID) != PartyNone
}

// ActionOf returns the current selection of party p.
func (e *Escrow) ActionOf(p Party) *Action {
	switch p {
	case PartyBuyer:
		return e.BuyerAction
	case PartySeller:
		return e.SellerAction
	}
	return nil
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// ConfirmationCount returns the confirmations, treating null as zero.
func (e *Escrow) ConfirmationCount() int {
	if e.Confirmations == nil {
		return 0
	}
	return *e.Confirmations
}

// HasDepositAddress reports whether the backend has assigned an address.
func (e *Escrow) HasDepositAddress() bool {
	return e.DepositAddress != nil && *e.DepositAddress != ""
}

// Clone returns a deep copy so callers can't mutate shared state.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	cp := *e
	cp.USDAmount = cloneString(e.USDAmount)
	cp.DepositAddress = cloneString(e.DepositAddress)
	cp.BuyerAction = cloneAction(e.BuyerAction)
	cp.SellerAction = cloneAction(e.SellerAction)
	if e.Confirmations != nil {
		n := *e.Confirmations
		cp.Confirmations = &n
	}
	if e.BuyerProfile != nil {
		p := *e.BuyerProfile
		cp.BuyerProfile = &p
	}
	if e.SellerProfile != nil {
		p := *e.SellerProfile
		cp.SellerProfile = &p
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneAction(a *Action) *Action {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

// ActionPtr returns a pointer to a, for building records in tests and stores.
func ActionPtr(a Action) *Action { return &a }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// PaymentCheck is the result of a check-payment call.
type PaymentCheck struct {
	Status        Status  `json:"status"`
	Confirmations int     `json:"confirmations"`
	Escrow        *Escrow `json:"escrow,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Confirmed reports whether the check shows a funded escrow with enough
// confirmations.
func (p *PaymentCheck) Confirmed(threshold int) bool {
	return p != nil && p.Status == StatusFunded && p.Confirmations >= threshold
}

// RequiredConfirmations is the confirmation threshold for crypto deposits.
const RequiredConfirmations = 3
