package chat

import (
	"fmt"
	"sync"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
)

// PromptKind is what a typed message asks of the viewer.
type PromptKind string

const (
	// PromptProposePrice asks the buyer to propose a new amount.
	PromptProposePrice PromptKind = "propose_price"
	// PromptReviewProposal tells the seller the buyer proposed an amount.
	PromptReviewProposal PromptKind = "review_proposal"
)

// Prompt is a UI request raised by a typed message.
type Prompt struct {
	Kind      PromptKind
	MessageID string
	Amount    string
	Currency  string
	Text      string
}

// Triggers interprets typed messages for one viewer. Each message raises
// at most one prompt, however many times it is delivered.
type Triggers struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewTriggers creates an interpreter.
func NewTriggers() *Triggers {
	return &Triggers{seen: make(map[string]bool)}
}

// Interpret returns the prompt m raises for viewer on escrow e, if any.
// The viewer's own messages never prompt them, and nothing prompts once
// the escrow no longer accepts a price change.
func (t *Triggers) Interpret(viewer string, e *escrow.Escrow, m *messages.Message) (Prompt, bool) {
	if e == nil || m == nil || m.SenderID == viewer || m.EscrowID != e.ID {
		return Prompt{}, false
	}
	if !e.Status.AcceptsPriceProposal() {
		return Prompt{}, false
	}

	var p Prompt
	switch {
	case m.Type == messages.TypePriceChangeRequest && e.RoleOf(viewer) == escrow.PartyBuyer:
		p = Prompt{
			Kind:     PromptProposePrice,
			Currency: e.Currency,
			Amount:   e.Amount,
			Text:     "The seller asked for a different price. Propose a new amount.",
		}
	case m.Type == messages.TypePriceChangeProposal && e.RoleOf(viewer) == escrow.PartySeller:
		currency := m.Metadata.Currency
		if currency == "" {
			currency = e.Currency
		}
		p = Prompt{
			Kind:     PromptReviewProposal,
			Amount:   m.Metadata.Amount,
			Currency: currency,
			Text:     fmt.Sprintf("The buyer proposed a new price of %s %s.", m.Metadata.Amount, currency),
		}
	default:
		return Prompt{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[m.ID] {
		return Prompt{}, false
	}
	t.seen[m.ID] = true
	p.MessageID = m.ID
	return p, true
}
