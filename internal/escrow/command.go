package escrow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type patchKind int

const (
	patchNone patchKind = iota
	patchAction
	patchPrice
)

// Patch is a partial write of an escrow record. The only ways to obtain one
// are ActionCommand.Patch, PriceProposal.Patch and DecodePatch, so a patch
// can target the caller's own action field or the price, never anything else.
type Patch struct {
	kind   patchKind
	party  Party
	action *Action
	amount string
}

// IsZero reports whether the patch is empty.
func (p Patch) IsZero() bool { return p.kind == patchNone }

// IsAction reports whether the patch sets or clears one party's action.
func (p Patch) IsAction() bool { return p.kind == patchAction }

// IsPrice reports whether the patch is a price proposal.
func (p Patch) IsPrice() bool { return p.kind == patchPrice }

// Party returns the party whose action field the patch targets.
func (p Patch) Party() Party { return p.party }

// Action returns the action being set; nil means clear.
func (p Patch) Action() *Action { return cloneAction(p.action) }

// Amount returns the proposed amount of a price patch.
func (p Patch) Amount() string { return p.amount }

func (p Patch) field() string {
	switch p.party {
	case PartyBuyer:
		return "buyer_action"
	case PartySeller:
		return "seller_action"
	}
	return ""
}

// MarshalJSON encodes only the targeted fields. A cleared action is sent as
// an explicit null.
func (p Patch) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case patchAction:
		return json.Marshal(map[string]*Action{p.field(): p.action})
	case patchPrice:
		return json.Marshal(map[string]string{"amount": p.amount, "status": string(StatusPending)})
	}
	return nil, ErrEmptyPatch
}

// DecodePatch parses a patch body and rejects any field outside the
// allowed shapes.
func DecodePatch(data []byte) (Patch, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&fields); err != nil {
		return Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	if len(fields) == 0 {
		return Patch{}, ErrEmptyPatch
	}

	if raw, ok := fields["amount"]; ok {
		if len(fields) != 2 {
			return Patch{}, fmt.Errorf("%w: price proposal must set exactly amount and status", ErrUnauthorized)
		}
		var status Status
		if err := json.Unmarshal(fields["status"], &status); err != nil || status != StatusPending {
			return Patch{}, fmt.Errorf("%w: price proposal must reset status to pending", ErrUnauthorized)
		}
		var amount string
		if err := json.Unmarshal(raw, &amount); err != nil {
			return Patch{}, fmt.Errorf("%w: amount must be a decimal string", ErrInvalidAmount)
		}
		normalized, err := NormalizeAmount(amount)
		if err != nil {
			return Patch{}, err
		}
		return Patch{kind: patchPrice, amount: normalized}, nil
	}

	if len(fields) != 1 {
		return Patch{}, fmt.Errorf("%w: only one action field may be written", ErrUnauthorized)
	}
	for name, raw := range fields {
		var party Party
		switch name {
		case "buyer_action":
			party = PartyBuyer
		case "seller_action":
			party = PartySeller
		default:
			return Patch{}, fmt.Errorf("%w: field %q is not writable", ErrUnauthorized, name)
		}
		var action *Action
		if err := json.Unmarshal(raw, &action); err != nil {
			return Patch{}, ErrInvalidAction
		}
		if action != nil && !action.Valid() {
			return Patch{}, ErrInvalidAction
		}
		return Patch{kind: patchAction, party: party, action: action}, nil
	}
	return Patch{}, ErrEmptyPatch
}

// Authorize checks that caller may apply p to e.
func (p Patch) Authorize(e *Escrow, caller string) error {
	role := e.RoleOf(caller)
	if role == PartyNone {
		return ErrNotParticipant
	}
	switch p.kind {
	case patchAction:
		if role != p.party {
			return ErrUnauthorized
		}
		if !e.Status.AcceptsPartyActions() {
			return ErrInvalidStatus
		}
	case patchPrice:
		if role != PartyBuyer {
			return ErrUnauthorized
		}
		if !e.Status.AcceptsPriceProposal() {
			return ErrInvalidStatus
		}
	default:
		return ErrEmptyPatch
	}
	return nil
}

// Apply writes the patch into e. Clearing one party's action never touches
// the other party's field.
func (p Patch) Apply(e *Escrow, now time.Time) {
	switch p.kind {
	case patchAction:
		if p.party == PartyBuyer {
			e.BuyerAction = cloneAction(p.action)
		} else {
			e.SellerAction = cloneAction(p.action)
		}
	case patchPrice:
		e.Amount = p.amount
		e.Status = StatusPending
		e.BuyerAction = nil
		e.SellerAction = nil
		e.BuyerConfirmed = false
		e.SellerConfirmed = false
		e.PayPalOrderID = ""
		e.PayPalAuthorizationID = ""
		if e.PaymentMethod == MethodCrypto {
			e.Confirmations = IntPtr(0)
		}
	}
	e.UpdatedAt = now
}

// ActionCommand selects (Action non-nil) or clears (Action nil) the
// caller's own action.
type ActionCommand struct {
	Caller string
	Action *Action
}

// Select builds a command setting the caller's action.
func Select(caller string, a Action) ActionCommand {
	return ActionCommand{Caller: caller, Action: &a}
}

// Clear builds a command resetting the caller's action to null.
func Clear(caller string) ActionCommand {
	return ActionCommand{Caller: caller}
}

// Patch resolves the command against the escrow the caller is looking at.
// The target field is derived from the caller's role.
func (c ActionCommand) Patch(e *Escrow) (Patch, error) {
	if c.Action != nil && !c.Action.Valid() {
		return Patch{}, ErrInvalidAction
	}
	role := e.RoleOf(c.Caller)
	if role == PartyNone {
		return Patch{}, ErrNotParticipant
	}
	if !e.Status.AcceptsPartyActions() {
		return Patch{}, ErrInvalidStatus
	}
	return Patch{kind: patchAction, party: role, action: cloneAction(c.Action)}, nil
}

// PriceProposal is the buyer re-proposing the escrow amount.
type PriceProposal struct {
	Caller string
	Amount string
}

// Patch validates the proposal and returns the amount + status reset write.
func (p PriceProposal) Patch(e *Escrow) (Patch, error) {
	if e.RoleOf(p.Caller) != PartyBuyer {
		return Patch{}, ErrUnauthorized
	}
	if !e.Status.AcceptsPriceProposal() {
		return Patch{}, ErrInvalidStatus
	}
	amount, err := NormalizeAmount(p.Amount)
	if err != nil {
		return Patch{}, err
	}
	return Patch{kind: patchPrice, amount: amount}, nil
}
