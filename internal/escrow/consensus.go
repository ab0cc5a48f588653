package escrow

// Agreement is the sub-state of the dual-action protocol.
type Agreement string

const (
	AgreementInactive           Agreement = "inactive"             // status is not funded
	AgreementIdle               Agreement = "idle"                 // nobody has selected
	AgreementAwaitingOther      Agreement = "awaiting_other"       // exactly one selection
	AgreementAwaitingSameChoice Agreement = "awaiting_same_choice" // both selected, different
	AgreementAgreed             Agreement = "agreed"               // both selected the same action
)

// Consensus is the resolved view of both parties' selections.
type Consensus struct {
	State  Agreement `json:"state"`
	Buyer  *Action   `json:"buyer_action"`
	Seller *Action   `json:"seller_action"`
	// Action and Outcome are set only when State is AgreementAgreed.
	Action  Action `json:"action,omitempty"`
	Outcome Status `json:"outcome,omitempty"`
}

// Agreed reports whether both parties selected the same action.
func (c Consensus) Agreed() bool {
	return c.State == AgreementAgreed
}

// WaitingOn returns the party whose selection is missing while exactly one
// party has chosen.
func (c Consensus) WaitingOn() Party {
	if c.State != AgreementAwaitingOther {
		return PartyNone
	}
	if c.Buyer == nil {
		return PartyBuyer
	}
	return PartySeller
}

// Summary renders the state for a viewer.
func (c Consensus) Summary(viewer Party) string {
	switch c.State {
	case AgreementAgreed:
		if c.Action == ActionRelease {
			return "Both parties agreed to release funds"
		}
		return "Both parties agreed to cancel"
	case AgreementAwaitingSameChoice:
		return "Parties chose differently; one of you must change your selection"
	case AgreementAwaitingOther:
		if c.WaitingOn() == viewer {
			return "The other party is waiting for your choice"
		}
		return "Waiting for the other party"
	case AgreementIdle:
		return "Choose to release or cancel"
	}
	return ""
}

// Resolve evaluates the dual-action protocol on a record. It must be
// re-evaluated after every change to either action field, local or pushed.
func Resolve(e *Escrow) Consensus {
	if e == nil {
		return Consensus{State: AgreementInactive}
	}
	c := Consensus{
		Buyer:  cloneAction(e.BuyerAction),
		Seller: cloneAction(e.SellerAction),
	}
	if !e.Status.AcceptsPartyActions() {
		c.State = AgreementInactive
		return c
	}
	switch {
	case c.Buyer == nil && c.Seller == nil:
		c.State = AgreementIdle
	case c.Buyer == nil || c.Seller == nil:
		c.State = AgreementAwaitingOther
	case *c.Buyer != *c.Seller:
		c.State = AgreementAwaitingSameChoice
	default:
		c.State = AgreementAgreed
		c.Action = *c.Buyer
		c.Outcome = OutcomeOf(c.Action)
	}
	return c
}

// OutcomeOf returns the terminal status an agreed action leads to.
func OutcomeOf(a Action) Status {
	if a == ActionRelease {
		return StatusCompleted
	}
	return StatusCancelled
}
