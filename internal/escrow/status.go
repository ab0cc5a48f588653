package escrow

// transitions lists the forward edges of the escrow lifecycle.
var transitions = map[Status][]Status{
	StatusPending:   {StatusFunded, StatusCancelled},
	StatusFunded:    {StatusConfirmed, StatusCompleted, StatusCancelled, StatusRefunded, StatusDisputed},
	StatusConfirmed: {StatusCompleted},
}

// rank orders statuses along the lifecycle; branches share the rank of the
// step they replace.
var rank = map[Status]int{
	StatusPending:   0,
	StatusFunded:    1,
	StatusConfirmed: 2,
	StatusDisputed:  2,
	StatusCompleted: 3,
	StatusCancelled: 3,
	StatusRefunded:  3,
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a final display state. Disputed is not
// one: it is resolved outside the consensus protocol.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// AcceptsPartyActions reports whether release/cancel selections are
// meaningful in status s.
func (s Status) AcceptsPartyActions() bool {
	return s == StatusFunded
}

// AcceptsPriceProposal reports whether the buyer may re-propose the amount.
// A proposal resets the escrow to pending, so it is limited to statuses
// where no payout or dispute is underway.
func (s Status) AcceptsPriceProposal() bool {
	return s == StatusPending || s == StatusFunded
}

// Rank returns the lifecycle position of s, -1 for unknown statuses.
func (s Status) Rank() int {
	r, ok := rank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}
