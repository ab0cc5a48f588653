// Package reconciliation merges every producer of escrow state into one
// view: realtime pushes, payment polls, manual fetches, write results and
// optimistic chat entries.
//
// Reduce is pure. The same (State, Event) pair always yields the same
// result, so convergence can be tested without any transport.
package reconciliation

import (
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/messages"
)

// Source identifies the producer of an event.
type Source string

const (
	SourcePush       Source = "push"
	SourcePoll       Source = "poll"
	SourceFetch      Source = "fetch"
	SourceManual     Source = "manual"
	SourceAuthorize  Source = "authorize"
	SourceWrite      Source = "write"
	SourceOptimistic Source = "optimistic"
)

// Discard reasons reported in Outcome.Reason.
const (
	ReasonEmpty        = "empty"
	ReasonForeign      = "foreign"
	ReasonStale        = "stale"
	ReasonDuplicate    = "duplicate"
	ReasonUnknownNonce = "unknown_nonce"
	ReasonInvalid      = "invalid"
)

// State is the reconciled view of one thread and, for escrow threads, its
// record. States are values: Reduce never mutates its input, and the
// messages a State points to must not be modified.
type State struct {
	Thread   messages.Thread
	Escrow   *escrow.Escrow
	Messages []*messages.Message
}

// NewState returns the empty state of a thread.
func NewState(thread messages.Thread) State {
	return State{Thread: thread}
}

// Pending returns the optimistic entries not yet confirmed by the backend.
func (s State) Pending() []*messages.Message {
	var out []*messages.Message
	for _, m := range s.Messages {
		if idgen.IsTemp(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// Event is an input to Reduce.
type Event interface {
	EventSource() Source
}

// EscrowReplaced carries a full escrow record from any source.
type EscrowReplaced struct {
	Escrow *escrow.Escrow
	Source Source
}

// MessageInserted carries an authoritative message: a push or the result
// of the caller's own insert.
type MessageInserted struct {
	Message *messages.Message
	Source  Source
}

// MessageUpdated carries a pushed change to an existing message.
type MessageUpdated struct {
	Message *messages.Message
}

// OptimisticAppended adds a locally built message. It must carry a client
// nonce and a temporary id.
type OptimisticAppended struct {
	Message *messages.Message
}

// OptimisticFailed removes the optimistic entry with Nonce.
type OptimisticFailed struct {
	Nonce string
}

// MessagesLoaded merges a fetched list into the thread. Held messages are
// never dropped and pending optimistic entries survive.
type MessagesLoaded struct {
	Messages []*messages.Message
	Source   Source
}

func (e EscrowReplaced) EventSource() Source   { return e.Source }
func (e MessageInserted) EventSource() Source  { return e.Source }
func (MessageUpdated) EventSource() Source     { return SourcePush }
func (OptimisticAppended) EventSource() Source { return SourceOptimistic }
func (OptimisticFailed) EventSource() Source   { return SourceOptimistic }
func (e MessagesLoaded) EventSource() Source   { return e.Source }

// Outcome describes what Reduce did with an event.
type Outcome struct {
	Applied bool
	// Reason is set when the event was discarded.
	Reason string
	// StatusChanged is set when an applied record moved to another status.
	StatusChanged bool
	// Restored is the optimistic entry removed by OptimisticFailed.
	Restored *messages.Message
}

func applied() Outcome                { return Outcome{Applied: true} }
func discarded(reason string) Outcome { return Outcome{Reason: reason} }

// Reduce applies ev to s.
func Reduce(s State, ev Event) (State, Outcome) {
	switch e := ev.(type) {
	case EscrowReplaced:
		return replaceEscrow(s, e.Escrow)
	case MessageInserted:
		return insertMessage(s, e.Message)
	case MessageUpdated:
		return updateMessage(s, e.Message)
	case OptimisticAppended:
		return appendOptimistic(s, e.Message)
	case OptimisticFailed:
		return failOptimistic(s, e.Nonce)
	case MessagesLoaded:
		return loadMessages(s, e.Messages)
	}
	return s, discarded(ReasonInvalid)
}

// replaceEscrow swaps the whole record unless the incoming one is older.
// Joined profiles are carried forward because pushes do not include them.
func replaceEscrow(s State, incoming *escrow.Escrow) (State, Outcome) {
	if incoming == nil {
		return s, discarded(ReasonEmpty)
	}
	if s.Thread.Kind == messages.KindEscrow && s.Thread.ID != "" && incoming.ID != s.Thread.ID {
		return s, discarded(ReasonForeign)
	}
	held := s.Escrow
	if !escrow.Newer(incoming, held) {
		return s, discarded(ReasonStale)
	}

	next := incoming.Clone()
	if held != nil {
		if next.BuyerProfile == nil && held.BuyerID == next.BuyerID {
			next.BuyerProfile = held.Clone().BuyerProfile
		}
		if next.SellerProfile == nil && held.SellerID == next.SellerID {
			next.SellerProfile = held.Clone().SellerProfile
		}
	}

	out := applied()
	out.StatusChanged = held == nil || held.Status != next.Status
	s.Escrow = next
	return s, out
}

// belongs reports whether m is part of the state's thread.
func (s State) belongs(m *messages.Message) bool {
	if s.Thread.ID == "" {
		return true
	}
	return m.Thread() == s.Thread
}

func insertMessage(s State, m *messages.Message) (State, Outcome) {
	if m == nil || m.ID == "" {
		return s, discarded(ReasonEmpty)
	}
	if !s.belongs(m) {
		return s, discarded(ReasonForeign)
	}
	if indexByID(s.Messages, m.ID) >= 0 {
		return s, discarded(ReasonDuplicate)
	}

	msgs := clone(s.Messages)
	if nonce := m.Nonce(); nonce != "" {
		if i := indexByNonce(msgs, nonce, m.SenderID); i >= 0 {
			if !idgen.IsTemp(msgs[i].ID) {
				return s, discarded(ReasonDuplicate)
			}
			msgs[i] = m
			messages.Sort(msgs)
			s.Messages = msgs
			return s, applied()
		}
	}
	msgs = append(msgs, m)
	messages.Sort(msgs)
	s.Messages = msgs
	return s, applied()
}

func updateMessage(s State, m *messages.Message) (State, Outcome) {
	if m == nil || m.ID == "" {
		return s, discarded(ReasonEmpty)
	}
	i := indexByID(s.Messages, m.ID)
	if i < 0 {
		return insertMessage(s, m)
	}
	msgs := clone(s.Messages)
	msgs[i] = m
	messages.Sort(msgs)
	s.Messages = msgs
	return s, applied()
}

func appendOptimistic(s State, m *messages.Message) (State, Outcome) {
	if m == nil || m.Nonce() == "" || !idgen.IsTemp(m.ID) {
		return s, discarded(ReasonInvalid)
	}
	if !s.belongs(m) {
		return s, discarded(ReasonForeign)
	}
	if indexByNonce(s.Messages, m.Nonce(), m.SenderID) >= 0 {
		return s, discarded(ReasonDuplicate)
	}
	s.Messages = append(clone(s.Messages), m)
	return s, applied()
}

func failOptimistic(s State, nonce string) (State, Outcome) {
	if nonce == "" {
		return s, discarded(ReasonInvalid)
	}
	for i, m := range s.Messages {
		if m.Nonce() == nonce && idgen.IsTemp(m.ID) {
			msgs := make([]*messages.Message, 0, len(s.Messages)-1)
			msgs = append(msgs, s.Messages[:i]...)
			msgs = append(msgs, s.Messages[i+1:]...)
			s.Messages = msgs
			out := applied()
			out.Restored = m
			return s, out
		}
	}
	return s, discarded(ReasonUnknownNonce)
}

// loadMessages merges a fetched list into the thread. Fetched entries
// replace held ones with the same id. Authoritative messages the fetch does
// not carry are kept, since a push can land while the fetch is in flight.
// Optimistic entries stay until an authoritative message carries their nonce.
func loadMessages(s State, loaded []*messages.Message) (State, Outcome) {
	msgs := make([]*messages.Message, 0, len(loaded)+len(s.Messages))
	var pending []*messages.Message
	for _, m := range s.Messages {
		if idgen.IsTemp(m.ID) {
			pending = append(pending, m)
			continue
		}
		msgs = append(msgs, m)
	}
	for _, m := range loaded {
		if m == nil || m.ID == "" || idgen.IsTemp(m.ID) || !s.belongs(m) {
			continue
		}
		if i := indexByID(msgs, m.ID); i >= 0 {
			msgs[i] = m
			continue
		}
		if n := m.Nonce(); n != "" && indexByNonce(msgs, n, m.SenderID) >= 0 {
			continue
		}
		msgs = append(msgs, m)
	}
	messages.Sort(msgs)
	for _, m := range pending {
		if indexByNonce(msgs, m.Nonce(), m.SenderID) < 0 {
			msgs = append(msgs, m)
		}
	}
	s.Messages = msgs
	return s, applied()
}

func indexByID(msgs []*messages.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// indexByNonce matches on the nonce and, when both sides know it, the
// sender. Nonces are only unique per sender.
func indexByNonce(msgs []*messages.Message, nonce, sender string) int {
	for i, m := range msgs {
		if m.Nonce() != nonce {
			continue
		}
		if sender != "" && m.SenderID != "" && m.SenderID != sender {
			continue
		}
		return i
	}
	return -1
}

func clone(msgs []*messages.Message) []*messages.Message {
	out := make([]*messages.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return out
}
