package reconciliation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/messages"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func record(id string, status escrow.Status, at time.Duration) *escrow.Escrow {
	return &escrow.Escrow{
		ID:            id,
		BuyerID:       "user_buyer",
		SellerID:      "user_seller",
		Amount:        "100",
		Currency:      "USDC",
		PaymentMethod: escrow.MethodCrypto,
		Status:        status,
		UpdatedAt:     t0.Add(at),
	}
}

func msg(id, nonce string, at time.Duration) *messages.Message {
	return &messages.Message{
		ID:        id,
		EscrowID:  "esc_1",
		SenderID:  "user_buyer",
		Body:      "body " + id,
		Type:      messages.TypeText,
		Metadata:  messages.Metadata{ClientNonce: nonce},
		CreatedAt: t0.Add(at),
	}
}

func optimistic(nonce string, at time.Duration) *messages.Message {
	return msg(idgen.TempID(), nonce, at)
}

func escrowState() State {
	return NewState(messages.EscrowThread("esc_1"))
}

func ids(s State) []string {
	out := make([]string, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.ID
	}
	return out
}

func TestEscrowReplaced_NewerWins(t *testing.T) {
	s := escrowState()
	s, out := Reduce(s, EscrowReplaced{Escrow: record("esc_1", escrow.StatusPending, 0), Source: SourceFetch})
	require.True(t, out.Applied)
	assert.True(t, out.StatusChanged)

	s, out = Reduce(s, EscrowReplaced{Escrow: record("esc_1", escrow.StatusFunded, time.Second), Source: SourcePush})
	require.True(t, out.Applied)
	assert.True(t, out.StatusChanged)
	assert.Equal(t, escrow.StatusFunded, s.Escrow.Status)
}

func TestEscrowReplaced_OlderPushDoesNotRegress(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, EscrowReplaced{Escrow: record("esc_1", escrow.StatusFunded, time.Minute), Source: SourcePoll})

	next, out := Reduce(s, EscrowReplaced{Escrow: record("esc_1", escrow.StatusPending, 0), Source: SourcePush})
	assert.False(t, out.Applied)
	assert.Equal(t, ReasonStale, out.Reason)
	assert.Equal(t, escrow.StatusFunded, next.Escrow.Status)
}

func TestEscrowReplaced_TieBreaks(t *testing.T) {
	s := escrowState()
	held := record("esc_1", escrow.StatusPending, 0)
	held.Confirmations = escrow.IntPtr(2)
	s, _ = Reduce(s, EscrowReplaced{Escrow: held, Source: SourcePoll})

	noConf := record("esc_1", escrow.StatusPending, 0)
	_, out := Reduce(s, EscrowReplaced{Escrow: noConf, Source: SourcePush})
	assert.False(t, out.Applied, "null confirmations lose a tie")

	fewer := record("esc_1", escrow.StatusPending, 0)
	fewer.Confirmations = escrow.IntPtr(1)
	_, out = Reduce(s, EscrowReplaced{Escrow: fewer, Source: SourcePush})
	assert.False(t, out.Applied, "fewer confirmations lose a tie")

	more := record("esc_1", escrow.StatusPending, 0)
	more.Confirmations = escrow.IntPtr(3)
	s, out = Reduce(s, EscrowReplaced{Escrow: more, Source: SourcePush})
	assert.True(t, out.Applied)
	assert.False(t, out.StatusChanged)
	assert.Equal(t, 3, s.Escrow.ConfirmationCount())
}

func TestEscrowReplaced_ForeignRecord(t *testing.T) {
	s := escrowState()
	_, out := Reduce(s, EscrowReplaced{Escrow: record("esc_other", escrow.StatusFunded, 0), Source: SourcePush})
	assert.False(t, out.Applied)
	assert.Equal(t, ReasonForeign, out.Reason)

	_, out = Reduce(s, EscrowReplaced{Source: SourcePush})
	assert.Equal(t, ReasonEmpty, out.Reason)
}

func TestEscrowReplaced_CarriesProfilesForward(t *testing.T) {
	s := escrowState()
	fetched := record("esc_1", escrow.StatusFunded, 0)
	fetched.BuyerProfile = &escrow.Profile{ID: "user_buyer", Username: "alice"}
	fetched.SellerProfile = &escrow.Profile{ID: "user_seller", Username: "bob"}
	s, _ = Reduce(s, EscrowReplaced{Escrow: fetched, Source: SourceFetch})

	pushed := record("esc_1", escrow.StatusFunded, time.Second)
	pushed.BuyerAction = escrow.ActionPtr(escrow.ActionRelease)
	s, out := Reduce(s, EscrowReplaced{Escrow: pushed, Source: SourcePush})
	require.True(t, out.Applied)
	require.NotNil(t, s.Escrow.BuyerProfile)
	assert.Equal(t, "alice", s.Escrow.BuyerProfile.Username)
	assert.Equal(t, "bob", s.Escrow.SellerProfile.Username)
	assert.Equal(t, escrow.ActionRelease, *s.Escrow.BuyerAction)
}

func TestEscrowReplaced_DoesNotAliasInput(t *testing.T) {
	s := escrowState()
	in := record("esc_1", escrow.StatusFunded, 0)
	s, _ = Reduce(s, EscrowReplaced{Escrow: in, Source: SourceFetch})
	in.Status = escrow.StatusCancelled
	assert.Equal(t, escrow.StatusFunded, s.Escrow.Status)
}

func TestLastActionWriteDetermines(t *testing.T) {
	s := escrowState()
	writes := []*escrow.Action{
		escrow.ActionPtr(escrow.ActionRelease),
		nil,
		escrow.ActionPtr(escrow.ActionCancel),
		nil,
		escrow.ActionPtr(escrow.ActionRelease),
	}
	for i, a := range writes {
		e := record("esc_1", escrow.StatusFunded, time.Duration(i)*time.Second)
		e.BuyerAction = a
		s, _ = Reduce(s, EscrowReplaced{Escrow: e, Source: SourceWrite})
	}
	require.NotNil(t, s.Escrow.BuyerAction)
	assert.Equal(t, escrow.ActionRelease, *s.Escrow.BuyerAction)

	// A late echo of an intermediate write does not win.
	late := record("esc_1", escrow.StatusFunded, time.Second)
	_, out := Reduce(s, EscrowReplaced{Escrow: late, Source: SourcePush})
	assert.False(t, out.Applied)
}

func TestOptimisticThenPush_SingleEntry(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_1", "", 0), Source: SourcePush})

	local := optimistic("nonce-1", time.Second)
	s, out := Reduce(s, OptimisticAppended{Message: local})
	require.True(t, out.Applied)
	require.Len(t, s.Pending(), 1)

	s, out = Reduce(s, MessageInserted{Message: msg("msg_2", "nonce-1", 2*time.Second), Source: SourcePush})
	require.True(t, out.Applied)
	assert.Equal(t, []string{"msg_1", "msg_2"}, ids(s))
	assert.Empty(t, s.Pending())

	// The write result arrives after the push.
	s, out = Reduce(s, MessageInserted{Message: msg("msg_2", "nonce-1", 2*time.Second), Source: SourceWrite})
	assert.False(t, out.Applied)
	assert.Equal(t, ReasonDuplicate, out.Reason)
	assert.Len(t, s.Messages, 2)
}

func TestPushBeforeWriteResult(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, OptimisticAppended{Message: optimistic("n", 0)})
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_9", "n", 0), Source: SourceWrite})

	_, out := Reduce(s, MessageInserted{Message: msg("msg_9", "n", 0), Source: SourcePush})
	assert.Equal(t, ReasonDuplicate, out.Reason)
}

func TestOptimisticFailed_RemovesByNonce(t *testing.T) {
	s := escrowState()
	local := optimistic("nonce-1", 0)
	local.Body = "hello there"
	s, _ = Reduce(s, OptimisticAppended{Message: local})
	s, _ = Reduce(s, OptimisticAppended{Message: optimistic("nonce-2", time.Second)})

	s, out := Reduce(s, OptimisticFailed{Nonce: "nonce-1"})
	require.True(t, out.Applied)
	require.NotNil(t, out.Restored)
	assert.Equal(t, "hello there", out.Restored.Body)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "nonce-2", s.Messages[0].Nonce())

	_, out = Reduce(s, OptimisticFailed{Nonce: "nonce-1"})
	assert.Equal(t, ReasonUnknownNonce, out.Reason)
}

func TestOptimisticAppended_Validation(t *testing.T) {
	s := escrowState()
	_, out := Reduce(s, OptimisticAppended{Message: msg("msg_1", "n", 0)})
	assert.Equal(t, ReasonInvalid, out.Reason, "optimistic entries need a temporary id")

	_, out = Reduce(s, OptimisticAppended{Message: optimistic("", 0)})
	assert.Equal(t, ReasonInvalid, out.Reason, "optimistic entries need a nonce")

	s, _ = Reduce(s, OptimisticAppended{Message: optimistic("n", 0)})
	_, out = Reduce(s, OptimisticAppended{Message: optimistic("n", 0)})
	assert.Equal(t, ReasonDuplicate, out.Reason)
}

func TestMessageInserted_OrderAndThread(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_b", "", time.Second), Source: SourcePush})
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_a", "", time.Second), Source: SourcePush})
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_0", "", 0), Source: SourcePush})
	assert.Equal(t, []string{"msg_0", "msg_a", "msg_b"}, ids(s))

	other := msg("msg_x", "", 0)
	other.EscrowID = "esc_other"
	_, out := Reduce(s, MessageInserted{Message: other, Source: SourcePush})
	assert.Equal(t, ReasonForeign, out.Reason)
}

func TestMessageUpdated(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_1", "", 0), Source: SourcePush})

	edited := msg("msg_1", "", 0)
	edited.Body = "edited"
	s, out := Reduce(s, MessageUpdated{Message: edited})
	require.True(t, out.Applied)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "edited", s.Messages[0].Body)

	s, out = Reduce(s, MessageUpdated{Message: msg("msg_2", "", time.Second)})
	assert.True(t, out.Applied, "an update for an unknown id is inserted")
	assert.Len(t, s.Messages, 2)
}

func TestMessagesLoaded_KeepsPendingOptimistic(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, OptimisticAppended{Message: optimistic("confirmed", 0)})
	s, _ = Reduce(s, OptimisticAppended{Message: optimistic("in-flight", time.Second)})

	s, out := Reduce(s, MessagesLoaded{
		Messages: []*messages.Message{msg("msg_2", "confirmed", 0), msg("msg_1", "", 0), msg("msg_1", "", 0)},
		Source:   SourceFetch,
	})
	require.True(t, out.Applied)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "msg_1", s.Messages[0].ID)
	assert.Equal(t, "msg_2", s.Messages[1].ID)
	assert.Equal(t, "in-flight", s.Messages[2].Nonce())
}

func TestMessagesLoaded_StaleFetchKeepsPushedMessage(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_2", "", time.Second), Source: SourcePush})

	s, out := Reduce(s, MessagesLoaded{Source: SourceFetch})
	require.True(t, out.Applied)
	assert.Equal(t, []string{"msg_2"}, ids(s))

	s, _ = Reduce(s, MessagesLoaded{Messages: []*messages.Message{msg("msg_1", "", 0)}, Source: SourceFetch})
	assert.Equal(t, []string{"msg_1", "msg_2"}, ids(s))
}

func TestMessagesLoaded_FetchedCopyWinsByID(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_1", "n1", 0), Source: SourcePush})

	fetched := msg("msg_1", "n1", 0)
	fetched.Body = "from fetch"
	dup := msg("msg_9", "n1", 0)
	s, _ = Reduce(s, MessagesLoaded{Messages: []*messages.Message{fetched, dup}, Source: SourceFetch})
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "from fetch", s.Messages[0].Body)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := escrowState()
	s, _ = Reduce(s, MessageInserted{Message: msg("msg_1", "", 0), Source: SourcePush})
	before := ids(s)

	_, _ = Reduce(s, MessageInserted{Message: msg("msg_0", "", -time.Second), Source: SourcePush})
	_, _ = Reduce(s, OptimisticAppended{Message: optimistic("n", time.Second)})
	assert.Equal(t, before, ids(s))
}

func TestTimeline_Apply(t *testing.T) {
	tl := NewTimeline(messages.EscrowThread("esc_1"), nil)
	out := tl.Apply(EscrowReplaced{Escrow: record("esc_1", escrow.StatusPending, 0), Source: SourceFetch})
	assert.True(t, out.Applied)

	out = tl.Apply(EscrowReplaced{Escrow: record("esc_2", escrow.StatusPending, 0), Source: SourcePush})
	assert.False(t, out.Applied)
	assert.Equal(t, "esc_1", tl.State().Escrow.ID)
}
