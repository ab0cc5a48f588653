package view

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apitest"
	"github.com/mbd888/escrowsync/internal/chat"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/recordstore"
)

// liveView opens escrow id as user with realtime enabled and waits until
// both channels are subscribed.
func liveView(t *testing.T, b *apitest.Backend, user, id string) (*EscrowView, *recordstore.Client) {
	t.Helper()
	gate := b.Gate(t, user)
	client := recordstore.New(b.URL, gate)
	subs := NewSubscriber(b.WSURL, gate, nil)
	v := NewEscrowView(client, subs, Options{PollInterval: 10 * time.Millisecond})
	t.Cleanup(v.Close)
	require.NoError(t, v.Open(context.Background(), id))
	waitSubscribed(t, v)
	return v, client
}

func waitSubscribed(t *testing.T, v *EscrowView) {
	t.Helper()
	require.Eventually(t, func() bool { return v.Snapshot().Realtime == realtime.StatusSubscribed },
		5*time.Second, 10*time.Millisecond)
}

func TestRealtime_CounterpartySelectionArrives(t *testing.T) {
	b := apitest.Start(t)
	e := b.Fund(t, b.CreateEscrow(t, buyer, seller, escrow.MethodCrypto))
	buyerView, _ := liveView(t, b, buyer, e.ID)
	sellerView, _ := liveView(t, b, seller, e.ID)

	require.NoError(t, sellerView.SelectAction(context.Background(), escrow.ActionCancel))

	require.Eventually(t, func() bool {
		other := buyerView.Snapshot().OtherAction
		return other != nil && *other == escrow.ActionCancel
	}, 5*time.Second, 10*time.Millisecond)

	snap := buyerView.Snapshot()
	assert.Nil(t, snap.MyAction)
	assert.Equal(t, escrow.AgreementAwaitingOther, snap.Consensus.State)
	assert.Equal(t, "The other party is waiting for your choice", snap.Summary)
}

func TestRealtime_ChatReachesBothParties(t *testing.T) {
	b := apitest.Start(t)
	e := b.CreateEscrow(t, buyer, seller, escrow.MethodCrypto)
	buyerView, _ := liveView(t, b, buyer, e.ID)
	sellerView, _ := liveView(t, b, seller, e.ID)

	require.NoError(t, buyerView.Send(context.Background(), "shipping today?"))

	require.Eventually(t, func() bool { return len(sellerView.Snapshot().Messages) == 1 },
		5*time.Second, 10*time.Millisecond)
	// The sender's own push does not duplicate its entry.
	time.Sleep(50 * time.Millisecond)
	msgs := buyerView.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, sellerView.Snapshot().Messages[0].ID, msgs[0].ID)
}

func TestRealtime_PriceRenegotiation(t *testing.T) {
	b := apitest.Start(t)
	e := b.Fund(t, b.CreateEscrow(t, buyer, seller, escrow.MethodCrypto))
	// The re-proposed amount needs a fresh deposit.
	b.Deposits.Set(e.ID, 0)
	buyerView, _ := liveView(t, b, buyer, e.ID)
	sellerView, _ := liveView(t, b, seller, e.ID)
	ctx := context.Background()

	require.NoError(t, sellerView.RequestPriceChange(ctx))
	require.Eventually(t, func() bool { return len(buyerView.Snapshot().Prompts) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, chat.PromptProposePrice, buyerView.Snapshot().Prompts[0].Kind)
	assert.Empty(t, sellerView.Snapshot().Prompts, "the requester is not prompted")

	require.NoError(t, buyerView.ProposePrice(ctx, "150"))
	assert.Empty(t, buyerView.Snapshot().Prompts)

	require.Eventually(t, func() bool {
		snap := sellerView.Snapshot()
		return len(snap.Prompts) == 1 && snap.Escrow.Amount == "150"
	}, 5*time.Second, 10*time.Millisecond)

	snap := sellerView.Snapshot()
	assert.Equal(t, chat.PromptReviewProposal, snap.Prompts[0].Kind)
	assert.Equal(t, "150", snap.Prompts[0].Amount)
	assert.Equal(t, escrow.StatusPending, snap.Escrow.Status)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, messages.TypePriceChangeProposal, last.Type)
}

func TestOpen_UnsubscribesPreviousEscrow(t *testing.T) {
	b := apitest.Start(t)
	first := b.Fund(t, b.CreateEscrow(t, buyer, seller, escrow.MethodCrypto))
	second := b.Fund(t, b.CreateEscrow(t, buyer, seller, escrow.MethodCrypto))
	v, _ := liveView(t, b, buyer, first.ID)

	v.mu.Lock()
	old := append([]*realtime.Subscription(nil), v.scope.subs...)
	v.mu.Unlock()
	require.Len(t, old, 2)

	require.NoError(t, v.Open(context.Background(), second.ID))
	for _, s := range old {
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("subscription %s still open after switching escrows", s.Channel().Name)
		}
	}
	waitSubscribed(t, v)

	// Activity on the first escrow no longer reaches the view.
	sellerClient := recordstore.New(b.URL, b.Gate(t, seller))
	p, err := escrow.Select(seller, escrow.ActionRelease).Patch(first)
	require.NoError(t, err)
	_, err = sellerClient.UpdateEscrowField(context.Background(), first.ID, p)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	snap := v.Snapshot()
	assert.Equal(t, second.ID, snap.EscrowID)
	assert.Equal(t, second.ID, snap.Escrow.ID)
	assert.Nil(t, snap.OtherAction)
}

func TestRealtime_CryptoDepositConfirms(t *testing.T) {
	b := apitest.Start(t)
	e := b.CreateEscrow(t, buyer, seller, escrow.MethodCrypto)
	b.Deposits.Set(e.ID, 1)
	v, _ := liveView(t, b, buyer, e.ID)

	require.Eventually(t, func() bool { return v.Snapshot().Polling }, 5*time.Second, 5*time.Millisecond)
	b.Deposits.Set(e.ID, escrow.RequiredConfirmations)

	require.Eventually(t, func() bool {
		snap := v.Snapshot()
		return snap.Escrow.Status == escrow.StatusFunded && !snap.Polling && len(snap.Notices) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConversationView(t *testing.T) {
	b := apitest.Start(t)
	b.PutListing(messages.Listing{ID: "lst_1", OwnerID: seller, Title: "Vintage camera"})
	ctx := context.Background()

	buyerGate := b.Gate(t, buyer)
	buyerView := NewConversationView(recordstore.New(b.URL, buyerGate), NewSubscriber(b.WSURL, buyerGate, nil), Options{})
	t.Cleanup(buyerView.Close)
	require.NoError(t, buyerView.StartFromListing(ctx, "lst_1"))
	convID := buyerView.Snapshot().ConversationID
	require.NotEmpty(t, convID)
	assert.Equal(t, seller, buyerView.Snapshot().Counterparty)

	sellerGate := b.Gate(t, seller)
	sellerView := NewConversationView(recordstore.New(b.URL, sellerGate), NewSubscriber(b.WSURL, sellerGate, nil), Options{})
	t.Cleanup(sellerView.Close)
	require.NoError(t, sellerView.Open(ctx, convID))
	require.Eventually(t, func() bool { return sellerView.Snapshot().Realtime == realtime.StatusSubscribed },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, buyerView.Send(ctx, "Is it still available?"))
	require.Len(t, buyerView.Snapshot().Messages, 1)

	require.Eventually(t, func() bool { return len(sellerView.Snapshot().Messages) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Is it still available?", sellerView.Snapshot().Messages[0].Body)

	err := buyerView.Send(ctx, "   ")
	assert.ErrorIs(t, err, messages.ErrEmptyBody)
	assert.Equal(t, "   ", buyerView.Snapshot().Draft)
}
