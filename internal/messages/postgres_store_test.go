//go:build integration

package messages

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_EscrowThread(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	escrows := escrow.NewService(escrow.NewPostgresStore(db), nil)
	e, err := escrows.Create(ctx, buyer, escrow.CreateRequest{
		SellerID: seller, Amount: "1", Currency: "USDC", PaymentMethod: escrow.MethodPayPal,
	})
	require.NoError(t, err)

	svc := NewService(NewPostgresStore(db), escrows, nil)

	first, err := svc.Insert(ctx, buyer, NewMessage{EscrowID: e.ID, Body: "hi", Metadata: Metadata{ClientNonce: "n-1"}})
	require.NoError(t, err)
	again, err := svc.Insert(ctx, buyer, NewMessage{EscrowID: e.ID, Body: "hi", Metadata: Metadata{ClientNonce: "n-1"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, svc.PostSystem(ctx, e.ID, seller, escrow.MessageCancelled))

	list, err := svc.List(ctx, e.ID, seller)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n-1", list[0].Nonce())
	assert.Equal(t, TypeSystem, list[1].Type)
	assert.Equal(t, e.ID, list[1].EscrowID)
}

func TestPostgresStore_Conversations(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &Conversation{ID: "conv_pg", StarterID: buyer, RecipientID: seller, ListingID: "lst_1", Title: "Camera", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateConversation(ctx, c))

	found, err := store.FindConversation(ctx, buyer, seller, "lst_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Camera", found.Title)

	missing, err := store.FindConversation(ctx, buyer, seller, "lst_2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	msg := &Message{ID: "msg_pg", ConversationID: c.ID, SenderID: seller, Body: "", ImageURL: "https://img.example/a.png", Type: TypeText, CreatedAt: now.Add(time.Second)}
	require.NoError(t, store.Insert(ctx, msg))
	require.NoError(t, store.TouchConversation(ctx, c.ID, msg))

	last, err := store.Last(ctx, ConversationThread(c.ID))
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "https://img.example/a.png", last.ImageURL)
	assert.Equal(t, c.ID, last.ConversationID)

	list, err := store.ListConversations(ctx, seller, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].UpdatedAt.Equal(msg.CreatedAt))

	_, err = store.GetConversation(ctx, "conv_missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.ErrorIs(t, store.TouchConversation(ctx, "conv_missing", msg), ErrThreadNotFound)
}
