package view

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/session"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const (
	buyer  = "user_buyer"
	seller = "user_seller"
)

// fakeClient is an in-process record store. Hooks run before the default
// behaviour and may replace it by returning handled=true.
type fakeClient struct {
	mu         sync.Mutex
	viewer     string
	sessionErr error
	escrows    map[string]*escrow.Escrow
	msgs       map[string][]*messages.Message
	fetchErr   error
	confirmErr error
	insertErr  error
	// gate blocks FetchEscrow for an id until closed.
	gate        map[string]chan struct{}
	confirmGate chan struct{}
	checks      []int
	checkCalls  int
	authCalls   int
}

func newFakeClient(viewer string, escrows ...*escrow.Escrow) *fakeClient {
	f := &fakeClient{
		viewer:  viewer,
		escrows: make(map[string]*escrow.Escrow),
		msgs:    make(map[string][]*messages.Message),
		gate:    make(map[string]chan struct{}),
	}
	for _, e := range escrows {
		f.escrows[e.ID] = e
	}
	return f
}

func (f *fakeClient) Session(context.Context) (*session.Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return &session.Session{UserID: f.viewer, Token: "tok"}, nil
}

func (f *fakeClient) FetchEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	f.mu.Lock()
	gate := f.gate[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	e, ok := f.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (f *fakeClient) ListMessages(_ context.Context, id string) ([]*messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*messages.Message(nil), f.msgs[id]...), nil
}

// bump applies fn to the stored record and advances its timestamp.
func (f *fakeClient) bump(id string, fn func(e *escrow.Escrow)) *escrow.Escrow {
	e := f.escrows[id]
	fn(e)
	e.UpdatedAt = e.UpdatedAt.Add(time.Second)
	return e.Clone()
}

func (f *fakeClient) UpdateEscrowField(_ context.Context, id string, p escrow.Patch) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.escrows[id]
	if err := p.Authorize(e, f.viewer); err != nil {
		return nil, err
	}
	return f.bump(id, func(e *escrow.Escrow) { p.Apply(e, e.UpdatedAt) }), nil
}

func (f *fakeClient) ConfirmAction(ctx context.Context, id string, a escrow.Action) (*escrow.Escrow, error) {
	if f.confirmGate != nil {
		select {
		case <-f.confirmGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return f.bump(id, func(e *escrow.Escrow) {
		if e.RoleOf(f.viewer) == escrow.PartyBuyer {
			e.BuyerConfirmed = true
			e.BuyerAction = escrow.ActionPtr(a)
		} else {
			e.SellerConfirmed = true
			e.SellerAction = escrow.ActionPtr(a)
		}
	}), nil
}

// CheckPayment replays f.checks as confirmation counts, repeating the
// last one.
func (f *fakeClient) CheckPayment(_ context.Context, id string) (*escrow.PaymentCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if len(f.checks) > 0 {
		i := f.checkCalls
		if i >= len(f.checks) {
			i = len(f.checks) - 1
		}
		n = f.checks[i]
	}
	f.checkCalls++
	e := f.bump(id, func(e *escrow.Escrow) {
		e.Confirmations = escrow.IntPtr(n)
		if n >= escrow.RequiredConfirmations {
			e.Status = escrow.StatusFunded
		}
	})
	return &escrow.PaymentCheck{Status: e.Status, Confirmations: n, Escrow: e}, nil
}

func (f *fakeClient) PayPalCreate(_ context.Context, id, returnURL string) (string, error) {
	return "https://paypal.example.com/approve?token=ORDER-" + id, nil
}

func (f *fakeClient) PayPalAuthorize(_ context.Context, id, token, _ string) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.bump(id, func(e *escrow.Escrow) {
		e.Status = escrow.StatusFunded
		e.PayPalOrderID = token
	}), nil
}

func (f *fakeClient) InsertMessage(_ context.Context, m messages.NewMessage) (*messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	stored := &messages.Message{
		ID:        idgen.WithPrefix("msg_"),
		EscrowID:  m.EscrowID,
		SenderID:  f.viewer,
		Body:      m.Body,
		Type:      m.Type,
		Metadata:  m.Metadata,
		CreatedAt: t0.Add(time.Duration(len(f.msgs[m.EscrowID])+1) * time.Second),
	}
	f.msgs[m.EscrowID] = append(f.msgs[m.EscrowID], stored)
	return stored, nil
}

func (f *fakeClient) calls() (checks, auths int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls, f.authCalls
}

func fundedCrypto(id string) *escrow.Escrow {
	addr := "0x00000000000000000000000000000000000000aa"
	return &escrow.Escrow{
		ID:             id,
		BuyerID:        buyer,
		SellerID:       seller,
		Amount:         "100",
		Currency:       "USDC",
		PaymentMethod:  escrow.MethodCrypto,
		Status:         escrow.StatusFunded,
		Confirmations:  escrow.IntPtr(3),
		DepositAddress: &addr,
		UpdatedAt:      t0,
	}
}

func pendingCrypto(id string) *escrow.Escrow {
	e := fundedCrypto(id)
	e.Status = escrow.StatusPending
	e.Confirmations = escrow.IntPtr(0)
	return e
}

func pendingPayPal(id string) *escrow.Escrow {
	return &escrow.Escrow{
		ID:            id,
		BuyerID:       buyer,
		SellerID:      seller,
		Amount:        "40",
		Currency:      "USD",
		PaymentMethod: escrow.MethodPayPal,
		Status:        escrow.StatusPending,
		UpdatedAt:     t0,
	}
}
