package escrow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "user_buyer"
	seller = "user_seller"
)

type recordedMessage struct {
	escrowID, sender, body string
}

type mockMessenger struct {
	mu   sync.Mutex
	msgs []recordedMessage
}

func (m *mockMessenger) PostSystem(_ context.Context, escrowID, senderID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, recordedMessage{escrowID, senderID, body})
	return nil
}

func (m *mockMessenger) bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs {
		out = append(out, msg.body)
	}
	return out
}

type mockPublisher struct {
	mu        sync.Mutex
	published []*Escrow
}

func (p *mockPublisher) PublishEscrow(e *Escrow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e)
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type fixedDeposits struct {
	seq []int
	i   int
}

func (d *fixedDeposits) Confirmations(context.Context, *Escrow) (int, error) {
	n := d.seq[len(d.seq)-1]
	if d.i < len(d.seq) {
		n = d.seq[d.i]
	}
	d.i++
	return n, nil
}

func (d *fixedDeposits) Allocate(context.Context, *Escrow) (string, error) {
	return "0x00000000000000000000000000000000000000aa", nil
}

type countingPayPal struct {
	*SandboxPayPal
	mu         sync.Mutex
	authorized int
}

func (g *countingPayPal) AuthorizeOrder(ctx context.Context, orderID, payerID string) (string, error) {
	g.mu.Lock()
	g.authorized++
	g.mu.Unlock()
	return g.SandboxPayPal.AuthorizeOrder(ctx, orderID, payerID)
}

type testEnv struct {
	svc       *Service
	store     *MemoryStore
	messenger *mockMessenger
	publisher *mockPublisher
	deposits  *fixedDeposits
	paypal    *countingPayPal
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	env := &testEnv{
		store:     store,
		messenger: &mockMessenger{},
		publisher: &mockPublisher{},
		deposits:  &fixedDeposits{seq: []int{0}},
		paypal:    &countingPayPal{SandboxPayPal: NewSandboxPayPal()},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	env.svc = NewService(store, logger).
		WithDeposits(env.deposits, env.deposits).
		WithPayPal(env.paypal).
		WithMessenger(env.messenger).
		WithPublisher(env.publisher)
	return env
}

// seed stores an escrow directly in the given state.
func (env *testEnv) seed(t *testing.T, mutate func(e *Escrow)) *Escrow {
	t.Helper()
	now := time.Now().UTC()
	e := &Escrow{
		ID:            "esc_test",
		BuyerID:       buyer,
		SellerID:      seller,
		Amount:        "100",
		Currency:      "USDC",
		PaymentMethod: MethodCrypto,
		Status:        StatusFunded,
		Confirmations: IntPtr(3),
		SellerAddress: "0x00000000000000000000000000000000000000bb",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(e)
	}
	require.NoError(t, env.store.Create(context.Background(), e))
	return e
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusFunded},
		{StatusPending, StatusCancelled},
		{StatusFunded, StatusConfirmed},
		{StatusFunded, StatusCompleted},
		{StatusFunded, StatusCancelled},
		{StatusFunded, StatusRefunded},
		{StatusFunded, StatusDisputed},
		{StatusConfirmed, StatusCompleted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusFunded},
		{StatusCancelled, StatusPending},
		{StatusRefunded, StatusFunded},
		{StatusFunded, StatusPending},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusFunded.AcceptsPartyActions())
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRefunded, StatusDisputed} {
		assert.False(t, s.AcceptsPartyActions(), s)
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRefunded} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusPending, StatusFunded, StatusConfirmed, StatusDisputed} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.True(t, StatusPending.AcceptsPriceProposal())
	assert.True(t, StatusFunded.AcceptsPriceProposal())
	assert.False(t, StatusDisputed.AcceptsPriceProposal())
	assert.False(t, StatusCompleted.AcceptsPriceProposal())
}

// ---------------------------------------------------------------------------
// Consensus
// ---------------------------------------------------------------------------

func TestResolve_AllCombinations(t *testing.T) {
	choices := []*Action{nil, ActionPtr(ActionRelease), ActionPtr(ActionCancel)}
	for _, b := range choices {
		for _, s := range choices {
			e := &Escrow{Status: StatusFunded, BuyerAction: b, SellerAction: s}
			c := Resolve(e)

			bothSame := b != nil && s != nil && *b == *s
			assert.Equal(t, bothSame, c.Agreed(), "buyer=%v seller=%v", b, s)
			if bothSame {
				assert.Equal(t, *b, c.Action)
				assert.Equal(t, OutcomeOf(*b), c.Outcome)
			}

			switch {
			case b == nil && s == nil:
				assert.Equal(t, AgreementIdle, c.State)
			case b == nil || s == nil:
				assert.Equal(t, AgreementAwaitingOther, c.State)
			case *b != *s:
				assert.Equal(t, AgreementAwaitingSameChoice, c.State)
			}

			assert.Equal(t, b, c.Buyer)
			assert.Equal(t, s, c.Seller)
		}
	}
}

func TestResolve_InactiveOutsideFunded(t *testing.T) {
	e := &Escrow{Status: StatusCompleted, BuyerAction: ActionPtr(ActionRelease), SellerAction: ActionPtr(ActionRelease)}
	c := Resolve(e)
	assert.Equal(t, AgreementInactive, c.State)
	assert.False(t, c.Agreed())
	assert.Equal(t, AgreementInactive, Resolve(nil).State)
}

func TestConsensus_WaitingOn(t *testing.T) {
	c := Resolve(&Escrow{Status: StatusFunded, SellerAction: ActionPtr(ActionCancel)})
	assert.Equal(t, PartyBuyer, c.WaitingOn())
	assert.Equal(t, "The other party is waiting for your choice", c.Summary(PartyBuyer))
	assert.Equal(t, "Waiting for the other party", c.Summary(PartySeller))
}

// ---------------------------------------------------------------------------
// Commands and patches
// ---------------------------------------------------------------------------

func TestActionCommand_TargetsOwnField(t *testing.T) {
	e := &Escrow{BuyerID: buyer, SellerID: seller, Status: StatusFunded}

	p, err := Select(seller, ActionRelease).Patch(e)
	require.NoError(t, err)
	assert.Equal(t, PartySeller, p.Party())

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seller_action":"release"}`, string(data))

	p, err = Clear(buyer).Patch(e)
	require.NoError(t, err)
	data, err = json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"buyer_action":null}`, string(data))
}

func TestActionCommand_Rejects(t *testing.T) {
	e := &Escrow{BuyerID: buyer, SellerID: seller, Status: StatusFunded}

	_, err := Select("stranger", ActionRelease).Patch(e)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = Select(buyer, Action("refund")).Patch(e)
	assert.ErrorIs(t, err, ErrInvalidAction)

	e.Status = StatusPending
	_, err = Select(buyer, ActionRelease).Patch(e)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestPatch_LastWriteWinsPerParty(t *testing.T) {
	e := &Escrow{BuyerID: buyer, SellerID: seller, Status: StatusFunded, SellerAction: ActionPtr(ActionCancel)}
	sequence := []ActionCommand{
		Select(buyer, ActionRelease),
		Clear(buyer),
		Select(buyer, ActionCancel),
		Clear(buyer),
		Select(buyer, ActionRelease),
	}
	for _, cmd := range sequence {
		p, err := cmd.Patch(e)
		require.NoError(t, err)
		p.Apply(e, time.Now())
	}
	require.NotNil(t, e.BuyerAction)
	assert.Equal(t, ActionRelease, *e.BuyerAction)
	require.NotNil(t, e.SellerAction, "clearing the buyer must not touch the seller")
	assert.Equal(t, ActionCancel, *e.SellerAction)

	p, err := Clear(buyer).Patch(e)
	require.NoError(t, err)
	p.Apply(e, time.Now())
	assert.Nil(t, e.BuyerAction)
	assert.NotNil(t, e.SellerAction)
}

func TestDecodePatch(t *testing.T) {
	p, err := DecodePatch([]byte(`{"buyer_action":"cancel"}`))
	require.NoError(t, err)
	assert.True(t, p.IsAction())
	assert.Equal(t, PartyBuyer, p.Party())
	assert.Equal(t, ActionCancel, *p.Action())

	p, err = DecodePatch([]byte(`{"seller_action":null}`))
	require.NoError(t, err)
	assert.Nil(t, p.Action())

	p, err = DecodePatch([]byte(`{"amount":"150.00","status":"pending"}`))
	require.NoError(t, err)
	assert.True(t, p.IsPrice())
	assert.Equal(t, "150", p.Amount())

	for _, body := range []string{
		`{}`,
		`{"status":"completed"}`,
		`{"buyer_action":"release","seller_action":"release"}`,
		`{"amount":"150"}`,
		`{"amount":"150","status":"funded"}`,
		`{"amount":"-1","status":"pending"}`,
		`{"buyer_action":"refund"}`,
		`not json`,
	} {
		_, err := DecodePatch([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestPatch_AuthorizeRejectsCounterPartyField(t *testing.T) {
	e := &Escrow{BuyerID: buyer, SellerID: seller, Status: StatusFunded}
	p, err := DecodePatch([]byte(`{"seller_action":"release"}`))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Authorize(e, buyer), ErrUnauthorized)
	assert.NoError(t, p.Authorize(e, seller))
	assert.ErrorIs(t, p.Authorize(e, "stranger"), ErrNotParticipant)
}

func TestPriceProposal_Patch(t *testing.T) {
	e := &Escrow{BuyerID: buyer, SellerID: seller, Status: StatusFunded, Amount: "100", PaymentMethod: MethodCrypto,
		BuyerAction: ActionPtr(ActionCancel)}

	_, err := PriceProposal{Caller: seller, Amount: "150"}.Patch(e)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = PriceProposal{Caller: buyer, Amount: "abc"}.Patch(e)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	p, err := PriceProposal{Caller: buyer, Amount: "150"}.Patch(e)
	require.NoError(t, err)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"150","status":"pending"}`, string(data))

	p.Apply(e, time.Now())
	assert.Equal(t, "150", e.Amount)
	assert.Equal(t, StatusPending, e.Status)
	assert.Nil(t, e.BuyerAction)
	assert.Equal(t, 0, e.ConfirmationCount())

	e.Status = StatusDisputed
	_, err = PriceProposal{Caller: buyer, Amount: "150"}.Patch(e)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

// ---------------------------------------------------------------------------
// Record ordering
// ---------------------------------------------------------------------------

func TestNewer(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	held := &Escrow{Status: StatusPending, Confirmations: IntPtr(1), UpdatedAt: t0}

	older := &Escrow{Status: StatusFunded, Confirmations: IntPtr(3), UpdatedAt: t0.Add(-time.Second)}
	assert.False(t, Newer(older, held), "older updated_at never regresses the held record")

	later := &Escrow{Status: StatusPending, Confirmations: IntPtr(0), UpdatedAt: t0.Add(time.Second)}
	assert.True(t, Newer(later, held))

	tieMore := &Escrow{Status: StatusPending, Confirmations: IntPtr(2), UpdatedAt: t0}
	assert.True(t, Newer(tieMore, held))

	tieFewer := &Escrow{Status: StatusPending, Confirmations: IntPtr(0), UpdatedAt: t0}
	assert.False(t, Newer(tieFewer, held))

	tieNull := &Escrow{Status: StatusPending, UpdatedAt: t0}
	assert.False(t, Newer(tieNull, held))
	assert.True(t, Newer(held, tieNull))

	tieAdvanced := &Escrow{Status: StatusFunded, Confirmations: IntPtr(1), UpdatedAt: t0}
	assert.True(t, Newer(tieAdvanced, held))
	assert.False(t, Newer(held, tieAdvanced))

	same := held.Clone()
	assert.True(t, Newer(same, held))
	assert.True(t, Newer(held, nil))
	assert.False(t, Newer(nil, held))
}

func TestSameAmount(t *testing.T) {
	assert.True(t, SameAmount("150", "150.00"))
	assert.False(t, SameAmount("150", "150.01"))
	assert.True(t, SameAmount("x", "x"))
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func TestService_CreateCrypto(t *testing.T) {
	env := newTestEnv()
	e, err := env.svc.Create(context.Background(), buyer, CreateRequest{
		SellerID: seller, Amount: "25.50", Currency: "usdc", PaymentMethod: MethodCrypto,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "USDC", e.Currency)
	assert.Equal(t, "25.5", e.Amount)
	assert.True(t, e.HasDepositAddress())
	assert.Equal(t, 0, e.ConfirmationCount())

	_, err = env.svc.Create(context.Background(), buyer, CreateRequest{SellerID: buyer, Amount: "1", Currency: "USDC", PaymentMethod: MethodCrypto})
	assert.Error(t, err)
}

func TestService_GetParticipantOnly(t *testing.T) {
	env := newTestEnv()
	env.seed(t, nil)

	_, err := env.svc.Get(context.Background(), "esc_test", "stranger")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = env.svc.Get(context.Background(), "missing", buyer)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	e, err := env.svc.Get(context.Background(), "esc_test", seller)
	require.NoError(t, err)
	assert.Equal(t, "esc_test", e.ID)
}

func TestService_ConfirmAgreedRelease(t *testing.T) {
	env := newTestEnv()
	env.seed(t, nil)
	ctx := context.Background()

	e, err := env.svc.Confirm(ctx, "esc_test", buyer, ActionRelease)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.Equal(t, AgreementAwaitingOther, Resolve(e).State)
	assert.Empty(t, env.messenger.bodies())

	e, err = env.svc.Confirm(ctx, "esc_test", seller, ActionRelease)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.True(t, e.BuyerConfirmed)
	assert.True(t, e.SellerConfirmed)
	assert.Equal(t, []string{MessageReleased}, env.messenger.bodies())
	assert.Equal(t, 2, env.publisher.count())

	_, err = env.svc.Confirm(ctx, "esc_test", buyer, ActionCancel)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestService_ConfirmDisagreementStaysFunded(t *testing.T) {
	env := newTestEnv()
	env.seed(t, nil)
	ctx := context.Background()

	_, err := env.svc.Confirm(ctx, "esc_test", buyer, ActionRelease)
	require.NoError(t, err)
	e, err := env.svc.Confirm(ctx, "esc_test", seller, ActionCancel)
	require.NoError(t, err)

	assert.Equal(t, StatusFunded, e.Status)
	assert.Equal(t, AgreementAwaitingSameChoice, Resolve(e).State)
	assert.Empty(t, env.messenger.bodies())

	e, err = env.svc.Confirm(ctx, "esc_test", buyer, ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, e.Status)
	assert.Equal(t, []string{MessageCancelled}, env.messenger.bodies())
}

func TestService_ConfirmReleaseRequiresPayoutDetails(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.SellerAddress = "" })

	_, err := env.svc.Confirm(context.Background(), "esc_test", buyer, ActionRelease)
	assert.ErrorIs(t, err, ErrPayoutDetails)

	_, err = env.svc.Confirm(context.Background(), "esc_test", buyer, ActionCancel)
	assert.NoError(t, err)
}

func TestService_ConfirmOnDisputedEscrow(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.Status = StatusDisputed })

	_, err := env.svc.Confirm(context.Background(), "esc_test", buyer, ActionCancel)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestService_ApplyPatchSettlesOnAgreement(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.BuyerAction = ActionPtr(ActionCancel) })
	ctx := context.Background()

	p, err := DecodePatch([]byte(`{"seller_action":"cancel"}`))
	require.NoError(t, err)
	e, err := env.svc.ApplyPatch(ctx, "esc_test", seller, p)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, e.Status)
	assert.Equal(t, []string{MessageCancelled}, env.messenger.bodies())
}

func TestService_ApplyPatchRejectsCounterParty(t *testing.T) {
	env := newTestEnv()
	env.seed(t, nil)

	p, err := DecodePatch([]byte(`{"buyer_action":"release"}`))
	require.NoError(t, err)
	_, err = env.svc.ApplyPatch(context.Background(), "esc_test", seller, p)
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := env.store.Get(context.Background(), "esc_test")
	require.NoError(t, err)
	assert.Nil(t, stored.BuyerAction)
}

func TestService_PriceProposalResetsToPending(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.SellerAction = ActionPtr(ActionCancel) })

	p, err := PriceProposal{Caller: buyer, Amount: "150"}.Patch(&Escrow{BuyerID: buyer, SellerID: seller, Status: StatusFunded})
	require.NoError(t, err)
	e, err := env.svc.ApplyPatch(context.Background(), "esc_test", buyer, p)
	require.NoError(t, err)
	assert.Equal(t, "150", e.Amount)
	assert.Equal(t, StatusPending, e.Status)
	assert.Nil(t, e.SellerAction)
}

func TestService_CheckPaymentFundsAtThreshold(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		e.Status = StatusPending
		e.Confirmations = IntPtr(0)
		e.DepositAddress = StringPtr("0x00000000000000000000000000000000000000aa")
	})
	env.deposits.seq = []int{0, 1, 2, 3}
	ctx := context.Background()

	var checks []*PaymentCheck
	for i := 0; i < 4; i++ {
		c, err := env.svc.CheckPayment(ctx, "esc_test", buyer)
		require.NoError(t, err)
		checks = append(checks, c)
	}

	assert.Equal(t, StatusPending, checks[0].Status)
	assert.Equal(t, "Payment not yet received", checks[0].Message)
	assert.Equal(t, StatusPending, checks[2].Status)
	assert.Equal(t, 2, checks[2].Confirmations)
	assert.Equal(t, StatusFunded, checks[3].Status)
	assert.True(t, checks[3].Confirmed(RequiredConfirmations))
	assert.Equal(t, []string{MessageFunded}, env.messenger.bodies())

	// Further checks report the settled state without counting again.
	c, err := env.svc.CheckPayment(ctx, "esc_test", buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, c.Status)
	assert.Equal(t, 4, env.deposits.i)
}

func TestService_CheckPaymentRejects(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.Status = StatusPending })

	_, err := env.svc.CheckPayment(context.Background(), "esc_test", buyer)
	assert.ErrorIs(t, err, ErrNoDepositAddress)

	_, err = env.svc.CheckPayment(context.Background(), "esc_test", "stranger")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestService_PayPalAuthorizeIdempotent(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		e.PaymentMethod = MethodPayPal
		e.Status = StatusPending
		e.Confirmations = nil
		e.SellerPayPalEmail = "seller@example.com"
	})
	ctx := context.Background()

	approval, err := env.svc.PayPalCreate(ctx, "esc_test", buyer, "https://app.example.com/escrows/esc_test")
	require.NoError(t, err)
	assert.Contains(t, approval, "token=ORDER-")

	stored, err := env.store.Get(ctx, "esc_test")
	require.NoError(t, err)
	token := stored.PayPalOrderID

	_, err = env.svc.PayPalAuthorize(ctx, "esc_test", buyer, "", "")
	assert.ErrorIs(t, err, ErrMissingToken)

	e, err := env.svc.PayPalAuthorize(ctx, "esc_test", buyer, token, "PAYER")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.NotEmpty(t, e.PayPalAuthorizationID)

	again, err := env.svc.PayPalAuthorize(ctx, "esc_test", buyer, token, "PAYER")
	require.NoError(t, err, "replayed redirect must be safe")
	assert.Equal(t, e.PayPalAuthorizationID, again.PayPalAuthorizationID)
	assert.Equal(t, 1, env.paypal.authorized)

	_, err = env.svc.PayPalAuthorize(ctx, "esc_test", buyer, "ORDER-other", "")
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestService_PayPalAuthorizeAlreadyFunded(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.PaymentMethod = MethodPayPal })

	_, err := env.svc.PayPalAuthorize(context.Background(), "esc_test", buyer, "ORDER-1", "")
	assert.ErrorIs(t, err, ErrAlreadyFunded)
}

func paypalPending(e *Escrow) {
	e.PaymentMethod = MethodPayPal
	e.Status = StatusPending
	e.Confirmations = nil
	e.SellerPayPalEmail = "seller@example.com"
}

func authorizationEvent(orderID, authID string) PayPalEvent {
	var ev PayPalEvent
	ev.EventType = EventAuthorizationCreated
	ev.Resource.ID = authID
	ev.Resource.SupplementaryData.RelatedIDs.OrderID = orderID
	return ev
}

func TestService_PayPalWebhookFundsPendingEscrow(t *testing.T) {
	env := newTestEnv()
	env.seed(t, paypalPending)
	ctx := context.Background()

	_, err := env.svc.PayPalCreate(ctx, "esc_test", buyer, "")
	require.NoError(t, err)
	stored, err := env.store.Get(ctx, "esc_test")
	require.NoError(t, err)

	e, err := env.svc.PayPalWebhook(ctx, authorizationEvent(stored.PayPalOrderID, "AUTH-hook"))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StatusFunded, e.Status)
	assert.Equal(t, "AUTH-hook", e.PayPalAuthorizationID)
	assert.Equal(t, []string{MessageFunded}, env.messenger.bodies())
	published := env.publisher.count()

	again, err := env.svc.PayPalWebhook(ctx, authorizationEvent(stored.PayPalOrderID, "AUTH-hook"))
	require.NoError(t, err)
	assert.Nil(t, again, "a redelivered event changes nothing")
	assert.Equal(t, published, env.publisher.count())
	assert.Len(t, env.messenger.bodies(), 1)

	replay, err := env.svc.PayPalAuthorize(ctx, "esc_test", buyer, stored.PayPalOrderID, "PAYER")
	require.NoError(t, err, "the redirect after a webhook must be safe")
	assert.Equal(t, StatusFunded, replay.Status)
	assert.Equal(t, 0, env.paypal.authorized)
}

func TestService_PayPalWebhookApprovedOrderUsesAuthorization(t *testing.T) {
	env := newTestEnv()
	env.seed(t, paypalPending)
	ctx := context.Background()

	_, err := env.svc.PayPalCreate(ctx, "esc_test", buyer, "")
	require.NoError(t, err)
	stored, err := env.store.Get(ctx, "esc_test")
	require.NoError(t, err)

	var ev PayPalEvent
	ev.EventType = EventOrderApproved
	ev.Resource.ID = stored.PayPalOrderID

	e, err := env.svc.PayPalWebhook(ctx, ev)
	require.NoError(t, err)
	assert.Nil(t, e, "approval without an authorization does not fund")

	authID, err := env.paypal.SandboxPayPal.AuthorizeOrder(ctx, stored.PayPalOrderID, "")
	require.NoError(t, err)

	e, err = env.svc.PayPalWebhook(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StatusFunded, e.Status)
	assert.Equal(t, authID, e.PayPalAuthorizationID)
}

func TestService_PayPalWebhookIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		paypalPending(e)
		e.PayPalOrderID = "ORDER-1"
	})
	ctx := context.Background()

	e, err := env.svc.PayPalWebhook(ctx, authorizationEvent("ORDER-unknown", "AUTH-1"))
	require.NoError(t, err)
	assert.Nil(t, e)

	capture := authorizationEvent("ORDER-1", "CAPTURE-1")
	capture.EventType = "PAYMENT.CAPTURE.COMPLETED"
	e, err = env.svc.PayPalWebhook(ctx, capture)
	require.NoError(t, err)
	assert.Nil(t, e)

	legacy := authorizationEvent("ORDER-1", "AUTH-1")
	legacy.EventType = ""
	legacy.EventName = EventAuthorizationCreated
	e, err = env.svc.PayPalWebhook(ctx, legacy)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StatusFunded, e.Status)
}

func TestService_SetSellerDetails(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) { e.SellerAddress = "" })
	ctx := context.Background()

	_, err := env.svc.SetSellerDetails(ctx, "esc_test", buyer, SellerDetailsRequest{SellerAddress: "0x1"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.svc.SetSellerDetails(ctx, "esc_test", seller, SellerDetailsRequest{})
	assert.ErrorIs(t, err, ErrPayoutDetails)

	e, err := env.svc.SetSellerDetails(ctx, "esc_test", seller, SellerDetailsRequest{SellerAddress: "0x00000000000000000000000000000000000000cc"})
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", e.SellerAddress)
}

func TestService_SetSellerDetailsSettlesAgreedRelease(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		e.SellerAddress = ""
		e.BuyerAction = ActionPtr(ActionRelease)
	})
	ctx := context.Background()

	p, err := DecodePatch([]byte(`{"seller_action":"release"}`))
	require.NoError(t, err)
	e, err := env.svc.ApplyPatch(ctx, "esc_test", seller, p)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.True(t, Resolve(e).Agreed())
	assert.Empty(t, env.messenger.bodies())

	e, err = env.svc.SetSellerDetails(ctx, "esc_test", seller, SellerDetailsRequest{SellerAddress: "0x00000000000000000000000000000000000000cc"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, []string{MessageReleased}, env.messenger.bodies())

	stored, err := env.store.Get(ctx, "esc_test")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestMemoryStore_UpdateGuardsStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	e := &Escrow{ID: "esc_1", Status: StatusPending}
	require.NoError(t, store.Create(ctx, e))

	e.Status = StatusFunded
	require.NoError(t, store.Update(ctx, e, StatusPending))

	e.Status = StatusCancelled
	assert.ErrorIs(t, store.Update(ctx, e, StatusPending), ErrStatusChanged)
	assert.ErrorIs(t, store.Update(ctx, &Escrow{ID: "nope"}, StatusPending), ErrEscrowNotFound)

	got, err := store.Get(ctx, "esc_1")
	require.NoError(t, err)
	got.Status = StatusRefunded
	again, err := store.Get(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, again.Status, "Get returns a copy")
}

func TestTimer_RecheckFundsPendingEscrows(t *testing.T) {
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		e.Status = StatusPending
		e.Confirmations = IntPtr(0)
		e.DepositAddress = StringPtr("0x00000000000000000000000000000000000000aa")
	})
	env.deposits.seq = []int{5}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	timer := NewTimer(env.svc, env.store, time.Hour, logger)
	timer.recheck(context.Background())

	e, err := env.store.Get(context.Background(), "esc_test")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.Equal(t, 5, e.ConfirmationCount())
}

func TestTimer_StartStop(t *testing.T) {
	env := newTestEnv()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	timer := NewTimer(env.svc, env.store, 10*time.Millisecond, logger)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
