package view

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowsync/internal/chat"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/reconciliation"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/watcher"
)

// Snapshot is a consistent read of an escrow view.
type Snapshot struct {
	EscrowID   string
	Generation uint64
	Viewer     string
	Role       escrow.Party
	Escrow     *escrow.Escrow
	Consensus  escrow.Consensus
	Summary    string
	// MyAction and OtherAction are the viewer's and the counterparty's
	// current selections.
	MyAction    *escrow.Action
	OtherAction *escrow.Action
	CanAct      bool
	Messages    []*messages.Message
	Busy        map[Control]bool
	Errors      map[Control]string
	// Fatal is a blocking full-view error, such as a missing backend URL.
	Fatal    string
	SignIn   bool
	Notices  []string
	Prompts  []chat.Prompt
	Draft    string
	Polling  bool
	Realtime realtime.Status
}

// scope is everything tied to one opened escrow id.
type scope struct {
	id     string
	gen    uint64
	viewer string
	ctx    context.Context
	cancel context.CancelFunc

	timeline *reconciliation.Timeline
	sink     *scopeSink
	notifier *watcher.Notifier
	poller   *watcher.Poller
	manual   *watcher.ManualCheck
	paypal   *watcher.PayPalFlow
	composer *chat.Composer
	prices   *chat.PriceChanger
	triggers *chat.Triggers

	// Guarded by EscrowView.mu.
	dead    bool
	subs    []*realtime.Subscription
	live    map[string]realtime.Status
	ctl     controls
	notices []string
	prompts []chat.Prompt
}

// scopeSink feeds a scope's timeline and reacts to what was applied.
type scopeSink struct {
	v  *EscrowView
	sc *scope
}

func (s *scopeSink) Apply(ev reconciliation.Event) reconciliation.Outcome {
	out := s.sc.timeline.Apply(ev)
	if out.Applied {
		s.v.applied(s.sc, ev, out)
	}
	return out
}

// EscrowView is the client engine for one escrow at a time.
type EscrowView struct {
	client  Client
	subs    Subscriber
	opts    Options
	logger  *slog.Logger
	changes chan struct{}

	mu    sync.Mutex
	gen   uint64
	scope *scope
}

// NewEscrowView creates a view. subs may be nil.
func NewEscrowView(client Client, subs Subscriber, opts Options) *EscrowView {
	return &EscrowView{
		client:  client,
		subs:    subs,
		opts:    opts,
		logger:  opts.logger(),
		changes: make(chan struct{}, 1),
	}
}

// Changes signals, coalesced, that the snapshot may have changed.
func (v *EscrowView) Changes() <-chan struct{} {
	return v.changes
}

// Open switches the view to escrow id. The previous scope's subscriptions
// and poller are shut down before anything for id is requested.
func (v *EscrowView) Open(ctx context.Context, id string) error {
	ctx, span := traces.StartSpan(ctx, "view.Open", traces.EscrowID(id))
	defer span.End()

	if id == "" {
		return ErrNotOpen
	}
	sess, sessErr := v.client.Session(ctx)
	viewer := ""
	if sessErr == nil {
		viewer = sess.UserID
	}
	sc := v.newScope(ctx, id, viewer)

	v.mu.Lock()
	v.gen++
	sc.gen = v.gen
	prev := v.scope
	v.scope = sc
	v.mu.Unlock()

	v.teardown(prev)
	notify(v.changes)

	if sessErr != nil {
		v.mu.Lock()
		sc.ctl.report(ControlLoad, sessErr, loadFailed)
		v.mu.Unlock()
		return sessErr
	}
	v.logger.Info("escrow view opened", "escrow", id, "viewer", viewer, "generation", sc.gen)

	v.subscribe(sc)
	return v.reload(ctx, sc)
}

func (v *EscrowView) newScope(ctx context.Context, id, viewer string) *scope {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc := &scope{
		id:       id,
		viewer:   viewer,
		ctx:      sctx,
		cancel:   cancel,
		timeline: reconciliation.NewTimeline(messages.EscrowThread(id), v.logger),
		triggers: chat.NewTriggers(),
		live:     make(map[string]realtime.Status),
		ctl:      newControls(),
	}
	sc.sink = &scopeSink{v: v, sc: sc}
	sc.notifier = watcher.NewNotifier(v.opts.RequiredConfirmations, func(string, *escrow.PaymentCheck) {
		v.addNotice(sc, watcher.ConfirmedNotice)
	})
	sc.poller = watcher.NewPoller(v.client, sc.sink, sc.notifier, v.logger).WithInterval(v.opts.PollInterval)
	sc.manual = watcher.NewManualCheck(v.client, sc.sink, sc.notifier, v.logger)
	sc.paypal = watcher.NewPayPalFlow(v.client, sc.sink, v.logger)
	sc.composer = chat.NewEscrowComposer(v.client, id, viewer, sc.sink)
	sc.prices = chat.NewPriceChanger(v.client, viewer, sc.sink, v.logger)
	return sc
}

// teardown closes a scope's subscriptions and stops its poller. It must be
// called without v.mu held.
func (v *EscrowView) teardown(sc *scope) {
	if sc == nil {
		return
	}
	v.mu.Lock()
	sc.dead = true
	subs := sc.subs
	sc.subs = nil
	v.mu.Unlock()

	sc.cancel()
	for _, s := range subs {
		s.Close()
	}
	sc.poller.Stop()
	v.logger.Info("escrow view closed", "escrow", sc.id, "generation", sc.gen)
}

func (v *EscrowView) subscribe(sc *scope) {
	if v.subs == nil {
		return
	}
	var opened []*realtime.Subscription

	escrowCh := realtime.EscrowChannel(sc.id)
	sub, err := v.subs.Subscribe(sc.ctx, escrowCh, realtime.Handlers{
		OnEvent: func(ev realtime.Event) {
			var e escrow.Escrow
			if err := ev.Decode(&e); err != nil {
				v.logger.Debug("ignoring undecodable escrow event", "escrow", sc.id, "error", err)
				return
			}
			sc.sink.Apply(reconciliation.EscrowReplaced{Escrow: &e, Source: reconciliation.SourcePush})
		},
		OnStatus: v.statusHandler(sc, escrowCh.Name),
	})
	if err != nil {
		v.logger.Warn("escrow subscription failed", "escrow", sc.id, "error", err)
	} else {
		opened = append(opened, sub)
	}

	msgCh := realtime.EscrowMessagesChannel(sc.id)
	sub, err = v.subs.Subscribe(sc.ctx, msgCh, realtime.Handlers{
		OnEvent: func(ev realtime.Event) {
			var m messages.Message
			if err := ev.Decode(&m); err != nil {
				v.logger.Debug("ignoring undecodable message event", "escrow", sc.id, "error", err)
				return
			}
			if ev.Type == realtime.EventUpdate {
				sc.sink.Apply(reconciliation.MessageUpdated{Message: &m})
				return
			}
			sc.sink.Apply(reconciliation.MessageInserted{Message: &m, Source: reconciliation.SourcePush})
		},
		OnStatus: v.statusHandler(sc, msgCh.Name),
	})
	if err != nil {
		v.logger.Warn("message subscription failed", "escrow", sc.id, "error", err)
	} else {
		opened = append(opened, sub)
	}

	v.mu.Lock()
	if sc.dead {
		v.mu.Unlock()
		for _, s := range opened {
			s.Close()
		}
		return
	}
	sc.subs = opened
	v.mu.Unlock()
}

// statusHandler tracks channel health and re-fetches after a reconnect so
// events missed while disconnected are not lost.
func (v *EscrowView) statusHandler(sc *scope, channel string) func(realtime.Status, error) {
	dropped := false
	return func(st realtime.Status, _ error) {
		v.mu.Lock()
		if !sc.dead {
			sc.live[channel] = st
		}
		v.mu.Unlock()
		switch st {
		case realtime.StatusReconnecting:
			dropped = true
		case realtime.StatusSubscribed:
			if dropped {
				dropped = false
				go v.resync(sc)
			}
		}
		notify(v.changes)
	}
}

func (v *EscrowView) resync(sc *scope) {
	if err := v.fetch(sc.ctx, sc); err != nil && sc.ctx.Err() == nil {
		v.logger.Warn("resync after reconnect failed", "escrow", sc.id, "error", err)
	}
}

// fetch loads the record and the chat concurrently and feeds both through
// the reducer.
func (v *EscrowView) fetch(ctx context.Context, sc *scope) error {
	var (
		e    *escrow.Escrow
		msgs []*messages.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		e, err = v.client.FetchEscrow(gctx, sc.id)
		return err
	})
	g.Go(func() error {
		var err error
		msgs, err = v.client.ListMessages(gctx, sc.id)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	sc.sink.Apply(reconciliation.EscrowReplaced{Escrow: e, Source: reconciliation.SourceFetch})
	sc.sink.Apply(reconciliation.MessagesLoaded{Messages: msgs, Source: reconciliation.SourceFetch})
	return nil
}

func (v *EscrowView) reload(ctx context.Context, sc *scope) error {
	if err := v.begin(sc, ControlLoad); err != nil {
		return err
	}
	ctx, cancel := scoped(ctx, sc.ctx)
	defer cancel()
	return v.finish(sc, ControlLoad, v.fetch(ctx, sc), loadFailed)
}

// applied reacts to an event the reducer accepted.
func (v *EscrowView) applied(sc *scope, ev reconciliation.Event, out reconciliation.Outcome) {
	state := sc.timeline.State()
	if out.StatusChanged {
		v.syncPoller(sc, state.Escrow)
	}
	if ins, ok := ev.(reconciliation.MessageInserted); ok && state.Escrow != nil {
		if p, ok := sc.triggers.Interpret(sc.viewer, state.Escrow, ins.Message); ok {
			v.mu.Lock()
			if !sc.dead {
				sc.prompts = append(sc.prompts, p)
			}
			v.mu.Unlock()
		}
	}
	notify(v.changes)
}

// syncPoller starts the poller when the record waits on a crypto deposit.
// A running loop ends itself on the first check that is no longer pending,
// so a push that funds the escrow still gets its confirmed notice.
func (v *EscrowView) syncPoller(sc *scope, e *escrow.Escrow) {
	if sc.ctx.Err() != nil || !watcher.ShouldPoll(e) {
		return
	}
	sc.poller.Start(sc.ctx, sc.id)
}

func (v *EscrowView) addNotice(sc *scope, notice string) {
	if notice == "" {
		return
	}
	v.mu.Lock()
	if !sc.dead {
		sc.notices = append(sc.notices, notice)
	}
	v.mu.Unlock()
	notify(v.changes)
}

func (v *EscrowView) active() (*scope, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.scope == nil {
		return nil, ErrNotOpen
	}
	return v.scope, nil
}

func (v *EscrowView) begin(sc *scope, ctl Control) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sc.dead {
		return ErrSuperseded
	}
	return sc.ctl.start(ctl)
}

// finish clears ctl's busy flag and surfaces err. Results for a scope that
// was replaced meanwhile are dropped.
func (v *EscrowView) finish(sc *scope, ctl Control, err error, fallback string) error {
	v.mu.Lock()
	if sc.dead {
		v.mu.Unlock()
		return ErrSuperseded
	}
	delete(sc.ctl.busy, ctl)
	sc.ctl.report(ctl, err, fallback)
	v.mu.Unlock()

	if err != nil {
		v.logger.Warn("escrow view request failed", "escrow", sc.id, "control", ctl, "error", err)
	}
	notify(v.changes)
	return err
}

// scoped derives a request context that also ends with the scope.
func scoped(ctx, scopeCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scopeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// run executes op for ctl against the loaded record of the current scope.
func (v *EscrowView) run(ctx context.Context, ctl Control, fallback string, op func(ctx context.Context, sc *scope, e *escrow.Escrow) error) error {
	sc, err := v.active()
	if err != nil {
		return err
	}
	e := sc.timeline.State().Escrow
	if e == nil {
		return ErrNotLoaded
	}
	if err := v.begin(sc, ctl); err != nil {
		return err
	}
	ctx, cancel := scoped(ctx, sc.ctx)
	defer cancel()
	return v.finish(sc, ctl, op(ctx, sc, e), fallback)
}

// SelectAction records the viewer's release or cancel choice.
func (v *EscrowView) SelectAction(ctx context.Context, a escrow.Action) error {
	return v.run(ctx, ControlAction, actionFailed, func(ctx context.Context, sc *scope, e *escrow.Escrow) error {
		return v.writeAction(ctx, sc, e, escrow.Select(sc.viewer, a))
	})
}

// ClearAction withdraws the viewer's choice. The counterparty's selection
// is untouched.
func (v *EscrowView) ClearAction(ctx context.Context) error {
	return v.run(ctx, ControlAction, actionFailed, func(ctx context.Context, sc *scope, e *escrow.Escrow) error {
		return v.writeAction(ctx, sc, e, escrow.Clear(sc.viewer))
	})
}

func (v *EscrowView) writeAction(ctx context.Context, sc *scope, e *escrow.Escrow, cmd escrow.ActionCommand) error {
	p, err := cmd.Patch(e)
	if err != nil {
		return err
	}
	updated, err := v.client.UpdateEscrowField(ctx, sc.id, p)
	if err != nil {
		return err
	}
	sc.sink.Apply(reconciliation.EscrowReplaced{Escrow: updated, Source: reconciliation.SourceWrite})
	return nil
}

// Confirm sends the viewer's confirmation of a; the backend settles the
// escrow once both parties agree.
func (v *EscrowView) Confirm(ctx context.Context, a escrow.Action) error {
	return v.run(ctx, ControlConfirm, confirmFailed, func(ctx context.Context, sc *scope, e *escrow.Escrow) error {
		if !a.Valid() {
			return escrow.ErrInvalidAction
		}
		if !e.IsParticipant(sc.viewer) {
			return escrow.ErrNotParticipant
		}
		updated, err := v.client.ConfirmAction(ctx, sc.id, a)
		if err != nil {
			return err
		}
		sc.sink.Apply(reconciliation.EscrowReplaced{Escrow: updated, Source: reconciliation.SourceWrite})
		return nil
	})
}

// CheckPayment runs an out-of-cycle payment check. Failures are logged
// but not surfaced, like those of the scheduled poller.
func (v *EscrowView) CheckPayment(ctx context.Context) (*escrow.PaymentCheck, error) {
	sc, err := v.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := scoped(ctx, sc.ctx)
	defer cancel()
	notify(v.changes)
	check, err := sc.manual.Run(ctx, sc.id)
	notify(v.changes)
	return check, err
}

// BeginPayPal returns the approval URL the payer must navigate to.
// returnURL is where the payer comes back with the redirect query.
func (v *EscrowView) BeginPayPal(ctx context.Context, returnURL string) (string, error) {
	var approval string
	err := v.run(ctx, ControlPayPal, paypalFailed, func(ctx context.Context, sc *scope, _ *escrow.Escrow) error {
		var err error
		approval, err = sc.paypal.Begin(ctx, sc.id, returnURL)
		return err
	})
	return approval, err
}

// HandlePayPalRedirect completes the flow from the payer's return URL or
// query. Input without the paypal flag returns watcher.ErrNotRedirect and
// changes nothing.
func (v *EscrowView) HandlePayPalRedirect(ctx context.Context, raw string) error {
	r, err := watcher.ParseRedirect(raw)
	if err != nil {
		return err
	}
	return v.run(ctx, ControlPayPal, authFailed, func(ctx context.Context, sc *scope, e *escrow.Escrow) error {
		done, err := sc.paypal.Complete(ctx, sc.id, e, r)
		if err != nil {
			return err
		}
		v.addNotice(sc, done.Notice)
		return nil
	})
}

// Send posts text to the escrow chat optimistically. On failure the typed
// text is kept as the draft. Sends are not serialized.
func (v *EscrowView) Send(ctx context.Context, text string) error {
	sc, err := v.active()
	if err != nil {
		return err
	}
	v.mu.Lock()
	delete(sc.ctl.errs, ControlSend)
	sc.ctl.draft = ""
	v.mu.Unlock()

	ctx, cancel := scoped(ctx, sc.ctx)
	defer cancel()
	_, err = sc.composer.Send(ctx, text)

	v.mu.Lock()
	if sc.dead {
		v.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		sc.ctl.draft = text
	}
	sc.ctl.report(ControlSend, err, sendFailed)
	v.mu.Unlock()
	notify(v.changes)
	return err
}

// RequestPriceChange asks the buyer for a new price. Seller only.
func (v *EscrowView) RequestPriceChange(ctx context.Context) error {
	return v.run(ctx, ControlPrice, priceFailed, func(ctx context.Context, sc *scope, e *escrow.Escrow) error {
		_, err := sc.prices.RequestChange(ctx, e)
		return err
	})
}

// ProposePrice sets a new amount, which sends the escrow back to pending.
// Buyer only. The confirmed notice is re-armed for the next funding.
func (v *EscrowView) ProposePrice(ctx context.Context, amount string) error {
	return v.run(ctx, ControlPrice, priceFailed, func(ctx context.Context, sc *scope, e *escrow.Escrow) error {
		sc.notifier.Reset(sc.id)
		if _, err := sc.prices.Propose(ctx, e, amount); err != nil {
			return err
		}
		v.mu.Lock()
		var kept []chat.Prompt
		for _, p := range sc.prompts {
			if p.Kind != chat.PromptProposePrice {
				kept = append(kept, p)
			}
		}
		sc.prompts = kept
		v.mu.Unlock()
		return nil
	})
}

// Refresh re-fetches the record and the chat.
func (v *EscrowView) Refresh(ctx context.Context) error {
	sc, err := v.active()
	if err != nil {
		return err
	}
	return v.reload(ctx, sc)
}

// DismissNotices clears shown notices and prompts.
func (v *EscrowView) DismissNotices() {
	v.mu.Lock()
	if v.scope != nil {
		v.scope.notices = nil
		v.scope.prompts = nil
	}
	v.mu.Unlock()
	notify(v.changes)
}

// Snapshot returns the current state of the view.
func (v *EscrowView) Snapshot() Snapshot {
	v.mu.Lock()
	sc := v.scope
	if sc == nil {
		v.mu.Unlock()
		return Snapshot{}
	}
	snap := Snapshot{
		EscrowID:   sc.id,
		Generation: sc.gen,
		Viewer:     sc.viewer,
		Fatal:      sc.ctl.fatal,
		SignIn:     sc.ctl.signIn,
		Draft:      sc.ctl.draft,
		Notices:    append([]string(nil), sc.notices...),
		Prompts:    append([]chat.Prompt(nil), sc.prompts...),
		Realtime:   liveStatus(sc.live, 2),
	}
	snap.Busy, snap.Errors = sc.ctl.copyMaps()
	v.mu.Unlock()

	if sc.manual.InFlight() {
		snap.Busy[ControlCheck] = true
	}
	if sc.paypal.Busy() {
		snap.Busy[ControlPayPal] = true
	}
	snap.Polling = sc.poller.Running()

	state := sc.timeline.State()
	snap.Messages = append([]*messages.Message(nil), state.Messages...)
	if e := state.Escrow; e != nil {
		snap.Escrow = e.Clone()
		snap.Role = e.RoleOf(sc.viewer)
		snap.Consensus = escrow.Resolve(e)
		snap.Summary = snap.Consensus.Summary(snap.Role)
		snap.MyAction = e.ActionOf(snap.Role)
		snap.OtherAction = e.ActionOf(counterparty(snap.Role))
		snap.CanAct = snap.Role != escrow.PartyNone && e.Status.AcceptsPartyActions()
	}
	return snap
}

// Close tears down the open scope.
func (v *EscrowView) Close() {
	v.mu.Lock()
	sc := v.scope
	v.scope = nil
	v.mu.Unlock()
	v.teardown(sc)
}

func counterparty(p escrow.Party) escrow.Party {
	switch p {
	case escrow.PartyBuyer:
		return escrow.PartySeller
	case escrow.PartySeller:
		return escrow.PartyBuyer
	}
	return escrow.PartyNone
}
