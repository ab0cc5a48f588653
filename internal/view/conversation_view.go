package view

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/escrowsync/internal/chat"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/reconciliation"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/traces"
)

const conversationFailed = "Failed to load conversation"

// ConversationClient is the record store surface a conversation view uses.
type ConversationClient interface {
	Session(ctx context.Context) (*session.Session, error)
	StartConversation(ctx context.Context, listingID string) (*messages.Conversation, error)
	ConversationMessages(ctx context.Context, id string) (*messages.Conversation, []*messages.Message, error)
	SendConversationMessage(ctx context.Context, id string, req messages.SendRequest) (*messages.Message, error)
}

// ConversationSnapshot is a consistent read of a conversation view.
type ConversationSnapshot struct {
	ConversationID string
	Generation     uint64
	Viewer         string
	Conversation   *messages.Conversation
	Counterparty   string
	Messages       []*messages.Message
	Busy           map[Control]bool
	Errors         map[Control]string
	Fatal          string
	SignIn         bool
	Draft          string
	Realtime       realtime.Status
}

type convScope struct {
	id     string
	gen    uint64
	viewer string
	ctx    context.Context
	cancel context.CancelFunc

	timeline *reconciliation.Timeline
	sink     *convSink
	composer *chat.Composer

	// Guarded by ConversationView.mu.
	dead     bool
	subs     []*realtime.Subscription
	conv     *messages.Conversation
	ctl      controls
	realtime realtime.Status
}

type convSink struct {
	v  *ConversationView
	sc *convScope
}

func (s *convSink) Apply(ev reconciliation.Event) reconciliation.Outcome {
	out := s.sc.timeline.Apply(ev)
	if out.Applied {
		notify(s.v.changes)
	}
	return out
}

// ConversationView is the client engine for one pre-escrow conversation.
type ConversationView struct {
	client  ConversationClient
	subs    Subscriber
	logger  *slog.Logger
	changes chan struct{}

	mu    sync.Mutex
	gen   uint64
	scope *convScope
}

// NewConversationView creates a view. subs may be nil.
func NewConversationView(client ConversationClient, subs Subscriber, opts Options) *ConversationView {
	return &ConversationView{
		client:  client,
		subs:    subs,
		logger:  opts.logger(),
		changes: make(chan struct{}, 1),
	}
}

// Changes signals, coalesced, that the snapshot may have changed.
func (v *ConversationView) Changes() <-chan struct{} {
	return v.changes
}

// StartFromListing finds or creates the viewer's conversation about a
// listing and opens it.
func (v *ConversationView) StartFromListing(ctx context.Context, listingID string) error {
	conv, err := v.client.StartConversation(ctx, listingID)
	if err != nil {
		return err
	}
	return v.Open(ctx, conv.ID)
}

// Open switches the view to conversation id, tearing the previous one down
// first.
func (v *ConversationView) Open(ctx context.Context, id string) error {
	ctx, span := traces.StartSpan(ctx, "view.OpenConversation", traces.ConversationID(id))
	defer span.End()

	if id == "" {
		return ErrNotOpen
	}
	sess, sessErr := v.client.Session(ctx)
	viewer := ""
	if sessErr == nil {
		viewer = sess.UserID
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc := &convScope{
		id:       id,
		viewer:   viewer,
		ctx:      sctx,
		cancel:   cancel,
		timeline: reconciliation.NewTimeline(messages.ConversationThread(id), v.logger),
		ctl:      newControls(),
	}
	sc.sink = &convSink{v: v, sc: sc}
	sc.composer = chat.NewConversationComposer(v.client, id, viewer, sc.sink)

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
		sc.ctl.report(ControlLoad, sessErr, conversationFailed)
		v.mu.Unlock()
		return sessErr
	}
	v.subscribe(sc)
	return v.reload(ctx, sc)
}

func (v *ConversationView) teardown(sc *convScope) {
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
}

func (v *ConversationView) subscribe(sc *convScope) {
	if v.subs == nil {
		return
	}
	sub, err := v.subs.Subscribe(sc.ctx, realtime.ConversationMessagesChannel(sc.id), realtime.Handlers{
		OnEvent: func(ev realtime.Event) {
			var m messages.Message
			if err := ev.Decode(&m); err != nil {
				v.logger.Debug("ignoring undecodable conversation event", "conversation", sc.id, "error", err)
				return
			}
			sc.sink.Apply(reconciliation.MessageInserted{Message: &m, Source: reconciliation.SourcePush})
		},
		OnStatus: func(st realtime.Status, _ error) {
			v.mu.Lock()
			if !sc.dead {
				sc.realtime = st
			}
			v.mu.Unlock()
			notify(v.changes)
		},
	})
	if err != nil {
		v.logger.Warn("conversation subscription failed", "conversation", sc.id, "error", err)
		return
	}

	v.mu.Lock()
	if sc.dead {
		v.mu.Unlock()
		sub.Close()
		return
	}
	sc.subs = []*realtime.Subscription{sub}
	v.mu.Unlock()
}

func (v *ConversationView) reload(ctx context.Context, sc *convScope) error {
	v.mu.Lock()
	if sc.dead {
		v.mu.Unlock()
		return ErrSuperseded
	}
	if err := sc.ctl.start(ControlLoad); err != nil {
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	ctx, cancel := scoped(ctx, sc.ctx)
	defer cancel()
	conv, msgs, err := v.client.ConversationMessages(ctx, sc.id)
	if err == nil {
		sc.sink.Apply(reconciliation.MessagesLoaded{Messages: msgs, Source: reconciliation.SourceFetch})
	}

	v.mu.Lock()
	if sc.dead {
		v.mu.Unlock()
		return ErrSuperseded
	}
	delete(sc.ctl.busy, ControlLoad)
	sc.ctl.report(ControlLoad, err, conversationFailed)
	if conv != nil {
		sc.conv = conv
	}
	v.mu.Unlock()
	notify(v.changes)
	return err
}

func (v *ConversationView) active() (*convScope, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.scope == nil {
		return nil, ErrNotOpen
	}
	return v.scope, nil
}

// Send posts text optimistically. On failure the typed text is kept as the
// draft.
func (v *ConversationView) Send(ctx context.Context, text string) error {
	return v.SendWithImage(ctx, text, "")
}

// SendWithImage is Send with an attached image URL.
func (v *ConversationView) SendWithImage(ctx context.Context, text, imageURL string) error {
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
	_, err = sc.composer.SendWithImage(ctx, text, imageURL)

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

// Refresh re-fetches the conversation and its messages.
func (v *ConversationView) Refresh(ctx context.Context) error {
	sc, err := v.active()
	if err != nil {
		return err
	}
	return v.reload(ctx, sc)
}

// Snapshot returns the current state of the view.
func (v *ConversationView) Snapshot() ConversationSnapshot {
	v.mu.Lock()
	sc := v.scope
	if sc == nil {
		v.mu.Unlock()
		return ConversationSnapshot{}
	}
	snap := ConversationSnapshot{
		ConversationID: sc.id,
		Generation:     sc.gen,
		Viewer:         sc.viewer,
		Fatal:          sc.ctl.fatal,
		SignIn:         sc.ctl.signIn,
		Draft:          sc.ctl.draft,
		Realtime:       sc.realtime,
	}
	if sc.conv != nil {
		cp := *sc.conv
		snap.Conversation = &cp
		snap.Counterparty = cp.Counterparty(sc.viewer)
	}
	snap.Busy, snap.Errors = sc.ctl.copyMaps()
	v.mu.Unlock()

	snap.Messages = append([]*messages.Message(nil), sc.timeline.State().Messages...)
	return snap
}

// Close tears down the open conversation.
func (v *ConversationView) Close() {
	v.mu.Lock()
	sc := v.scope
	v.scope = nil
	v.mu.Unlock()
	v.teardown(sc)
}
