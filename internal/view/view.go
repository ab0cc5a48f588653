// Package view owns the client-side state of one open escrow or
// conversation: its subscriptions, payment watcher, busy flags, notices and
// reconciled record. Opening another id tears the previous scope down
// first, and results that arrive for a superseded scope are dropped.
package view

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/recordstore"
	"github.com/mbd888/escrowsync/internal/session"
)

var (
	ErrNotOpen    = errors.New("no escrow is open")
	ErrBusy       = errors.New("a request for this control is already in progress")
	ErrSuperseded = errors.New("view moved to another id")
	ErrNotLoaded  = errors.New("escrow not loaded yet")
)

// Control names a user-facing control that carries its own busy flag and
// inline error.
type Control string

const (
	ControlLoad    Control = "load"
	ControlAction  Control = "action"
	ControlConfirm Control = "confirm"
	ControlCheck   Control = "check_payment"
	ControlPayPal  Control = "paypal"
	ControlSend    Control = "send"
	ControlPrice   Control = "price"
)

// Fallback texts shown when the backend gave no message of its own.
const (
	loadFailed    = "Failed to load escrow"
	actionFailed  = "Failed to update your selection"
	confirmFailed = "Failed to confirm action"
	paypalFailed  = "Failed to start PayPal payment"
	authFailed    = "Failed to authorize PayPal payment"
	sendFailed    = "Failed to send message"
	priceFailed   = "Failed to propose new price"
)

// Client is the record store surface an escrow view uses.
type Client interface {
	Session(ctx context.Context) (*session.Session, error)
	FetchEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
	ListMessages(ctx context.Context, escrowID string) ([]*messages.Message, error)
	UpdateEscrowField(ctx context.Context, id string, p escrow.Patch) (*escrow.Escrow, error)
	ConfirmAction(ctx context.Context, id string, action escrow.Action) (*escrow.Escrow, error)
	CheckPayment(ctx context.Context, id string) (*escrow.PaymentCheck, error)
	PayPalCreate(ctx context.Context, id, returnURL string) (string, error)
	PayPalAuthorize(ctx context.Context, id, token, payerID string) (*escrow.Escrow, error)
	InsertMessage(ctx context.Context, m messages.NewMessage) (*messages.Message, error)
}

// Subscriber opens realtime channels. A nil Subscriber leaves the view on
// polling and explicit refreshes.
type Subscriber interface {
	Subscribe(ctx context.Context, ch realtime.Channel, h realtime.Handlers) (*realtime.Subscription, error)
}

// Options tunes a view.
type Options struct {
	PollInterval          time.Duration
	RequiredConfirmations int
	Logger                *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// failure is how an error is surfaced.
type failure struct {
	signIn bool
	fatal  string
	inline string
}

// classify maps err onto the error taxonomy: a missing session redirects
// to sign-in, a configuration problem blocks the whole view, anything else
// is shown next to the control that triggered it.
func classify(err error, fallback string) failure {
	switch {
	case err == nil:
		return failure{}
	case recordstore.IsUnauthenticated(err), session.IsUnauthenticated(err):
		return failure{signIn: true}
	case recordstore.IsConfiguration(err):
		return failure{fatal: recordstore.UserMessage(err, fallback)}
	}
	return failure{inline: inlineMessage(err, fallback)}
}

// inlineMessage prefers the backend's wording, then local validation
// errors, then fallback.
func inlineMessage(err error, fallback string) string {
	var apiErr *recordstore.APIError
	if errors.As(err, &apiErr) {
		return recordstore.UserMessage(err, fallback)
	}
	for _, local := range []error{
		escrow.ErrInvalidAmount, escrow.ErrInvalidStatus, escrow.ErrUnauthorized,
		escrow.ErrNotParticipant, escrow.ErrMissingToken, escrow.ErrInvalidAction,
		messages.ErrEmptyBody, messages.ErrBodyTooLong,
	} {
		if errors.Is(err, local) {
			return local.Error()
		}
	}
	return fallback
}

// notify does a non-blocking send on a coalescing change channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// controls holds the per-control busy flags and surfaced errors of a
// scope. The owning view's mutex guards it.
type controls struct {
	busy   map[Control]bool
	errs   map[Control]string
	fatal  string
	signIn bool
	draft  string
}

func newControls() controls {
	return controls{busy: make(map[Control]bool), errs: make(map[Control]string)}
}

func (c *controls) start(ctl Control) error {
	if c.busy[ctl] {
		return ErrBusy
	}
	c.busy[ctl] = true
	delete(c.errs, ctl)
	return nil
}

// report surfaces err for ctl. A load failure blocks the whole view and
// carries the configuration hint.
func (c *controls) report(ctl Control, err error, fallback string) {
	f := classify(err, fallback)
	switch {
	case f.signIn:
		c.signIn = true
	case f.fatal != "":
		c.fatal = f.fatal
	case f.inline != "" && ctl == ControlLoad:
		c.fatal = recordstore.WithConfigHint(f.inline)
	case f.inline != "":
		c.errs[ctl] = f.inline
	case ctl == ControlLoad:
		c.fatal = ""
		c.signIn = false
	}
}

func (c *controls) copyMaps() (map[Control]bool, map[Control]string) {
	busy := make(map[Control]bool, len(c.busy))
	for k, v := range c.busy {
		busy[k] = v
	}
	errs := make(map[Control]string, len(c.errs))
	for k, v := range c.errs {
		errs[k] = v
	}
	return busy, errs
}

// tokenSource adapts a session gate to the realtime subscriber.
func tokenSource(gate session.Gate) realtime.TokenSource {
	return func(ctx context.Context) (string, error) {
		s, err := gate.Current(ctx)
		if err != nil {
			return "", err
		}
		return s.Token, nil
	}
}

// NewSubscriber returns a realtime subscriber authenticated through gate,
// or nil when wsURL is empty.
func NewSubscriber(wsURL string, gate session.Gate, logger *slog.Logger) Subscriber {
	if wsURL == "" {
		return nil
	}
	return realtime.NewSubscriber(wsURL, tokenSource(gate), logger)
}

// liveStatus folds per-channel statuses into one: subscribed only once
// all wanted channels are, else the first other status seen.
func liveStatus(live map[string]realtime.Status, want int) realtime.Status {
	if len(live) == 0 {
		return ""
	}
	for _, st := range live {
		if st != realtime.StatusSubscribed {
			return st
		}
	}
	if len(live) < want {
		return ""
	}
	return realtime.StatusSubscribed
}
