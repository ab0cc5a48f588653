package watcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/reconciliation"
)

// Notices surfaced by the redirect flow.
const (
	PayPalCancelledNotice  = "PayPal payment was cancelled. You can try again at any time."
	PayPalAuthorizedNotice = "PayPal payment authorized! Funds are now held in escrow."
	PayPalProcessedNotice  = "This payment has already been processed."
)

var (
	ErrNotRedirect = errors.New("not a PayPal redirect")
	ErrPayPalBusy  = errors.New("a PayPal request is already in progress")
)

// PayPalClient is the backend half of the redirect flow.
type PayPalClient interface {
	PayPalCreate(ctx context.Context, id, returnURL string) (string, error)
	PayPalAuthorize(ctx context.Context, id, token, payerID string) (*escrow.Escrow, error)
}

// RedirectResult is the payer's decision carried back in the redirect.
type RedirectResult string

const (
	RedirectSuccess RedirectResult = "success"
	RedirectCancel  RedirectResult = "cancel"
)

// Redirect is a parsed return from the payer.
type Redirect struct {
	Result  RedirectResult
	Token   string
	PayerID string
}

// ParseRedirect reads the paypal, token and PayerID parameters from a
// return URL or bare query string.
func ParseRedirect(raw string) (Redirect, error) {
	query := raw
	if u, err := url.Parse(raw); err == nil && (u.Scheme != "" || u.RawQuery != "") {
		query = u.RawQuery
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return Redirect{}, ErrNotRedirect
	}
	r := Redirect{
		Result:  RedirectResult(values.Get("paypal")),
		Token:   values.Get("token"),
		PayerID: values.Get("PayerID"),
	}
	if r.Result != RedirectSuccess && r.Result != RedirectCancel {
		return Redirect{}, ErrNotRedirect
	}
	return r, nil
}

// Completion is the result of handling a redirect.
type Completion struct {
	// Escrow is the authorized record; nil when nothing was authorized.
	Escrow *escrow.Escrow
	Notice string
}

// PayPalFlow runs the create and authorize steps. A busy flag rejects a
// second request while one is outstanding; the backend makes a replayed
// authorize safe.
type PayPalFlow struct {
	client PayPalClient
	sink   Sink
	logger *slog.Logger
	busy   atomic.Bool
}

// NewPayPalFlow creates the flow.
func NewPayPalFlow(client PayPalClient, sink Sink, logger *slog.Logger) *PayPalFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayPalFlow{client: client, sink: sink, logger: logger}
}

// Busy reports whether a request is outstanding.
func (f *PayPalFlow) Busy() bool {
	return f.busy.Load()
}

// Begin returns the approval URL the payer must navigate to.
func (f *PayPalFlow) Begin(ctx context.Context, id, returnURL string) (string, error) {
	if !f.busy.CompareAndSwap(false, true) {
		return "", ErrPayPalBusy
	}
	defer f.busy.Store(false)

	approval, err := f.client.PayPalCreate(ctx, id, returnURL)
	if err != nil {
		paypalTotal.WithLabelValues("create", "error").Inc()
		return "", err
	}
	paypalTotal.WithLabelValues("create", "ok").Inc()
	return approval, nil
}

// Complete handles the payer's return for escrow id, given the record the
// caller currently holds. A success redirect on a pending escrow makes
// exactly one authorize call; a cancel redirect makes none. On failure the
// held record is left as it was.
func (f *PayPalFlow) Complete(ctx context.Context, id string, current *escrow.Escrow, r Redirect) (*Completion, error) {
	switch r.Result {
	case RedirectCancel:
		paypalTotal.WithLabelValues("authorize", "cancelled").Inc()
		return &Completion{Notice: PayPalCancelledNotice}, nil
	case RedirectSuccess:
	default:
		return nil, ErrNotRedirect
	}
	if r.Token == "" {
		return nil, escrow.ErrMissingToken
	}
	if current != nil && current.Status != escrow.StatusPending {
		return &Completion{Notice: PayPalProcessedNotice}, nil
	}

	if !f.busy.CompareAndSwap(false, true) {
		return nil, ErrPayPalBusy
	}
	defer f.busy.Store(false)

	e, err := f.client.PayPalAuthorize(ctx, id, r.Token, r.PayerID)
	if err != nil {
		paypalTotal.WithLabelValues("authorize", "error").Inc()
		f.logger.Warn("PayPal authorization failed", "escrow", id, "error", err)
		return nil, err
	}
	paypalTotal.WithLabelValues("authorize", "ok").Inc()
	f.sink.Apply(reconciliation.EscrowReplaced{Escrow: e, Source: reconciliation.SourceAuthorize})
	return &Completion{Escrow: e, Notice: PayPalAuthorizedNotice}, nil
}
