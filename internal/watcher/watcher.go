// Package watcher drives payment confirmation from the client side: the
// crypto deposit poller, the manual check and the PayPal redirect flow.
//
// Every result goes through a reconciliation sink, never straight into a
// view, so a poll can't overwrite a newer push.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/reconciliation"
)

// DefaultInterval is the crypto polling period.
const DefaultInterval = 5 * time.Second

// ConfirmedNotice is surfaced once per funding of a crypto escrow.
const ConfirmedNotice = "Payment confirmed! Funds are now held in escrow."

var ErrCheckInFlight = errors.New("a payment check is already in progress")

// PaymentChecker asks the backend for the confirmation state of an escrow.
type PaymentChecker interface {
	CheckPayment(ctx context.Context, id string) (*escrow.PaymentCheck, error)
}

// Sink receives reconciliation events.
type Sink interface {
	Apply(ev reconciliation.Event) reconciliation.Outcome
}

// ShouldPoll reports whether e is waiting on an on-chain deposit.
func ShouldPoll(e *escrow.Escrow) bool {
	return e != nil &&
		e.Status == escrow.StatusPending &&
		e.PaymentMethod == escrow.MethodCrypto &&
		e.HasDepositAddress()
}

// Notifier fires its callback the first time a check shows an escrow
// funded with enough confirmations.
type Notifier struct {
	required int
	fn       func(id string, check *escrow.PaymentCheck)

	mu    sync.Mutex
	fired map[string]bool
}

// NewNotifier creates a notifier; fn may be nil.
func NewNotifier(required int, fn func(id string, check *escrow.PaymentCheck)) *Notifier {
	if required <= 0 {
		required = escrow.RequiredConfirmations
	}
	return &Notifier{required: required, fn: fn, fired: make(map[string]bool)}
}

// Observe records a check result and reports whether it fired the notice.
func (n *Notifier) Observe(id string, check *escrow.PaymentCheck) bool {
	if !check.Confirmed(n.required) {
		return false
	}
	n.mu.Lock()
	if n.fired[id] {
		n.mu.Unlock()
		return false
	}
	n.fired[id] = true
	n.mu.Unlock()

	noticesTotal.Inc()
	if n.fn != nil {
		n.fn(id, check)
	}
	return true
}

// Reset re-arms the notice for id, after a price change sent it back to
// pending.
func (n *Notifier) Reset(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.fired, id)
}

// Poller checks one pending crypto escrow on a fixed interval until it
// leaves pending, Stop is called or its context ends.
type Poller struct {
	checker  PaymentChecker
	sink     Sink
	notifier *Notifier
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	id   string
	stop chan struct{}
	done chan struct{}
}

// NewPoller creates a poller. notifier may be nil.
func NewPoller(checker PaymentChecker, sink Sink, notifier *Notifier, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewNotifier(escrow.RequiredConfirmations, nil)
	}
	return &Poller{
		checker:  checker,
		sink:     sink,
		notifier: notifier,
		interval: DefaultInterval,
		logger:   logger,
	}
}

// WithInterval overrides the polling period.
func (p *Poller) WithInterval(d time.Duration) *Poller {
	if d > 0 {
		p.interval = d
	}
	return p
}

// Start polls escrow id. A loop already running for id is kept; one
// running for another escrow is stopped first.
func (p *Poller) Start(ctx context.Context, id string) {
	p.mu.Lock()
	if p.running() && p.id == id {
		p.mu.Unlock()
		return
	}
	stop, done := p.stop, p.done
	p.mu.Unlock()
	halt(stop, done)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running() {
		// Lost a race with a concurrent Start.
		return
	}
	p.id = id
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, id, p.stop, p.done)
}

// Stop ends the loop and waits for it to exit. It must not be called from
// a callback the loop is running.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.mu.Unlock()
	halt(stop, done)
}

// Running reports whether a loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running()
}

func (p *Poller) running() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func halt(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

func (p *Poller) loop(ctx context.Context, id string, stop, done chan struct{}) {
	defer close(done)

	p.logger.Info("payment poller started", "escrow", id, "interval", p.interval)
	defer p.logger.Info("payment poller stopped", "escrow", id)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !p.safeTick(ctx, id, stop) {
				return
			}
		}
	}
}

func (p *Poller) safeTick(ctx context.Context, id string, stop chan struct{}) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in payment poller", "escrow", id, "panic", fmt.Sprint(r))
			cont = true
		}
	}()
	return p.tick(ctx, id, stop)
}

// tick runs one check and reports whether polling should continue.
// Failures are logged and never end the loop.
func (p *Poller) tick(ctx context.Context, id string, stop chan struct{}) bool {
	check, err := p.checker.CheckPayment(ctx, id)
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-stop:
		// Stopped while the request was outstanding; drop the result.
		return false
	default:
	}
	if err != nil {
		checksTotal.WithLabelValues("poll", "error").Inc()
		p.logger.Warn("payment check failed", "escrow", id, "error", err)
		return true
	}
	checksTotal.WithLabelValues("poll", string(check.Status)).Inc()

	if check.Escrow != nil {
		p.sink.Apply(reconciliation.EscrowReplaced{Escrow: check.Escrow, Source: reconciliation.SourcePoll})
	}
	p.notifier.Observe(id, check)
	return check.Status == escrow.StatusPending
}
