package watcher

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/reconciliation"
)

// ManualCheck is the user-triggered, out-of-cycle payment check. Only one
// may be outstanding; the scheduled poller keeps running independently.
type ManualCheck struct {
	checker  PaymentChecker
	sink     Sink
	notifier *Notifier
	logger   *slog.Logger
	inFlight atomic.Bool
}

// NewManualCheck creates a manual check sharing the poller's notifier so
// the confirmed notice still fires once.
func NewManualCheck(checker PaymentChecker, sink Sink, notifier *Notifier, logger *slog.Logger) *ManualCheck {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewNotifier(escrow.RequiredConfirmations, nil)
	}
	return &ManualCheck{checker: checker, sink: sink, notifier: notifier, logger: logger}
}

// InFlight reports whether a check is outstanding.
func (m *ManualCheck) InFlight() bool {
	return m.inFlight.Load()
}

// Run checks escrow id once. It returns ErrCheckInFlight while another
// manual check is outstanding.
func (m *ManualCheck) Run(ctx context.Context, id string) (*escrow.PaymentCheck, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCheckInFlight
	}
	defer m.inFlight.Store(false)

	check, err := m.checker.CheckPayment(ctx, id)
	if err != nil {
		checksTotal.WithLabelValues("manual", "error").Inc()
		m.logger.Warn("manual payment check failed", "escrow", id, "error", err)
		return nil, err
	}
	checksTotal.WithLabelValues("manual", string(check.Status)).Inc()

	if check.Escrow != nil {
		m.sink.Apply(reconciliation.EscrowReplaced{Escrow: check.Escrow, Source: reconciliation.SourceManual})
	}
	m.notifier.Observe(id, check)
	return check, nil
}
