package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically re-checks pending crypto escrows so funding is
// observed even when no client is polling.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deposit re-check timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the re-check loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRecheck(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRecheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deposit timer", "panic", fmt.Sprint(r))
		}
	}()
	t.recheck(ctx)
}

func (t *Timer) recheck(ctx context.Context) {
	if t.service.deposits == nil {
		return
	}
	pending, err := t.store.ListAwaitingDeposit(ctx, t.batch)
	if err != nil {
		t.logger.Warn("failed to list escrows awaiting deposit", "error", err)
		return
	}

	funded := 0
	for _, e := range pending {
		ok, err := t.service.refreshDeposit(ctx, e.ID)
		if err != nil {
			t.logger.Warn("deposit re-check failed", "escrow", e.ID, "error", err)
			continue
		}
		if ok {
			funded++
		}
	}
	if funded > 0 {
		t.logger.Info("escrows funded by deposit re-check", "count", funded)
	}
}

// refreshDeposit re-counts confirmations for one escrow on behalf of the
// system and reports whether it became funded.
func (s *Service) refreshDeposit(ctx context.Context, id string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Status != StatusPending || e.PaymentMethod != MethodCrypto || !e.HasDepositAddress() {
		return false, nil
	}
	n, err := s.deposits.Confirmations(ctx, e)
	if err != nil {
		return false, err
	}
	funded, err := s.recordConfirmations(ctx, e, n)
	if errors.Is(err, ErrStatusChanged) {
		return false, nil
	}
	return funded, err
}
