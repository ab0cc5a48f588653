// Package circuitbreaker stops calling a failing backend operation for a
// while after repeated failures, then lets a single probe through.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the state of one operation's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowsync",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state changes by operation and new state.",
}, []string{"operation", "state"})

func init() {
	prometheus.MustRegister(transitions)
}

// ErrOpen is returned without calling the backend while a circuit is open.
var ErrOpen = errors.New("circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per operation name.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	limit    int
	cooldown time.Duration
	now      func() time.Time
}

// New returns a breaker that opens an operation's circuit after limit
// consecutive failures and probes again after cooldown.
func New(limit int, cooldown time.Duration) *Breaker {
	if limit <= 0 {
		limit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		limit:    limit,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// WithClock replaces the breaker's time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Do runs fn unless op's circuit is open. Errors for which trips reports
// false leave the circuit as a success would, since the backend answered;
// a nil trips counts every error.
func (b *Breaker) Do(op string, fn func() error, trips func(error) bool) error {
	if wait, ok := b.acquire(op); !ok {
		return fmt.Errorf("%w: %s (retry in %s)", ErrOpen, op, wait.Round(time.Second))
	}
	err := fn()
	b.record(op, err != nil && (trips == nil || trips(err)))
	return err
}

// State reports op's circuit state.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[op]; ok {
		return c.state
	}
	return StateClosed
}

// acquire reports whether a call may proceed and, if not, how long until
// the next probe.
func (b *Breaker) acquire(op string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return 0, true
	}
	switch c.state {
	case StateOpen:
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.cooldown {
			return b.cooldown - elapsed, false
		}
		b.set(op, c, StateHalfOpen)
		return 0, true
	case StateHalfOpen:
		// A probe is in flight.
		return b.cooldown, false
	}
	return 0, true
}

func (b *Breaker) record(op string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !failed {
		if ok {
			c.failures = 0
			b.set(op, c, StateClosed)
		}
		return
	}
	if !ok {
		c = &circuit{}
		b.circuits[op] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.limit {
		c.openedAt = b.now()
		b.set(op, c, StateOpen)
	}
}

// set must be called with b.mu held.
func (b *Breaker) set(op string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(op, to.String()).Inc()
}
