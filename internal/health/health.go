// Package health runs dependency probes for the server's health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall states reported by Run.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe returns nil when the dependency answers.
type Probe func(ctx context.Context) error

// Check is the outcome of one probe.
type Check struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report aggregates every check. A failing critical check makes the
// report unhealthy; any other failure only degrades it.
type Report struct {
	Status string  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

type probe struct {
	name     string
	fn       Probe
	timeout  time.Duration
	critical bool
}

// Registry holds the probes registered at startup.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe bounded by timeout. Critical probes gate readiness
// of the whole service: the database is critical, the chain RPC is not.
func (r *Registry) Register(name string, fn Probe, timeout time.Duration, critical bool) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, fn: fn, timeout: timeout, critical: critical})
	r.mu.Unlock()
}

// Run executes all probes concurrently and returns them in registration
// order.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	checks := make([]Check, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			checks[i] = p.run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusHealthy, Checks: checks}
	for _, c := range checks {
		switch {
		case c.Healthy:
		case c.Critical:
			rep.Status = StatusUnhealthy
		case rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (p probe) run(ctx context.Context) Check {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	err := p.fn(ctx)
	c := Check{
		Name:      p.name,
		Healthy:   err == nil,
		Critical:  p.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		c.Detail = err.Error()
	}
	return c
}
