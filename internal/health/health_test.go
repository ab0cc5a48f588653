package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func down(context.Context) error { return errors.New("connection refused") }

func TestRegistry_Empty(t *testing.T) {
	rep := NewRegistry().Run(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Empty(t, rep.Checks)
}

func TestRegistry_Statuses(t *testing.T) {
	tests := []struct {
		name     string
		database Probe
		chain    Probe
		want     string
	}{
		{"all up", ok, ok, StatusHealthy},
		{"chain down", ok, down, StatusDegraded},
		{"database down", down, ok, StatusUnhealthy},
		{"both down", down, down, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register("database", tt.database, time.Second, true)
			r.Register("chain", tt.chain, time.Second, false)

			rep := r.Run(context.Background())
			assert.Equal(t, tt.want, rep.Status)
			require.Len(t, rep.Checks, 2)
			assert.Equal(t, "database", rep.Checks[0].Name)
			assert.True(t, rep.Checks[0].Critical)
			assert.Equal(t, "chain", rep.Checks[1].Name)
			assert.False(t, rep.Checks[1].Critical)
		})
	}
}

func TestRegistry_FailureDetail(t *testing.T) {
	r := NewRegistry()
	r.Register("chain", down, time.Second, false)

	rep := r.Run(context.Background())
	require.Len(t, rep.Checks, 1)
	assert.False(t, rep.Checks[0].Healthy)
	assert.Equal(t, "connection refused", rep.Checks[0].Detail)
}

func TestRegistry_ProbeTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register("chain", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond, false)

	start := time.Now()
	rep := r.Run(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Contains(t, rep.Checks[0].Detail, "deadline exceeded")
}

func TestRegistry_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Register(name, slow, time.Second, true)
	}

	start := time.Now()
	rep := r.Run(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
