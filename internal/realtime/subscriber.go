package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/escrowsync/internal/retry"
)

// Status is a subscription lifecycle notification.
type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Handlers receive a subscription's callbacks. Callbacks run on the
// subscription's goroutine, one at a time, and never after Close returns.
// A callback must not call Close on its own subscription.
type Handlers struct {
	OnEvent  func(Event)
	OnStatus func(Status, error)
}

// TokenSource supplies the bearer credential for each (re)connect.
type TokenSource func(ctx context.Context) (string, error)

// Subscriber opens channels against a realtime hub.
type Subscriber struct {
	url        string
	tokens     TokenSource
	dialer     *websocket.Dialer
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewSubscriber creates a subscriber for the hub at wsURL.
func NewSubscriber(wsURL string, tokens TokenSource, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		url:        wsURL,
		tokens:     tokens,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// WithBackoff overrides the reconnect delay bounds.
func (s *Subscriber) WithBackoff(min, max time.Duration) *Subscriber {
	if min > 0 && max >= min {
		s.minBackoff, s.maxBackoff = min, max
	}
	return s
}

// Subscribe opens ch and delivers its events to h until the returned handle
// is closed or ctx ends. Dropped connections are re-established with backoff
// while the handle is open.
func (s *Subscriber) Subscribe(ctx context.Context, ch Channel, h Handlers) (*Subscription, error) {
	if s.url == "" {
		return nil, errors.New("realtime URL not configured")
	}
	if ch.Name == "" || ch.Table == "" {
		return nil, fmt.Errorf("invalid channel %+v", ch)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		channel:  ch,
		handlers: h,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx, sub)
	return sub, nil
}

func (s *Subscriber) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer sub.status(StatusClosed, nil)

	attempt := 0
	for {
		subscribed, err := s.session(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			attempt = 0
		}
		attempt++
		delay := retry.Backoff(attempt, s.minBackoff, s.maxBackoff)
		s.logger.Warn("realtime channel dropped, reconnecting",
			"channel", sub.channel.Name, "attempt", attempt, "delay", delay, "error", err)
		sub.status(StatusReconnecting, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connection. It reports whether the hub acknowledged the
// subscription before the connection ended.
func (s *Subscriber) session(ctx context.Context, sub *Subscription) (bool, error) {
	header := http.Header{}
	if s.tokens != nil {
		token, err := s.tokens(ctx)
		if err != nil {
			return false, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	ctl := Control{
		Op:     OpSubscribe,
		Topic:  sub.channel.Name,
		Table:  sub.channel.Table,
		Filter: sub.channel.Filter.String(),
	}
	if err := conn.WriteJSON(ctl); err != nil {
		return false, err
	}

	subscribed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return subscribed, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("ignoring malformed realtime frame", "channel", sub.channel.Name, "error", err)
			continue
		}
		if ev.Channel != sub.channel.Name {
			continue
		}
		if ev.Type == EventSubscribed {
			subscribed = true
			sub.status(StatusSubscribed, nil)
			continue
		}
		sub.deliver(ev)
	}
}

// Subscription is an owned handle on one open channel.
type Subscription struct {
	channel  Channel
	handlers Handlers
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex // held while a callback runs
	closed bool
}

// Channel returns the channel this handle watches.
func (s *Subscription) Channel() Channel {
	return s.channel
}

// Close stops delivery. It is idempotent, and once it returns no callback is
// running or will run.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Done is closed when the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handlers.OnEvent == nil {
		return
	}
	s.handlers.OnEvent(ev)
}

func (s *Subscription) status(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handlers.OnStatus == nil {
		return
	}
	s.handlers.OnStatus(st, err)
}
