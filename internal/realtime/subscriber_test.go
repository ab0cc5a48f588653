package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
)

type recorder struct {
	mu       sync.Mutex
	events   []Event
	statuses []Status
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnStatus: func(st Status, _ error) {
			r.mu.Lock()
			r.statuses = append(r.statuses, st)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) hasStatus(st Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == st {
			return true
		}
	}
	return false
}

func startHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(slog.Default())
	runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		h.HandleWebSocket(w, r, user)
	}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func staticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

func TestSubscriber_DeliversMatchingEvents(t *testing.T) {
	h, url := startHubServer(t)
	sub := NewSubscriber(url, staticToken("user_1"), slog.Default())

	rec := &recorder{}
	s, err := sub.Subscribe(context.Background(), EscrowMessagesChannel("esc_1"), rec.handlers())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool { return rec.hasStatus(StatusSubscribed) }, 2*time.Second, 10*time.Millisecond)

	h.PublishMessage(&messages.Message{ID: "msg_other", EscrowID: "esc_2", Body: "nope", CreatedAt: time.Now()})
	h.PublishMessage(&messages.Message{ID: "msg_1", EscrowID: "esc_1", Body: "hello", CreatedAt: time.Now()})

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	ev := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, EventInsert, ev.Type)
	assert.Equal(t, "escrow_messages:esc_1", ev.Channel)

	var m messages.Message
	require.NoError(t, ev.Decode(&m))
	assert.Equal(t, "msg_1", m.ID)
	assert.Equal(t, "hello", m.Body)
}

func TestSubscriber_CloseStopsDelivery(t *testing.T) {
	h, url := startHubServer(t)
	sub := NewSubscriber(url, staticToken("user_1"), slog.Default())

	rec := &recorder{}
	s, err := sub.Subscribe(context.Background(), EscrowChannel("esc_1"), rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.hasStatus(StatusSubscribed) }, 2*time.Second, 10*time.Millisecond)

	s.Close()
	s.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}

	h.PublishEscrow(&escrow.Escrow{ID: "esc_1", Status: escrow.StatusFunded, UpdatedAt: time.Now()})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.eventCount())
	assert.False(t, rec.hasStatus(StatusClosed), "no callback may run after Close")
}

func TestSubscriber_DeniedTopicNeverAcks(t *testing.T) {
	h, url := startHubServer(t)
	h.WithAuthorizer(func(_ context.Context, userID, _ string, _ Filter) bool {
		return userID == "user_1"
	})

	sub := NewSubscriber(url, staticToken("intruder"), slog.Default())
	rec := &recorder{}
	s, err := sub.Subscribe(context.Background(), EscrowChannel("esc_1"), rec.handlers())
	require.NoError(t, err)
	defer s.Close()

	time.Sleep(200 * time.Millisecond)
	h.PublishEscrow(&escrow.Escrow{ID: "esc_1", UpdatedAt: time.Now()})
	time.Sleep(100 * time.Millisecond)

	assert.False(t, rec.hasStatus(StatusSubscribed))
	assert.Equal(t, 0, rec.eventCount())
}

func TestSubscriber_ReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var ctl Control
		if err := conn.ReadJSON(&ctl); err != nil {
			return
		}
		_ = conn.WriteJSON(Event{Channel: ctl.Topic, Table: ctl.Table, Type: EventSubscribed})

		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			return // drop the first session right after the ack
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), nil, slog.Default()).
		WithBackoff(10*time.Millisecond, 50*time.Millisecond)

	rec := &recorder{}
	s, err := sub.Subscribe(context.Background(), EscrowChannel("esc_1"), rec.handlers())
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		n := 0
		for _, st := range rec.statuses {
			if st == StatusSubscribed {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.hasStatus(StatusReconnecting))
}

func TestSubscriber_Validation(t *testing.T) {
	_, err := NewSubscriber("", nil, nil).Subscribe(context.Background(), EscrowChannel("esc_1"), Handlers{})
	assert.Error(t, err)

	_, err = NewSubscriber("ws://localhost", nil, nil).Subscribe(context.Background(), Channel{}, Handlers{})
	assert.Error(t, err)
}
