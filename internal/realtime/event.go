package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of change carried by an event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"

	// EventSubscribed acknowledges a subscribe control frame.
	EventSubscribed EventType = "SUBSCRIBED"
)

// Table names fanned out by the backend.
const (
	TableEscrows              = "escrows"
	TableEscrowMessages       = "escrow_messages"
	TableConversationMessages = "conversation_messages"
)

// Event is one change notification on a channel.
type Event struct {
	Channel         string          `json:"channel"`
	Table           string          `json:"table"`
	Type            EventType       `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Decode unmarshals the event record into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Record) == 0 {
		return errors.New("event has no record")
	}
	return json.Unmarshal(e.Record, v)
}

// Filter restricts a channel to records whose column equals a value. Its
// wire form is "column=eq.value".
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses the "column=eq.value" form.
func ParseFilter(s string) (Filter, error) {
	col, val, ok := strings.Cut(s, "=eq.")
	if !ok || col == "" || val == "" {
		return Filter{}, fmt.Errorf("invalid filter %q", s)
	}
	return Filter{Column: col, Value: val}, nil
}

func (f Filter) String() string {
	return f.Column + "=eq." + f.Value
}

// Matches reports whether record carries the filtered value.
func (f Filter) Matches(record map[string]interface{}) bool {
	v, ok := record[f.Column]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == f.Value
	default:
		return fmt.Sprint(t) == f.Value
	}
}

// Channel names a subscription: a topic, the table it watches and the
// server-side row filter.
type Channel struct {
	Name   string
	Table  string
	Filter Filter
}

// EscrowChannel watches record updates of one escrow.
func EscrowChannel(id string) Channel {
	return Channel{Name: TableEscrows + ":" + id, Table: TableEscrows, Filter: Filter{Column: "id", Value: id}}
}

// EscrowMessagesChannel watches the chat of one escrow.
func EscrowMessagesChannel(id string) Channel {
	return Channel{Name: TableEscrowMessages + ":" + id, Table: TableEscrowMessages, Filter: Filter{Column: "escrow_id", Value: id}}
}

// ConversationMessagesChannel watches one pre-escrow conversation.
func ConversationMessagesChannel(id string) Channel {
	return Channel{Name: TableConversationMessages + ":" + id, Table: TableConversationMessages, Filter: Filter{Column: "conversation_id", Value: id}}
}

// Control is a client frame that opens or closes a topic on a connection.
type Control struct {
	Op     string `json:"op"`
	Topic  string `json:"topic"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)
