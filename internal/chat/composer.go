// Package chat turns typed chat input into reconciled messages and
// interprets typed messages as escrow state requests.
package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/reconciliation"
)

// Sink receives reconciliation events.
type Sink interface {
	Apply(ev reconciliation.Event) reconciliation.Outcome
}

// EscrowPoster inserts escrow chat messages.
type EscrowPoster interface {
	InsertMessage(ctx context.Context, m messages.NewMessage) (*messages.Message, error)
}

// ConversationPoster posts to pre-escrow conversations.
type ConversationPoster interface {
	SendConversationMessage(ctx context.Context, id string, req messages.SendRequest) (*messages.Message, error)
}

// SendError is a failed send. Text is what the user typed, to be put back
// in the input.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string { return "send message: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

type postFunc func(ctx context.Context, body, imageURL, nonce string) (*messages.Message, error)

// Composer sends messages optimistically into one thread.
type Composer struct {
	thread messages.Thread
	sender string
	post   postFunc
	sink   Sink
	now    func() time.Time
}

// NewEscrowComposer sends into the chat of escrow id as sender.
func NewEscrowComposer(client EscrowPoster, escrowID, sender string, sink Sink) *Composer {
	post := func(ctx context.Context, body, _, nonce string) (*messages.Message, error) {
		return client.InsertMessage(ctx, messages.NewMessage{
			EscrowID: escrowID,
			SenderID: sender,
			Body:     body,
			Type:     messages.TypeText,
			Metadata: messages.Metadata{ClientNonce: nonce},
		})
	}
	return newComposer(messages.EscrowThread(escrowID), sender, post, sink)
}

// NewConversationComposer sends into conversation id as sender.
func NewConversationComposer(client ConversationPoster, conversationID, sender string, sink Sink) *Composer {
	post := func(ctx context.Context, body, imageURL, nonce string) (*messages.Message, error) {
		return client.SendConversationMessage(ctx, conversationID, messages.SendRequest{
			Body:        body,
			ImageURL:    imageURL,
			ClientNonce: nonce,
		})
	}
	return newComposer(messages.ConversationThread(conversationID), sender, post, sink)
}

func newComposer(thread messages.Thread, sender string, post postFunc, sink Sink) *Composer {
	return &Composer{
		thread: thread,
		sender: sender,
		post:   post,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send appends the message locally, then writes it. On failure the local
// entry is removed by its nonce and a *SendError carrying the typed text is
// returned. Input the backend would reject is refused before anything is
// appended.
func (c *Composer) Send(ctx context.Context, text string) (*messages.Message, error) {
	return c.SendWithImage(ctx, text, "")
}

// SendWithImage is Send with an attached image URL. Only conversations
// store images.
func (c *Composer) SendWithImage(ctx context.Context, text, imageURL string) (*messages.Message, error) {
	body := strings.TrimSpace(text)
	if body == "" && imageURL == "" {
		return nil, messages.ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > messages.MaxBodyLength {
		return nil, messages.ErrBodyTooLong
	}

	nonce := idgen.Nonce()
	local := &messages.Message{
		ID:        idgen.TempID(),
		SenderID:  c.sender,
		Body:      body,
		Type:      messages.TypeText,
		ImageURL:  imageURL,
		Metadata:  messages.Metadata{ClientNonce: nonce},
		CreatedAt: c.now(),
	}
	if c.thread.Kind == messages.KindConversation {
		local.ConversationID = c.thread.ID
	} else {
		local.EscrowID = c.thread.ID
	}
	c.sink.Apply(reconciliation.OptimisticAppended{Message: local})

	m, err := c.post(ctx, body, imageURL, nonce)
	if err != nil {
		c.sink.Apply(reconciliation.OptimisticFailed{Nonce: nonce})
		sendsTotal.WithLabelValues(string(c.thread.Kind), "error").Inc()
		return nil, &SendError{Text: text, Err: err}
	}
	sendsTotal.WithLabelValues(string(c.thread.Kind), "ok").Inc()
	c.sink.Apply(reconciliation.MessageInserted{Message: m, Source: reconciliation.SourceWrite})
	return m, nil
}
