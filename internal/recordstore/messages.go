package recordstore

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mbd888/escrowsync/internal/messages"
)

// InsertMessage appends a message to an escrow's chat.
func (c *Client) InsertMessage(ctx context.Context, m messages.NewMessage) (*messages.Message, error) {
	var out messages.Message
	if err := c.do(ctx, "insert_message", http.MethodPost, escrowPath(m.EscrowID, "messages"), m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns an escrow's chat ordered by created_at, then id.
func (c *Client) ListMessages(ctx context.Context, escrowID string) ([]*messages.Message, error) {
	var out []*messages.Message
	if err := c.read(ctx, "list_messages", http.MethodGet, escrowPath(escrowID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	messages.Sort(out)
	return out, nil
}

// ListConversations returns the caller's conversations with their latest
// message and best-effort names.
func (c *Client) ListConversations(ctx context.Context) ([]*messages.Conversation, error) {
	var resp struct {
		Items []*messages.Conversation `json:"items"`
	}
	if err := c.read(ctx, "list_conversations", http.MethodGet, "/v1/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// StartConversation finds or creates the caller's conversation about a listing.
func (c *Client) StartConversation(ctx context.Context, listingID string) (*messages.Conversation, error) {
	var resp struct {
		ConversationID string                 `json:"conversation_id"`
		Conversation   *messages.Conversation `json:"conversation"`
	}
	body := map[string]string{"listing_id": listingID}
	if err := c.do(ctx, "start_conversation", http.MethodPost, "/v1/messages/start-from-listing", body, &resp); err != nil {
		return nil, err
	}
	if resp.Conversation == nil {
		resp.Conversation = &messages.Conversation{ID: resp.ConversationID}
	}
	return resp.Conversation, nil
}

// ConversationMessages returns a conversation and its messages.
func (c *Client) ConversationMessages(ctx context.Context, id string) (*messages.Conversation, []*messages.Message, error) {
	var resp struct {
		Conversation *messages.Conversation `json:"conversation"`
		Messages     []*messages.Message    `json:"messages"`
	}
	if err := c.read(ctx, "conversation_messages", http.MethodGet, conversationPath(id), nil, &resp); err != nil {
		return nil, nil, err
	}
	messages.Sort(resp.Messages)
	return resp.Conversation, resp.Messages, nil
}

// SendConversationMessage posts to a conversation.
func (c *Client) SendConversationMessage(ctx context.Context, id string, req messages.SendRequest) (*messages.Message, error) {
	var out messages.Message
	if err := c.do(ctx, "send_conversation_message", http.MethodPost, conversationPath(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func conversationPath(id string) string {
	return "/v1/messages/" + url.PathEscape(id)
}
