package messages

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/validation"
)

// Handler provides HTTP endpoints for escrow chat and conversations.
type Handler struct {
	service *Service
}

// NewHandler creates a new message handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up message routes. All of them require an
// authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/messages", h.ListEscrowMessages)
	r.POST("/escrows/:id/messages", h.InsertEscrowMessage)

	r.GET("/messages", h.ListConversations)
	r.POST("/messages/start-from-listing", h.StartConversation)
	r.GET("/messages/:id", h.ConversationMessages)
	r.POST("/messages/:id", h.SendConversationMessage)
}

// ListEscrowMessages handles GET /v1/escrows/:id/messages
func (h *Handler) ListEscrowMessages(c *gin.Context) {
	msgs, err := h.service.List(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err, "Failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// InsertEscrowMessage handles POST /v1/escrows/:id/messages
func (h *Handler) InsertEscrowMessage(c *gin.Context) {
	var req NewMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.EscrowID != "" && req.EscrowID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow_id does not match the URL",
		})
		return
	}
	req.EscrowID = c.Param("id")
	if errs := validation.Validate(
		validation.MaxLength("metadata.client_nonce", req.Metadata.ClientNonce, 64),
		validation.ValidAmount("metadata.amount", req.Metadata.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	msg, err := h.service.Insert(c.Request.Context(), callerID(c), req)
	if err != nil {
		writeError(c, err, "Failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListConversations handles GET /v1/messages
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.service.Conversations(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err, "Failed to load conversations")
		return
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"items": convs})
}

type startRequest struct {
	ListingID string `json:"listing_id"`
}

// StartConversation handles POST /v1/messages/start-from-listing
func (h *Handler) StartConversation(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	conv, err := h.service.StartConversation(c.Request.Context(), callerID(c), req.ListingID)
	if err != nil {
		writeError(c, err, "Failed to start conversation")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"conversation_id": conv.ID,
		"conversation":    conv,
	})
}

// ConversationMessages handles GET /v1/messages/:id
func (h *Handler) ConversationMessages(c *gin.Context) {
	conv, msgs, err := h.service.ConversationMessages(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err, "Failed to load conversation")
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     msgs,
	})
}

// SendConversationMessage handles POST /v1/messages/:id
func (h *Handler) SendConversationMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("image_url", req.ImageURL, 2048),
		validation.MaxLength("client_nonce", req.ClientNonce, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	msg, err := h.service.Send(c.Request.Context(), callerID(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err, "Failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func callerID(c *gin.Context) string {
	return c.GetString("authUserID")
}

func writeError(c *gin.Context, err error, fallback string) {
	status, code := http.StatusInternalServerError, "internal_error"
	msg := fallback

	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Escrow not found"
	case errors.Is(err, ErrThreadNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Conversation not found"
	case errors.Is(err, ErrListingNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Listing not found"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrSenderMismatch):
		status, code, msg = http.StatusForbidden, "forbidden", sentence(err)
	case errors.Is(err, ErrEmptyBody), errors.Is(err, ErrBodyTooLong),
		errors.Is(err, ErrInvalidType), errors.Is(err, ErrSelfConversation),
		errors.Is(err, ErrMissingListing), errors.Is(err, escrow.ErrInvalidAmount):
		status, code, msg = http.StatusBadRequest, "invalid_request", sentence(err)
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}

func sentence(err error) string {
	s := err.Error()
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
