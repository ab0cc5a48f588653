package escrow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowsync/internal/security"
	"github.com/mbd888/escrowsync/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service       *Service
	checkLimiter  gin.HandlerFunc
	returnURLs    *security.ReturnURLPolicy
	webhookSecret string
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithCheckPaymentLimiter rate-limits the check-payment endpoint.
func (h *Handler) WithCheckPaymentLimiter(mw gin.HandlerFunc) *Handler {
	h.checkLimiter = mw
	return h
}

// WithReturnURLPolicy restricts where PayPal may send the payer back to.
func (h *Handler) WithReturnURLPolicy(p *security.ReturnURLPolicy) *Handler {
	h.returnURLs = p
	return h
}

// WithWebhookSecret requires PayPal webhook bodies to be signed with secret.
func (h *Handler) WithWebhookSecret(secret string) *Handler {
	h.webhookSecret = secret
	return h
}

// RegisterWebhookRoutes sets up the payment callbacks. They carry no user
// session and are checked by signature instead.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/paypal/webhook", h.PayPalWebhook)
}

// RegisterProtectedRoutes sets up escrow routes. All of them require an
// authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.PATCH("/escrows/:id", h.PatchEscrow)
	r.POST("/escrows/:id/confirm", h.ConfirmEscrow)
	if h.checkLimiter != nil {
		r.POST("/escrows/:id/check-payment", h.checkLimiter, h.CheckPayment)
	} else {
		r.POST("/escrows/:id/check-payment", h.CheckPayment)
	}
	r.POST("/escrows/:id/paypal-create", h.PayPalCreate)
	r.POST("/escrows/:id/paypal-authorize", h.PayPalAuthorize)
	r.POST("/escrows/:id/seller-details", h.SellerDetails)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("seller_id", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("usd_amount", req.USDAmount),
		validation.MaxLength("currency", req.Currency, 10),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), callerID(c), req)
	if err != nil {
		writeError(c, err, "Failed to create escrow")
		return
	}
	c.JSON(http.StatusCreated, escrow)
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), callerID(c), limit)
	if err != nil {
		writeError(c, err, "Failed to list escrows")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err, "Failed to load escrow")
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// PatchEscrow handles PATCH /v1/escrows/:id. The body may only set or clear
// the caller's own action, or carry a buyer price proposal.
func (h *Handler) PatchEscrow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	patch, err := DecodePatch(body)
	if err != nil {
		writeError(c, err, "Invalid update")
		return
	}

	escrow, err := h.service.ApplyPatch(c.Request.Context(), c.Param("id"), callerID(c), patch)
	if err != nil {
		writeError(c, err, "Failed to update escrow")
		return
	}
	c.JSON(http.StatusOK, escrow)
}

type confirmRequest struct {
	Action Action `json:"action" binding:"required"`
}

// ConfirmEscrow handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action must be release or cancel",
		})
		return
	}

	escrow, err := h.service.Confirm(c.Request.Context(), c.Param("id"), callerID(c), req.Action)
	if err != nil {
		writeError(c, err, "Failed to confirm action")
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// CheckPayment handles POST /v1/escrows/:id/check-payment
func (h *Handler) CheckPayment(c *gin.Context) {
	check, err := h.service.CheckPayment(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		writeError(c, err, "Failed to check payment")
		return
	}
	c.JSON(http.StatusOK, check)
}

type paypalCreateRequest struct {
	ReturnURL string `json:"return_url"`
}

// PayPalCreate handles POST /v1/escrows/:id/paypal-create
func (h *Handler) PayPalCreate(c *gin.Context) {
	var req paypalCreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	if h.returnURLs != nil {
		if err := h.returnURLs.Check(req.ReturnURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Return URL is not allowed",
			})
			return
		}
	}

	approvalURL, err := h.service.PayPalCreate(c.Request.Context(), c.Param("id"), callerID(c), req.ReturnURL)
	if err != nil {
		writeError(c, err, "Failed to create PayPal order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval_url": approvalURL})
}

type paypalAuthorizeRequest struct {
	Token   string `json:"token"`
	PayerID string `json:"payer_id"`
}

// PayPalAuthorize handles POST /v1/escrows/:id/paypal-authorize
func (h *Handler) PayPalAuthorize(c *gin.Context) {
	var req paypalAuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.PayPalAuthorize(c.Request.Context(), c.Param("id"), callerID(c), req.Token, req.PayerID)
	if err != nil {
		writeError(c, err, "Failed to handle PayPal authorization")
		return
	}
	c.JSON(http.StatusOK, escrow)
}

// WebhookSignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const WebhookSignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// PayPalWebhook handles POST /v1/paypal/webhook
func (h *Handler) PayPalWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if h.webhookSecret != "" && !VerifyWebhook(body, c.GetHeader(WebhookSignatureHeader), h.webhookSecret) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Invalid webhook signature",
		})
		return
	}

	var ev PayPalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid webhook event",
		})
		return
	}
	if _, err := h.service.PayPalWebhook(c.Request.Context(), ev); err != nil {
		writeError(c, err, "Webhook handling failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SignWebhook returns the signature VerifyWebhook expects for payload.
func SignWebhook(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks signature against payload in constant time.
func VerifyWebhook(payload []byte, signature, secret string) bool {
	want := SignWebhook(payload, secret)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// SellerDetails handles POST /v1/escrows/:id/seller-details
func (h *Handler) SellerDetails(c *gin.Context) {
	var req SellerDetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("seller_address", req.SellerAddress),
		validation.ValidEmail("seller_paypal_email", req.SellerPayPalEmail),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.SetSellerDetails(c.Request.Context(), c.Param("id"), callerID(c), req)
	if err != nil {
		writeError(c, err, "Failed to save seller details")
		return
	}
	c.JSON(http.StatusOK, escrow)
}

func callerID(c *gin.Context) string {
	return c.GetString("authUserID")
}

// writeError maps service errors onto the API error body. Unknown errors
// use the per-operation fallback text.
func writeError(c *gin.Context, err error, fallback string) {
	status, code := http.StatusInternalServerError, "internal_error"
	msg := fallback

	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Escrow not found"
	case errors.Is(err, ErrNotParticipant):
		status, code, msg = http.StatusForbidden, "forbidden", "You are not a participant of this escrow"
	case errors.Is(err, ErrUnauthorized):
		status, code, msg = http.StatusForbidden, "unauthorized", sentence(err)
	case errors.Is(err, ErrAlreadyFunded):
		status, code, msg = http.StatusConflict, "already_funded", "Escrow already funded"
	case errors.Is(err, ErrStatusChanged):
		status, code, msg = http.StatusConflict, "conflict", "Transaction already being processed"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyResolved):
		status, code, msg = http.StatusConflict, "invalid_status", sentence(err)
	case errors.Is(err, ErrMissingToken):
		status, code, msg = http.StatusBadRequest, "missing_token", "Missing PayPal token"
	case errors.Is(err, ErrInvalidAction), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrEmptyPatch), errors.Is(err, ErrPayoutDetails),
		errors.Is(err, ErrWrongMethod), errors.Is(err, ErrNoDepositAddress),
		errors.Is(err, ErrTokenMismatch):
		status, code, msg = http.StatusBadRequest, "invalid_request", sentence(err)
	case errors.Is(err, ErrRailDisabled):
		status, code, msg = http.StatusServiceUnavailable, "rail_unavailable", sentence(err)
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}

// sentence capitalizes an error string for display.
func sentence(err error) string {
	s := err.Error()
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
