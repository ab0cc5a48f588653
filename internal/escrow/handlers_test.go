package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/security"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv()
	handler := NewHandler(env.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		// X-User-ID stands in for the JWT middleware
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)
	return r, env
}

func doJSON(r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error, body.Message
}

func TestHandler_CreateAndGetEscrow(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/escrows", buyer, CreateRequest{
		SellerID: seller, Amount: "10.00", Currency: "USDC", PaymentMethod: MethodCrypto,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created Escrow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, buyer, created.BuyerID)

	w = doJSON(router, "GET", "/v1/escrows/"+created.ID, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "GET", "/v1/escrows/"+created.ID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, "GET", "/v1/escrows/missing", buyer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/escrows", buyer, CreateRequest{
		SellerID: seller, Amount: "-5", Currency: "USDC", PaymentMethod: MethodCrypto,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := decodeError(t, w)
	assert.Equal(t, "validation_error", code)
}

func TestHandler_PatchOwnActionOnly(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, nil)

	w := doJSON(router, "PATCH", "/v1/escrows/esc_test", buyer, `{"buyer_action":"release"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, "PATCH", "/v1/escrows/esc_test", buyer, `{"seller_action":"release"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, "PATCH", "/v1/escrows/esc_test", buyer, `{"status":"completed"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, "PATCH", "/v1/escrows/esc_test", buyer, `{"buyer_action":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	var e Escrow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Nil(t, e.BuyerAction)
}

func TestHandler_ConfirmFlow(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, nil)

	w := doJSON(router, "POST", "/v1/escrows/esc_test/confirm", buyer, map[string]string{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/confirm", buyer, map[string]string{"action": "release"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/confirm", seller, map[string]string{"action": "release"})
	require.Equal(t, http.StatusOK, w.Code)
	var e Escrow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, StatusCompleted, e.Status)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/confirm", seller, map[string]string{"action": "cancel"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_CheckPayment(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, func(e *Escrow) {
		e.Status = StatusPending
		e.Confirmations = IntPtr(0)
		e.DepositAddress = StringPtr("0x00000000000000000000000000000000000000aa")
	})
	env.deposits.seq = []int{3}

	w := doJSON(router, "POST", "/v1/escrows/esc_test/check-payment", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var check PaymentCheck
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.Equal(t, StatusFunded, check.Status)
	assert.Equal(t, 3, check.Confirmations)
	require.NotNil(t, check.Escrow)
	assert.Equal(t, StatusFunded, check.Escrow.Status)
}

func TestHandler_PayPalAuthorizeErrors(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, func(e *Escrow) { e.PaymentMethod = MethodPayPal })

	w := doJSON(router, "POST", "/v1/escrows/esc_test/paypal-authorize", buyer, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, msg := decodeError(t, w)
	assert.Equal(t, "Missing PayPal token", msg)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/paypal-authorize", buyer, map[string]string{"token": "ORDER-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	_, msg = decodeError(t, w)
	assert.Equal(t, "Escrow already funded", msg)
}

func TestHandler_PayPalCreateAndAuthorize(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, func(e *Escrow) {
		e.PaymentMethod = MethodPayPal
		e.Status = StatusPending
		e.Confirmations = nil
	})

	w := doJSON(router, "POST", "/v1/escrows/esc_test/paypal-create", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/paypal-create", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created struct {
		ApprovalURL string `json:"approval_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Contains(t, created.ApprovalURL, "paypal=success")

	stored, err := env.store.Get(t.Context(), "esc_test")
	require.NoError(t, err)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/paypal-authorize", buyer, map[string]string{
		"token": stored.PayPalOrderID, "payer_id": "PAYER",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var e Escrow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, StatusFunded, e.Status)
}

func TestHandler_PayPalCreateReturnURLPolicy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		e.PaymentMethod = MethodPayPal
		e.Status = StatusPending
		e.Confirmations = nil
	})
	router := gin.New()
	group := router.Group("/v1")
	group.Use(func(c *gin.Context) {
		c.Set("authUserID", c.GetHeader("X-User-ID"))
		c.Next()
	})
	NewHandler(env.svc).
		WithReturnURLPolicy(security.NewReturnURLPolicy("https://app.example.com")).
		RegisterProtectedRoutes(group)

	w := doJSON(router, "POST", "/v1/escrows/esc_test/paypal-create", buyer,
		map[string]string{"return_url": "https://evil.example.net/steal"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, msg := decodeError(t, w)
	assert.Equal(t, "Return URL is not allowed", msg)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/paypal-create", buyer,
		map[string]string{"return_url": "https://app.example.com/escrows/esc_test"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "app.example.com")
}

func TestHandler_SellerDetails(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, func(e *Escrow) { e.SellerAddress = "" })

	w := doJSON(router, "POST", "/v1/escrows/esc_test/seller-details", seller, map[string]string{"seller_address": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "POST", "/v1/escrows/esc_test/seller-details", seller, map[string]string{
		"seller_address": "0x00000000000000000000000000000000000000cc",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_ListEscrows(t *testing.T) {
	router, env := setupTestRouter(t)
	env.seed(t, nil)

	w := doJSON(router, "GET", "/v1/escrows?limit=10", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Escrows []*Escrow `json:"escrows"`
		Count   int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	w = doJSON(router, "GET", "/v1/escrows", "stranger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
}

func TestHandler_PayPalWebhookSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv()
	env.seed(t, func(e *Escrow) {
		paypalPending(e)
		e.PayPalOrderID = "ORDER-1"
	})
	r := gin.New()
	NewHandler(env.svc).WithWebhookSecret("whsec").RegisterWebhookRoutes(r.Group("/v1"))

	body := `{"event_type":"PAYMENT.AUTHORIZATION.CREATED","resource":{"id":"AUTH-1","supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/paypal/webhook", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set(WebhookSignatureHeader, sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := post("")
	require.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := decodeError(t, w)
	assert.Equal(t, "invalid_signature", code)

	w = post(SignWebhook([]byte(body), "other"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stored, err := env.store.Get(context.Background(), "esc_test")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	w = post(SignWebhook([]byte(body), "whsec"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, err = env.store.Get(context.Background(), "esc_test")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, stored.Status)

	w = post(SignWebhook([]byte(body), "whsec"))
	assert.Equal(t, http.StatusOK, w.Code, "redelivery is acknowledged")
}

func TestHandler_PayPalWebhookRejectsMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv()
	r := gin.New()
	NewHandler(env.svc).RegisterWebhookRoutes(r.Group("/v1"))

	w := doJSON(r, http.MethodPost, "/v1/paypal/webhook", "", "{not json")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/paypal/webhook", "", `{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-x"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
}
