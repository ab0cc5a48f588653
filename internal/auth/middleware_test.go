package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T) (*Manager, string) {
	t.Helper()
	mgr, err := NewManager("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := mgr.Issue("user_1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return mgr, tok
}

func TestNewManager_RequiresSecret(t *testing.T) {
	if _, err := NewManager(""); err != ErrNoSecret {
		t.Errorf("Expected ErrNoSecret, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	mgr, tok := setupMiddlewareTest(t)

	user, err := mgr.Verify(tok)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if user != "user_1" {
		t.Errorf("Expected user_1, got %s", user)
	}

	other, _ := NewManager("other-secret")
	if _, err := other.Verify(tok); err == nil {
		t.Error("Expected signature from another secret to be rejected")
	}

	noExpiry, _ := mgr.Issue("user_1", -time.Hour)
	if _, err := mgr.Verify(noExpiry); err != nil {
		t.Errorf("Non-positive ttl issues a token without expiry, got %v", err)
	}

	if _, err := mgr.Verify(""); err != ErrNoToken {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
}

func TestBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"abc":        "abc",
		"":           "",
	}
	for in, want := range cases {
		if got := bearer(in); got != want {
			t.Errorf("bearer(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Middleware() ---

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	mgr, tok := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+tok)

	Middleware(mgr)(c)

	if got := GetAuthenticatedUser(c); got != "user_1" {
		t.Errorf("Expected user_1, got %q", got)
	}
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	mgr, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer garbage")

	Middleware(mgr)(c)

	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid token")
	}
	if GetAuthenticatedUser(c) != "" {
		t.Error("Invalid token must not authenticate")
	}
}

// --- RequireAuth() ---

func TestRequireAuth(t *testing.T) {
	mgr, tok := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/me", RequireAuth(), Me)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/me", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", w.Code)
	}
}
