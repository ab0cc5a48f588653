// Package apitest runs the in-memory reference backend behind an
// httptest server so client packages can be tested end to end.
package apitest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/server"
	"github.com/mbd888/escrowsync/internal/session"
)

// Secret signs the tokens minted by Backend.Token.
const Secret = "apitest-secret-apitest-secret-00"

// Backend is a running in-memory backend.
type Backend struct {
	Server   *server.Server
	HTTP     *httptest.Server
	URL      string
	WSURL    string
	Deposits *Deposits
}

// Start boots a backend and registers its shutdown with t.Cleanup.
func Start(t testing.TB) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:                   "0",
		Env:                    "test",
		LogLevel:               "error",
		LogFormat:              "text",
		JWTSecret:              Secret,
		RequiredConfirmations:  escrow.RequiredConfirmations,
		PaymentRecheckInterval: time.Hour,
		RateLimitRPM:           100000,
		CheckPaymentPerMinute:  100000,
	}
	deposits := NewDeposits()
	logger := logging.Discard()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithDeposits(deposits, deposits))
	if err != nil {
		t.Fatalf("apitest: new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.StartBackground(ctx)
	hs := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		hs.Close()
		cancel()
		_ = srv.Shutdown()
	})

	return &Backend{
		Server:   srv,
		HTTP:     hs,
		URL:      hs.URL,
		WSURL:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/realtime",
		Deposits: deposits,
	}
}

// Token mints a bearer token for userID.
func (b *Backend) Token(t testing.TB, userID string) string {
	t.Helper()
	tok, err := b.Server.Auth().Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("apitest: issue token: %v", err)
	}
	return tok
}

// Gate returns a session gate signed in as userID.
func (b *Backend) Gate(t testing.TB, userID string) *session.TokenGate {
	t.Helper()
	return session.NewTokenGate(b.Token(t, userID))
}

// PutProfile seeds a profile in the directory.
func (b *Backend) PutProfile(p escrow.Profile) {
	b.Server.DirectoryStore().PutProfile(p)
}

// PutListing seeds a listing in the directory.
func (b *Backend) PutListing(l messages.Listing) {
	b.Server.DirectoryStore().PutListing(l)
}

// CreateEscrow opens an escrow between buyer and seller directly on the
// service.
func (b *Backend) CreateEscrow(t testing.TB, buyer, seller string, method escrow.PaymentMethod) *escrow.Escrow {
	t.Helper()
	e, err := b.Server.Escrows().Create(context.Background(), buyer, escrow.CreateRequest{
		SellerID:      seller,
		Amount:        "25",
		Currency:      "USDC",
		USDAmount:     "25",
		PaymentMethod: method,
	})
	if err != nil {
		t.Fatalf("apitest: create escrow: %v", err)
	}
	return e
}

// Fund moves a crypto escrow to funded with the required confirmations.
func (b *Backend) Fund(t testing.TB, e *escrow.Escrow) *escrow.Escrow {
	t.Helper()
	b.Deposits.Set(e.ID, escrow.RequiredConfirmations)
	check, err := b.Server.Escrows().CheckPayment(context.Background(), e.ID, e.BuyerID)
	if err != nil {
		t.Fatalf("apitest: fund escrow: %v", err)
	}
	if check.Status != escrow.StatusFunded {
		t.Fatalf("apitest: escrow %s not funded: %s", e.ID, check.Status)
	}
	return check.Escrow
}

// SetSellerDetails records payout details so a release can settle.
func (b *Backend) SetSellerDetails(t testing.TB, e *escrow.Escrow) {
	t.Helper()
	_, err := b.Server.Escrows().SetSellerDetails(context.Background(), e.ID, e.SellerID, escrow.SellerDetailsRequest{
		SellerAddress:     "0x00000000000000000000000000000000000000bb",
		SellerPayPalEmail: "seller@example.com",
	})
	if err != nil {
		t.Fatalf("apitest: seller details: %v", err)
	}
}

// Deposits is a crypto rail whose confirmation counts are set by the test.
type Deposits struct {
	mu     sync.Mutex
	counts map[string]int
	errs   map[string]error
	calls  map[string]int
}

// NewDeposits creates a rail reporting zero confirmations everywhere.
func NewDeposits() *Deposits {
	return &Deposits{
		counts: make(map[string]int),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// Set fixes the confirmation count reported for an escrow.
func (d *Deposits) Set(escrowID string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[escrowID] = n
}

// Fail makes checks of an escrow return err until cleared with nil.
func (d *Deposits) Fail(escrowID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[escrowID] = err
}

// Calls returns how many times an escrow was checked.
func (d *Deposits) Calls(escrowID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[escrowID]
}

func (d *Deposits) Confirmations(_ context.Context, e *escrow.Escrow) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[e.ID]++
	if err := d.errs[e.ID]; err != nil {
		return 0, err
	}
	return d.counts[e.ID], nil
}

func (d *Deposits) Allocate(_ context.Context, _ *escrow.Escrow) (string, error) {
	return "0x" + idgen.Hex(20), nil
}
