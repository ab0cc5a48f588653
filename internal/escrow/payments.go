package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/traces"
)

var (
	ErrMissingToken  = errors.New("missing PayPal token")
	ErrTokenMismatch = errors.New("PayPal token does not match this escrow's order")
	ErrRailDisabled  = errors.New("payment rail not configured")
)

// DepositChecker counts confirmations of the deposit backing a crypto escrow.
type DepositChecker interface {
	Confirmations(ctx context.Context, e *Escrow) (int, error)
}

// AddressAllocator assigns a deposit address to a new crypto escrow.
type AddressAllocator interface {
	Allocate(ctx context.Context, e *Escrow) (string, error)
}

// PayPalGateway talks to the PayPal rail.
type PayPalGateway interface {
	CreateOrder(ctx context.Context, e *Escrow, returnURL string) (orderID, approvalURL string, err error)
	AuthorizeOrder(ctx context.Context, orderID, payerID string) (authorizationID string, err error)
}

// CheckPayment refreshes the confirmation count of a crypto escrow and moves
// it to funded once the threshold is reached.
func (s *Service) CheckPayment(ctx context.Context, id, caller string) (*PaymentCheck, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CheckPayment", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	if e.PaymentMethod != MethodCrypto {
		return nil, ErrWrongMethod
	}
	if !e.HasDepositAddress() {
		return nil, ErrNoDepositAddress
	}
	if e.Status != StatusPending {
		return s.paymentCheck(ctx, e, ""), nil
	}
	if s.deposits == nil {
		return nil, ErrRailDisabled
	}

	n, err := s.deposits.Confirmations(ctx, e)
	if err != nil {
		metrics.PaymentChecksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("count confirmations: %w", err)
	}

	funded, err := s.recordConfirmations(ctx, e, n)
	if err != nil {
		if errors.Is(err, ErrStatusChanged) {
			current, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return s.paymentCheck(ctx, current, ""), nil
		}
		return nil, err
	}

	msg, result := "", ""
	switch {
	case funded:
		msg, result = MessageFunded, "funded"
	case n == 0:
		msg, result = "Payment not yet received", "pending"
	default:
		msg, result = fmt.Sprintf("Waiting for confirmations (%d/%d)", n, s.required), "confirming"
	}
	metrics.PaymentChecksTotal.WithLabelValues(result).Inc()
	return s.paymentCheck(ctx, e, msg), nil
}

// recordConfirmations persists a new confirmation count and reports whether
// it funded the escrow. Unchanged counts are not written.
func (s *Service) recordConfirmations(ctx context.Context, e *Escrow, n int) (bool, error) {
	if n < 0 {
		n = 0
	}
	funded := n >= s.required
	if !funded && e.Confirmations != nil && *e.Confirmations == n {
		return false, nil
	}
	e.Confirmations = IntPtr(n)
	if funded {
		e.Status = StatusFunded
	}
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e, StatusPending); err != nil {
		return false, err
	}
	s.publish(e)
	if funded {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusFunded)).Inc()
		s.logger.Info("deposit confirmed", "escrow", e.ID, "confirmations", n)
		s.postSystem(ctx, e.ID, e.BuyerID, MessageFunded)
	}
	return funded, nil
}

func (s *Service) paymentCheck(ctx context.Context, e *Escrow, msg string) *PaymentCheck {
	s.attachProfiles(ctx, e)
	return &PaymentCheck{
		Status:        e.Status,
		Confirmations: e.ConfirmationCount(),
		Escrow:        e,
		Message:       msg,
	}
}

// PayPalCreate creates a PayPal order for a pending escrow and returns the
// approval URL the buyer must navigate to.
func (s *Service) PayPalCreate(ctx context.Context, id, caller, returnURL string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayPalCreate", traces.EscrowID(id))
	defer span.End()

	if s.paypal == nil {
		return "", ErrRailDisabled
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.RoleOf(caller) != PartyBuyer {
		return "", ErrUnauthorized
	}
	if e.PaymentMethod != MethodPayPal {
		return "", ErrWrongMethod
	}
	if e.Status != StatusPending {
		return "", ErrAlreadyFunded
	}

	orderID, approvalURL, err := s.paypal.CreateOrder(ctx, e, returnURL)
	if err != nil {
		return "", fmt.Errorf("create PayPal order: %w", err)
	}
	e.PayPalOrderID = orderID
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e, StatusPending); err != nil {
		return "", err
	}
	s.publish(e)
	return approvalURL, nil
}

// PayPalAuthorize completes the redirect flow. Replaying the redirect for an
// escrow already funded by the same order returns the current record.
func (s *Service) PayPalAuthorize(ctx context.Context, id, caller, token, payerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayPalAuthorize", traces.EscrowID(id))
	defer span.End()

	if token == "" {
		return nil, ErrMissingToken
	}
	if s.paypal == nil {
		return nil, ErrRailDisabled
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.RoleOf(caller) != PartyBuyer {
		return nil, ErrUnauthorized
	}
	if e.PaymentMethod != MethodPayPal {
		return nil, ErrWrongMethod
	}
	if e.PayPalOrderID != "" && e.PayPalOrderID != token {
		return nil, ErrTokenMismatch
	}
	if e.Status != StatusPending {
		if e.PayPalAuthorizationID != "" && e.PayPalOrderID == token {
			s.attachProfiles(ctx, e)
			return e, nil
		}
		return nil, ErrAlreadyFunded
	}

	authID, err := s.paypal.AuthorizeOrder(ctx, token, payerID)
	if err != nil {
		return nil, fmt.Errorf("authorize PayPal order: %w", err)
	}
	if err := s.fundPayPal(ctx, e, token, authID); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, ErrAlreadyFunded
		}
		return nil, err
	}
	s.attachProfiles(ctx, e)
	return e, nil
}

// fundPayPal moves a pending PayPal escrow to funded. The write is guarded
// on pending so the redirect and the webhook cannot both fund it.
func (s *Service) fundPayPal(ctx context.Context, e *Escrow, orderID, authID string) error {
	e.PayPalOrderID = orderID
	e.PayPalAuthorizationID = authID
	e.Status = StatusFunded
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e, StatusPending); err != nil {
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusFunded)).Inc()
	s.logger.Info("paypal authorization recorded", "escrow", e.ID, "order", orderID)
	s.publish(e)
	s.postSystem(ctx, e.ID, e.BuyerID, MessageFunded)
	return nil
}

// PayPal webhook events that carry a funding authorization.
const (
	EventOrderApproved        = "CHECKOUT.ORDER.APPROVED"
	EventAuthorizationCreated = "PAYMENT.AUTHORIZATION.CREATED"
)

// PayPalEvent is the subset of a PayPal webhook body the service reads.
type PayPalEvent struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// Type returns the event type, falling back to the legacy event_name.
func (ev PayPalEvent) Type() string {
	if ev.EventType != "" {
		return ev.EventType
	}
	return ev.EventName
}

// IDs extracts the order and, for authorization events, the authorization.
func (ev PayPalEvent) IDs() (orderID, authID string) {
	switch ev.Type() {
	case EventOrderApproved:
		return ev.Resource.ID, ""
	case EventAuthorizationCreated:
		return ev.Resource.SupplementaryData.RelatedIDs.OrderID, ev.Resource.ID
	}
	return "", ""
}

// AuthorizationLookup is implemented by PayPal gateways that can report the
// authorization already attached to an order.
type AuthorizationLookup interface {
	Authorization(ctx context.Context, orderID string) (string, error)
}

// PayPalWebhook funds the escrow behind an approved or authorized PayPal
// order. Events for unknown orders, other event types and escrows that are
// no longer pending are acknowledged without change, so PayPal retries are
// harmless. It returns the escrow when the event funded it.
func (s *Service) PayPalWebhook(ctx context.Context, ev PayPalEvent) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayPalWebhook", traces.Operation(ev.Type()))
	defer span.End()

	orderID, authID := ev.IDs()
	if orderID == "" {
		s.logger.Debug("paypal webhook ignored", "event", ev.Type())
		return nil, nil
	}
	found, err := s.store.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			s.logger.Warn("paypal webhook for unknown order", "order", orderID)
			return nil, nil
		}
		return nil, err
	}
	if found.Status != StatusPending {
		return nil, nil
	}
	if authID == "" {
		lookup, ok := s.paypal.(AuthorizationLookup)
		if !ok {
			return nil, nil
		}
		id, err := lookup.Authorization(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("look up PayPal authorization: %w", err)
		}
		if id == "" {
			s.logger.Debug("paypal order approved but not authorized yet", "order", orderID)
			return nil, nil
		}
		authID = id
	}

	unlock, err := s.locks.Lock(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if e.PaymentMethod != MethodPayPal || e.Status != StatusPending || e.PayPalOrderID != orderID {
		return nil, nil
	}
	if err := s.fundPayPal(ctx, e, orderID, authID); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// SandboxPayPal is an in-process PayPal rail for development. Approval URLs
// point back at returnURL with the order token already attached.
type SandboxPayPal struct {
	mu     sync.Mutex
	orders map[string]string
	auths  map[string]string
}

// NewSandboxPayPal creates a sandbox gateway.
func NewSandboxPayPal() *SandboxPayPal {
	return &SandboxPayPal{orders: make(map[string]string), auths: make(map[string]string)}
}

func (g *SandboxPayPal) CreateOrder(_ context.Context, e *Escrow, returnURL string) (string, string, error) {
	orderID := "ORDER-" + idgen.Hex(8)
	g.mu.Lock()
	g.orders[orderID] = e.ID
	g.mu.Unlock()

	u, err := url.Parse(returnURL)
	if err != nil || returnURL == "" {
		u = &url.URL{Path: "/escrows/" + e.ID}
	}
	q := u.Query()
	q.Set("token", orderID)
	q.Set("PayerID", "SANDBOX-PAYER")
	q.Set("paypal", "success")
	u.RawQuery = q.Encode()
	return orderID, u.String(), nil
}

func (g *SandboxPayPal) AuthorizeOrder(_ context.Context, orderID, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[orderID]; !ok {
		return "", fmt.Errorf("unknown order %s", orderID)
	}
	if id, ok := g.auths[orderID]; ok {
		return id, nil
	}
	id := "AUTH-" + idgen.Hex(8)
	g.auths[orderID] = id
	return id, nil
}

// Authorization returns the authorization of orderID, empty until the
// order is authorized.
func (g *SandboxPayPal) Authorization(_ context.Context, orderID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[orderID]; !ok {
		return "", fmt.Errorf("unknown order %s", orderID)
	}
	return g.auths[orderID], nil
}

// SimulatedDeposits is a crypto rail for development: every check observes
// one more confirmation.
type SimulatedDeposits struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewSimulatedDeposits creates a simulated rail.
func NewSimulatedDeposits() *SimulatedDeposits {
	return &SimulatedDeposits{counts: make(map[string]int)}
}

func (d *SimulatedDeposits) Confirmations(_ context.Context, e *Escrow) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[e.ID]++
	return d.counts[e.ID] - 1, nil
}

func (d *SimulatedDeposits) Allocate(_ context.Context, _ *Escrow) (string, error) {
	return "0x" + idgen.Hex(20), nil
}
