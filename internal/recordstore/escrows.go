package recordstore

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// FetchEscrow returns the full record, with buyer and seller profile
// summaries joined when the backend could resolve them.
func (c *Client) FetchEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	var e escrow.Escrow
	if err := c.read(ctx, "fetch_escrow", http.MethodGet, escrowPath(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEscrows returns the escrows the caller is a party of, newest first.
func (c *Client) ListEscrows(ctx context.Context, limit int) ([]*escrow.Escrow, error) {
	path := "/v1/escrows"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp struct {
		Escrows []*escrow.Escrow `json:"escrows"`
	}
	if err := c.read(ctx, "list_escrows", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Escrows, nil
}

// CreateEscrow opens a new escrow with the caller as buyer.
func (c *Client) CreateEscrow(ctx context.Context, req escrow.CreateRequest) (*escrow.Escrow, error) {
	var e escrow.Escrow
	if err := c.do(ctx, "create_escrow", http.MethodPost, "/v1/escrows", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEscrowField applies a partial write. Patches only come from an
// ActionCommand or a PriceProposal, so nothing else can be sent.
func (c *Client) UpdateEscrowField(ctx context.Context, id string, p escrow.Patch) (*escrow.Escrow, error) {
	if p.IsZero() {
		return nil, escrow.ErrEmptyPatch
	}
	var e escrow.Escrow
	if err := c.do(ctx, "update_escrow", http.MethodPatch, escrowPath(id), p, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ConfirmAction asks the backend to record and, on agreement, settle the
// caller's release or cancel.
func (c *Client) ConfirmAction(ctx context.Context, id string, action escrow.Action) (*escrow.Escrow, error) {
	if !action.Valid() {
		return nil, escrow.ErrInvalidAction
	}
	var e escrow.Escrow
	body := map[string]escrow.Action{"action": action}
	if err := c.do(ctx, "confirm_action", http.MethodPost, escrowPath(id, "confirm"), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CheckPayment asks the backend to count deposit confirmations.
func (c *Client) CheckPayment(ctx context.Context, id string) (*escrow.PaymentCheck, error) {
	var check escrow.PaymentCheck
	if err := c.do(ctx, "check_payment", http.MethodPost, escrowPath(id, "check-payment"), nil, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

// PayPalCreate creates a PayPal order and returns the approval URL the
// buyer must navigate to. returnURL may be empty.
func (c *Client) PayPalCreate(ctx context.Context, id, returnURL string) (string, error) {
	var body interface{}
	if returnURL != "" {
		body = map[string]string{"return_url": returnURL}
	}
	var resp struct {
		ApprovalURL string `json:"approval_url"`
	}
	if err := c.do(ctx, "paypal_create", http.MethodPost, escrowPath(id, "paypal-create"), body, &resp); err != nil {
		return "", err
	}
	if resp.ApprovalURL == "" {
		return "", errors.New("backend returned no approval URL")
	}
	return resp.ApprovalURL, nil
}

// PayPalAuthorize completes the redirect flow and returns the updated record.
func (c *Client) PayPalAuthorize(ctx context.Context, id, token, payerID string) (*escrow.Escrow, error) {
	if token == "" {
		return nil, escrow.ErrMissingToken
	}
	body := map[string]string{"token": token, "payer_id": payerID}
	var e escrow.Escrow
	if err := c.do(ctx, "paypal_authorize", http.MethodPost, escrowPath(id, "paypal-authorize"), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// SetSellerDetails records where released funds are paid out.
func (c *Client) SetSellerDetails(ctx context.Context, id, address, paypalEmail string) (*escrow.Escrow, error) {
	body := escrow.SellerDetailsRequest{SellerAddress: address, SellerPayPalEmail: paypalEmail}
	var e escrow.Escrow
	if err := c.do(ctx, "seller_details", http.MethodPost, escrowPath(id, "seller-details"), body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
