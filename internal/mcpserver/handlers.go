package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/view"
)

// recentMessages is how many chat entries get_escrow shows.
const recentMessages = 10

// Backend is the record store surface the tools need beyond the view.
type Backend interface {
	view.Client
	ListEscrows(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// Handlers implements MCP tool handlers on top of one escrow view. Tool
// calls are serialized; each call focuses the view on its escrow first.
type Handlers struct {
	client Backend
	view   *view.EscrowView
	mu     sync.Mutex
}

// NewHandlers creates handlers backed by client and v.
func NewHandlers(client Backend, v *view.EscrowView) *Handlers {
	return &Handlers{client: client, view: v}
}

// focus opens escrow_id in the view, or refreshes it when already open.
func (h *Handlers) focus(ctx context.Context, req mcp.CallToolRequest) (view.Snapshot, *mcp.CallToolResult) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return view.Snapshot{}, mcp.NewToolResultError("escrow_id is required")
	}

	var err error
	if snap := h.view.Snapshot(); snap.EscrowID == id && snap.Escrow != nil {
		err = h.view.Refresh(ctx)
	} else {
		err = h.view.Open(ctx, id)
	}
	snap := h.view.Snapshot()
	if err != nil {
		return snap, failure(snap, view.ControlLoad, err)
	}
	return snap, nil
}

// failure renders err the way the view reports it to a user.
func failure(snap view.Snapshot, ctl view.Control, err error) *mcp.CallToolResult {
	switch {
	case snap.SignIn:
		return mcp.NewToolResultError("Not signed in: set ESCROWSYNC_TOKEN to a valid session token")
	case snap.Fatal != "":
		return mcp.NewToolResultError(snap.Fatal)
	case snap.Errors[ctl] != "":
		return mcp.NewToolResultError(snap.Errors[ctl])
	}
	return mcp.NewToolResultError(err.Error())
}

// HandleListEscrows lists the caller's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	list, err := h.client.ListEscrows(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("You have no escrows."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your escrows (%d):\n\n", len(list))
	for _, e := range list {
		fmt.Fprintf(&b, "- %s: %s %s via %s, %s\n", e.ID, e.Amount, e.Currency, e.PaymentMethod, e.Status)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleGetEscrow shows one escrow as the caller sees it.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap, res := h.focus(ctx, req)
	if res != nil {
		return res, nil
	}
	return mcp.NewToolResultText(formatEscrow(snap)), nil
}

// HandleSelectAction records the caller's release or cancel choice.
func (h *Handlers) HandleSelectAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, res := actionArg(req)
	if res != nil {
		return res, nil
	}
	return h.perform(ctx, req, view.ControlAction, func(ctx context.Context) error {
		return h.view.SelectAction(ctx, action)
	})
}

// HandleClearAction withdraws the caller's choice.
func (h *Handlers) HandleClearAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.perform(ctx, req, view.ControlAction, h.view.ClearAction)
}

// HandleConfirm confirms release or cancel.
func (h *Handlers) HandleConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, res := actionArg(req)
	if res != nil {
		return res, nil
	}
	return h.perform(ctx, req, view.ControlConfirm, func(ctx context.Context) error {
		return h.view.Confirm(ctx, action)
	})
}

// HandleCheckPayment runs a manual deposit check.
func (h *Handlers) HandleCheckPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap, res := h.focus(ctx, req)
	if res != nil {
		return res, nil
	}
	if snap.Escrow.PaymentMethod != escrow.MethodCrypto {
		return mcp.NewToolResultError("Only crypto escrows have an on-chain deposit to check"), nil
	}

	check, err := h.view.CheckPayment(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment check failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deposit: %d/%d confirmations, status %s.\n",
		check.Confirmations, escrow.RequiredConfirmations, check.Status)
	if check.Message != "" {
		fmt.Fprintf(&b, "%s\n", check.Message)
	}
	b.WriteString("\n")
	b.WriteString(formatEscrow(h.view.Snapshot()))
	return mcp.NewToolResultText(b.String()), nil
}

// HandleSendMessage posts to the escrow chat.
func (h *Handlers) HandleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := req.GetString("body", "")
	return h.perform(ctx, req, view.ControlSend, func(ctx context.Context) error {
		return h.view.Send(ctx, body)
	})
}

// HandleRequestPriceChange asks the buyer for a new price.
func (h *Handlers) HandleRequestPriceChange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.perform(ctx, req, view.ControlPrice, h.view.RequestPriceChange)
}

// HandleProposePrice sets a new amount for the escrow.
func (h *Handlers) HandleProposePrice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	return h.perform(ctx, req, view.ControlPrice, func(ctx context.Context) error {
		return h.view.ProposePrice(ctx, amount)
	})
}

// perform focuses the view, runs op and renders the resulting escrow.
func (h *Handlers) perform(ctx context.Context, req mcp.CallToolRequest, ctl view.Control, op func(context.Context) error) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, res := h.focus(ctx, req); res != nil {
		return res, nil
	}
	if err := op(ctx); err != nil {
		return failure(h.view.Snapshot(), ctl, err), nil
	}
	return mcp.NewToolResultText(formatEscrow(h.view.Snapshot())), nil
}

func actionArg(req mcp.CallToolRequest) (escrow.Action, *mcp.CallToolResult) {
	a := escrow.Action(req.GetString("action", ""))
	if !a.Valid() {
		return "", mcp.NewToolResultError("action must be 'release' or 'cancel'")
	}
	return a, nil
}

// --- formatting ---

func formatEscrow(snap view.Snapshot) string {
	e := snap.Escrow
	if e == nil {
		return "Escrow not loaded."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Escrow %s", e.ID)
	if snap.Role != escrow.PartyNone {
		fmt.Fprintf(&b, " (you are the %s)", snap.Role)
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Amount: %s %s via %s\n", e.Amount, e.Currency, e.PaymentMethod)
	fmt.Fprintf(&b, "Buyer: %s\n", label(e.BuyerProfile, e.BuyerID))
	fmt.Fprintf(&b, "Seller: %s\n", label(e.SellerProfile, e.SellerID))
	fmt.Fprintf(&b, "Status: %s\n", e.Status)
	if e.PaymentMethod == escrow.MethodCrypto && e.Status == escrow.StatusPending {
		fmt.Fprintf(&b, "Confirmations: %d/%d\n", e.ConfirmationCount(), escrow.RequiredConfirmations)
		if e.HasDepositAddress() {
			fmt.Fprintf(&b, "Deposit address: %s\n", *e.DepositAddress)
		}
	}

	if e.Status == escrow.StatusFunded {
		fmt.Fprintf(&b, "Your choice: %s\n", actionLabel(snap.MyAction))
		fmt.Fprintf(&b, "Other party: %s\n", actionLabel(snap.OtherAction))
		if snap.Summary != "" {
			fmt.Fprintf(&b, "%s\n", snap.Summary)
		}
		if snap.Consensus.Agreed() {
			// An agreed escrow still funded is held up by the payout details.
			b.WriteString("Settlement is waiting for the seller's payout details.\n")
		}
	}

	if len(snap.Notices) > 0 {
		b.WriteString("\nNotices:\n")
		for _, n := range snap.Notices {
			fmt.Fprintf(&b, "  - %s\n", n)
		}
	}
	if len(snap.Prompts) > 0 {
		b.WriteString("\nPrompts:\n")
		for _, p := range snap.Prompts {
			fmt.Fprintf(&b, "  - %s\n", p.Text)
		}
	}

	if len(snap.Messages) > 0 {
		b.WriteString("\nRecent messages:\n")
		msgs := snap.Messages
		if len(msgs) > recentMessages {
			msgs = msgs[len(msgs)-recentMessages:]
		}
		for _, m := range msgs {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", m.CreatedAt.Format("Jan 2 15:04"), sender(snap, m), m.Body)
		}
	}
	return b.String()
}

func actionLabel(a *escrow.Action) string {
	if a == nil {
		return "none"
	}
	return string(*a)
}

func sender(snap view.Snapshot, m *messages.Message) string {
	e := snap.Escrow
	switch {
	case m.Type == messages.TypeSystem:
		return "system"
	case m.SenderID == snap.Viewer:
		return "you"
	case m.SenderID == e.BuyerID:
		return label(e.BuyerProfile, e.BuyerID)
	case m.SenderID == e.SellerID:
		return label(e.SellerProfile, e.SellerID)
	}
	return escrow.Placeholder(m.SenderID)
}

func label(p *escrow.Profile, id string) string {
	if p == nil {
		return escrow.Placeholder(id)
	}
	return p.Label()
}
