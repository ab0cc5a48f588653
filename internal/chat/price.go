package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/reconciliation"
)

// ErrProposalMessage means the price was changed but the explanatory
// message could not be posted.
var ErrProposalMessage = errors.New("price updated but the proposal message was not sent")

// PriceClient is the record store surface a price change needs.
type PriceClient interface {
	FetchEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
	UpdateEscrowField(ctx context.Context, id string, p escrow.Patch) (*escrow.Escrow, error)
	InsertMessage(ctx context.Context, m messages.NewMessage) (*messages.Message, error)
}

// PriceChanger runs the price-change side channel for one party.
type PriceChanger struct {
	client PriceClient
	sink   Sink
	caller string
	logger *slog.Logger
}

// NewPriceChanger creates a price changer acting as caller.
func NewPriceChanger(client PriceClient, caller string, sink Sink, logger *slog.Logger) *PriceChanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceChanger{client: client, sink: sink, caller: caller, logger: logger}
}

// RequestChange posts the seller's request for a new price.
func (p *PriceChanger) RequestChange(ctx context.Context, e *escrow.Escrow) (*messages.Message, error) {
	if e.RoleOf(p.caller) != escrow.PartySeller {
		return nil, escrow.ErrUnauthorized
	}
	if !e.Status.AcceptsPriceProposal() {
		return nil, escrow.ErrInvalidStatus
	}
	m, err := p.client.InsertMessage(ctx, messages.NewMessage{
		EscrowID: e.ID,
		SenderID: p.caller,
		Body:     "I'd like to change the price of this transaction.",
		Type:     messages.TypePriceChangeRequest,
		Metadata: messages.Metadata{ClientNonce: idgen.Nonce()},
	})
	if err != nil {
		return nil, err
	}
	priceChangesTotal.WithLabelValues("request").Inc()
	p.sink.Apply(reconciliation.MessageInserted{Message: m, Source: reconciliation.SourceWrite})
	return m, nil
}

// Propose sets a new amount and resets the escrow to pending, posts a
// price_change_proposal message carrying the amount, then re-fetches the
// record. The two writes are not atomic; the re-fetch converges the view.
// When only the message fails, the updated record is returned together
// with an error wrapping ErrProposalMessage.
func (p *PriceChanger) Propose(ctx context.Context, e *escrow.Escrow, amount string) (*escrow.Escrow, error) {
	patch, err := escrow.PriceProposal{Caller: p.caller, Amount: amount}.Patch(e)
	if err != nil {
		return nil, err
	}
	updated, err := p.client.UpdateEscrowField(ctx, e.ID, patch)
	if err != nil {
		return nil, err
	}
	priceChangesTotal.WithLabelValues("proposal").Inc()
	p.sink.Apply(reconciliation.EscrowReplaced{Escrow: updated, Source: reconciliation.SourceWrite})

	var msgErr error
	m, err := p.client.InsertMessage(ctx, messages.NewMessage{
		EscrowID: e.ID,
		SenderID: p.caller,
		Body:     fmt.Sprintf("Buyer proposed a new price: %s %s", patch.Amount(), e.Currency),
		Type:     messages.TypePriceChangeProposal,
		Metadata: messages.Metadata{
			ClientNonce: idgen.Nonce(),
			Amount:      patch.Amount(),
			Currency:    e.Currency,
		},
	})
	if err != nil {
		msgErr = fmt.Errorf("%w: %v", ErrProposalMessage, err)
	} else {
		p.sink.Apply(reconciliation.MessageInserted{Message: m, Source: reconciliation.SourceWrite})
	}

	fetched, err := p.client.FetchEscrow(ctx, e.ID)
	if err != nil {
		p.logger.Warn("re-fetch after price proposal failed", "escrow", e.ID, "error", err)
		return updated, msgErr
	}
	p.sink.Apply(reconciliation.EscrowReplaced{Escrow: fetched, Source: reconciliation.SourceFetch})
	return fetched, msgErr
}
