// Package chain counts confirmations of ERC-20 deposits backing crypto
// escrows.
//
// Each escrow gets its own deposit address from a Pool. A deposit is
// observed once Transfer logs of the token contract into that address add
// up to the escrow amount; its confirmations are the number of blocks from
// the block that completed the amount up to the chain head, inclusive.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/traces"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var (
	ErrNoAddress   = errors.New("escrow has no deposit address")
	ErrBadAddress  = errors.New("deposit address is not a hex address")
	ErrBadAmount   = errors.New("escrow amount cannot be expressed in token units")
	ErrWrongMethod = errors.New("escrow is not paid on-chain")
)

// Client is the subset of ethclient.Client the checker uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Config for the deposit checker
type Config struct {
	RPCURL        string
	TokenContract common.Address
	TokenDecimals int
	// Lookback bounds how many blocks behind the head are scanned.
	Lookback uint64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TokenDecimals: 6,
		Lookback:      50_000,
	}
}

// Checker implements escrow.DepositChecker against an EVM node.
type Checker struct {
	client Client
	config Config
	logger *slog.Logger
}

// Dial connects to cfg.RPCURL and returns a checker.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Checker, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return New(client, cfg, logger), nil
}

// New creates a checker over an existing client.
func New(client Client, cfg Config, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultConfig().Lookback
	}
	return &Checker{client: client, config: cfg, logger: logger}
}

// Close releases the RPC connection.
func (c *Checker) Close() {
	c.client.Close()
}

// Ping reports whether the node answers.
func (c *Checker) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}

// Confirmations returns how many blocks deep the deposit covering e's
// amount is, or 0 when the address has not yet received the full amount.
func (c *Checker) Confirmations(ctx context.Context, e *escrow.Escrow) (int, error) {
	if e.PaymentMethod != escrow.MethodCrypto {
		return 0, ErrWrongMethod
	}
	if !e.HasDepositAddress() {
		return 0, ErrNoAddress
	}
	if !common.IsHexAddress(*e.DepositAddress) {
		return 0, ErrBadAddress
	}
	want, err := c.units(e.Amount)
	if err != nil {
		return 0, err
	}

	ctx, span := traces.StartSpan(ctx, "chain.Confirmations", traces.EscrowID(e.ID))
	defer span.End()

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	from := uint64(0)
	if head > c.config.Lookback {
		from = head - c.config.Lookback
	}

	to := common.HexToAddress(*e.DepositAddress)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.config.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig}, // Transfer event
			nil,                // Any from address
			{common.BytesToHash(to.Bytes())},
		},
	}
	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs: %w", err)
	}

	block, ok := coveringBlock(logs, want)
	if !ok {
		c.logger.Debug("deposit not yet covered", "escrow", e.ID, "address", to.Hex(), "transfers", len(logs))
		return 0, nil
	}
	if block > head {
		return 0, nil
	}
	return int(head-block) + 1, nil
}

// units converts a decimal amount into the token's smallest unit.
func (c *Checker) units(amount string) (*big.Int, error) {
	d, err := escrow.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAmount, err)
	}
	scaled := d.Shift(int32(c.config.TokenDecimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrBadAmount, amount, c.config.TokenDecimals)
	}
	return scaled.BigInt(), nil
}

// coveringBlock returns the block at which the running sum of transfers
// first reaches want. Removed (reorged) logs are ignored.
func coveringBlock(logs []types.Log, want *big.Int) (uint64, bool) {
	sorted := make([]types.Log, 0, len(logs))
	for _, l := range logs {
		if !l.Removed {
			sorted = append(sorted, l)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].Index < sorted[j].Index
	})

	sum := new(big.Int)
	for _, l := range sorted {
		sum.Add(sum, new(big.Int).SetBytes(l.Data))
		if sum.Cmp(want) >= 0 {
			return l.BlockNumber, true
		}
	}
	return 0, false
}

var _ escrow.DepositChecker = (*Checker)(nil)
