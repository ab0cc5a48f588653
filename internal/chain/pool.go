package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// ErrPoolExhausted is returned when every deposit address is assigned.
var ErrPoolExhausted = errors.New("no free deposit address")

// Pool hands out deposit addresses, one per escrow.
type Pool struct {
	mu       sync.Mutex
	free     []common.Address
	assigned map[common.Address]string // address -> escrow id
}

// NewPool creates a pool over addresses. Invalid and duplicate entries are
// dropped.
func NewPool(addresses []string) *Pool {
	p := &Pool{assigned: make(map[common.Address]string)}
	seen := make(map[common.Address]bool)
	for _, a := range addresses {
		if !common.IsHexAddress(a) {
			continue
		}
		addr := common.HexToAddress(a)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		p.free = append(p.free, addr)
	}
	return p
}

// Reserve marks addresses already held by stored escrows as assigned.
// Addresses are never handed out twice, so a new escrow cannot inherit an
// old deposit.
func (p *Pool) Reserve(addresses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range addresses {
		if !common.IsHexAddress(a) {
			continue
		}
		addr := common.HexToAddress(a)
		if _, ok := p.assigned[addr]; !ok {
			p.assigned[addr] = ""
		}
		for i, f := range p.free {
			if f == addr {
				p.free = append(p.free[:i], p.free[i+1:]...)
				break
			}
		}
	}
}

// Allocate assigns the next free address to e.
func (p *Pool) Allocate(_ context.Context, e *escrow.Escrow) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return "", ErrPoolExhausted
	}
	addr := p.free[0]
	p.free = p.free[1:]
	p.assigned[addr] = e.ID
	return addr.Hex(), nil
}

// Free returns the number of unassigned addresses.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Owner returns the escrow id an address is assigned to.
func (p *Pool) Owner(address string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assigned[common.HexToAddress(strings.TrimSpace(address))]
}

var _ escrow.AddressAllocator = (*Pool)(nil)
