package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[escrow.ID] = stored(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return escrow.Clone(), nil
}

func (m *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if orderID != "" && e.PayPalOrderID == orderID {
			return e.Clone(), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Status != expected {
		return ErrStatusChanged
	}
	m.escrows[escrow.ID] = stored(escrow)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAwaitingDeposit(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusPending && e.PaymentMethod == MethodCrypto && e.HasDepositAddress() {
			result = append(result, e.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) DepositAddresses(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, e := range m.escrows {
		if e.HasDepositAddress() {
			out = append(out, *e.DepositAddress)
		}
	}
	sort.Strings(out)
	return out, nil
}

// stored strips the joined profiles, which are never persisted.
func stored(e *Escrow) *Escrow {
	cp := e.Clone()
	cp.BuyerProfile = nil
	cp.SellerProfile = nil
	return cp
}
