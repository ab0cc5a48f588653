// Package directory resolves the read-only profile and listing summaries the
// escrow and message services join into their responses.
package directory

import (
	"context"
	"sync"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
)

// Store looks up profiles and listings.
type Store interface {
	Profiles(ctx context.Context, ids ...string) (map[string]*escrow.Profile, error)
	Listing(ctx context.Context, id string) (*messages.Listing, error)
}

// Directory adapts a Store to the lookups the services need.
type Directory struct {
	store Store
}

// New creates a directory over store.
func New(store Store) *Directory {
	return &Directory{store: store}
}

// Profiles returns the profiles found for ids. Missing ids are absent.
func (d *Directory) Profiles(ctx context.Context, ids ...string) (map[string]*escrow.Profile, error) {
	return d.store.Profiles(ctx, dedupe(ids)...)
}

// Listing returns the listing, or nil when it does not exist.
func (d *Directory) Listing(ctx context.Context, id string) (*messages.Listing, error) {
	return d.store.Listing(ctx, id)
}

// Usernames maps ids to usernames for the profiles that have one.
func (d *Directory) Usernames(ctx context.Context, ids ...string) (map[string]string, error) {
	profiles, err := d.store.Profiles(ctx, dedupe(ids)...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(profiles))
	for id, p := range profiles {
		if p.Username != "" {
			out[id] = p.Username
		}
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// MemoryStore is an in-memory directory for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*escrow.Profile
	listings map[string]*messages.Listing
}

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*escrow.Profile),
		listings: make(map[string]*messages.Listing),
	}
}

// PutProfile adds or replaces a profile.
func (m *MemoryStore) PutProfile(p escrow.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = &p
}

// PutListing adds or replaces a listing.
func (m *MemoryStore) PutListing(l messages.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = &l
}

func (m *MemoryStore) Profiles(ctx context.Context, ids ...string) (map[string]*escrow.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*escrow.Profile, len(ids))
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) Listing(ctx context.Context, id string) (*messages.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

var (
	_ escrow.ProfileResolver = (*Directory)(nil)
	_ messages.Directory     = (*Directory)(nil)
)
