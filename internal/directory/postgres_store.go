package directory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
)

// PostgresStore reads profiles and listings from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Profiles(ctx context.Context, ids ...string) (map[string]*escrow.Profile, error) {
	out := make(map[string]*escrow.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, username, display_name, avatar_url
		FROM profiles
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			pr                 escrow.Profile
			display, avatarURL sql.NullString
		)
		if err := rows.Scan(&pr.ID, &pr.Username, &display, &avatarURL); err != nil {
			return nil, err
		}
		pr.DisplayName = display.String
		pr.AvatarURL = avatarURL.String
		out[pr.ID] = &pr
	}
	return out, rows.Err()
}

func (p *PostgresStore) Listing(ctx context.Context, id string) (*messages.Listing, error) {
	l := &messages.Listing{}
	err := p.db.QueryRowContext(ctx, `SELECT id, seller_id, title FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.OwnerID, &l.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
