package messages

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists messages and conversations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Table and column names come from Thread, never from user input.

func (p *PostgresStore) Insert(ctx context.Context, m *Message) error {
	t := m.Thread()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO `+t.Table()+` (
			id, `+t.Column()+`, sender_id, body, message_type, image_url,
			client_nonce, amount, currency, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, // #nosec G202 -- table from Thread
		m.ID, t.ID, m.SenderID, m.Body, string(m.Type), nullString(m.ImageURL),
		nullString(m.Metadata.ClientNonce), nullString(m.Metadata.Amount), nullString(m.Metadata.Currency),
		m.CreatedAt,
	)
	return err
}

func messageColumns(t Thread) string {
	return `id, ` + t.Column() + `, sender_id, body, message_type, image_url,
		client_nonce, amount, currency, created_at`
}

func (p *PostgresStore) List(ctx context.Context, thread Thread, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns(thread)+`
			FROM `+thread.Table()+`
			WHERE `+thread.Column()+` = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`, thread.ID, limit) // #nosec G202 -- table from Thread
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows, thread)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Last(ctx context.Context, thread Thread) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+messageColumns(thread)+`
		FROM `+thread.Table()+`
		WHERE `+thread.Column()+` = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, thread.ID) // #nosec G202 -- table from Thread
	m, err := scanMessage(row, thread)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (p *PostgresStore) FindByNonce(ctx context.Context, thread Thread, senderID, nonce string) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+messageColumns(thread)+`
		FROM `+thread.Table()+`
		WHERE `+thread.Column()+` = $1 AND sender_id = $2 AND client_nonce = $3`,
		thread.ID, senderID, nonce) // #nosec G202 -- table from Thread
	m, err := scanMessage(row, thread)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

const conversationColumns = `id, starter_id, recipient_id, listing_id, title, created_at, updated_at`

func (p *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.StarterID, c.RecipientID, nullString(c.ListingID), nullString(c.Title), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	return c, err
}

func (p *PostgresStore) FindConversation(ctx context.Context, starterID, recipientID, listingID string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE starter_id = $1 AND recipient_id = $2 AND listing_id IS NOT DISTINCT FROM $3`,
		starterID, recipientID, nullString(listingID))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (p *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE starter_id = $1 OR recipient_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TouchConversation(ctx context.Context, id string, m *Message) error {
	result, err := p.db.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, m.CreatedAt, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s scanner, thread Thread) (*Message, error) {
	m := &Message{}
	var (
		threadID string
		msgType  string
		imageURL sql.NullString
		nonce    sql.NullString
		amount   sql.NullString
		currency sql.NullString
	)
	if err := s.Scan(&m.ID, &threadID, &m.SenderID, &m.Body, &msgType, &imageURL,
		&nonce, &amount, &currency, &m.CreatedAt); err != nil {
		return nil, err
	}
	if thread.Kind == KindConversation {
		m.ConversationID = threadID
	} else {
		m.EscrowID = threadID
	}
	m.Type = Type(msgType)
	m.ImageURL = imageURL.String
	m.Metadata = Metadata{ClientNonce: nonce.String, Amount: amount.String, Currency: currency.String}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func scanConversation(s scanner) (*Conversation, error) {
	c := &Conversation{}
	var listingID, title sql.NullString
	if err := s.Scan(&c.ID, &c.StarterID, &c.RecipientID, &listingID, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ListingID = listingID.String
	c.Title = title.String
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
