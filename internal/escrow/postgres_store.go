package escrow

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_id, seller_id, amount, currency, usd_amount,
			payment_method, status, confirmations, deposit_address,
			buyer_action, seller_action, buyer_confirmed, seller_confirmed,
			seller_address, seller_paypal_email, paypal_order_id, paypal_authorization_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(38,18), $5, $6::NUMERIC(20,2),
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20
		)`,
		e.ID, e.BuyerID, e.SellerID, e.Amount, e.Currency, nullStringPtr(e.USDAmount),
		string(e.PaymentMethod), string(e.Status), nullInt(e.Confirmations), nullStringPtr(e.DepositAddress),
		nullAction(e.BuyerAction), nullAction(e.SellerAction), e.BuyerConfirmed, e.SellerConfirmed,
		nullString(e.SellerAddress), nullString(e.SellerPayPalEmail),
		nullString(e.PayPalOrderID), nullString(e.PayPalAuthorizationID),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, buyer_id, seller_id, amount::TEXT, currency, usd_amount::TEXT,
		       payment_method, status, confirmations, deposit_address,
		       buyer_action, seller_action, buyer_confirmed, seller_confirmed,
		       seller_address, seller_paypal_email, paypal_order_id, paypal_authorization_id,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE paypal_order_id = $1`, orderID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			amount = $1::NUMERIC(38,18), status = $2, confirmations = $3, deposit_address = $4,
			buyer_action = $5, seller_action = $6, buyer_confirmed = $7, seller_confirmed = $8,
			seller_address = $9, seller_paypal_email = $10,
			paypal_order_id = $11, paypal_authorization_id = $12, updated_at = $13
		WHERE id = $14 AND status = $15`,
		e.Amount, string(e.Status), nullInt(e.Confirmations), nullStringPtr(e.DepositAddress),
		nullAction(e.BuyerAction), nullAction(e.SellerAction), e.BuyerConfirmed, e.SellerConfirmed,
		nullString(e.SellerAddress), nullString(e.SellerPayPalEmail),
		nullString(e.PayPalOrderID), nullString(e.PayPalAuthorizationID), e.UpdatedAt,
		e.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrStatusChanged
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAwaitingDeposit(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'pending'
		  AND payment_method = 'crypto'
		  AND deposit_address IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
func (p *PostgresStore) DepositAddresses(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT deposit_address FROM escrows
		WHERE deposit_address IS NOT NULL
		ORDER BY deposit_address`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		usdAmount      sql.NullString
		method         string
		status         string
		confirmations  sql.NullInt64
		depositAddress sql.NullString
		buyerAction    sql.NullString
		sellerAction   sql.NullString
		sellerAddress  sql.NullString
		sellerPayPal   sql.NullString
		orderID        sql.NullString
		authID         sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &usdAmount,
		&method, &status, &confirmations, &depositAddress,
		&buyerAction, &sellerAction, &e.BuyerConfirmed, &e.SellerConfirmed,
		&sellerAddress, &sellerPayPal, &orderID, &authID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.PaymentMethod = PaymentMethod(method)
	e.Status = Status(status)
	e.Amount = trimAmount(e.Amount)
	if usdAmount.Valid {
		v := trimAmount(usdAmount.String)
		e.USDAmount = &v
	}
	if confirmations.Valid {
		e.Confirmations = IntPtr(int(confirmations.Int64))
	}
	if depositAddress.Valid {
		e.DepositAddress = &depositAddress.String
	}
	if buyerAction.Valid {
		e.BuyerAction = ActionPtr(Action(buyerAction.String))
	}
	if sellerAction.Valid {
		e.SellerAction = ActionPtr(Action(sellerAction.String))
	}
	e.SellerAddress = sellerAddress.String
	e.SellerPayPalEmail = sellerPayPal.String
	e.PayPalOrderID = orderID.String
	e.PayPalAuthorizationID = authID.String
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// trimAmount drops the trailing zeros NUMERIC adds to fixed-scale values.
func trimAmount(s string) string {
	if n, err := NormalizeAmount(s); err == nil {
		return n
	}
	return s
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullAction(a *Action) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*a), Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
