package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yaqeenpay/ledger/internal/ledger"
)

// PostgresStore persists escrow data in PostgreSQL, in the same database
// and transactions as the ledger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type sqlTx struct {
	*ledger.SQLTx
}

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return ledger.RunSQL(ctx, p.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &sqlTx{SQLTx: ledger.NewSQLTx(tx)})
	})
}

const escrowColumns = `id, order_id, buyer_id, seller_id, amount, currency, status,
		       disputed_from, dispute_reason, funded_at, released_at, refunded_at,
		       resolved_at, created_at, updated_at`

func (t *sqlTx) EscrowForUpdate(ctx context.Context, id string) (*Escrow, error) {
	row := t.SQL().QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	return scanEscrow(row)
}

func (t *sqlTx) InsertEscrow(ctx context.Context, e *Escrow) error {
	_, err := t.SQL().ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, buyer_id, seller_id, amount, currency, status,
			disputed_from, dispute_reason, funded_at, released_at, refunded_at,
			resolved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.OrderID, e.BuyerID, e.SellerID, e.Amount.Amount, e.Amount.Currency, string(e.Status),
		nullString(string(e.DisputedFrom)), nullString(e.DisputeReason),
		nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt,
	)
	if ledger.IsUniqueViolation(err, "escrows_order_id_key") {
		return ErrEscrowExists
	}
	return err
}

func (t *sqlTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	result, err := t.SQL().ExecContext(ctx, `
		UPDATE escrows SET
			status = $2, disputed_from = $3, dispute_reason = $4,
			funded_at = $5, released_at = $6, refunded_at = $7,
			resolved_at = $8, updated_at = $9
		WHERE id = $1`,
		e.ID, string(e.Status), nullString(string(e.DisputedFrom)), nullString(e.DisputeReason),
		nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		nullTime(e.ResolvedAt), e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3`, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status       string
		disputedFrom sql.NullString
		disputeRsn   sql.NullString
		fundedAt     sql.NullTime
		releasedAt   sql.NullTime
		refundedAt   sql.NullTime
		resolvedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerID, &e.SellerID, &e.Amount.Amount, &e.Amount.Currency, &status,
		&disputedFrom, &disputeRsn, &fundedAt, &releasedAt, &refundedAt,
		&resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.DisputedFrom = Status(disputedFrom.String)
	e.DisputeReason = disputeRsn.String
	e.FundedAt = timePtr(fundedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	result := []*Escrow{}
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertions
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*sqlTx)(nil)
)
