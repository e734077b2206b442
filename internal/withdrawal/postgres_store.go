package withdrawal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yaqeenpay/ledger/internal/gateway"
	"github.com/yaqeenpay/ledger/internal/ledger"
)

// PostgresStore persists withdrawals in PostgreSQL alongside the ledger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
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

const withdrawalColumns = `id, seller_id, wallet_id, amount, currency, channel, reference, status,
		       channel_reference, failure_reason, notes, requested_at, settled_at,
		       failed_at, updated_at`

func (t *sqlTx) WithdrawalForUpdate(ctx context.Context, id string) (*Withdrawal, error) {
	return scanWithdrawal(t.SQL().QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
}

func (t *sqlTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := t.SQL().ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		w.ID, w.SellerID, w.WalletID, w.Amount.Amount, w.Amount.Currency, string(w.Channel), w.Reference,
		string(w.Status), nullString(w.ChannelReference), nullString(w.FailureReason), nullString(w.Notes),
		w.RequestedAt, nullTime(w.SettledAt), nullTime(w.FailedAt), w.UpdatedAt,
	)
	return err
}

func (t *sqlTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	result, err := t.SQL().ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $2, channel_reference = $3, failure_reason = $4,
			settled_at = $5, failed_at = $6, updated_at = $7
		WHERE id = $1`,
		w.ID, string(w.Status), nullString(w.ChannelReference), nullString(w.FailureReason),
		nullTime(w.SettledAt), nullTime(w.FailedAt), w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return scanWithdrawal(p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context, offset, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		ORDER BY requested_at DESC, reference DESC
		OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, offset, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE seller_id = $1
		ORDER BY requested_at DESC, reference DESC
		OFFSET $2 LIMIT $3`, sellerID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWithdrawals(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		channel, status               string
		channelRef, failReason, notes sql.NullString
		settledAt, failedAt           sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.SellerID, &w.WalletID, &w.Amount.Amount, &w.Amount.Currency, &channel, &w.Reference, &status,
		&channelRef, &failReason, &notes, &w.RequestedAt, &settledAt,
		&failedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}

	w.Channel = gateway.Channel(channel)
	w.Status = Status(status)
	w.ChannelReference = channelRef.String
	w.FailureReason = failReason.String
	w.Notes = notes.String
	w.SettledAt = timePtr(settledAt)
	w.FailedAt = timePtr(failedAt)
	return w, nil
}

func scanWithdrawals(rows *sql.Rows) ([]*Withdrawal, error) {
	result := []*Withdrawal{}
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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
