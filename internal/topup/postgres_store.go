package topup

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yaqeenpay/ledger/internal/gateway"
	"github.com/yaqeenpay/ledger/internal/ledger"
)

// PostgresStore persists top-ups in PostgreSQL alongside the ledger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed top-up store.
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

// topups_confirmed_reference_key is a partial unique index on
// external_reference for confirmed rows.
const confirmedReferenceIndex = "topups_confirmed_reference_key"

const topupColumns = `id, user_id, wallet_id, amount, currency, channel, status,
		       external_reference, gateway_reference, redirect_url, failure_reason,
		       entry_id, requested_at, confirmed_at, failed_at, updated_at`

func (t *sqlTx) TopUpForUpdate(ctx context.Context, id string) (*TopUp, error) {
	return scanTopUp(t.SQL().QueryRowContext(ctx, `SELECT `+topupColumns+` FROM topups WHERE id = $1 FOR UPDATE`, id))
}

func (t *sqlTx) InsertTopUp(ctx context.Context, tp *TopUp) error {
	_, err := t.SQL().ExecContext(ctx, `
		INSERT INTO topups (`+topupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tp.ID, tp.UserID, tp.WalletID, tp.Amount.Amount, tp.Amount.Currency, string(tp.Channel), string(tp.Status),
		nullString(tp.ExternalReference), nullString(tp.GatewayReference), nullString(tp.RedirectURL),
		nullString(tp.FailureReason), nullString(tp.EntryID),
		tp.RequestedAt, nullTime(tp.ConfirmedAt), nullTime(tp.FailedAt), tp.UpdatedAt,
	)
	return err
}

func (t *sqlTx) UpdateTopUp(ctx context.Context, tp *TopUp) error {
	result, err := t.SQL().ExecContext(ctx, `
		UPDATE topups SET
			status = $2, external_reference = $3, gateway_reference = $4,
			redirect_url = $5, failure_reason = $6, entry_id = $7,
			confirmed_at = $8, failed_at = $9, updated_at = $10
		WHERE id = $1`,
		tp.ID, string(tp.Status), nullString(tp.ExternalReference), nullString(tp.GatewayReference),
		nullString(tp.RedirectURL), nullString(tp.FailureReason), nullString(tp.EntryID),
		nullTime(tp.ConfirmedAt), nullTime(tp.FailedAt), tp.UpdatedAt,
	)
	if ledger.IsUniqueViolation(err, confirmedReferenceIndex) {
		return ErrDuplicateReference
	}
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrTopUpNotFound
	}
	return nil
}

func (t *sqlTx) ConfirmedByReference(ctx context.Context, ref string) (*TopUp, error) {
	return scanTopUp(t.SQL().QueryRowContext(ctx,
		`SELECT `+topupColumns+` FROM topups WHERE external_reference = $1 AND status = 'confirmed'`, ref))
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*TopUp, error) {
	return scanTopUp(p.db.QueryRowContext(ctx, `SELECT `+topupColumns+` FROM topups WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context, offset, limit int) ([]*TopUp, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+topupColumns+` FROM topups
		ORDER BY requested_at DESC
		OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTopUps(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*TopUp, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+topupColumns+` FROM topups
		WHERE user_id = $1
		ORDER BY requested_at DESC
		OFFSET $2 LIMIT $3`, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTopUps(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*TopUp, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+topupColumns+` FROM topups
		WHERE status IN ('initiated', 'pending_confirmation') AND requested_at < $1
		ORDER BY requested_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTopUps(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTopUp(s scanner) (*TopUp, error) {
	t := &TopUp{}
	var (
		channel, status                      string
		externalRef, gatewayRef, redirectURL sql.NullString
		failureReason, entryID               sql.NullString
		confirmedAt, failedAt                sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.UserID, &t.WalletID, &t.Amount.Amount, &t.Amount.Currency, &channel, &status,
		&externalRef, &gatewayRef, &redirectURL, &failureReason,
		&entryID, &t.RequestedAt, &confirmedAt, &failedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopUpNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Channel = gateway.Channel(channel)
	t.Status = Status(status)
	t.ExternalReference = externalRef.String
	t.GatewayReference = gatewayRef.String
	t.RedirectURL = redirectURL.String
	t.FailureReason = failureReason.String
	t.EntryID = entryID.String
	t.ConfirmedAt = timePtr(confirmedAt)
	t.FailedAt = timePtr(failedAt)
	return t, nil
}

func scanTopUps(rows *sql.Rows) ([]*TopUp, error) {
	result := []*TopUp{}
	for rows.Next() {
		t, err := scanTopUp(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
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
