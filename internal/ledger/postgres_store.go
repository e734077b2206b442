package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgreSQL error codes the ledger reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// MapError converts driver errors into ledger errors: lost serialization
// races become ErrConflict (retryable) and a tripped balance CHECK becomes
// ErrInsufficientFunds. Other errors pass through.
func MapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	case pgCheckViolation:
		if pqErr.Table == "wallets" {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, pqErr.Constraint)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a unique-constraint violation on
// the named constraint (any constraint when name is empty).
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != pgUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// RunSQL runs fn inside a SERIALIZABLE transaction and commits it when fn
// succeeds. Packages that share the ledger's database build their own Tx on
// top of the *sql.Tx it hands out.
func RunSQL(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return MapError(err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return MapError(err)
	}
	if err := tx.Commit(); err != nil {
		return MapError(err)
	}
	return nil
}

// PostgresStore implements Store with PostgreSQL. The schema lives in
// migrations/ and is applied with goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return RunSQL(ctx, p.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, NewSQLTx(tx))
	})
}

// SQLTx implements Tx on a database transaction.
type SQLTx struct {
	tx *sql.Tx
}

// NewSQLTx wraps tx.
func NewSQLTx(tx *sql.Tx) *SQLTx {
	return &SQLTx{tx: tx}
}

// SQL exposes the underlying transaction to stores that extend SQLTx.
func (t *SQLTx) SQL() *sql.Tx { return t.tx }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const walletColumns = `id, user_id, currency, balance, frozen, is_active, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(sc scanner) (*Wallet, error) {
	w := &Wallet{}
	err := sc.Scan(&w.ID, &w.UserID, &w.Balance.Currency, &w.Balance.Amount, &w.Frozen,
		&w.IsActive, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func getWallet(ctx context.Context, q queryer, column, value string, forUpdate bool) (*Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanWallet(q.QueryRowContext(ctx, query, value))
}

func (t *SQLTx) WalletForUpdate(ctx context.Context, id string) (*Wallet, error) {
	return getWallet(ctx, t.tx, "id", id, true)
}

func (t *SQLTx) WalletByUserForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return getWallet(ctx, t.tx, "user_id", userID, true)
}

func (t *SQLTx) InsertWallet(ctx context.Context, w *Wallet) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO NOTHING
	`, w.ID, w.UserID, w.Balance.Currency, w.Balance.Amount, w.Frozen,
		w.IsActive, w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *SQLTx) UpdateWallet(ctx context.Context, w *Wallet) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = $2,
			frozen     = $3,
			is_active  = $4,
			version    = $5,
			updated_at = $6
		WHERE id = $1
	`, w.ID, w.Balance.Amount, w.Frozen, w.IsActive, w.Version, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *SQLTx) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, wallet_id, type, amount, currency, signed_amount, balance_after, related_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.WalletID, string(e.Type), e.Amount.Amount, e.Amount.Currency, e.Signed,
		e.BalanceAfter, nullString(e.RelatedID), nullString(e.Description), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return getWallet(ctx, p.db, "id", id, false)
}

func (p *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return getWallet(ctx, p.db, "user_id", userID, false)
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, walletID string, offset, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_id, type, amount, currency, signed_amount, balance_after,
		       related_id, description, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		var relatedID, description sql.NullString
		if err := rows.Scan(&e.ID, &e.WalletID, &typ, &e.Amount.Amount, &e.Amount.Currency,
			&e.Signed, &e.BalanceAfter, &relatedID, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.RelatedID = relatedID.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Snapshot reads the wallet row and its entry sums in one read-only
// REPEATABLE READ transaction so both come from the same snapshot.
func (p *PostgresStore) Snapshot(ctx context.Context, walletID string) (*Wallet, map[EntryType]decimal.Decimal, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, MapError(err)
	}
	defer tx.Rollback()

	w, err := getWallet(ctx, tx, "id", walletID, false)
	if err != nil {
		return nil, nil, err
	}
	totals, err := entryTotals(ctx, tx, walletID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, MapError(err)
	}
	return w, totals, nil
}

func entryTotals(ctx context.Context, q queryer, walletID string) (map[EntryType]decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE wallet_id = $1
		GROUP BY type
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[EntryType]decimal.Decimal)
	for rows.Next() {
		var typ string
		var sum decimal.Decimal
		if err := rows.Scan(&typ, &sum); err != nil {
			return nil, err
		}
		totals[EntryType(typ)] = sum
	}
	return totals, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertions
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*SQLTx)(nil)
)
