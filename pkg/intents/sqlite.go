package intents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sigweihq/x402treasury/pkg/types"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_intents (
	intent_id               TEXT PRIMARY KEY,
	amount                  TEXT NOT NULL,
	currency                TEXT NOT NULL,
	recipient               TEXT NOT NULL,
	condition_type          TEXT NOT NULL,
	condition_threshold     TEXT NOT NULL DEFAULT '',
	condition_execute_after INTEGER,
	status                  TEXT NOT NULL,
	deposit_tx_hash         TEXT NOT NULL DEFAULT '',
	execution_tx_hash       TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_intents_created_at ON payment_intents(created_at);
`

const selectColumns = `intent_id, amount, currency, recipient, condition_type, condition_threshold,
	condition_execute_after, status, deposit_tx_hash, execution_tx_hash, created_at, updated_at`

// SQLiteStore persists intents in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates
// the schema. Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, intent *types.PaymentIntent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.IntentID,
		intent.Amount,
		intent.Currency,
		intent.Recipient,
		string(intent.Condition.Type),
		intent.Condition.Threshold,
		nullableTime(intent.Condition.ExecuteAfter),
		string(intent.Status),
		intent.DepositTxHash,
		intent.ExecutionTxHash,
		intent.CreatedAt.UnixNano(),
		intent.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert intent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM payment_intents WHERE intent_id = ?`, id)
	return scanIntent(row)
}

// List returns intents oldest first
func (s *SQLiteStore) List(ctx context.Context) ([]*types.PaymentIntent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM payment_intents ORDER BY created_at, intent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var out []*types.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read intents: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(intent *types.PaymentIntent) error) (*types.PaymentIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	intent, err := scanIntent(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM payment_intents WHERE intent_id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(intent); err != nil {
		return nil, err
	}
	intent.IntentID = id

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_intents SET
			amount = ?, currency = ?, recipient = ?,
			condition_type = ?, condition_threshold = ?, condition_execute_after = ?,
			status = ?, deposit_tx_hash = ?, execution_tx_hash = ?,
			created_at = ?, updated_at = ?
		WHERE intent_id = ?`,
		intent.Amount,
		intent.Currency,
		intent.Recipient,
		string(intent.Condition.Type),
		intent.Condition.Threshold,
		nullableTime(intent.Condition.ExecuteAfter),
		string(intent.Status),
		intent.DepositTxHash,
		intent.ExecutionTxHash,
		intent.CreatedAt.UnixNano(),
		intent.UpdatedAt.UnixNano(),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update intent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit intent update: %w", err)
	}
	return intent, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*types.PaymentIntent, error) {
	var (
		intent               types.PaymentIntent
		conditionType        string
		status               string
		executeAfter         sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&intent.IntentID,
		&intent.Amount,
		&intent.Currency,
		&intent.Recipient,
		&conditionType,
		&intent.Condition.Threshold,
		&executeAfter,
		&status,
		&intent.DepositTxHash,
		&intent.ExecutionTxHash,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan intent: %w", err)
	}

	intent.Condition.Type = types.ConditionType(conditionType)
	intent.Status = types.IntentStatus(status)
	if executeAfter.Valid {
		t := time.Unix(0, executeAfter.Int64).UTC()
		intent.Condition.ExecuteAfter = &t
	}
	intent.CreatedAt = time.Unix(0, createdAt).UTC()
	intent.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &intent, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
