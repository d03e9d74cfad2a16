package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"ecopuntos-rewards/internal/models"
)

var ErrNotFound = errors.New("not found")

const defaultReceiptLimit = 50

// DB wraps the local sqlite database holding redemption receipts and
// account suspensions.
type DB struct {
	conn *sqlx.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Wrap uses an already opened connection as is, without touching the schema.
func Wrap(conn *sqlx.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS redemption_receipts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			reward_id TEXT NOT NULL,
			reward_title TEXT NOT NULL,
			code TEXT NOT NULL,
			points_spent INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			redeemed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_user_redeemed_at ON redemption_receipts(user_id, redeemed_at)`,
		`CREATE TABLE IF NOT EXISTS account_suspensions (
			user_id TEXT PRIMARY KEY,
			suspended_until TIMESTAMP NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

const sqlInsertReceipt = `
INSERT OR IGNORE INTO redemption_receipts (
	id, user_id, reward_id, reward_title, code, points_spent, balance_after, redeemed_at
) VALUES (:id, :user_id, :reward_id, :reward_title, :code, :points_spent, :balance_after, :redeemed_at)
`

// InsertReceipt stores a confirmed redemption. Replays of the same
// redemption id are ignored.
func (db *DB) InsertReceipt(ctx context.Context, receipt models.Receipt) error {
	receipt.RedeemedAt = receipt.RedeemedAt.UTC()
	if _, err := db.conn.NamedExecContext(ctx, sqlInsertReceipt, receipt); err != nil {
		return fmt.Errorf("failed to insert receipt %s: %w", receipt.ID, err)
	}
	return nil
}

const sqlListReceipts = `
SELECT id, user_id, reward_id, reward_title, code, points_spent, balance_after, redeemed_at
FROM redemption_receipts
WHERE user_id = ?
ORDER BY redeemed_at DESC, id DESC
LIMIT ?
`

// ListReceipts returns the most recent receipts of a user, newest first.
func (db *DB) ListReceipts(ctx context.Context, userID string, limit int) ([]models.Receipt, error) {
	if limit <= 0 {
		limit = defaultReceiptLimit
	}

	receipts := []models.Receipt{}
	if err := db.conn.SelectContext(ctx, &receipts, sqlListReceipts, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	return receipts, nil
}

const sqlUpsertSuspension = `
INSERT INTO account_suspensions (user_id, suspended_until, recorded_at)
VALUES (:user_id, :suspended_until, :recorded_at)
ON CONFLICT(user_id) DO UPDATE SET
	suspended_until = excluded.suspended_until,
	recorded_at = excluded.recorded_at
`

// UpsertSuspension creates or replaces the suspension of a user.
func (db *DB) UpsertSuspension(ctx context.Context, s models.Suspension) error {
	s.SuspendedUntil = s.SuspendedUntil.UTC()
	s.RecordedAt = s.RecordedAt.UTC()
	if _, err := db.conn.NamedExecContext(ctx, sqlUpsertSuspension, s); err != nil {
		return fmt.Errorf("failed to upsert suspension: %w", err)
	}
	return nil
}

const sqlGetSuspension = `
SELECT user_id, suspended_until, recorded_at
FROM account_suspensions
WHERE user_id = ?
`

// GetSuspension returns the suspension of a user or ErrNotFound.
func (db *DB) GetSuspension(ctx context.Context, userID string) (models.Suspension, error) {
	var s models.Suspension
	if err := db.conn.GetContext(ctx, &s, sqlGetSuspension, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Suspension{}, ErrNotFound
		}
		return models.Suspension{}, fmt.Errorf("failed to get suspension: %w", err)
	}
	return s, nil
}

// DeleteSuspension removes the suspension of a user. Deleting a missing
// record is not an error.
func (db *DB) DeleteSuspension(ctx context.Context, userID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM account_suspensions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete suspension: %w", err)
	}
	return nil
}

// DeleteSuspensionsBefore removes every suspension that ended before t
// and reports how many were removed.
func (db *DB) DeleteSuspensionsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM account_suspensions WHERE suspended_until <= ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge suspensions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge suspensions: %w", err)
	}
	return n, nil
}
