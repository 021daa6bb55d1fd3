/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements availability.TxStore, billing.TxStore, generic.AuditLog and
  billing.AdminChecker on one database. The same statements port to
  PostgreSQL with minor dialect changes.

VIEWS:
  Store.Availability(): services, weekly patterns, date overrides
  Store.Billing():      billing transactions, payout accounts, leases

KEY TABLES:
  users, providers, services:  directory (owner, admin flag, provider zone)
  availability_patterns:       one weekday bitmask per service
  date_overrides:              soft-deleted, never physically removed
  billing_transactions:        amounts, release date, payout cursor and lease
  audit_log:                   append-only who-did-what

CONCURRENCY:
  The connection string sets _txlock=immediate, so every transaction takes
  the write lock at BEGIN, and _busy_timeout bounds how long BEGIN waits for
  another writer. WithSerializableTx additionally bounds the whole
  transaction by a context deadline; running out maps to
  generic.ErrLockContention. Lease acquisition is a conditional UPDATE whose
  rows-affected count decides the winner.

WAL MODE:
  File databases are opened with WAL: readers don't block the writer.

MIGRATION:
  Versioned goose migrations are embedded (migrations/*.sql) and applied
  on New().

USAGE:
  store, err := sqlite.New(ctx, "./data/petcare.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - availability/types.go, billing/types.go: interface definitions
  - generic/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/warp/petcare-engine/generic"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so TEXT columns compare chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const busyTimeout = 5 * time.Second

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(ctx context.Context, dbPath string) (*Store, error) {
	params := fmt.Sprintf("_foreign_keys=on&_txlock=immediate&_busy_timeout=%d", busyTimeout.Milliseconds())
	memory := strings.Contains(dbPath, ":memory:")
	if !memory {
		params += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every pooled connection would open its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Availability returns the calendar view of the store.
func (s *Store) Availability() *Availability {
	return &Availability{availabilityRepo: availabilityRepo{q: s.db}, s: s}
}

// Billing returns the payout view of the store.
func (s *Store) Billing() *Billing {
	return &Billing{billingRepo: billingRepo{q: s.db}, s: s}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// withSerializableTx runs fn in a serializable transaction bounded by maxWait.
func (s *Store) withSerializableTx(ctx context.Context, maxWait time.Duration, fn func(*sql.Tx) error) error {
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	return s.withTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

// classify maps busy/locked database errors and expired waits to
// generic.ErrLockContention.
func classify(err error) error {
	if err == nil || errors.Is(err, generic.ErrLockContention) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", generic.ErrLockContention, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", generic.ErrLockContention, err)
	}
	return err
}

// =============================================================================
// DIRECTORY - users, providers, services
// =============================================================================

// SaveUser creates or updates a user.
func (s *Store) SaveUser(ctx context.Context, id generic.UserID, email string, admin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, is_admin, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, is_admin = excluded.is_admin
	`, id, email, admin, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save user %d: %w", id, err)
	}
	return nil
}

// SaveProvider creates or updates a provider profile owned by user.
func (s *Store) SaveProvider(ctx context.Context, id generic.ProviderID, user generic.UserID, timezone string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, user_id, timezone, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, timezone = excluded.timezone
	`, id, user, timezone, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save provider %d: %w", id, err)
	}
	return nil
}

// IsAdmin implements billing.AdminChecker. Unknown users are not admins.
func (s *Store) IsAdmin(ctx context.Context, user generic.UserID) (bool, error) {
	var admin bool
	err := s.db.QueryRowContext(ctx, "SELECT is_admin FROM users WHERE id = ?", user).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load user %d: %w", user, err)
	}
	return admin, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit implements generic.AuditLog.
func (s *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q querier, e generic.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor_id, action, subject, payload_json) VALUES (?, ?, ?, ?, ?)
	`, formatTime(e.Timestamp), e.ActorID, string(e.Action), e.Subject, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns matching entries, oldest first.
func (s *Store) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	query := "SELECT id, ts, actor_id, action, subject, payload_json FROM audit_log WHERE 1 = 1"
	var args []any
	if f.Subject != "" {
		query += " AND subject = ?"
		args = append(args, f.Subject)
	}
	if len(f.Actions) > 0 {
		query += " AND action IN (" + placeholders(len(f.Actions)) + ")"
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e       generic.AuditEntry
			ts      string
			action  string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &action, &e.Subject, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Action = generic.AuditAction(action)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// affected reports whether exactly one row was changed.
func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
