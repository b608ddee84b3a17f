package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const timeLayout = "2006-01-02T15:04:05Z"

var (
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every statement; it runs either on the pool or inside a transaction.
type Queries struct {
	q querier
}

// DB represents the database connection.
type DB struct {
	*sql.DB
	*Queries
	path   string
	logger zerolog.Logger
}

// NewDB opens the database and creates tables if they don't exist.
func NewDB(path string, logger zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Write transactions take the lock at BEGIN so check-then-insert sequences are serialized.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:      sqlDB,
		Queries: &Queries{q: sqlDB},
		path:    path,
		logger:  logger.With().Str("component", "database").Logger(),
	}

	if err := db.createTables(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// WithTx runs fn inside a write transaction. fn's error rolls back.
func (db *DB) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			business_preset TEXT NOT NULL DEFAULT 'service_general',
			kiosk_require_sms_verification BOOLEAN NOT NULL DEFAULT 1,
			suspended BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			company_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			portal_user_id INTEGER,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_account_phone ON customers(account_id, phone)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS team_member_attendance (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_member_id INTEGER NOT NULL REFERENCES team_members(id),
			clock_in_at TEXT NOT NULL,
			clock_out_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_member ON team_member_attendance(team_member_id, clock_in_at)`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			name TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS weekly_availability (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			team_member_id INTEGER REFERENCES team_members(id),
			day_of_week INTEGER NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weekly_account_member ON weekly_availability(account_id, team_member_id)`,
		`CREATE TABLE IF NOT EXISTS availability_exceptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			team_member_id INTEGER REFERENCES team_members(id),
			date TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			type TEXT NOT NULL CHECK (type IN ('closed', 'open')),
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_account_date ON availability_exceptions(account_id, date)`,
		`CREATE TABLE IF NOT EXISTS reservation_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			team_member_id INTEGER REFERENCES team_members(id),
			settings TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_settings_scope ON reservation_settings(account_id, COALESCE(team_member_id, 0))`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			team_member_id INTEGER NOT NULL REFERENCES team_members(id),
			client_id INTEGER,
			client_user_id INTEGER,
			service_id INTEGER,
			status TEXT NOT NULL DEFAULT 'pending',
			source TEXT NOT NULL DEFAULT 'staff',
			starts_at TEXT NOT NULL,
			ends_at TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			buffer_minutes INTEGER NOT NULL DEFAULT 0,
			party_size INTEGER,
			notes TEXT NOT NULL DEFAULT '',
			cancelled_at TEXT,
			cancelled_by INTEGER,
			cancel_reason TEXT NOT NULL DEFAULT '',
			rescheduled_from_id INTEGER REFERENCES reservations(id),
			created_by INTEGER,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_member_window ON reservations(account_id, team_member_id, starts_at, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(account_id, status, starts_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_client ON reservations(account_id, client_id, client_user_id)`,
		`CREATE TABLE IF NOT EXISTS reservation_resources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			team_member_id INTEGER REFERENCES team_members(id),
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS reservation_resource_allocations (
			reservation_id INTEGER NOT NULL REFERENCES reservations(id),
			resource_id INTEGER NOT NULL REFERENCES reservation_resources(id),
			quantity INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (reservation_id, resource_id)
		)`,
		`CREATE TABLE IF NOT EXISTS reservation_waitlists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			team_member_id INTEGER,
			client_id INTEGER,
			client_user_id INTEGER,
			service_id INTEGER,
			requested_start_at TEXT NOT NULL,
			requested_end_at TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			party_size INTEGER,
			status TEXT NOT NULL DEFAULT 'pending',
			released_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waitlists_pending ON reservation_waitlists(account_id, status, requested_start_at)`,
		`CREATE TABLE IF NOT EXISTS reservation_queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			item_type TEXT NOT NULL CHECK (item_type IN ('appointment', 'ticket')),
			reservation_id INTEGER UNIQUE REFERENCES reservations(id),
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			queue_number TEXT,
			queue_day TEXT,
			queue_seq INTEGER,
			position INTEGER,
			eta_minutes INTEGER,
			team_member_id INTEGER,
			service_id INTEGER,
			client_id INTEGER,
			client_user_id INTEGER,
			source TEXT NOT NULL DEFAULT 'staff',
			estimated_duration_minutes INTEGER NOT NULL DEFAULT 60,
			created_by INTEGER,
			guest_name TEXT NOT NULL DEFAULT '',
			guest_phone TEXT NOT NULL DEFAULT '',
			guest_phone_normalized TEXT NOT NULL DEFAULT '',
			party_size INTEGER NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			kiosk_flow TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			checked_in_at TEXT,
			pre_called_at TEXT,
			called_at TEXT,
			call_expires_at TEXT,
			started_at TEXT,
			finished_at TEXT,
			skipped_at TEXT,
			cancelled_at TEXT,
			left_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_account_status ON reservation_queue_items(account_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_guest_phone ON reservation_queue_items(account_id, guest_phone_normalized)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_number ON reservation_queue_items(account_id, queue_day, queue_seq) WHERE queue_seq IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS reservation_check_ins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			queue_item_id INTEGER NOT NULL REFERENCES reservation_queue_items(id),
			reservation_id INTEGER,
			client_user_id INTEGER,
			checked_in_by INTEGER,
			channel TEXT NOT NULL,
			checked_in_at TEXT NOT NULL,
			grace_deadline_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL,
			actor_id INTEGER,
			subject_type TEXT NOT NULL,
			subject_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			properties TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_account_created ON activity_log(account_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}

	return db.ensureNewColumns()
}

// ensureNewColumns adds columns introduced after the first schema to existing databases.
func (db *DB) ensureNewColumns() error {
	migrations := []string{
		`ALTER TABLE reservations ADD COLUMN version INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE reservation_queue_items ADD COLUMN kiosk_flow TEXT NOT NULL DEFAULT ''`,
	}

	for _, m := range migrations {
		_, err := db.Exec(m)
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			db.logger.Debug().Err(err).Str("migration", m).Msg("Migration skipped")
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func int64Arg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func stringArg(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
