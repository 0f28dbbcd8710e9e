package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour of a connection.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectLibSQL   Dialect = "libsql"
)

// DB wraps the session record connection.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	dsn     string
}

// DefaultDBPath returns ~/.pkgforge/pkgforge.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".pkgforge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "pkgforge.db"), nil
}

// DialectFor picks the dialect from a DSN: postgres:// and postgresql://
// URLs use pgx, libsql:// and https:// URLs use libSQL, anything else is a
// SQLite file path.
func DialectFor(dsn string) Dialect {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres
	case strings.HasPrefix(dsn, "libsql://"), strings.HasPrefix(dsn, "https://"), strings.HasPrefix(dsn, "wss://"):
		return DialectLibSQL
	}
	return DialectSQLite
}

// Open opens or creates the database named by dsn.
func Open(dsn string) (*DB, error) {
	dialect := DialectFor(dsn)
	driver := map[Dialect]string{
		DialectSQLite:   "sqlite",
		DialectPostgres: "pgx",
		DialectLibSQL:   "libsql",
	}[dialect]

	if dialect == DialectSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", dsn, err)
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect != DialectPostgres {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dialect == DialectSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}
	return &DB{conn: conn, dialect: dialect, dsn: dsn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect returns the connection's SQL flavour.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Rebind rewrites ? placeholders for the connection's dialect.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) error {
	_, err := d.conn.ExecContext(ctx, d.Rebind(query), args...)
	return err
}

func (d *DB) autoID() string {
	if d.dialect == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// schemaV1 returns the statements of the first schema version. Every table
// except schema_version is append-only.
func (d *DB) schemaV1() []string {
	id := d.autoID()
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    project     TEXT NOT NULL,
    subject     TEXT,
    model       TEXT,
    config      TEXT,
    started_at  TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS round_events (
    id                ` + id + `,
    session_id        TEXT NOT NULL REFERENCES sessions(id),
    loop              TEXT NOT NULL CHECK(loop IN ('repair','refine')),
    round             INTEGER NOT NULL,
    phase             TEXT,
    action            TEXT NOT NULL,
    candidate_version INTEGER,
    accepted_version  INTEGER,
    error_kind        TEXT,
    verdict           TEXT,
    build_status      TEXT,
    divergence        INTEGER,
    truncated         BOOLEAN NOT NULL DEFAULT FALSE,
    reason            TEXT,
    refine_exit       TEXT,
    feedback          TEXT,
    input_tokens      INTEGER NOT NULL DEFAULT 0,
    output_tokens     INTEGER NOT NULL DEFAULT 0,
    cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
    detail            TEXT,
    created_at        TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_round_events_session ON round_events(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS build_runs (
    id                ` + id + `,
    session_id        TEXT NOT NULL REFERENCES sessions(id),
    loop              TEXT NOT NULL,
    round             INTEGER NOT NULL,
    candidate_version INTEGER NOT NULL,
    candidate_digest  TEXT,
    status            TEXT NOT NULL,
    success           BOOLEAN NOT NULL,
    exit_code         INTEGER,
    error_kind        TEXT,
    phase             TEXT,
    line_count        INTEGER,
    duration_ms       INTEGER,
    created_at        TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_build_runs_session ON build_runs(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS session_outcomes (
    session_id      TEXT PRIMARY KEY REFERENCES sessions(id),
    status          TEXT NOT NULL CHECK(status IN ('succeeded','stopped','failed')),
    reason          TEXT,
    refine_reason   TEXT,
    final_version   INTEGER,
    last_error_kind TEXT,
    rounds          INTEGER NOT NULL,
    input_tokens    INTEGER NOT NULL DEFAULT 0,
    output_tokens   INTEGER NOT NULL DEFAULT 0,
    cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ms     INTEGER,
    finished_at     TEXT NOT NULL
)`,
	}
}

// schemaV2 records the classified cause of a stopped session.
func (d *DB) schemaV2() []string {
	return []string{
		`ALTER TABLE session_outcomes ADD COLUMN failure_cause TEXT`,
	}
}

// Migrate applies every schema version not yet recorded.
func (d *DB) Migrate() error {
	versions := [][]string{d.schemaV1(), d.schemaV2()}
	for i, stmts := range versions {
		if err := d.apply(i+1, stmts); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) apply(version int, stmts []string) error {
	var count int
	err := d.conn.QueryRow(d.Rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v%d: %w", version, err)
		}
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"session_outcomes", "build_runs", "round_events", "sessions", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
