package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	EnvDBPath         = "MINER_DB_PATH"
	defaultDBDirName  = ".mineragent"
	defaultDBFileName = "miners.sqlite"

	machinesTable      = "machines"
	switchRecordsTable = "switch_records"
	machineRecordTable = "machine_records"
)

// Store persists fleet state in a local SQLite database. It satisfies the
// engine's Store interface and adds metric history queries.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path. An empty path resolves
// MINER_DB_PATH, then ~/.mineragent/miners.sqlite.
func Open(path string) (*Store, error) {
	dbPath := strings.TrimSpace(path)
	if dbPath == "" {
		var err error
		dbPath, err = resolveDatabasePath()
		if err != nil {
			return nil, err
		}
	} else if err := ensureDirExists(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(EnvDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// ResolveDatabasePath returns the database path Open would use for "".
func ResolveDatabasePath() (string, error) {
	return resolveDatabasePath()
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// watch 与 switch 可能同时写入，放宽 busy 等待。
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	// 限制空闲连接，避免旧连接持锁。
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			address TEXT PRIMARY KEY,
			vendor TEXT NOT NULL,
			model TEXT,
			status TEXT NOT NULL,
			pools TEXT NOT NULL,
			metrics TEXT NOT NULL,
			last_error TEXT,
			last_seen INTEGER,
			updated_at INTEGER NOT NULL
		);`, quoteIdent(machinesTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			switched_at INTEGER NOT NULL,
			target_url TEXT NOT NULL,
			target_account TEXT NOT NULL
		);`, quoteIdent(switchRecordsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			vendor TEXT NOT NULL,
			status TEXT NOT NULL,
			hashrate REAL,
			avg_hashrate REAL,
			temperature REAL,
			power REAL,
			elapsed INTEGER,
			recorded_at INTEGER NOT NULL
		);`, quoteIdent(machineRecordTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_switch_records_address ON %s(address, switched_at DESC);`, quoteIdent(switchRecordsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_machine_records_time ON %s(recorded_at);`, quoteIdent(machineRecordTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_machine_records_address ON %s(address, recorded_at);`, quoteIdent(machineRecordTable)),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	// older databases predate the power column
	return ensureSQLiteColumn(db, machineRecordTable, "power", "REAL")
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return pkgerrors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), column, columnType)
	if _, err := db.Exec(stmt); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	return withBusyRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, stmt, args...)
		return err
	})
}

// withBusyRetry re-runs fn while SQLite reports the database as locked.
func withBusyRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func quoteIdent(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	escaped := strings.ReplaceAll(trimmed, "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
