package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deskmind/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// CallLedger persists capability invocations to SQLite for auditing and
// debugging. Separate from the JSON snapshots so the ledger can grow
// without bloating the capability table.
//
// Storage location: .deskmind/calls.db
type CallLedger struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// CallRecord represents a single capability invocation.
type CallRecord struct {
	ID         int64
	CallID     string
	Capability string
	Version    int
	Args       string // JSON-encoded arguments
	Result     string
	Error      string // Error message if failed
	Success    bool
	DurationMs int64
	CreatedAt  time.Time
}

// LedgerStats provides ledger statistics.
type LedgerStats struct {
	TotalCalls          int
	SuccessCount        int
	FailureCount        int
	CapabilityBreakdown map[string]int // Count by capability name
}

// NewCallLedger creates a call ledger at the given path.
func NewCallLedger(dbPath string) (*CallLedger, error) {
	logging.StoreDebug("Initializing CallLedger at path: %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create CallLedger directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open CallLedger database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger := &CallLedger{db: db, dbPath: dbPath}
	if err := ledger.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize CallLedger schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("CallLedger initialized at %s", dbPath)
	return ledger, nil
}

// initialize creates the database schema.
func (l *CallLedger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS capability_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT UNIQUE NOT NULL,
		capability TEXT NOT NULL,
		version INTEGER NOT NULL,
		args TEXT,
		result TEXT,
		error TEXT,
		success INTEGER NOT NULL DEFAULT 1,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_capability_calls_name ON capability_calls(capability);
	CREATE INDEX IF NOT EXISTS idx_capability_calls_created ON capability_calls(created_at);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Record persists a capability invocation.
func (l *CallLedger) Record(rec CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	successInt := 0
	if rec.Success {
		successInt = 1
	}

	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO capability_calls
		(call_id, capability, version, args, result, error, success, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Capability, rec.Version, rec.Args,
		rec.Result, rec.Error, successInt, rec.DurationMs,
	)

	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record call %s: %v", rec.CallID, err)
		return err
	}

	logging.StoreDebug("Recorded call: %s (capability=%s v%d success=%v)", rec.CallID, rec.Capability, rec.Version, rec.Success)
	return nil
}

// GetRecent retrieves the N most recent invocations.
func (l *CallLedger) GetRecent(limit int) ([]CallRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, call_id, capability, version, args, result, error, success, duration_ms, created_at
		FROM capability_calls ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanRecords(rows)
}

// GetByCapability retrieves the N most recent invocations of a capability.
func (l *CallLedger) GetByCapability(name string, limit int) ([]CallRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, call_id, capability, version, args, result, error, success, duration_ms, created_at
		FROM capability_calls WHERE capability = ? ORDER BY created_at DESC, id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanRecords(rows)
}

// GetStats returns ledger statistics.
func (l *CallLedger) GetStats() (*LedgerStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &LedgerStats{
		CapabilityBreakdown: make(map[string]int),
	}

	row := l.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM capability_calls`)
	if err := row.Scan(&stats.TotalCalls, &stats.SuccessCount, &stats.FailureCount); err != nil {
		return nil, err
	}

	rows, err := l.db.Query(`SELECT capability, COUNT(*) FROM capability_calls GROUP BY capability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			continue
		}
		stats.CapabilityBreakdown[name] = count
	}

	return stats, nil
}

// Close closes the database connection.
func (l *CallLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		logging.Store("Closing CallLedger at %s", l.dbPath)
		return l.db.Close()
	}
	return nil
}

// scanRecords scans rows into a CallRecord slice.
func (l *CallLedger) scanRecords(rows *sql.Rows) ([]CallRecord, error) {
	var records []CallRecord

	for rows.Next() {
		var rec CallRecord
		var successInt int
		var createdAt string

		err := rows.Scan(
			&rec.ID, &rec.CallID, &rec.Capability, &rec.Version,
			&rec.Args, &rec.Result, &rec.Error, &successInt,
			&rec.DurationMs, &createdAt,
		)
		if err != nil {
			continue
		}

		rec.Success = successInt == 1
		rec.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)

		records = append(records, rec)
	}

	return records, nil
}
