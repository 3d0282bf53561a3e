package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run sources, matching where a submission originated.
const (
	SourceGateway  = "gateway"
	SourcePipeline = "pipeline"
	SourceBatch    = "batch"
)

// Record is one executed job/run log entry.
type Record struct {
	ID         int64
	PromptID   string
	WorkflowID string
	Source     string
	Status     string // complete | failed
	Error      string
	OutputType string
	DurationMS int64
	CreatedAt  time.Time
}

// DB wraps the SQLite history database
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	// WAL mode for better concurrency; sqlite works best with one
	// open connection
	conn, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		output_type TEXT,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_run_logs_workflow ON run_logs(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_run_logs_created_at ON run_logs(created_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Insert stores a new run log entry
func (db *DB) Insert(rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	result, err := db.conn.Exec(`
		INSERT INTO run_logs (prompt_id, workflow_id, source, status, error, output_type, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.PromptID, rec.WorkflowID, rec.Source, rec.Status, rec.Error, rec.OutputType, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// AggregateStats holds aggregate statistics from the run log
type AggregateStats struct {
	TotalRuns     int
	TotalComplete int
	TotalFailed   int
	TodayRuns     int
	AvgDurationMS float64
}

// GetAggregateStats returns aggregate statistics across all run logs
func (db *DB) GetAggregateStats() (*AggregateStats, error) {
	stats := &AggregateStats{}

	err := db.conn.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM run_logs
	`).Scan(&stats.TotalRuns, &stats.TotalComplete, &stats.TotalFailed, &stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("query total stats: %w", err)
	}

	today := time.Now().Format("2006-01-02")
	err = db.conn.QueryRow(`
		SELECT COUNT(*) FROM run_logs WHERE DATE(created_at) = ?
	`, today).Scan(&stats.TodayRuns)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}

	return stats, nil
}

// Recent returns the most recent run log entries, newest first.
func (db *DB) Recent(limit int) ([]Record, error) {
	rows, err := db.conn.Query(`
		SELECT id, prompt_id, workflow_id, source, status, COALESCE(error, ''), COALESCE(output_type, ''), duration_ms, created_at
		FROM run_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.PromptID, &rec.WorkflowID, &rec.Source,
			&rec.Status, &rec.Error, &rec.OutputType, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
