package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"driveguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:driveguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db, bind: bindQuestion}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			source_type TEXT PRIMARY KEY,
			escalate_if_count INTEGER NOT NULL DEFAULT 0,
			window_mins INTEGER NOT NULL DEFAULT 0,
			auto_close_trigger TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_trigger ON rules(auto_close_trigger)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '',
			close_reason TEXT NOT NULL DEFAULT '',
			created_ns INTEGER NOT NULL,
			updated_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_driver_source ON alerts(driver_id, source_type, created_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status_created ON alerts(status, created_ns)`,
		`CREATE TABLE IF NOT EXISTS drivers (
			driver_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			active_alert_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS system_stats (
			singleton_id TEXT PRIMARY KEY,
			total_critical INTEGER NOT NULL DEFAULT 0,
			total_warning INTEGER NOT NULL DEFAULT 0,
			total_info INTEGER NOT NULL DEFAULT 0,
			auto_closed_count INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) History(ctx context.Context, since time.Time, weekly bool) ([]model.HistoryBucket, error) {
	format := "%Y-%m-%d"
	if weekly {
		format = "%Y-W%W"
	}
	return s.historyRows(ctx,
		`SELECT strftime('`+format+`', created_ns / 1000000000, 'unixepoch') AS bucket,
			COUNT(*),
			SUM(CASE WHEN status = 'ESCALATED' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'AUTO_CLOSED' THEN 1 ELSE 0 END)
		FROM alerts WHERE created_ns >= ?
		GROUP BY bucket ORDER BY bucket`,
		since)
}
