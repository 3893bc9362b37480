package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"driveguard/internal/config"
	"driveguard/internal/model"
)

// ErrNotFound is returned for point lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract for the alert lifecycle engine. All
// counter mutations go through the atomic increment methods; CloseAlert is
// conditional on the alert still being open so concurrent closers cannot
// double-apply deltas.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	GetRule(ctx context.Context, sourceType string) (model.Rule, error)
	GetRuleByTrigger(ctx context.Context, eventType string) (model.Rule, error)
	ListRules(ctx context.Context) ([]model.Rule, error)
	PutRule(ctx context.Context, rule model.Rule) error
	UpdateRule(ctx context.Context, sourceType string, escalateIfCount, windowMins int) (model.Rule, error)
	ReplaceRules(ctx context.Context, rules []model.Rule) error

	InsertAlert(ctx context.Context, alert model.Alert) error
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	CountAlertsSince(ctx context.Context, driverID, sourceType string, since time.Time) (int, error)
	OldestCreatedAt(ctx context.Context, driverID, sourceType string) (time.Time, bool, error)
	OpenAlerts(ctx context.Context, driverID, sourceType string) ([]model.Alert, error)
	ExpiredAlerts(ctx context.Context, before time.Time) ([]model.Alert, error)
	CloseAlert(ctx context.Context, id string, status model.Status, reason string, at time.Time) (bool, error)
	RecentOpenAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	TerminalAlerts(ctx context.Context, limit int) ([]model.Alert, error)

	AddDriverAlerts(ctx context.Context, driverID, name string, delta int) error
	GetDriver(ctx context.Context, driverID string) (model.DriverStats, error)
	TopDrivers(ctx context.Context, limit int) ([]model.DriverStats, error)

	EnsureStats(ctx context.Context) error
	AddStats(ctx context.Context, severity model.Severity, severityDelta, closedDelta int) error
	GetStats(ctx context.Context) (model.SystemStats, error)
	ReplaceStats(ctx context.Context, stats model.SystemStats) error

	OpenCountsBySeverity(ctx context.Context) (map[model.Severity]int, error)
	TerminalCount(ctx context.Context) (int, error)
	OpenCountsByDriver(ctx context.Context) (map[string]int, error)
	ResetDriverCounts(ctx context.Context, counts map[string]int) error

	History(ctx context.Context, since time.Time, weekly bool) ([]model.HistoryBucket, error)
	RuleImpact(ctx context.Context) ([]model.RuleImpact, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

const statsSingletonID = "dashboard_stats"

type baseStore struct {
	db   *sql.DB
	bind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// bindDollar rewrites '?' placeholders to the $n form pgx expects.
func bindDollar(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func bindQuestion(query string) string {
	return query
}

func encodeJSON(value any) string {
	if value == nil {
		return ""
	}
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
