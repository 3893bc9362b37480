package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"driveguard/internal/model"
)

// Timestamps are persisted as unix nanoseconds so window comparisons and
// ordering behave identically on both backends.

const alertColumns = `alert_id, source_type, severity, status, driver_id, metadata_json, close_reason, created_ns, updated_ns`

func scanAlert(row interface{ Scan(...any) error }) (model.Alert, error) {
	var (
		a         model.Alert
		metadata  string
		createdNS int64
		updatedNS int64
	)
	err := row.Scan(&a.ID, &a.SourceType, &a.Severity, &a.Status, &a.DriverID, &metadata, &a.CloseReason, &createdNS, &updatedNS)
	if err != nil {
		return model.Alert{}, err
	}
	a.Metadata = decodeMetadata(metadata)
	a.CreatedAt = time.Unix(0, createdNS).UTC()
	a.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return a, nil
}

func (b *baseStore) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *baseStore) GetRule(ctx context.Context, sourceType string) (model.Rule, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT source_type, escalate_if_count, window_mins, auto_close_trigger FROM rules WHERE source_type = ?`),
		sourceType)
	return scanRule(row)
}

func (b *baseStore) GetRuleByTrigger(ctx context.Context, eventType string) (model.Rule, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT source_type, escalate_if_count, window_mins, auto_close_trigger FROM rules WHERE auto_close_trigger = ?`),
		eventType)
	return scanRule(row)
}

func scanRule(row *sql.Row) (model.Rule, error) {
	var r model.Rule
	err := row.Scan(&r.SourceType, &r.EscalateIfCount, &r.WindowMins, &r.AutoCloseTrigger)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Rule{}, ErrNotFound
	}
	if err != nil {
		return model.Rule{}, err
	}
	return r, nil
}

func (b *baseStore) ListRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT source_type, escalate_if_count, window_mins, auto_close_trigger FROM rules ORDER BY source_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		if err := rows.Scan(&r.SourceType, &r.EscalateIfCount, &r.WindowMins, &r.AutoCloseTrigger); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *baseStore) PutRule(ctx context.Context, rule model.Rule) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO rules (source_type, escalate_if_count, window_mins, auto_close_trigger)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_type) DO UPDATE SET
			escalate_if_count = excluded.escalate_if_count,
			window_mins = excluded.window_mins,
			auto_close_trigger = excluded.auto_close_trigger`),
		rule.SourceType, rule.EscalateIfCount, rule.WindowMins, rule.AutoCloseTrigger)
	return err
}

func (b *baseStore) UpdateRule(ctx context.Context, sourceType string, escalateIfCount, windowMins int) (model.Rule, error) {
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE rules SET escalate_if_count = ?, window_mins = ? WHERE source_type = ?`),
		escalateIfCount, windowMins, sourceType)
	if err != nil {
		return model.Rule{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Rule{}, err
	}
	if affected == 0 {
		return model.Rule{}, ErrNotFound
	}
	return b.GetRule(ctx, sourceType)
}

func (b *baseStore) ReplaceRules(ctx context.Context, rules []model.Rule) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx, b.bind(
			`INSERT INTO rules (source_type, escalate_if_count, window_mins, auto_close_trigger) VALUES (?, ?, ?, ?)`),
			r.SourceType, r.EscalateIfCount, r.WindowMins, r.AutoCloseTrigger); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) InsertAlert(ctx context.Context, alert model.Alert) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		alert.SourceType,
		string(alert.Severity),
		string(alert.Status),
		alert.DriverID,
		encodeJSON(alert.Metadata),
		alert.CloseReason,
		alert.CreatedAt.UnixNano(),
		alert.UpdatedAt.UnixNano())
	return err
}

func (b *baseStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	return a, err
}

// CountAlertsSince counts every occurrence in the window regardless of
// current status; closed alerts still count toward escalation.
func (b *baseStore) CountAlertsSince(ctx context.Context, driverID, sourceType string, since time.Time) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT COUNT(*) FROM alerts WHERE driver_id = ? AND source_type = ? AND created_ns >= ?`),
		driverID, sourceType, since.UnixNano()).Scan(&n)
	return n, err
}

func (b *baseStore) OldestCreatedAt(ctx context.Context, driverID, sourceType string) (time.Time, bool, error) {
	var ns sql.NullInt64
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT MIN(created_ns) FROM alerts WHERE driver_id = ? AND source_type = ?`),
		driverID, sourceType).Scan(&ns)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64).UTC(), true, nil
}

func (b *baseStore) OpenAlerts(ctx context.Context, driverID, sourceType string) ([]model.Alert, error) {
	return b.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE driver_id = ? AND source_type = ? AND status IN ('OPEN', 'ESCALATED')
		ORDER BY created_ns`,
		driverID, sourceType)
}

func (b *baseStore) ExpiredAlerts(ctx context.Context, before time.Time) ([]model.Alert, error) {
	return b.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('OPEN', 'ESCALATED') AND created_ns < ?
		ORDER BY created_ns`,
		before.UnixNano())
}

// CloseAlert transitions an alert to a terminal state only if it is still
// open. The returned bool reports whether this call performed the
// transition; callers must apply counter deltas only on true.
func (b *baseStore) CloseAlert(ctx context.Context, id string, status model.Status, reason string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("close status %q is not terminal", status)
	}
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE alerts SET status = ?, close_reason = ?, updated_ns = ?
		WHERE alert_id = ? AND status IN ('OPEN', 'ESCALATED')`),
		string(status), reason, at.UnixNano(), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *baseStore) RecentOpenAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	return b.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('OPEN', 'ESCALATED')
		ORDER BY updated_ns DESC LIMIT ?`,
		limit)
}

func (b *baseStore) TerminalAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('AUTO_CLOSED', 'RESOLVED')
		ORDER BY updated_ns DESC LIMIT ?`,
		limit)
}

// AddDriverAlerts upserts the per-driver aggregate and atomically adjusts
// its active-alert count. A non-empty name refreshes the display label.
// Counts are deliberately not clamped at zero; a negative value is a
// reconciliation signal.
func (b *baseStore) AddDriverAlerts(ctx context.Context, driverID, name string, delta int) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO drivers (driver_id, name, active_alert_count) VALUES (?, ?, ?)
		ON CONFLICT(driver_id) DO UPDATE SET
			active_alert_count = drivers.active_alert_count + excluded.active_alert_count,
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE drivers.name END`),
		driverID, name, delta)
	return err
}

func (b *baseStore) GetDriver(ctx context.Context, driverID string) (model.DriverStats, error) {
	var d model.DriverStats
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT driver_id, name, active_alert_count FROM drivers WHERE driver_id = ?`),
		driverID).Scan(&d.DriverID, &d.Name, &d.ActiveAlertCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DriverStats{}, ErrNotFound
	}
	return d, err
}

func (b *baseStore) TopDrivers(ctx context.Context, limit int) ([]model.DriverStats, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT driver_id, name, active_alert_count FROM drivers ORDER BY active_alert_count DESC LIMIT ?`),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DriverStats
	for rows.Next() {
		var d model.DriverStats
		if err := rows.Scan(&d.DriverID, &d.Name, &d.ActiveAlertCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// EnsureStats lazily creates the singleton aggregate row.
func (b *baseStore) EnsureStats(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO system_stats (singleton_id, total_critical, total_warning, total_info, auto_closed_count)
		VALUES (?, 0, 0, 0, 0)
		ON CONFLICT(singleton_id) DO NOTHING`),
		statsSingletonID)
	return err
}

// AddStats is the counter-maintenance primitive: one atomic increment
// against the singleton row. An unrecognized severity leaves the severity
// totals untouched.
func (b *baseStore) AddStats(ctx context.Context, severity model.Severity, severityDelta, closedDelta int) error {
	var critical, warning, info int
	switch severity {
	case model.SeverityCritical:
		critical = severityDelta
	case model.SeverityWarning:
		warning = severityDelta
	case model.SeverityInfo:
		info = severityDelta
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO system_stats (singleton_id, total_critical, total_warning, total_info, auto_closed_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(singleton_id) DO UPDATE SET
			total_critical = system_stats.total_critical + excluded.total_critical,
			total_warning = system_stats.total_warning + excluded.total_warning,
			total_info = system_stats.total_info + excluded.total_info,
			auto_closed_count = system_stats.auto_closed_count + excluded.auto_closed_count`),
		statsSingletonID, critical, warning, info, closedDelta)
	return err
}

func (b *baseStore) GetStats(ctx context.Context) (model.SystemStats, error) {
	var s model.SystemStats
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT total_critical, total_warning, total_info, auto_closed_count FROM system_stats WHERE singleton_id = ?`),
		statsSingletonID).Scan(&s.TotalCritical, &s.TotalWarning, &s.TotalInfo, &s.AutoClosedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SystemStats{}, nil
	}
	return s, err
}

func (b *baseStore) ReplaceStats(ctx context.Context, stats model.SystemStats) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO system_stats (singleton_id, total_critical, total_warning, total_info, auto_closed_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(singleton_id) DO UPDATE SET
			total_critical = excluded.total_critical,
			total_warning = excluded.total_warning,
			total_info = excluded.total_info,
			auto_closed_count = excluded.auto_closed_count`),
		statsSingletonID, stats.TotalCritical, stats.TotalWarning, stats.TotalInfo, stats.AutoClosedCount)
	return err
}

func (b *baseStore) OpenCountsBySeverity(ctx context.Context) (map[model.Severity]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM alerts WHERE status IN ('OPEN', 'ESCALATED') GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[model.Severity(sev)] = n
	}
	return out, rows.Err()
}

func (b *baseStore) TerminalCount(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE status IN ('AUTO_CLOSED', 'RESOLVED')`).Scan(&n)
	return n, err
}

func (b *baseStore) OpenCountsByDriver(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT driver_id, COUNT(*) FROM alerts WHERE status IN ('OPEN', 'ESCALATED') GROUP BY driver_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var driverID string
		var n int
		if err := rows.Scan(&driverID, &n); err != nil {
			return nil, err
		}
		out[driverID] = n
	}
	return out, rows.Err()
}

// ResetDriverCounts replaces every driver aggregate count wholesale:
// drivers absent from counts are reset to zero.
func (b *baseStore) ResetDriverCounts(ctx context.Context, counts map[string]int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE drivers SET active_alert_count = 0`); err != nil {
		_ = tx.Rollback()
		return err
	}
	for driverID, n := range counts {
		if _, err := tx.ExecContext(ctx, b.bind(
			`INSERT INTO drivers (driver_id, name, active_alert_count) VALUES (?, '', ?)
			ON CONFLICT(driver_id) DO UPDATE SET active_alert_count = excluded.active_alert_count`),
			driverID, n); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) RuleImpact(ctx context.Context) ([]model.RuleImpact, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT source_type, COUNT(*) AS n FROM alerts GROUP BY source_type ORDER BY n DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RuleImpact
	for rows.Next() {
		var ri model.RuleImpact
		if err := rows.Scan(&ri.SourceType, &ri.Count); err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

func (b *baseStore) historyRows(ctx context.Context, query string, since time.Time) ([]model.HistoryBucket, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(query), since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.HistoryBucket
	for rows.Next() {
		var h model.HistoryBucket
		if err := rows.Scan(&h.Bucket, &h.Total, &h.Escalated, &h.AutoClosed); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
