package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driveguard/internal/model"
	"driveguard/internal/storage"
)

// closeAlert is the single path to a terminal state, shared by event
// triggers, the sweeper, and manual resolution. The store-level conditional
// close decides the race between concurrent closers: only the caller whose
// update actually transitioned the alert applies the counter deltas.
func (e *Engine) closeAlert(ctx context.Context, alert model.Alert, status model.Status, reason string) (model.Alert, error) {
	if alert.Status.Terminal() {
		return alert, ErrAlreadyClosed
	}
	now := time.Now().UTC()
	applied, err := e.store.CloseAlert(ctx, alert.ID, status, reason, now)
	if err != nil {
		return model.Alert{}, fmt.Errorf("close alert %s: %w", alert.ID, err)
	}
	if !applied {
		return alert, ErrAlreadyClosed
	}
	if err := e.store.AddStats(ctx, alert.Severity, -1, 1); err != nil {
		return model.Alert{}, fmt.Errorf("stats delta: %w", err)
	}
	if err := e.store.AddDriverAlerts(ctx, alert.DriverID, "", -1); err != nil {
		return model.Alert{}, fmt.Errorf("driver delta: %w", err)
	}
	alert.Status = status
	alert.CloseReason = reason
	alert.UpdatedAt = now
	if e.logger != nil {
		e.logger.Info("alert closed",
			"alert_id", alert.ID,
			"driver_id", alert.DriverID,
			"status", status,
			"reason", reason,
		)
	}
	return alert, nil
}

// Close transitions one alert to AUTO_CLOSED by id.
func (e *Engine) Close(ctx context.Context, alertID, reason string) (model.Alert, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return model.Alert{}, err
	}
	return e.closeAlert(ctx, alert, model.StatusAutoClosed, reason)
}

// Resolve is the operator variant of Close: same delta contract, terminal
// status RESOLVED, reason carries the attribution.
func (e *Engine) Resolve(ctx context.Context, alertID, resolvedBy string) (model.Alert, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return model.Alert{}, err
	}
	return e.closeAlert(ctx, alert, model.StatusResolved, "Manual resolution by "+resolvedBy)
}

// HandleEvent closes every open alert whose rule names eventType as its
// auto-close trigger, for the given driver. An event with no matching rule
// is a no-op. Returns the number of alerts this call closed.
func (e *Engine) HandleEvent(ctx context.Context, driverID, eventType string) (int, error) {
	rule, err := e.store.GetRuleByTrigger(ctx, eventType)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("trigger lookup: %w", err)
	}
	alerts, err := e.store.OpenAlerts(ctx, driverID, rule.SourceType)
	if err != nil {
		return 0, fmt.Errorf("open alerts: %w", err)
	}
	closed := 0
	for _, alert := range alerts {
		if _, err := e.closeAlert(ctx, alert, model.StatusAutoClosed, "Event: "+eventType); err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// SweepExpired closes every open alert created before cutoff. Each closure
// is independently atomic; when the context deadline hits, already-closed
// alerts stay correctly counted and the rest wait for the next run.
func (e *Engine) SweepExpired(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	expired, err := e.store.ExpiredAlerts(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expired scan: %w", err)
	}
	closed := 0
	for _, alert := range expired {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if _, err := e.closeAlert(ctx, alert, model.StatusAutoClosed, reason); err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				continue
			}
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// Resync recomputes both aggregate stores from the alert history and
// replaces them wholesale. This is the drift-correction path for any
// partial failure between an alert write and its counter deltas.
func (e *Engine) Resync(ctx context.Context) error {
	bySeverity, err := e.store.OpenCountsBySeverity(ctx)
	if err != nil {
		return fmt.Errorf("open counts: %w", err)
	}
	terminal, err := e.store.TerminalCount(ctx)
	if err != nil {
		return fmt.Errorf("terminal count: %w", err)
	}
	stats := model.SystemStats{
		TotalCritical:   bySeverity[model.SeverityCritical],
		TotalWarning:    bySeverity[model.SeverityWarning],
		TotalInfo:       bySeverity[model.SeverityInfo],
		AutoClosedCount: terminal,
	}
	if err := e.store.ReplaceStats(ctx, stats); err != nil {
		return fmt.Errorf("replace stats: %w", err)
	}
	byDriver, err := e.store.OpenCountsByDriver(ctx)
	if err != nil {
		return fmt.Errorf("driver counts: %w", err)
	}
	if err := e.store.ResetDriverCounts(ctx, byDriver); err != nil {
		return fmt.Errorf("reset driver counts: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("aggregates resynchronized",
			"total_critical", stats.TotalCritical,
			"total_warning", stats.TotalWarning,
			"total_info", stats.TotalInfo,
			"auto_closed_count", stats.AutoClosedCount,
			"drivers", len(byDriver),
		)
	}
	return nil
}
