package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"driveguard/internal/config"
	"driveguard/internal/model"
	"driveguard/internal/storage"
)

var (
	ErrAlreadyClosed     = errors.New("alert already closed")
	ErrInvalidOccurrence = errors.New("occurrence requires source_type and driver_id")
)

// cachedRule carries negative lookups too: most source types have no rule
// and the absence is worth remembering for the TTL.
type cachedRule struct {
	rule model.Rule
	ok   bool
}

// Engine decides severity and status for ingested occurrences and owns the
// alert lifecycle. It holds no alert state in memory; all synchronization
// between concurrent closers happens through the store's conditional close.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
	rules  *expirable.LRU[string, cachedRule]
}

func New(store storage.Store, logger *slog.Logger, cfg config.EngineConfig) *Engine {
	size := cfg.RuleCacheSize
	if size <= 0 {
		size = 256
	}
	return &Engine{
		store:  store,
		logger: logger,
		rules:  expirable.NewLRU[string, cachedRule](size, nil, cfg.RuleCacheTTL.Std()),
	}
}

// InitStats ensures the singleton aggregate row exists before serving.
func (e *Engine) InitStats(ctx context.Context) error {
	return e.store.EnsureStats(ctx)
}

// InvalidateRule drops a cached policy after rule administration.
func (e *Engine) InvalidateRule(sourceType string) {
	e.rules.Remove(sourceType)
}

func (e *Engine) rule(ctx context.Context, sourceType string) (model.Rule, bool, error) {
	if cached, ok := e.rules.Get(sourceType); ok {
		return cached.rule, cached.ok, nil
	}
	rule, err := e.store.GetRule(ctx, sourceType)
	if errors.Is(err, storage.ErrNotFound) {
		e.rules.Add(sourceType, cachedRule{})
		return model.Rule{}, false, nil
	}
	if err != nil {
		return model.Rule{}, false, err
	}
	e.rules.Add(sourceType, cachedRule{rule: rule, ok: true})
	return rule, true, nil
}

// Ingest records one occurrence as a new alert. Repeated occurrences for
// the same driver and source type within the rule's window escalate: the
// occurrence that reaches the threshold becomes CRITICAL/ESCALATED, the one
// just below it WARNING. Every call creates exactly one alert and applies
// exactly one +1 delta pair; no existing alert is mutated.
func (e *Engine) Ingest(ctx context.Context, occ model.Occurrence) (model.Alert, error) {
	if occ.SourceType == "" || occ.DriverID == "" {
		return model.Alert{}, ErrInvalidOccurrence
	}
	now := time.Now().UTC()

	severity := occ.SeverityHint
	if !severity.Valid() {
		severity = model.SeverityInfo
	}
	status := model.StatusOpen

	rule, ok, err := e.rule(ctx, occ.SourceType)
	if err != nil {
		return model.Alert{}, fmt.Errorf("rule lookup: %w", err)
	}
	if ok && rule.EscalateIfCount > 0 {
		timeLimit := now.Add(-time.Duration(rule.WindowMins) * time.Minute)
		recent, err := e.store.CountAlertsSince(ctx, occ.DriverID, occ.SourceType, timeLimit)
		if err != nil {
			return model.Alert{}, fmt.Errorf("window count: %w", err)
		}
		n := recent + 1
		switch {
		case n >= rule.EscalateIfCount:
			severity = model.SeverityCritical
			status = model.StatusEscalated
		case n == rule.EscalateIfCount-1:
			severity = model.SeverityWarning
		}
	}

	// The whole alert group shares a single incident start time: a new
	// alert is backdated to its oldest sibling for (driver, source type).
	createdAt := now
	if oldest, found, err := e.store.OldestCreatedAt(ctx, occ.DriverID, occ.SourceType); err != nil {
		return model.Alert{}, fmt.Errorf("oldest sibling: %w", err)
	} else if found {
		createdAt = oldest
	}

	alert := model.Alert{
		ID:         model.NewAlertID(now),
		SourceType: occ.SourceType,
		Severity:   severity,
		Status:     status,
		DriverID:   occ.DriverID,
		Metadata:   occ.Metadata,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
	if err := e.store.InsertAlert(ctx, alert); err != nil {
		return model.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	if err := e.store.AddStats(ctx, severity, 1, 0); err != nil {
		return model.Alert{}, fmt.Errorf("stats delta: %w", err)
	}
	if err := e.store.AddDriverAlerts(ctx, occ.DriverID, occ.DriverName, 1); err != nil {
		return model.Alert{}, fmt.Errorf("driver delta: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("alert ingested",
			"alert_id", alert.ID,
			"driver_id", alert.DriverID,
			"source_type", alert.SourceType,
			"severity", alert.Severity,
			"status", alert.Status,
		)
	}
	return alert, nil
}
