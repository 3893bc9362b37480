package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"driveguard/internal/config"
	"driveguard/internal/model"
	"driveguard/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	eng := New(store, nil, config.EngineConfig{RuleCacheSize: 16, RuleCacheTTL: config.Duration(time.Minute)})
	if err := eng.InitStats(ctx); err != nil {
		t.Fatalf("init stats: %v", err)
	}
	return eng, store
}

func putRule(t *testing.T, store storage.Store, rule model.Rule) {
	t.Helper()
	if err := store.PutRule(context.Background(), rule); err != nil {
		t.Fatalf("put rule: %v", err)
	}
}

func occurrence(driverID, sourceType string) model.Occurrence {
	return model.Occurrence{SourceType: sourceType, DriverID: driverID, DriverName: "Test Driver"}
}

func TestEscalationThreshold(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	putRule(t, store, model.Rule{SourceType: "OVERSPEED", EscalateIfCount: 3, WindowMins: 60})

	first, err := eng.Ingest(ctx, occurrence("D1", "OVERSPEED"))
	if err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	if first.Severity != model.SeverityInfo || first.Status != model.StatusOpen {
		t.Fatalf("first = %s/%s, want INFO/OPEN", first.Severity, first.Status)
	}

	second, err := eng.Ingest(ctx, occurrence("D1", "OVERSPEED"))
	if err != nil {
		t.Fatalf("ingest 2: %v", err)
	}
	if second.Severity != model.SeverityWarning || second.Status != model.StatusOpen {
		t.Fatalf("second = %s/%s, want WARNING/OPEN", second.Severity, second.Status)
	}

	third, err := eng.Ingest(ctx, occurrence("D1", "OVERSPEED"))
	if err != nil {
		t.Fatalf("ingest 3: %v", err)
	}
	if third.Severity != model.SeverityCritical || third.Status != model.StatusEscalated {
		t.Fatalf("third = %s/%s, want CRITICAL/ESCALATED", third.Severity, third.Status)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := model.SystemStats{TotalCritical: 1, TotalWarning: 1, TotalInfo: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	driver, err := store.GetDriver(ctx, "D1")
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	if driver.ActiveAlertCount != 3 || driver.Name != "Test Driver" {
		t.Fatalf("driver = %+v", driver)
	}
}

func TestEscalationIgnoresOccurrencesOutsideWindow(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	putRule(t, store, model.Rule{SourceType: "OVERSPEED", EscalateIfCount: 2, WindowMins: 60})

	stale := model.Alert{
		ID:         "stale",
		SourceType: "OVERSPEED",
		Severity:   model.SeverityInfo,
		Status:     model.StatusOpen,
		DriverID:   "D1",
		CreatedAt:  time.Now().UTC().Add(-2 * time.Hour),
		UpdatedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := store.InsertAlert(ctx, stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}

	alert, err := eng.Ingest(ctx, occurrence("D1", "OVERSPEED"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert.Severity != model.SeverityWarning || alert.Status != model.StatusOpen {
		t.Fatalf("alert = %s/%s, want WARNING/OPEN (stale sibling excluded from count)", alert.Severity, alert.Status)
	}
}

func TestIngestBackdatesToOldestSibling(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.Ingest(ctx, occurrence("D1", "DOCUMENT"))
	if err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	second, err := eng.Ingest(ctx, occurrence("D1", "DOCUMENT"))
	if err != nil {
		t.Fatalf("ingest 2: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("second created at %v, want backdated to %v", second.CreatedAt, first.CreatedAt)
	}
	if second.ID == first.ID {
		t.Fatalf("alert ids must be distinct")
	}

	// a different driver starts its own incident group
	other, err := eng.Ingest(ctx, occurrence("D2", "DOCUMENT"))
	if err != nil {
		t.Fatalf("ingest other: %v", err)
	}
	if other.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("unrelated driver must not share the incident start time")
	}
}

func TestIngestSeverityHint(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	occ := occurrence("D1", "NO_RULE_TYPE")
	occ.SeverityHint = model.SeverityWarning
	alert, err := eng.Ingest(ctx, occ)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert.Severity != model.SeverityWarning || alert.Status != model.StatusOpen {
		t.Fatalf("alert = %s/%s, want hinted WARNING/OPEN", alert.Severity, alert.Status)
	}

	occ.SeverityHint = model.Severity("bogus")
	alert, err = eng.Ingest(ctx, occ)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert.Severity != model.SeverityInfo {
		t.Fatalf("severity = %s, want INFO for invalid hint", alert.Severity)
	}
}

func TestIngestRequiresIdentity(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Ingest(context.Background(), model.Occurrence{SourceType: "OVERSPEED"}); !errors.Is(err, ErrInvalidOccurrence) {
		t.Fatalf("expected ErrInvalidOccurrence, got %v", err)
	}
}

func TestRuleCacheInvalidate(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	// miss is cached: a rule added afterwards stays invisible until invalidated
	if _, err := eng.Ingest(ctx, occurrence("D1", "OVERSPEED")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	putRule(t, store, model.Rule{SourceType: "OVERSPEED", EscalateIfCount: 2, WindowMins: 60})

	alert, err := eng.Ingest(ctx, occurrence("D1", "OVERSPEED"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert.Severity != model.SeverityInfo {
		t.Fatalf("severity = %s, want INFO while stale miss is cached", alert.Severity)
	}

	eng.InvalidateRule("OVERSPEED")
	alert, err = eng.Ingest(ctx, occurrence("D1", "OVERSPEED"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if alert.Severity != model.SeverityCritical || alert.Status != model.StatusEscalated {
		t.Fatalf("alert = %s/%s, want CRITICAL/ESCALATED after invalidation", alert.Severity, alert.Status)
	}
}
