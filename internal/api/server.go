package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"driveguard/internal/config"
	"driveguard/internal/engine"
	"driveguard/internal/model"
	"driveguard/internal/storage"
)

type Server struct {
	store  storage.Store
	engine *engine.Engine
	logger *slog.Logger
}

func Start(ctx context.Context, cfg config.APIConfig, store storage.Store, eng *engine.Engine, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", cfg.Addr)
	}
	server := NewServer(store, eng, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.withRequestID(server.Handler())}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Handler builds the routed handler; Start wraps it with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/alerts/ingest", s.handleIngest)
	mux.HandleFunc("/api/alerts/event", s.handleEvent)
	mux.HandleFunc("/api/alerts/recent", s.handleRecent)
	mux.HandleFunc("/api/alerts/sync", s.handleSync)
	mux.HandleFunc("/api/alerts/seed", s.handleSeedRules)
	mux.HandleFunc("/api/alerts/rules", s.handleRules)
	mux.HandleFunc("/api/alerts/rules/", s.handleRuleUpdate)
	mux.HandleFunc("/api/alerts/", s.handleAlertByID)
	mux.HandleFunc("/api/dashboard/stats", s.handleStats)
	mux.HandleFunc("/api/dashboard/top-offenders", s.handleTopOffenders)
	mux.HandleFunc("/api/dashboard/auto-closed", s.handleAutoClosed)
	mux.HandleFunc("/api/dashboard/history", s.handleHistory)
	mux.HandleFunc("/api/dashboard/rule-impact", s.handleRuleImpact)
	return mux
}

func NewServer(store storage.Store, eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{store: store, engine: eng, logger: logger}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.logger != nil {
			s.logger.Debug("request",
				"request_id", uuid.NewString(),
				"method", r.Method,
				"path", r.URL.Path,
			)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var occ model.Occurrence
	if err := decodeBody(w, r, &occ); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	alert, err := s.engine.Ingest(r.Context(), occ)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusCreated, alert)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DriverID  string `json:"driver_id"`
		EventType string `json:"event_type"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DriverID == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, errors.New("driver_id and event_type are required"))
		return
	}
	closed, err := s.engine.HandleEvent(r.Context(), req.DriverID, req.EventType)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "closed": closed})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	alerts, err := s.store.RecentOpenAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, alerts)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.Resync(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "stats synchronized"})
}

func (s *Server) handleSeedRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rules := []model.Rule{
		{SourceType: "OVERSPEED", EscalateIfCount: 3, WindowMins: 60},
		{SourceType: "DOCUMENT", AutoCloseTrigger: "DOCUMENT_RENEWAL"},
		{SourceType: "FEEDBACK_NEGATIVE", EscalateIfCount: 2, WindowMins: 1440},
	}
	if err := s.store.ReplaceRules(r.Context(), rules); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, rule := range rules {
		s.engine.InvalidateRule(rule.SourceType)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "rules created"})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.store.ListRules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeData(w, http.StatusOK, rules)
	case http.MethodPost:
		var rule model.Rule
		if err := decodeBody(w, r, &rule); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := rule.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.store.PutRule(r.Context(), rule); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.engine.InvalidateRule(rule.SourceType)
		writeData(w, http.StatusCreated, rule)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sourceType := strings.TrimPrefix(r.URL.Path, "/api/alerts/rules/")
	if sourceType == "" || strings.Contains(sourceType, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req struct {
		EscalateIfCount int `json:"escalate_if_count"`
		WindowMins      int `json:"window_mins"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	probe := model.Rule{SourceType: sourceType, EscalateIfCount: req.EscalateIfCount, WindowMins: req.WindowMins}
	if err := probe.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule, err := s.store.UpdateRule(r.Context(), sourceType, req.EscalateIfCount, req.WindowMins)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("rule not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.engine.InvalidateRule(sourceType)
	writeData(w, http.StatusOK, rule)
}

func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if id, found := strings.CutSuffix(rest, "/resolve"); found {
		s.handleResolve(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alert, err := s.store.GetAlert(r.Context(), rest)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("alert not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, alert)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}
	alert, err := s.engine.Resolve(r.Context(), id, req.ResolvedBy)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeData(w, http.StatusOK, alert)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) handleTopOffenders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	drivers, err := s.store.TopDrivers(r.Context(), 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, drivers)
}

func (s *Server) handleAutoClosed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alerts, err := s.store.TerminalAlerts(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, alerts)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -7)
	weekly := false
	switch r.URL.Query().Get("range") {
	case "12w":
		since = now.AddDate(0, 0, -12*7)
		weekly = true
	case "30d":
		since = now.AddDate(0, 0, -30)
	}
	history, err := s.store.History(r.Context(), since, weekly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, history)
}

func (s *Server) handleRuleImpact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	impact, err := s.store.RuleImpact(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, impact)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("alert not found"))
	case errors.Is(err, engine.ErrAlreadyClosed):
		writeError(w, http.StatusBadRequest, errors.New("alert is already closed"))
	case errors.Is(err, engine.ErrInvalidOccurrence):
		writeError(w, http.StatusBadRequest, err)
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(body, out)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
