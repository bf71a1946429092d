// Package api serves the query surface: live status, company aggregates,
// alerts, the observer websocket and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/config"
	"shiftwatch/internal/hub"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/model"
)

// Engine is the part of the engine the API reads from and acts on.
type Engine interface {
	hub.SnapshotSource
	LiveStatus(ctx context.Context, employeeID string) (model.LiveEmployee, error)
	CompanyAggregate(ctx context.Context, companyID string) (model.CompanyAggregate, error)
	UnresolvedAlerts(ctx context.Context, companyID string) ([]model.Alert, error)
	RecentAlerts(companyID string, limit int, since time.Time) []model.Alert
	Alert(ctx context.Context, alertID string) (model.Alert, error)
	ResolveAlert(ctx context.Context, alertID string) (model.Alert, error)
	Sweep(ctx context.Context) error
}

type Options struct {
	Config    *config.Manager
	Engine    Engine
	Hub       *hub.Hub
	Validator auth.Validator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	cfg       *config.Manager
	engine    Engine
	hub       *hub.Hub
	validator auth.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	version   string
	started   time.Time
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Uptime     string          `json:"uptime"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Storage    string          `json:"storage"`
	Observers  int             `json:"observers"`
	Companies  []string        `json:"companies"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Detection  detectionStatus `json:"detection"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	StalenessWindow string `json:"staleness_window"`
	EpisodeGap      string `json:"episode_gap"`
	SweepInterval   string `json:"sweep_interval"`
}

func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		engine:    opts.Engine,
		hub:       opts.Hub,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		version:   opts.Version,
		started:   time.Now(),
	}
	if s.cfg == nil {
		s.cfg = config.NewStatic(config.DefaultConfig())
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.hub != nil {
		r.Method(http.MethodGet, "/v1/ws", s.hub.Handler(s.validator, s.engine))
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))
		r.Get("/v1/employees/{id}/status", s.handleEmployeeStatus)
		r.Get("/v1/companies/{id}/aggregate", s.handleAggregate)
		r.Get("/v1/companies/{id}/alerts", s.handleCompanyAlerts)
		r.Get("/v1/alerts/recent", s.handleRecentAlerts)
		r.Post("/v1/alerts/{id}/resolve", s.handleResolve)
		r.Post("/admin/reconcile", s.handleReconcile)
	})
	return r
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Annotate(err, "api server")
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	companies := make([]string, 0, len(cfg.Companies))
	for id := range cfg.Companies {
		companies = append(companies, id)
	}
	sort.Strings(companies)
	observers := 0
	if s.hub != nil {
		observers = s.hub.Observers()
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "memory"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    driver,
		Observers:  observers,
		Companies:  companies,
		Ingest:     ingestStatus{REST: cfg.Ingest.REST.Enabled, Kafka: cfg.Ingest.Kafka.Enabled},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			StalenessWindow: cfg.Detection.StalenessWindow.String(),
			EpisodeGap:      cfg.Detection.EpisodeGap.String(),
			SweepInterval:   cfg.Detection.SweepInterval.String(),
		},
	})
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, r, model.ErrAuthentication)
	}
	return id, ok
}

func (s *Server) handleEmployeeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	employeeID := chi.URLParam(r, "id")
	live, err := s.engine.LiveStatus(r.Context(), employeeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !auth.CanActFor(id, live.CompanyID, live.EmployeeID) {
		s.writeError(w, r, errors.Annotatef(model.ErrForbidden, "employee %s", employeeID))
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) companyScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := s.identity(w, r)
	if !ok {
		return "", false
	}
	companyID := chi.URLParam(r, "id")
	if !auth.CanObserveCompany(id, companyID) {
		s.writeError(w, r, errors.Annotatef(model.ErrForbidden, "company %s", companyID))
		return "", false
	}
	return companyID, true
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	companyID, ok := s.companyScope(w, r)
	if !ok {
		return
	}
	agg, err := s.engine.CompanyAggregate(r.Context(), companyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleCompanyAlerts(w http.ResponseWriter, r *http.Request) {
	companyID, ok := s.companyScope(w, r)
	if !ok {
		return
	}
	list, err := s.engine.UnresolvedAlerts(r.Context(), companyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !id.Role.Supervises() {
		s.writeError(w, r, errors.Annotate(model.ErrForbidden, "recent alerts"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, model.Validationf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, model.Validationf("since must be RFC 3339"))
			return
		}
		since = ts
	}
	list := s.engine.RecentAlerts(id.CompanyID, limit, since)
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	alertID := chi.URLParam(r, "id")
	alert, err := s.engine.Alert(r.Context(), alertID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !auth.CanObserveCompany(id, alert.CompanyID) {
		s.writeError(w, r, errors.Annotatef(model.ErrForbidden, "alert %s", alertID))
		return
	}
	resolved, err := s.engine.ResolveAlert(r.Context(), alertID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("alert resolved",
		"alert_id", alertID,
		"company_id", resolved.CompanyID,
		"by", id.EmployeeID,
	)
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	if id.Role != model.RoleAdmin {
		s.writeError(w, r, errors.Annotate(model.ErrForbidden, "reconcile requires admin"))
		return
	}
	start := time.Now()
	if err := s.engine.Sweep(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"duration": time.Since(start).String(),
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := model.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: model.ErrorCode(err), Reason: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
