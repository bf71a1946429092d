// Package ingest accepts attendance events and location pings, validates and
// persists them, and hands the affected employee to the engine.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"shiftwatch/internal/config"
	"shiftwatch/internal/geo"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/model"
	"shiftwatch/internal/storage"
)

// Processor re-evaluates one employee after new input has been stored.
type Processor interface {
	Process(ctx context.Context, employeeID string) error
}

type Options struct {
	Store     storage.Store
	Processor Processor
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     clock.Clock
	Ingest    config.IngestConfig
}

type Gateway struct {
	store     storage.Store
	processor Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     clock.Clock
	cfg       atomic.Value
	loc       atomic.Pointer[time.Location]
	dedupe    *DedupeCache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		store:     opts.Store,
		processor: opts.Processor,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		clock:     opts.Clock,
		dedupe:    NewDedupeCache(),
		limiters:  make(map[string]*rate.Limiter),
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	if g.logger == nil {
		g.logger = logging.Discard()
	}
	if g.clock == nil {
		g.clock = clock.WallClock
	}
	g.cfg.Store(opts.Ingest)
	g.loc.Store(model.LoadLocation(opts.Ingest.Parser.Timezone))
	return g
}

// UpdateConfig applies a reloaded ingest section. Existing rate limiters
// pick up the new rate on their next use.
func (g *Gateway) UpdateConfig(cfg config.IngestConfig) {
	g.cfg.Store(cfg)
	g.loc.Store(model.LoadLocation(cfg.Parser.Timezone))
	g.mu.Lock()
	for _, l := range g.limiters {
		l.SetLimit(rate.Limit(cfg.LocationRate))
		l.SetBurst(max(cfg.LocationBurst, 1))
	}
	g.mu.Unlock()
}

func (g *Gateway) config() config.IngestConfig {
	return g.cfg.Load().(config.IngestConfig)
}

// Location returns the timezone used for timestamps without an offset.
func (g *Gateway) Location() *time.Location {
	return g.loc.Load()
}

func (g *Gateway) reject(kind string, err error) error {
	g.metrics.Rejected.WithLabelValues(kind, model.ErrorCode(err)).Inc()
	return err
}

func (g *Gateway) validateTimestamp(ts, now time.Time, skew time.Duration) error {
	if ts.IsZero() {
		return model.Validationf("timestamp is required")
	}
	if skew > 0 && ts.After(now.Add(skew)) {
		return model.Validationf("timestamp %s is more than %s in the future", ts.Format(time.RFC3339), skew)
	}
	return nil
}

func validateLocation(lat, lng, accuracy float64) error {
	if err := geo.Validate(lat, lng); err != nil {
		return err
	}
	if accuracy < 0 {
		return model.Validationf("accuracy must not be negative")
	}
	return nil
}

func (g *Gateway) validateEvent(sub model.EventSubmission, now time.Time) error {
	cfg := g.config()
	switch {
	case strings.TrimSpace(sub.EmployeeID) == "":
		return model.Validationf("employee_id is required")
	case strings.TrimSpace(sub.CompanyID) == "":
		return model.Validationf("company_id is required")
	case !sub.Type.Valid():
		return model.Validationf("unknown event type %q", sub.Type)
	}
	if err := g.validateTimestamp(sub.Timestamp, now, cfg.MaxFutureSkew); err != nil {
		return err
	}
	if cfg.MaxNoteLength > 0 && len([]rune(sub.Note)) > cfg.MaxNoteLength {
		return model.Validationf("note exceeds %d characters", cfg.MaxNoteLength)
	}
	if sub.Location != nil {
		return validateLocation(sub.Location.Lat, sub.Location.Lng, sub.Location.AccuracyMeters)
	}
	return nil
}

func dedupeKey(sub model.EventSubmission) string {
	return fmt.Sprintf("%s|%s|%d", sub.EmployeeID, sub.Type, sub.Timestamp.UnixNano())
}

// SubmitEvent validates and appends an attendance event and returns its ID.
// Re-submitting the same employee, type and timestamp within the dedupe
// window returns the original ID without appending again.
func (g *Gateway) SubmitEvent(ctx context.Context, sub model.EventSubmission) (string, error) {
	now := g.clock.Now().UTC()
	sub.EmployeeID = strings.TrimSpace(sub.EmployeeID)
	sub.CompanyID = strings.TrimSpace(sub.CompanyID)
	sub.Timestamp = sub.Timestamp.UTC()
	if err := g.validateEvent(sub, now); err != nil {
		return "", g.reject("event", err)
	}

	key := dedupeKey(sub)
	id, dup, err := g.dedupe.Claim(ctx, key, uuid.NewString(), now, g.config().DedupeWindow)
	if err != nil {
		return "", errors.Annotate(err, "dedupe event")
	}
	if dup {
		g.logger.Debug("duplicate event submission", "employee_id", sub.EmployeeID, "type", sub.Type, "event_id", id)
		return id, nil
	}

	ev := model.AttendanceEvent{
		ID:         id,
		EmployeeID: sub.EmployeeID,
		CompanyID:  sub.CompanyID,
		Type:       sub.Type,
		Timestamp:  sub.Timestamp,
		Location:   sub.Location,
		Verified:   sub.Verified,
		Note:       sub.Note,
	}
	if err := g.store.AppendEvent(ctx, ev); err != nil {
		g.dedupe.Release(key, id)
		return "", errors.Annotate(err, "append event")
	}
	g.dedupe.Commit(key, id)
	if sub.Location != nil {
		sample := model.LocationSample{
			EmployeeID:     sub.EmployeeID,
			Lat:            sub.Location.Lat,
			Lng:            sub.Location.Lng,
			AccuracyMeters: sub.Location.AccuracyMeters,
			Timestamp:      sub.Timestamp,
		}
		if err := g.store.AppendLocation(ctx, sample); err != nil {
			g.logger.Warn("append event location", "employee_id", sub.EmployeeID, "event_id", id, "err", err)
		}
	}
	g.metrics.EventsIngested.WithLabelValues(string(sub.Type)).Inc()
	g.logger.Debug("event accepted",
		"event_id", id,
		"employee_id", sub.EmployeeID,
		"company_id", sub.CompanyID,
		"type", sub.Type,
		"source", sub.Source,
	)
	g.process(ctx, sub.EmployeeID)
	return id, nil
}

func (g *Gateway) limiter(employeeID string) *rate.Limiter {
	cfg := g.config()
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[employeeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(cfg.LocationRate), max(cfg.LocationBurst, 1))
		g.limiters[employeeID] = l
	}
	return l
}

// SubmitLocation validates and appends a location ping. Pings beyond the
// per-employee rate are rejected with ErrRateLimited.
func (g *Gateway) SubmitLocation(ctx context.Context, sub model.LocationSubmission) error {
	now := g.clock.Now().UTC()
	sub.EmployeeID = strings.TrimSpace(sub.EmployeeID)
	if sub.EmployeeID == "" {
		return g.reject("location", model.Validationf("employee_id is required"))
	}
	if err := g.validateTimestamp(sub.Timestamp, now, g.config().MaxFutureSkew); err != nil {
		return g.reject("location", err)
	}
	if err := validateLocation(sub.Lat, sub.Lng, sub.AccuracyMeters); err != nil {
		return g.reject("location", err)
	}
	if g.config().LocationRate > 0 && !g.limiter(sub.EmployeeID).AllowN(now, 1) {
		return g.reject("location", errors.Annotatef(model.ErrRateLimited, "employee %s", sub.EmployeeID))
	}

	sample := model.LocationSample{
		EmployeeID:     sub.EmployeeID,
		Lat:            sub.Lat,
		Lng:            sub.Lng,
		AccuracyMeters: sub.AccuracyMeters,
		Timestamp:      sub.Timestamp.UTC(),
	}
	if err := g.store.AppendLocation(ctx, sample); err != nil {
		return errors.Annotate(err, "append location")
	}
	g.metrics.LocationsIngested.Inc()
	g.process(ctx, sub.EmployeeID)
	return nil
}

// process runs the engine pipeline. Failures are the engine's to retry on
// its sweep; the submission has already been accepted.
func (g *Gateway) process(ctx context.Context, employeeID string) {
	if g.processor == nil {
		return
	}
	if err := g.processor.Process(ctx, employeeID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			g.logger.Debug("no events yet for employee", "employee_id", employeeID)
			return
		}
		g.logger.Warn("evaluation after submission failed", "employee_id", employeeID, "err", err)
	}
}

// BackoffSleep waits d or until ctx is done, reporting whether the full
// wait elapsed.
func BackoffSleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	select {
	case <-clk.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
