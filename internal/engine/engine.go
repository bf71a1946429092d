package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"shiftwatch/internal/alerts"
	"shiftwatch/internal/config"
	"shiftwatch/internal/directory"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/model"
	"shiftwatch/internal/storage"
)

// Publisher receives the deltas produced by evaluations.
type Publisher interface {
	Publish(d model.Delta)
}

type Options struct {
	Store     storage.Store
	Directory directory.Directory
	Publisher Publisher
	Metrics   *metrics.Metrics
	Feed      *alerts.Feed
	Logger    *slog.Logger
	// Clock drives evaluation time. RetryClock paces read retries and
	// defaults to the wall clock.
	Clock      clock.Clock
	RetryClock clock.Clock
	Detection  config.DetectionConfig
}

// Engine runs the derive, detect, aggregate and publish pipeline per
// employee and reconciles everything on a periodic sweep.
type Engine struct {
	logger     *slog.Logger
	store      storage.Store
	directory  directory.Directory
	publisher  Publisher
	metrics    *metrics.Metrics
	feed       *alerts.Feed
	clock      clock.Clock
	retryClock clock.Clock
	cfg        atomic.Value
	locks      *kmutex.Kmutex
	aggLocks   *kmutex.Kmutex
	live       *LiveState
	episodes   *EpisodeTracker

	mu      sync.Mutex
	dirty   map[string]struct{}
	warned  map[string]warnMark
	lastAgg map[string]model.CompanyAggregate
}

type warnMark struct {
	day time.Time
	n   int
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Delta) {}

func New(opts Options) *Engine {
	e := &Engine{
		logger:     opts.Logger,
		store:      opts.Store,
		directory:  opts.Directory,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		feed:       opts.Feed,
		clock:      opts.Clock,
		retryClock: opts.RetryClock,
		locks:      kmutex.New(),
		aggLocks:   kmutex.New(),
		live:       NewLiveState(),
		episodes:   NewEpisodeTracker(opts.Detection.EpisodeGap),
		dirty:      make(map[string]struct{}),
		warned:     make(map[string]warnMark),
		lastAgg:    make(map[string]model.CompanyAggregate),
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.publisher == nil {
		e.publisher = nopPublisher{}
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.feed == nil {
		e.feed = alerts.NewFeed(0)
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.retryClock == nil {
		e.retryClock = clock.WallClock
	}
	if e.directory == nil {
		e.directory = directory.NewStatic(nil)
	}
	e.cfg.Store(opts.Detection)
	return e
}

// SetPublisher wires the hub after construction; the hub needs the engine
// for snapshots and the engine needs the hub for deltas.
func (e *Engine) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	e.mu.Lock()
	e.publisher = p
	e.mu.Unlock()
}

func (e *Engine) publish(d model.Delta) {
	e.mu.Lock()
	p := e.publisher
	e.mu.Unlock()
	p.Publish(d)
}

func (e *Engine) UpdateConfig(cfg config.DetectionConfig) {
	e.cfg.Store(cfg)
	e.episodes.SetGap(cfg.EpisodeGap)
}

func (e *Engine) detection() config.DetectionConfig {
	if v, ok := e.cfg.Load().(config.DetectionConfig); ok {
		return v
	}
	return config.DefaultConfig().Detection
}

// read runs fn with a bounded timeout, retrying transient failures with a
// doubling delay. Not-found errors are returned immediately.
func (e *Engine) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := e.detection()
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			rctx := ctx
			if cfg.ReadTimeout > 0 {
				var cancel context.CancelFunc
				rctx, cancel = context.WithTimeout(ctx, cfg.ReadTimeout)
				defer cancel()
			}
			return fn(rctx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, model.ErrNotFound) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			e.logger.Debug("store operation failed", "op", op, "attempt", attempt, "err", err)
		},
		Attempts:    attempts,
		Delay:       delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.retryClock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) || retry.IsDurationExceeded(err) {
		if last := retry.LastError(err); last != nil {
			err = last
		}
	}
	return errors.Annotate(err, op)
}

func (e *Engine) markDirty(employeeID string) {
	e.mu.Lock()
	e.dirty[employeeID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) clearDirty(employeeID string) {
	e.mu.Lock()
	delete(e.dirty, employeeID)
	e.mu.Unlock()
}

// Dirty lists employees whose last evaluation was deferred to the sweep.
func (e *Engine) Dirty() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.dirty))
	for id := range e.dirty {
		out = append(out, id)
	}
	return out
}

func (e *Engine) companyConfig(companyID string) (*model.Geofence, *model.WorkingHoursPolicy) {
	var (
		fence  *model.Geofence
		policy *model.WorkingHoursPolicy
	)
	if g, err := e.directory.Geofence(companyID); err == nil {
		fence = &g
	} else if !errors.Is(err, model.ErrNotConfigured) {
		e.logger.Warn("geofence lookup failed", "company_id", companyID, "err", err)
	}
	if p, err := e.directory.Policy(companyID); err == nil {
		policy = &p
	} else if !errors.Is(err, model.ErrNotConfigured) {
		e.logger.Warn("policy lookup failed", "company_id", companyID, "err", err)
	}
	return fence, policy
}

// Process re-derives one employee from the store, records any new alerts
// and publishes the resulting deltas. A failed evaluation leaves the
// employee marked for the next sweep.
func (e *Engine) Process(ctx context.Context, employeeID string) error {
	companyID, changed, err := e.evaluate(ctx, employeeID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			e.metrics.Evaluations.WithLabelValues("skipped").Inc()
			return err
		}
		e.markDirty(employeeID)
		e.metrics.Evaluations.WithLabelValues("deferred").Inc()
		e.logger.Warn("evaluation deferred to sweep", "employee_id", employeeID, "err", err)
		return err
	}
	e.clearDirty(employeeID)
	e.metrics.Evaluations.WithLabelValues("ok").Inc()
	if changed {
		e.refreshAggregate(ctx, companyID)
	}
	return nil
}

// evaluate holds the employee lock until its deltas are published, so
// observers see one employee's deltas in evaluation order.
func (e *Engine) evaluate(ctx context.Context, employeeID string) (string, bool, error) {
	var companyID string
	if err := e.read(ctx, "employee company", func(ctx context.Context) error {
		var err error
		companyID, err = e.store.EmployeeCompany(ctx, employeeID)
		return err
	}); err != nil {
		return "", false, err
	}

	e.locks.Lock(employeeID)
	defer e.locks.Unlock(employeeID)

	cfg := e.detection()
	now := e.clock.Now().UTC()
	fence, policy := e.companyConfig(companyID)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if policy != nil {
		dayStart = policy.DayStart(now)
	}

	var (
		events  []model.AttendanceEvent
		samples []model.LocationSample
	)
	if err := e.read(ctx, "load day", func(ctx context.Context) error {
		var err error
		if events, err = e.store.Events(ctx, employeeID, dayStart, now); err != nil {
			return err
		}
		samples, err = e.store.Locations(ctx, employeeID, dayStart.Add(-cfg.StalenessWindow), now)
		return err
	}); err != nil {
		return companyID, false, err
	}
	if e.episodes.NeedsHydration(employeeID, dayStart) {
		var stored []model.Alert
		if err := e.read(ctx, "load alerts", func(ctx context.Context) error {
			var err error
			stored, err = e.store.AlertsSince(ctx, employeeID, dayStart)
			return err
		}); err != nil {
			return companyID, false, err
		}
		e.episodes.Hydrate(employeeID, dayStart, stored)
	}

	day := ReplayDay(employeeID, events)
	e.logWarnings(employeeID, dayStart, day.Warnings)

	var latest *model.LocationSample
	if n := len(samples); n > 0 {
		latest = &samples[n-1]
	}
	status, sub := Derive(day, latest, fence, now, cfg.StalenessWindow)
	worked, brk, personal := day.Totals(now)
	live := model.LiveEmployee{
		EmployeeID:    employeeID,
		CompanyID:     companyID,
		Status:        status,
		SubState:      sub,
		LastLocation:  latest,
		WorkedToday:   worked,
		BreakToday:    brk,
		PersonalToday: personal,
		UpdatedAt:     now,
	}
	if day.LastEvent != nil {
		live.LastEventAt = day.LastEvent.Timestamp
	}

	findings := Detect(DetectInput{
		Day:       day,
		Samples:   samples,
		Fence:     fence,
		Policy:    policy,
		Now:       now,
		Staleness: cfg.StalenessWindow,
	})
	raised, err := e.record(ctx, employeeID, companyID, findings, now, cfg.SettleWindow)
	if err != nil {
		return companyID, false, err
	}

	prev, existed := e.live.Put(live)
	var deltas []model.Delta
	statusChanged := !existed || prev.Status != live.Status || prev.SubState != live.SubState
	if statusChanged {
		deltas = append(deltas, model.Delta{
			Type:       model.DeltaStatusChanged,
			CompanyID:  companyID,
			EmployeeID: employeeID,
			Timestamp:  now,
			Payload: model.StatusChangedPayload{
				EmployeeID: employeeID,
				Status:     live.Status,
				SubState:   live.SubState,
				Timestamp:  now,
			},
		})
	}
	for _, a := range raised {
		deltas = append(deltas, model.Delta{
			Type:       model.DeltaAlertRaised,
			CompanyID:  companyID,
			EmployeeID: employeeID,
			Timestamp:  now,
			Payload:    model.AlertRaisedPayload{Alert: a},
		})
	}
	for _, d := range deltas {
		e.publish(d)
	}
	changed := statusChanged || len(raised) > 0 || prev.WorkedToday != live.WorkedToday
	return companyID, changed, nil
}

// record matches findings to episodes and persists alerts for new ones. An
// episode whose alert cannot be stored is forgotten so the next evaluation
// raises it again. A finding that would open an episode is held until its
// start is older than settle, since late submissions may still retract it.
func (e *Engine) record(ctx context.Context, employeeID, companyID string, findings []Finding, now time.Time, settle time.Duration) ([]model.Alert, error) {
	var raised []model.Alert
	matched := make(map[string]bool, len(findings))
	for _, f := range findings {
		if settle > 0 && f.Start.After(now.Add(-settle)) && !e.episodes.Matches(employeeID, f, now) {
			e.logger.Debug("finding held until settled",
				"employee_id", employeeID,
				"alert_type", f.Type,
				"start", f.Start,
			)
			continue
		}
		out := e.episodes.Observe(employeeID, f, now, uuid.NewString)
		matched[out.AlertID] = true
		if !out.New && !out.Escalated && !out.Moved {
			continue
		}
		alert := model.Alert{
			ID:           out.AlertID,
			CompanyID:    companyID,
			EmployeeID:   employeeID,
			Type:         f.Type,
			Severity:     out.Severity,
			Message:      f.Message,
			CreatedAt:    now,
			EpisodeStart: out.Start,
		}
		err := e.read(ctx, "save alert", func(ctx context.Context) error {
			return e.store.SaveAlert(ctx, alert)
		})
		if err != nil {
			if out.New {
				e.episodes.Forget(employeeID, f.Type, out.AlertID)
			}
			return raised, err
		}
		if !out.New {
			e.logger.Info("alert updated",
				"alert_id", alert.ID,
				"employee_id", employeeID,
				"alert_type", alert.Type,
				"severity", alert.Severity,
			)
			continue
		}
		raised = append(raised, alert)
		e.feed.Add(alert)
		e.metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
		e.logger.Warn("alert raised",
			"alert_id", alert.ID,
			"employee_id", employeeID,
			"company_id", companyID,
			"alert_type", alert.Type,
			"severity", alert.Severity,
		)
	}
	e.episodes.CloseUnmatched(employeeID, matched, now)
	return raised, nil
}

func (e *Engine) logWarnings(employeeID string, day time.Time, warnings []model.InconsistentSequenceWarning) {
	e.mu.Lock()
	mark := e.warned[employeeID]
	if !mark.day.Equal(day) {
		mark = warnMark{day: day}
	}
	from := mark.n
	if from > len(warnings) {
		from = len(warnings)
	}
	e.warned[employeeID] = warnMark{day: day, n: len(warnings)}
	e.mu.Unlock()
	for _, w := range warnings[from:] {
		e.logger.Warn("inconsistent event sequence",
			"employee_id", w.EmployeeID,
			"event", w.Event,
			"at", w.At,
			"reason", w.Reason,
		)
	}
}

// refreshAggregate runs under a per-company lock so aggregate deltas are
// published in computation order.
func (e *Engine) refreshAggregate(ctx context.Context, companyID string) {
	e.aggLocks.Lock(companyID)
	defer e.aggLocks.Unlock(companyID)
	agg, err := e.CompanyAggregate(ctx, companyID)
	if err != nil {
		e.logger.Warn("aggregate refresh failed", "company_id", companyID, "err", err)
		return
	}
	e.mu.Lock()
	last, ok := e.lastAgg[companyID]
	if ok && last.Equivalent(agg) {
		e.mu.Unlock()
		return
	}
	e.lastAgg[companyID] = agg
	e.mu.Unlock()
	e.publish(model.Delta{
		Type:      model.DeltaAggregateUpdated,
		CompanyID: companyID,
		Timestamp: agg.ComputedAt,
		Payload:   model.AggregateUpdatedPayload{Aggregate: agg},
	})
}

// LiveStatus returns the cached state of an employee, deriving it on a
// cache miss.
func (e *Engine) LiveStatus(ctx context.Context, employeeID string) (model.LiveEmployee, error) {
	if live, ok := e.live.Get(employeeID); ok {
		return live, nil
	}
	if err := e.Process(ctx, employeeID); err != nil {
		return model.LiveEmployee{}, err
	}
	live, ok := e.live.Get(employeeID)
	if !ok {
		return model.LiveEmployee{}, errors.Annotatef(model.ErrNotFound, "employee %q", employeeID)
	}
	return live, nil
}

// CompanyEmployees returns the cached live state of the company's employees.
func (e *Engine) CompanyEmployees(companyID string) []model.LiveEmployee {
	return e.live.Company(companyID)
}

func (e *Engine) CompanyAggregate(ctx context.Context, companyID string) (model.CompanyAggregate, error) {
	var open []model.Alert
	if err := e.read(ctx, "unresolved alerts", func(ctx context.Context) error {
		var err error
		open, err = e.store.UnresolvedAlerts(ctx, companyID)
		return err
	}); err != nil {
		return model.CompanyAggregate{}, err
	}
	return Aggregate(companyID, e.live.Company(companyID), len(open), e.clock.Now()), nil
}

// Snapshot is the initial state pushed to a newly connected observer.
func (e *Engine) Snapshot(ctx context.Context, companyID string) (model.SnapshotPayload, error) {
	agg, err := e.CompanyAggregate(ctx, companyID)
	if err != nil {
		return model.SnapshotPayload{}, err
	}
	return model.SnapshotPayload{Aggregate: agg, Employees: e.live.Company(companyID)}, nil
}

func (e *Engine) UnresolvedAlerts(ctx context.Context, companyID string) ([]model.Alert, error) {
	var open []model.Alert
	err := e.read(ctx, "unresolved alerts", func(ctx context.Context) error {
		var err error
		open, err = e.store.UnresolvedAlerts(ctx, companyID)
		return err
	})
	return open, err
}

// RecentAlerts returns the newest alerts raised since this process started,
// newest first. A non-zero since restricts the result to alerts created at
// or after it.
func (e *Engine) RecentAlerts(companyID string, limit int, since time.Time) []model.Alert {
	if !since.IsZero() {
		out := e.feed.Since(companyID, since)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out
	}
	return e.feed.Recent(companyID, limit)
}

func (e *Engine) Alert(ctx context.Context, alertID string) (model.Alert, error) {
	var alert model.Alert
	err := e.read(ctx, "get alert", func(ctx context.Context) error {
		var err error
		alert, err = e.store.Alert(ctx, alertID)
		return err
	})
	return alert, err
}

// ResolveAlert marks an alert resolved. The episode stays known, so the
// same ongoing condition is not raised again.
func (e *Engine) ResolveAlert(ctx context.Context, alertID string) (model.Alert, error) {
	now := e.clock.Now().UTC()
	var alert model.Alert
	if err := e.read(ctx, "resolve alert", func(ctx context.Context) error {
		var err error
		alert, err = e.store.ResolveAlert(ctx, alertID, now)
		return err
	}); err != nil {
		return model.Alert{}, err
	}
	resolvedAt := now
	if alert.ResolvedAt != nil {
		resolvedAt = *alert.ResolvedAt
	}
	e.feed.MarkResolved(alertID, resolvedAt)
	e.publish(model.Delta{
		Type:       model.DeltaAlertResolved,
		CompanyID:  alert.CompanyID,
		EmployeeID: alert.EmployeeID,
		Timestamp:  now,
		Payload:    model.AlertResolvedPayload{AlertID: alertID},
	})
	e.refreshAggregate(ctx, alert.CompanyID)
	return alert, nil
}

// Sweep re-derives every known employee from the store. Time-based alerts
// and deferred evaluations converge here.
func (e *Engine) Sweep(ctx context.Context) error {
	start := e.clock.Now()
	var companies []string
	if err := e.read(ctx, "companies", func(ctx context.Context) error {
		var err error
		companies, err = e.store.Companies(ctx)
		return err
	}); err != nil {
		return err
	}
	for _, companyID := range companies {
		var employees []string
		if err := e.read(ctx, "company employees", func(ctx context.Context) error {
			var err error
			employees, err = e.store.CompanyEmployees(ctx, companyID)
			return err
		}); err != nil {
			e.logger.Warn("sweep skipped company", "company_id", companyID, "err", err)
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, employeeID := range employees {
			g.Go(func() error {
				if err := e.Process(gctx, employeeID); err != nil && ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		e.refreshAggregate(ctx, companyID)
	}
	e.episodes.Prune(e.clock.Now().Add(-e.detection().EpisodeRetain))
	e.metrics.SweepDuration.Observe(e.clock.Now().Sub(start).Seconds())
	return nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		interval := e.detection().SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(interval):
			if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("sweep failed", "err", err)
			}
		}
	}
}
