package storage

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"

	"shiftwatch/internal/config"
	"shiftwatch/internal/model"
)

// Store is the append-only event and sample log plus the alert table. It is
// the single source of truth for the engine.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	AppendEvent(ctx context.Context, ev model.AttendanceEvent) error
	AppendLocation(ctx context.Context, s model.LocationSample) error

	// LatestEvent returns the newest event at or before asOf, or nil.
	LatestEvent(ctx context.Context, employeeID string, asOf time.Time) (*model.AttendanceEvent, error)
	// LatestLocation returns the newest sample in [since, until], or nil.
	LatestLocation(ctx context.Context, employeeID string, since, until time.Time) (*model.LocationSample, error)
	// Events and Locations return records in [from, to] in timestamp order.
	Events(ctx context.Context, employeeID string, from, to time.Time) ([]model.AttendanceEvent, error)
	Locations(ctx context.Context, employeeID string, from, to time.Time) ([]model.LocationSample, error)

	EmployeeCompany(ctx context.Context, employeeID string) (string, error)
	CompanyEmployees(ctx context.Context, companyID string) ([]string, error)
	Companies(ctx context.Context) ([]string, error)

	// SaveAlert inserts the alert, or refreshes severity, message and episode
	// start of an existing one. Resolution state is never overwritten.
	SaveAlert(ctx context.Context, alert model.Alert) error
	Alert(ctx context.Context, alertID string) (model.Alert, error)
	// ResolveAlert marks the alert resolved. Resolving twice keeps the first
	// resolution time.
	ResolveAlert(ctx context.Context, alertID string, at time.Time) (model.Alert, error)
	UnresolvedAlerts(ctx context.Context, companyID string) ([]model.Alert, error)
	AlertsSince(ctx context.Context, employeeID string, since time.Time) ([]model.Alert, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.NotSupportedf("storage driver %q", cfg.Driver)
	}
}
