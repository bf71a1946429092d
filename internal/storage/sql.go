package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pressly/goose/v3"

	"shiftwatch/internal/model"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

// dialect covers the differences between the SQL backends: placeholder
// syntax and how timestamps are stored.
type dialect struct {
	goose        goose.Dialect
	migrations   string
	numbered     bool
	unixNanoTime bool
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	sub, err := fs.Sub(migrations, b.d.migrations)
	if err != nil {
		return errors.Trace(err)
	}
	provider, err := goose.NewProvider(b.d.goose, b.db, sub)
	if err != nil {
		return errors.Annotate(err, "migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return errors.Annotate(err, "apply migrations")
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// q rewrites ? placeholders to $n for backends that need numbered ones.
func (b *baseStore) q(query string) string {
	if !b.d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) ts(t time.Time) any {
	if b.d.unixNanoTime {
		return t.UTC().UnixNano()
	}
	return t.UTC()
}

func (b *baseStore) nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return b.ts(*t)
}

// dbTime scans either representation back into a UTC time.
type dbTime struct {
	t     time.Time
	valid bool
}

func (d *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		d.t, d.valid = time.Time{}, false
	case time.Time:
		d.t, d.valid = v.UTC(), true
	case int64:
		d.t, d.valid = time.Unix(0, v).UTC(), true
	default:
		return errors.NotSupportedf("timestamp type %T", value)
	}
	return nil
}

func (b *baseStore) AppendEvent(ctx context.Context, ev model.AttendanceEvent) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := tx.ExecContext(ctx, b.q(
		`INSERT INTO employees (employee_id, company_id) VALUES (?, ?)
		ON CONFLICT (employee_id) DO UPDATE SET company_id = excluded.company_id`),
		ev.EmployeeID, ev.CompanyID,
	); err != nil {
		_ = tx.Rollback()
		return errors.Annotate(err, "upsert employee")
	}
	var lat, lng, acc sql.NullFloat64
	if ev.Location != nil {
		lat = sql.NullFloat64{Float64: ev.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: ev.Location.Lng, Valid: true}
		acc = sql.NullFloat64{Float64: ev.Location.AccuracyMeters, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, b.q(
		`INSERT INTO attendance_events (id, employee_id, company_id, event_type, type_rank, ts, lat, lng, accuracy, verified, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.EmployeeID, ev.CompanyID, string(ev.Type), ev.Type.Rank(), b.ts(ev.Timestamp),
		lat, lng, acc, ev.Verified, ev.Note,
	); err != nil {
		_ = tx.Rollback()
		return errors.Annotate(err, "insert event")
	}
	return errors.Trace(tx.Commit())
}

func (b *baseStore) AppendLocation(ctx context.Context, s model.LocationSample) error {
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO location_samples (employee_id, lat, lng, accuracy, ts) VALUES (?, ?, ?, ?, ?)`),
		s.EmployeeID, s.Lat, s.Lng, s.AccuracyMeters, b.ts(s.Timestamp),
	)
	return errors.Annotate(err, "insert location")
}

const eventColumns = `id, employee_id, company_id, event_type, ts, lat, lng, accuracy, verified, note`

func scanEvent(row interface{ Scan(...any) error }) (model.AttendanceEvent, error) {
	var (
		ev            model.AttendanceEvent
		typ           string
		ts            dbTime
		lat, lng, acc sql.NullFloat64
	)
	if err := row.Scan(&ev.ID, &ev.EmployeeID, &ev.CompanyID, &typ, &ts, &lat, &lng, &acc, &ev.Verified, &ev.Note); err != nil {
		return ev, err
	}
	ev.Type = model.EventType(typ)
	ev.Timestamp = ts.t
	if lat.Valid && lng.Valid {
		ev.Location = &model.Location{Lat: lat.Float64, Lng: lng.Float64, AccuracyMeters: acc.Float64}
	}
	return ev, nil
}

func (b *baseStore) LatestEvent(ctx context.Context, employeeID string, asOf time.Time) (*model.AttendanceEvent, error) {
	row := b.db.QueryRowContext(ctx, b.q(
		`SELECT `+eventColumns+` FROM attendance_events
		WHERE employee_id = ? AND ts <= ?
		ORDER BY ts DESC, type_rank DESC, id DESC LIMIT 1`),
		employeeID, b.ts(asOf),
	)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "latest event")
	}
	return &ev, nil
}

func (b *baseStore) Events(ctx context.Context, employeeID string, from, to time.Time) ([]model.AttendanceEvent, error) {
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT `+eventColumns+` FROM attendance_events
		WHERE employee_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts, type_rank, id`),
		employeeID, b.ts(from), b.ts(to),
	)
	if err != nil {
		return nil, errors.Annotate(err, "query events")
	}
	defer rows.Close()
	var out []model.AttendanceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, ev)
	}
	return out, errors.Trace(rows.Err())
}

func scanLocation(row interface{ Scan(...any) error }) (model.LocationSample, error) {
	var (
		s  model.LocationSample
		ts dbTime
	)
	if err := row.Scan(&s.EmployeeID, &s.Lat, &s.Lng, &s.AccuracyMeters, &ts); err != nil {
		return s, err
	}
	s.Timestamp = ts.t
	return s, nil
}

func (b *baseStore) LatestLocation(ctx context.Context, employeeID string, since, until time.Time) (*model.LocationSample, error) {
	row := b.db.QueryRowContext(ctx, b.q(
		`SELECT employee_id, lat, lng, accuracy, ts FROM location_samples
		WHERE employee_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts DESC, id DESC LIMIT 1`),
		employeeID, b.ts(since), b.ts(until),
	)
	s, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "latest location")
	}
	return &s, nil
}

func (b *baseStore) Locations(ctx context.Context, employeeID string, from, to time.Time) ([]model.LocationSample, error) {
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT employee_id, lat, lng, accuracy, ts FROM location_samples
		WHERE employee_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts, id`),
		employeeID, b.ts(from), b.ts(to),
	)
	if err != nil {
		return nil, errors.Annotate(err, "query locations")
	}
	defer rows.Close()
	var out []model.LocationSample
	for rows.Next() {
		s, err := scanLocation(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, s)
	}
	return out, errors.Trace(rows.Err())
}

func (b *baseStore) EmployeeCompany(ctx context.Context, employeeID string) (string, error) {
	var company string
	err := b.db.QueryRowContext(ctx, b.q(`SELECT company_id FROM employees WHERE employee_id = ?`), employeeID).Scan(&company)
	if err == sql.ErrNoRows {
		return "", errors.Annotatef(model.ErrNotFound, "employee %q", employeeID)
	}
	return company, errors.Trace(err)
}

func (b *baseStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, s)
	}
	return out, errors.Trace(rows.Err())
}

func (b *baseStore) CompanyEmployees(ctx context.Context, companyID string) ([]string, error) {
	return b.queryStrings(ctx, `SELECT employee_id FROM employees WHERE company_id = ? ORDER BY employee_id`, companyID)
}

func (b *baseStore) Companies(ctx context.Context) ([]string, error) {
	return b.queryStrings(ctx, `SELECT DISTINCT company_id FROM employees ORDER BY company_id`)
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO alerts (id, company_id, employee_id, alert_type, severity, message, created_at, episode_start, resolved, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET severity = excluded.severity, message = excluded.message,
			episode_start = excluded.episode_start`),
		alert.ID, alert.CompanyID, alert.EmployeeID, string(alert.Type), string(alert.Severity), alert.Message,
		b.ts(alert.CreatedAt), b.ts(alert.EpisodeStart), alert.Resolved, b.nullableTS(alert.ResolvedAt),
	)
	return errors.Annotate(err, "save alert")
}

const alertColumns = `id, company_id, employee_id, alert_type, severity, message, created_at, episode_start, resolved, resolved_at`

func scanAlert(row interface{ Scan(...any) error }) (model.Alert, error) {
	var (
		a                          model.Alert
		typ, sev                   string
		created, episode, resolved dbTime
	)
	if err := row.Scan(&a.ID, &a.CompanyID, &a.EmployeeID, &typ, &sev, &a.Message,
		&created, &episode, &a.Resolved, &resolved); err != nil {
		return a, err
	}
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(sev)
	a.CreatedAt = created.t
	a.EpisodeStart = episode.t
	if resolved.valid {
		at := resolved.t
		a.ResolvedAt = &at
	}
	return a, nil
}

func (b *baseStore) Alert(ctx context.Context, alertID string) (model.Alert, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), alertID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return a, errors.Annotatef(model.ErrNotFound, "alert %q", alertID)
	}
	return a, errors.Trace(err)
}

func (b *baseStore) ResolveAlert(ctx context.Context, alertID string, at time.Time) (model.Alert, error) {
	if _, err := b.db.ExecContext(ctx, b.q(
		`UPDATE alerts SET resolved = ?, resolved_at = ? WHERE id = ? AND resolved = ?`),
		true, b.ts(at), alertID, false,
	); err != nil {
		return model.Alert{}, errors.Annotate(err, "resolve alert")
	}
	return b.Alert(ctx, alertID)
}

func (b *baseStore) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, a)
	}
	return out, errors.Trace(rows.Err())
}

func (b *baseStore) UnresolvedAlerts(ctx context.Context, companyID string) ([]model.Alert, error) {
	return b.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE company_id = ? AND resolved = ? ORDER BY seq`,
		companyID, false)
}

func (b *baseStore) AlertsSince(ctx context.Context, employeeID string, since time.Time) ([]model.Alert, error) {
	return b.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE employee_id = ? AND episode_start >= ? ORDER BY seq`,
		employeeID, b.ts(since))
}
