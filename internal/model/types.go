package model

import (
	"strings"
	"time"
)

type EventType string

const (
	EventClockIn       EventType = "CLOCK_IN"
	EventClockOut      EventType = "CLOCK_OUT"
	EventBreakStart    EventType = "BREAK_START"
	EventBreakEnd      EventType = "BREAK_END"
	EventPersonalStart EventType = "PERSONAL_START"
	EventPersonalEnd   EventType = "PERSONAL_END"
)

var eventRank = map[EventType]int{
	EventClockIn:       0,
	EventBreakStart:    1,
	EventPersonalStart: 2,
	EventBreakEnd:      3,
	EventPersonalEnd:   4,
	EventClockOut:      5,
}

// ParseEventType accepts the canonical names case-insensitively and rejects
// anything else.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := eventRank[t]; !ok {
		return "", false
	}
	return t, true
}

func (t EventType) Valid() bool {
	_, ok := eventRank[t]
	return ok
}

// Rank orders event types that share a timestamp.
func (t EventType) Rank() int {
	if r, ok := eventRank[t]; ok {
		return r
	}
	return len(eventRank)
}

type Location struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy"`
}

type AttendanceEvent struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	CompanyID  string    `json:"company_id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Location   *Location `json:"location,omitempty"`
	Verified   bool      `json:"verified"`
	Note       string    `json:"note,omitempty"`
}

// Before reports whether e sorts before o in the per-employee event order.
func (e AttendanceEvent) Before(o AttendanceEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	if e.Type.Rank() != o.Type.Rank() {
		return e.Type.Rank() < o.Type.Rank()
	}
	return e.ID < o.ID
}

type LocationSample struct {
	EmployeeID     string    `json:"employee_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy"`
	Timestamp      time.Time `json:"timestamp"`
}

type Geofence struct {
	Lat          float64 `json:"lat" yaml:"lat"`
	Lng          float64 `json:"lng" yaml:"lng"`
	RadiusMeters float64 `json:"radius_m" yaml:"radius_m"`
}

type WorkingHoursPolicy struct {
	Timezone      string        `json:"timezone" yaml:"timezone"`
	Start         string        `json:"start" yaml:"start"`
	End           string        `json:"end" yaml:"end"`
	GracePeriod   time.Duration `json:"grace_period" yaml:"grace_period"`
	MaxBreak      time.Duration `json:"max_break" yaml:"max_break"`
	MaxPersonal   time.Duration `json:"max_personal" yaml:"max_personal"`
	MaxDailyHours float64       `json:"max_daily_hours" yaml:"max_daily_hours"`

	loc *time.Location
}

// Resolve returns p with its timezone looked up once, so day computations on
// the copy skip the zone database.
func (p WorkingHoursPolicy) Resolve() WorkingHoursPolicy {
	p.loc = LoadLocation(p.Timezone)
	return p
}

// Location resolves the policy timezone, falling back to UTC.
func (p WorkingHoursPolicy) Location() *time.Location {
	if p.loc != nil {
		return p.loc
	}
	return LoadLocation(p.Timezone)
}

// LoadLocation resolves an IANA zone name, falling back to UTC for an empty
// or unknown name.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayStart returns midnight of the policy-local day containing t.
func (p WorkingHoursPolicy) DayStart(t time.Time) time.Time {
	local := t.In(p.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// At returns the policy-local wall time "HH:MM" on the day containing t.
func (p WorkingHoursPolicy) At(t time.Time, hhmm string) (time.Time, bool) {
	clock, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return time.Time{}, false
	}
	day := p.DayStart(t)
	return day.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute), true
}

type LiveStatus string

const (
	StatusClockedOut      LiveStatus = "CLOCKED_OUT"
	StatusClockedIn       LiveStatus = "CLOCKED_IN"
	StatusOnBreak         LiveStatus = "ON_BREAK"
	StatusOnPersonal      LiveStatus = "ON_PERSONAL"
	StatusOutsideGeofence LiveStatus = "OUTSIDE_GEOFENCE"
	StatusLocationStale   LiveStatus = "LOCATION_STALE"
)

var AllStatuses = []LiveStatus{
	StatusClockedOut,
	StatusClockedIn,
	StatusOnBreak,
	StatusOnPersonal,
	StatusOutsideGeofence,
	StatusLocationStale,
}

// SubState is the event-derived state beneath the displayed status. Only
// CLOCKED_OUT, CLOCKED_IN, ON_BREAK and ON_PERSONAL occur.
type SubState = LiveStatus

func (s LiveStatus) Active() bool {
	return s == StatusClockedIn || s == StatusOnBreak || s == StatusOnPersonal
}

type LiveEmployee struct {
	EmployeeID    string          `json:"employee_id"`
	CompanyID     string          `json:"company_id"`
	Status        LiveStatus      `json:"status"`
	SubState      SubState        `json:"sub_state"`
	LastEventAt   time.Time       `json:"last_event_at,omitempty"`
	LastLocation  *LocationSample `json:"last_location,omitempty"`
	WorkedToday   time.Duration   `json:"worked_today"`
	BreakToday    time.Duration   `json:"break_today"`
	PersonalToday time.Duration   `json:"personal_today"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type AlertType string

const (
	AlertGeofenceViolation AlertType = "GEOFENCE_VIOLATION"
	AlertOvertimeWarning   AlertType = "OVERTIME_WARNING"
	AlertBreakOverrun      AlertType = "BREAK_OVERRUN"
	AlertLocationDisabled  AlertType = "LOCATION_DISABLED"
	AlertLateArrival       AlertType = "LATE_ARRIVAL"
	AlertEarlyDeparture    AlertType = "EARLY_DEPARTURE"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type Alert struct {
	ID           string     `json:"id"`
	CompanyID    string     `json:"company_id"`
	EmployeeID   string     `json:"employee_id"`
	Type         AlertType  `json:"type"`
	Severity     Severity   `json:"severity"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"created_at"`
	EpisodeStart time.Time  `json:"episode_start"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type CompanyAggregate struct {
	CompanyID         string             `json:"company_id"`
	Counts            map[LiveStatus]int `json:"counts"`
	TotalEmployees    int                `json:"total_employees"`
	HoursWorkedToday  float64            `json:"hours_worked_today"`
	AverageHoursToday float64            `json:"average_hours_today"`
	UnresolvedAlerts  int                `json:"unresolved_alerts"`
	ComputedAt        time.Time          `json:"computed_at"`
}

// Equivalent ignores ComputedAt.
func (a CompanyAggregate) Equivalent(o CompanyAggregate) bool {
	if a.CompanyID != o.CompanyID || a.TotalEmployees != o.TotalEmployees ||
		a.UnresolvedAlerts != o.UnresolvedAlerts ||
		a.HoursWorkedToday != o.HoursWorkedToday {
		return false
	}
	for _, s := range AllStatuses {
		if a.Counts[s] != o.Counts[s] {
			return false
		}
	}
	return true
}

type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// Supervises reports whether the role observes the whole company.
func (r Role) Supervises() bool {
	return r == RoleManager || r == RoleAdmin
}

type Identity struct {
	EmployeeID string `json:"employee_id"`
	CompanyID  string `json:"company_id"`
	Role       Role   `json:"role"`
}
