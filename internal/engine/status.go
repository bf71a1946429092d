package engine

import (
	"sort"
	"time"

	"shiftwatch/internal/geo"
	"shiftwatch/internal/model"
)

// Span is a half-open interval. A zero End means the span is still open.
type Span struct {
	Start time.Time
	End   time.Time
}

func (s Span) Open() bool { return s.End.IsZero() }

// EndAt returns End, or now for an open span.
func (s Span) EndAt(now time.Time) time.Time {
	if s.Open() {
		if now.Before(s.Start) {
			return s.Start
		}
		return now
	}
	return s.End
}

func (s Span) Duration(now time.Time) time.Duration {
	return s.EndAt(now).Sub(s.Start)
}

// DayState is the result of folding one employee's events for a day.
type DayState struct {
	SubState     model.SubState
	Active       []Span
	Breaks       []Span
	Personals    []Span
	FirstClockIn time.Time
	LastClockOut time.Time
	LastEvent    *model.AttendanceEvent
	Warnings     []model.InconsistentSequenceWarning
}

// ActiveSince returns the start of the current active span, or the zero time
// when clocked out.
func (d DayState) ActiveSince() time.Time {
	if n := len(d.Active); n > 0 && d.Active[n-1].Open() {
		return d.Active[n-1].Start
	}
	return time.Time{}
}

// ReplayDay folds events in timestamp order regardless of the order they are
// passed in.
func ReplayDay(employeeID string, events []model.AttendanceEvent) DayState {
	sorted := make([]model.AttendanceEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	d := DayState{SubState: model.StatusClockedOut}
	for i := range sorted {
		d.apply(employeeID, sorted[i])
	}
	return d
}

func (d *DayState) warn(employeeID string, ev model.AttendanceEvent, reason string) {
	d.Warnings = append(d.Warnings, model.InconsistentSequenceWarning{
		EmployeeID: employeeID,
		Event:      ev.Type,
		At:         ev.Timestamp,
		Reason:     reason,
	})
}

func (d *DayState) clockIn(at time.Time) {
	d.Active = append(d.Active, Span{Start: at})
	if d.FirstClockIn.IsZero() {
		d.FirstClockIn = at
	}
}

func closeLast(spans []Span, at time.Time) {
	if n := len(spans); n > 0 && spans[n-1].Open() {
		spans[n-1].End = at
	}
}

func (d *DayState) closePauses(at time.Time) {
	closeLast(d.Breaks, at)
	closeLast(d.Personals, at)
}

func (d *DayState) apply(employeeID string, ev model.AttendanceEvent) {
	at := ev.Timestamp
	switch ev.Type {
	case model.EventClockIn:
		if d.SubState.Active() {
			d.warn(employeeID, ev, "already clocked in")
			d.closePauses(at)
		} else {
			d.clockIn(at)
		}
		d.SubState = model.StatusClockedIn

	case model.EventBreakStart, model.EventPersonalStart:
		target := model.StatusOnBreak
		if ev.Type == model.EventPersonalStart {
			target = model.StatusOnPersonal
		}
		switch {
		case !d.SubState.Active():
			d.warn(employeeID, ev, "no clock-in before pause start")
			d.clockIn(at)
		case d.SubState == target:
			d.warn(employeeID, ev, "pause already open")
			return
		default:
			d.closePauses(at)
		}
		if target == model.StatusOnBreak {
			d.Breaks = append(d.Breaks, Span{Start: at})
		} else {
			d.Personals = append(d.Personals, Span{Start: at})
		}
		d.SubState = target

	case model.EventBreakEnd, model.EventPersonalEnd:
		open := model.StatusOnBreak
		if ev.Type == model.EventPersonalEnd {
			open = model.StatusOnPersonal
		}
		switch {
		case !d.SubState.Active():
			d.warn(employeeID, ev, "no clock-in before pause end")
			d.clockIn(at)
		case d.SubState != open:
			d.warn(employeeID, ev, "no matching pause start")
			d.closePauses(at)
		default:
			d.closePauses(at)
		}
		d.SubState = model.StatusClockedIn

	case model.EventClockOut:
		if !d.SubState.Active() {
			d.warn(employeeID, ev, "no clock-in before clock-out")
		} else {
			d.closePauses(at)
			closeLast(d.Active, at)
		}
		d.LastClockOut = at
		d.SubState = model.StatusClockedOut
	default:
		return
	}
	last := ev
	d.LastEvent = &last
}

// WorkSegments returns the active spans with breaks and personal time cut
// out, evaluated at now.
func (d DayState) WorkSegments(now time.Time) []Span {
	pauses := make([]Span, 0, len(d.Breaks)+len(d.Personals))
	pauses = append(pauses, d.Breaks...)
	pauses = append(pauses, d.Personals...)
	sort.Slice(pauses, func(i, j int) bool { return pauses[i].Start.Before(pauses[j].Start) })

	var out []Span
	for _, a := range d.Active {
		end := a.EndAt(now)
		cursor := a.Start
		for _, p := range pauses {
			if p.Start.Before(a.Start) || p.Start.After(end) {
				continue
			}
			if p.Start.After(cursor) {
				out = append(out, Span{Start: cursor, End: p.Start})
			}
			if pe := p.EndAt(now); pe.After(cursor) {
				cursor = pe
			}
		}
		if end.After(cursor) {
			out = append(out, Span{Start: cursor, End: end})
		}
	}
	return out
}

// Totals returns worked, break and personal time up to now.
func (d DayState) Totals(now time.Time) (worked, brk, personal time.Duration) {
	for _, s := range d.WorkSegments(now) {
		worked += s.Duration(now)
	}
	for _, s := range d.Breaks {
		brk += s.Duration(now)
	}
	for _, s := range d.Personals {
		personal += s.Duration(now)
	}
	return worked, brk, personal
}

// Derive maps the folded day plus the newest location sample to the
// displayed status and the event-derived sub-state. fence may be nil when the
// company has no geofence.
func Derive(day DayState, sample *model.LocationSample, fence *model.Geofence, now time.Time, staleness time.Duration) (model.LiveStatus, model.SubState) {
	sub := day.SubState
	if !sub.Active() {
		return model.StatusClockedOut, model.StatusClockedOut
	}
	ref := day.ActiveSince()
	fresh := false
	if sample != nil && !sample.Timestamp.After(now) {
		if sample.Timestamp.After(ref) {
			ref = sample.Timestamp
		}
		fresh = now.Sub(sample.Timestamp) <= staleness
	}
	if now.Sub(ref) > staleness {
		return model.StatusLocationStale, sub
	}
	if fresh && fence != nil {
		inside, _, err := geo.Contains(*fence, geo.Point{Lat: sample.Lat, Lng: sample.Lng})
		if err == nil && !inside {
			return model.StatusOutsideGeofence, sub
		}
	}
	return sub, sub
}
