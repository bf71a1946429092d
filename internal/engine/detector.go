package engine

import (
	"fmt"
	"time"

	"shiftwatch/internal/geo"
	"shiftwatch/internal/model"
)

// Finding is one anomaly interval observed on a day's timeline. A zero End
// means the condition still holds.
type Finding struct {
	Type      model.AlertType
	Start     time.Time
	End       time.Time
	Magnitude time.Duration
	Severity  model.Severity
	Message   string
}

type DetectInput struct {
	Day       DayState
	Samples   []model.LocationSample
	Fence     *model.Geofence
	Policy    *model.WorkingHoursPolicy
	Now       time.Time
	Staleness time.Duration
}

// Detect evaluates every anomaly category against the full timeline. Missing
// fence or policy skips the categories that need them.
func Detect(in DetectInput) []Finding {
	var out []Finding
	if in.Fence != nil {
		out = append(out, geofenceFindings(in)...)
	}
	out = append(out, locationFindings(in)...)
	if in.Policy != nil {
		out = append(out, overrunFindings(in.Day.Breaks, in.Policy.MaxBreak, "break", in.Now)...)
		out = append(out, overrunFindings(in.Day.Personals, in.Policy.MaxPersonal, "personal time", in.Now)...)
		out = append(out, scheduleFindings(in)...)
		if f, ok := overtimeFinding(in); ok {
			out = append(out, f)
		}
	}
	for i := range out {
		out[i].Severity = SeverityFor(out[i].Type, out[i].Magnitude)
	}
	return out
}

func samplesWithin(samples []model.LocationSample, from, to time.Time) []model.LocationSample {
	var out []model.LocationSample
	for _, s := range samples {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func geofenceFindings(in DetectInput) []Finding {
	var out []Finding
	for _, span := range in.Day.Active {
		end := span.EndAt(in.Now)
		var (
			runStart time.Time
			lastOut  time.Time
			inRun    bool
		)
		for _, s := range samplesWithin(in.Samples, span.Start, end) {
			inside, _, err := geo.Contains(*in.Fence, geo.Point{Lat: s.Lat, Lng: s.Lng})
			if err != nil {
				continue
			}
			if !inside {
				if !inRun {
					runStart, inRun = s.Timestamp, true
				}
				lastOut = s.Timestamp
				continue
			}
			if inRun {
				out = append(out, geofenceFinding(runStart, s.Timestamp, s.Timestamp))
				inRun = false
			}
		}
		if !inRun {
			continue
		}
		// A run with no later sample ends at clock-out, or once the last
		// outside sample goes stale.
		cutoff := lastOut.Add(in.Staleness)
		switch {
		case end.After(cutoff):
			out = append(out, geofenceFinding(runStart, cutoff, cutoff))
		case span.Open():
			out = append(out, geofenceFinding(runStart, time.Time{}, end))
		default:
			out = append(out, geofenceFinding(runStart, span.End, span.End))
		}
	}
	return out
}

func geofenceFinding(start, end, measuredTo time.Time) Finding {
	d := measuredTo.Sub(start)
	return Finding{
		Type:      model.AlertGeofenceViolation,
		Start:     start,
		End:       end,
		Magnitude: d,
		Message:   fmt.Sprintf("outside geofence for %s", d.Round(time.Minute)),
	}
}

func locationFindings(in DetectInput) []Finding {
	if in.Staleness <= 0 {
		return nil
	}
	var out []Finding
	for _, span := range in.Day.Active {
		end := span.EndAt(in.Now)
		ref := span.Start
		gap := func(next time.Time, closedAt time.Time) {
			if next.Sub(ref) <= in.Staleness {
				return
			}
			d := next.Sub(ref)
			out = append(out, Finding{
				Type:      model.AlertLocationDisabled,
				Start:     ref.Add(in.Staleness),
				End:       closedAt,
				Magnitude: d,
				Message:   fmt.Sprintf("no location for %s", d.Round(time.Minute)),
			})
		}
		for _, s := range samplesWithin(in.Samples, span.Start, end) {
			gap(s.Timestamp, s.Timestamp)
			ref = s.Timestamp
		}
		if span.Open() {
			gap(end, time.Time{})
		} else {
			gap(end, end)
		}
	}
	return out
}

func overrunFindings(spans []Span, limit time.Duration, label string, now time.Time) []Finding {
	if limit <= 0 {
		return nil
	}
	var out []Finding
	for _, s := range spans {
		length := s.Duration(now)
		if length <= limit {
			continue
		}
		over := length - limit
		out = append(out, Finding{
			Type:      model.AlertBreakOverrun,
			Start:     s.Start.Add(limit),
			End:       s.End,
			Magnitude: over,
			Message:   fmt.Sprintf("%s exceeded limit by %s", label, over.Round(time.Minute)),
		})
	}
	return out
}

func scheduleFindings(in DetectInput) []Finding {
	var out []Finding
	p := *in.Policy
	day := in.Day
	if !day.FirstClockIn.IsZero() {
		if start, ok := p.At(day.FirstClockIn, p.Start); ok {
			if late := day.FirstClockIn.Sub(start); late > p.GracePeriod {
				out = append(out, Finding{
					Type:      model.AlertLateArrival,
					Start:     day.FirstClockIn,
					End:       day.FirstClockIn,
					Magnitude: late,
					Message:   fmt.Sprintf("clocked in %s late", late.Round(time.Minute)),
				})
			}
		}
	}
	if day.SubState == model.StatusClockedOut && !day.LastClockOut.IsZero() && !day.FirstClockIn.IsZero() {
		if end, ok := p.At(day.LastClockOut, p.End); ok {
			if early := end.Sub(day.LastClockOut); early > p.GracePeriod {
				out = append(out, Finding{
					Type:      model.AlertEarlyDeparture,
					Start:     day.LastClockOut,
					End:       day.LastClockOut,
					Magnitude: early,
					Message:   fmt.Sprintf("clocked out %s early", early.Round(time.Minute)),
				})
			}
		}
	}
	return out
}

func overtimeFinding(in DetectInput) (Finding, bool) {
	if in.Policy.MaxDailyHours <= 0 {
		return Finding{}, false
	}
	limit := time.Duration(in.Policy.MaxDailyHours * float64(time.Hour))
	var (
		acc   time.Duration
		onset time.Time
		last  Span
	)
	for _, seg := range in.Day.WorkSegments(in.Now) {
		l := seg.Duration(in.Now)
		if onset.IsZero() && acc+l > limit {
			onset = seg.Start.Add(limit - acc)
		}
		acc += l
		last = seg
	}
	if onset.IsZero() {
		return Finding{}, false
	}
	f := Finding{
		Type:      model.AlertOvertimeWarning,
		Start:     onset,
		Magnitude: acc - limit,
		Message:   fmt.Sprintf("worked %.1fh, limit %.1fh", acc.Hours(), in.Policy.MaxDailyHours),
	}
	if !in.Day.SubState.Active() {
		f.End = last.End
	}
	return f, true
}

var severityRank = map[model.Severity]int{
	model.SeverityLow:      1,
	model.SeverityMedium:   2,
	model.SeverityHigh:     3,
	model.SeverityCritical: 4,
}

// SeverityFor grades a finding by type and magnitude.
func SeverityFor(t model.AlertType, magnitude time.Duration) model.Severity {
	switch t {
	case model.AlertGeofenceViolation:
		switch {
		case magnitude >= 2*time.Hour:
			return model.SeverityCritical
		case magnitude >= 30*time.Minute:
			return model.SeverityHigh
		default:
			return model.SeverityLow
		}
	case model.AlertBreakOverrun:
		if magnitude >= 15*time.Minute {
			return model.SeverityHigh
		}
		return model.SeverityMedium
	case model.AlertLocationDisabled:
		if magnitude >= time.Hour {
			return model.SeverityHigh
		}
		return model.SeverityMedium
	case model.AlertLateArrival, model.AlertEarlyDeparture:
		switch {
		case magnitude < 15*time.Minute:
			return model.SeverityLow
		case magnitude < time.Hour:
			return model.SeverityMedium
		default:
			return model.SeverityHigh
		}
	case model.AlertOvertimeWarning:
		switch {
		case magnitude < time.Hour:
			return model.SeverityLow
		case magnitude < 2*time.Hour:
			return model.SeverityMedium
		default:
			return model.SeverityHigh
		}
	}
	return model.SeverityLow
}
