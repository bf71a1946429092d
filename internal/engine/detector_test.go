package engine

import (
	"testing"
	"time"

	"shiftwatch/internal/model"
)

var testPolicy = model.WorkingHoursPolicy{
	Timezone:      "UTC",
	Start:         "08:00",
	End:           "17:00",
	GracePeriod:   10 * time.Minute,
	MaxBreak:      time.Hour,
	MaxPersonal:   30 * time.Minute,
	MaxDailyHours: 7,
}

// pings returns one sample every five minutes in [from, to].
func pings(pos [2]float64, from, to string) []model.LocationSample {
	var out []model.LocationSample
	for ts := at(from); !ts.After(at(to)); ts = ts.Add(5 * time.Minute) {
		out = append(out, model.LocationSample{EmployeeID: "emp-1", Lat: pos[0], Lng: pos[1], Timestamp: ts})
	}
	return out
}

func ofType(findings []Finding, typ model.AlertType) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestGeofenceRunsSplitByInsideSample(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{ev("e1", model.EventClockIn, "08:00")})
	var samples []model.LocationSample
	samples = append(samples, pings(inside, "08:00", "08:55")...)
	samples = append(samples, pings(outside, "09:00", "09:20")...)
	samples = append(samples, pings(inside, "09:25", "09:55")...)
	samples = append(samples, pings(outside, "10:00", "10:05")...)
	samples = append(samples, pings(inside, "10:10", "11:00")...)

	got := ofType(Detect(DetectInput{Day: day, Samples: samples, Fence: &fence, Now: at("11:00"), Staleness: 15 * time.Minute}), model.AlertGeofenceViolation)
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d: %+v", len(got), got)
	}
	if !got[0].Start.Equal(at("09:00")) || !got[0].End.Equal(at("09:25")) || got[0].Severity != model.SeverityLow {
		t.Fatalf("unexpected first run: %+v", got[0])
	}
	if !got[1].Start.Equal(at("10:00")) || got[1].Magnitude != 10*time.Minute {
		t.Fatalf("unexpected second run: %+v", got[1])
	}
}

func TestGeofenceOpenRunEscalates(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{ev("e1", model.EventClockIn, "08:00")})
	samples := append(pings(inside, "08:00", "09:55"), pings(outside, "10:00", "10:40")...)
	got := ofType(Detect(DetectInput{Day: day, Samples: samples, Fence: &fence, Now: at("10:40"), Staleness: 15 * time.Minute}), model.AlertGeofenceViolation)
	if len(got) != 1 || !got[0].End.IsZero() {
		t.Fatalf("expected one open run, got %+v", got)
	}
	if got[0].Severity != model.SeverityHigh {
		t.Fatalf("40 minutes outside should be HIGH, got %s", got[0].Severity)
	}
}

func TestGeofenceRunEndsAtClockOut(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{
		ev("e1", model.EventClockIn, "08:00"),
		ev("e2", model.EventClockOut, "10:10"),
	})
	samples := append(pings(inside, "08:00", "09:55"), pings(outside, "10:00", "11:00")...)
	got := ofType(Detect(DetectInput{Day: day, Samples: samples, Fence: &fence, Now: at("11:00"), Staleness: 15 * time.Minute}), model.AlertGeofenceViolation)
	if len(got) != 1 || !got[0].End.Equal(at("10:10")) {
		t.Fatalf("expected run closed at clock-out, got %+v", got)
	}
}

func TestBreakAndPersonalOverrun(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{
		ev("e1", model.EventClockIn, "08:00"),
		ev("e2", model.EventBreakStart, "12:00"),
		ev("e3", model.EventBreakEnd, "13:30"),
		ev("e4", model.EventPersonalStart, "15:00"),
	})
	policy := testPolicy
	policy.MaxDailyHours = 0
	got := ofType(Detect(DetectInput{Day: day, Policy: &policy, Now: at("15:40")}), model.AlertBreakOverrun)
	if len(got) != 2 {
		t.Fatalf("expected break and personal overrun, got %+v", got)
	}
	if !got[0].Start.Equal(at("13:00")) || got[0].Magnitude != 30*time.Minute || got[0].Severity != model.SeverityHigh {
		t.Fatalf("unexpected break overrun: %+v", got[0])
	}
	if !got[1].Start.Equal(at("15:30")) || !got[1].End.IsZero() || got[1].Severity != model.SeverityMedium {
		t.Fatalf("unexpected personal overrun: %+v", got[1])
	}
}

func TestLocationDisabledGaps(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{ev("e1", model.EventClockIn, "08:00")})
	samples := append(pings(inside, "08:00", "08:05"), *sample(inside, "08:50"))
	got := ofType(Detect(DetectInput{Day: day, Samples: samples, Now: at("09:10"), Staleness: 15 * time.Minute}), model.AlertLocationDisabled)
	if len(got) != 2 {
		t.Fatalf("expected 2 gaps, got %+v", got)
	}
	if !got[0].Start.Equal(at("08:20")) || !got[0].End.Equal(at("08:50")) || got[0].Magnitude != 45*time.Minute {
		t.Fatalf("unexpected first gap: %+v", got[0])
	}
	if !got[1].Start.Equal(at("09:05")) || !got[1].End.IsZero() {
		t.Fatalf("unexpected open gap: %+v", got[1])
	}
}

func TestLateArrivalAndEarlyDeparture(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{
		ev("e1", model.EventClockIn, "08:30"),
		ev("e2", model.EventClockOut, "16:00"),
	})
	policy := testPolicy
	policy.MaxDailyHours = 0
	findings := Detect(DetectInput{Day: day, Policy: &policy, Now: at("16:00")})
	late := ofType(findings, model.AlertLateArrival)
	if len(late) != 1 || late[0].Magnitude != 30*time.Minute || late[0].Severity != model.SeverityMedium {
		t.Fatalf("unexpected late arrival: %+v", late)
	}
	early := ofType(findings, model.AlertEarlyDeparture)
	if len(early) != 1 || early[0].Magnitude != time.Hour || early[0].Severity != model.SeverityHigh {
		t.Fatalf("unexpected early departure: %+v", early)
	}
}

func TestWithinGraceRaisesNothing(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{
		ev("e1", model.EventClockIn, "08:05"),
		ev("e2", model.EventClockOut, "16:55"),
	})
	policy := testPolicy
	policy.MaxDailyHours = 0
	findings := Detect(DetectInput{Day: day, Policy: &policy, Now: at("17:00")})
	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}

func TestOvertimeOnset(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{
		ev("e1", model.EventClockIn, "08:30"),
		ev("e2", model.EventBreakStart, "12:00"),
		ev("e3", model.EventBreakEnd, "13:30"),
		ev("e4", model.EventClockOut, "17:30"),
	})
	got := ofType(Detect(DetectInput{Day: day, Policy: &testPolicy, Now: at("18:00")}), model.AlertOvertimeWarning)
	if len(got) != 1 {
		t.Fatalf("expected overtime, got %+v", got)
	}
	if !got[0].Start.Equal(at("17:00")) || !got[0].End.Equal(at("17:30")) || got[0].Magnitude != 30*time.Minute {
		t.Fatalf("unexpected overtime finding: %+v", got[0])
	}
	if got[0].Severity != model.SeverityLow {
		t.Fatalf("expected LOW, got %s", got[0].Severity)
	}
}

func TestNotConfiguredSkipsCategories(t *testing.T) {
	day := ReplayDay("emp-1", []model.AttendanceEvent{
		ev("e1", model.EventClockIn, "11:00"),
		ev("e2", model.EventBreakStart, "11:05"),
	})
	samples := pings(outside, "11:00", "14:00")
	findings := Detect(DetectInput{Day: day, Samples: samples, Now: at("14:00"), Staleness: 15 * time.Minute})
	if len(findings) != 0 {
		t.Fatalf("expected nothing without fence or policy, got %+v", findings)
	}
}

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		typ  model.AlertType
		mag  time.Duration
		want model.Severity
	}{
		{model.AlertGeofenceViolation, 10 * time.Minute, model.SeverityLow},
		{model.AlertGeofenceViolation, 30 * time.Minute, model.SeverityHigh},
		{model.AlertGeofenceViolation, 2 * time.Hour, model.SeverityCritical},
		{model.AlertBreakOverrun, 5 * time.Minute, model.SeverityMedium},
		{model.AlertBreakOverrun, 15 * time.Minute, model.SeverityHigh},
		{model.AlertLocationDisabled, 20 * time.Minute, model.SeverityMedium},
		{model.AlertLocationDisabled, time.Hour, model.SeverityHigh},
		{model.AlertLateArrival, 14 * time.Minute, model.SeverityLow},
		{model.AlertEarlyDeparture, 59 * time.Minute, model.SeverityMedium},
		{model.AlertLateArrival, time.Hour, model.SeverityHigh},
		{model.AlertOvertimeWarning, 30 * time.Minute, model.SeverityLow},
		{model.AlertOvertimeWarning, 90 * time.Minute, model.SeverityMedium},
		{model.AlertOvertimeWarning, 3 * time.Hour, model.SeverityHigh},
	}
	for _, c := range cases {
		if got := SeverityFor(c.typ, c.mag); got != c.want {
			t.Fatalf("%s/%v: expected %s, got %s", c.typ, c.mag, c.want, got)
		}
	}
}
