package directory

import (
	"errors"
	"testing"
	"time"

	"shiftwatch/internal/config"
	"shiftwatch/internal/model"
)

func TestStaticLookup(t *testing.T) {
	d := NewStatic(map[string]config.CompanyConfig{
		"acme": {Geofence: &model.Geofence{Lat: 1, Lng: 2, RadiusMeters: 50}},
	})
	fence, err := d.Geofence("acme")
	if err != nil || fence.RadiusMeters != 50 {
		t.Fatalf("geofence: %+v %v", fence, err)
	}
	if _, err := d.Policy("acme"); !errors.Is(err, model.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for missing policy, got %v", err)
	}
	if _, err := d.Geofence("other"); !errors.Is(err, model.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for unknown company, got %v", err)
	}
}

func TestStaticUpdate(t *testing.T) {
	d := NewStatic(nil)
	d.Update(map[string]config.CompanyConfig{
		"acme": {Policy: &model.WorkingHoursPolicy{Start: "09:00"}},
	})
	p, err := d.Policy("acme")
	if err != nil || p.Start != "09:00" {
		t.Fatalf("policy after update: %+v %v", p, err)
	}
}

func TestPolicyTimezoneResolvedOnUpdate(t *testing.T) {
	d := NewStatic(map[string]config.CompanyConfig{
		"acme": {Policy: &model.WorkingHoursPolicy{Timezone: "Europe/Berlin", Start: "09:00"}},
	})
	p, err := d.Policy("acme")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	first, second := p.Location(), p.Location()
	if first != second || first.String() != "Europe/Berlin" {
		t.Fatalf("expected one cached Europe/Berlin location, got %v and %v", first, second)
	}
	day := p.DayStart(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC))
	if day.Day() != 3 || day.Location() != first {
		t.Fatalf("expected Berlin day of March 3rd, got %v", day)
	}
}
