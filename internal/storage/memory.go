package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"shiftwatch/internal/model"
)

type memoryStore struct {
	mu        sync.RWMutex
	events    map[string][]model.AttendanceEvent
	locations map[string][]model.LocationSample
	employees map[string]string
	alerts    map[string]model.Alert
	alertSeq  []string
}

func NewMemory() Store {
	return &memoryStore{
		events:    make(map[string][]model.AttendanceEvent),
		locations: make(map[string][]model.LocationSample),
		employees: make(map[string]string),
		alerts:    make(map[string]model.Alert),
	}
}

func (s *memoryStore) Init(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) AppendEvent(_ context.Context, ev model.AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.events[ev.EmployeeID]
	i := sort.Search(len(list), func(i int) bool { return ev.Before(list[i]) })
	list = append(list, model.AttendanceEvent{})
	copy(list[i+1:], list[i:])
	list[i] = ev
	s.events[ev.EmployeeID] = list
	s.employees[ev.EmployeeID] = ev.CompanyID
	return nil
}

func (s *memoryStore) AppendLocation(_ context.Context, sample model.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.locations[sample.EmployeeID]
	i := sort.Search(len(list), func(i int) bool { return sample.Timestamp.Before(list[i].Timestamp) })
	list = append(list, model.LocationSample{})
	copy(list[i+1:], list[i:])
	list[i] = sample
	s.locations[sample.EmployeeID] = list
	return nil
}

func (s *memoryStore) LatestEvent(_ context.Context, employeeID string, asOf time.Time) (*model.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.events[employeeID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Timestamp.After(asOf) {
			ev := list[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) LatestLocation(_ context.Context, employeeID string, since, until time.Time) (*model.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.locations[employeeID]
	for i := len(list) - 1; i >= 0; i-- {
		ts := list[i].Timestamp
		if ts.After(until) {
			continue
		}
		if ts.Before(since) {
			break
		}
		sample := list[i]
		return &sample, nil
	}
	return nil, nil
}

func (s *memoryStore) Events(_ context.Context, employeeID string, from, to time.Time) ([]model.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AttendanceEvent
	for _, ev := range s.events[employeeID] {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *memoryStore) Locations(_ context.Context, employeeID string, from, to time.Time) ([]model.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LocationSample
	for _, l := range s.locations[employeeID] {
		if l.Timestamp.Before(from) || l.Timestamp.After(to) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *memoryStore) EmployeeCompany(_ context.Context, employeeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	company, ok := s.employees[employeeID]
	if !ok {
		return "", errors.Annotatef(model.ErrNotFound, "employee %q", employeeID)
	}
	return company, nil
}

func (s *memoryStore) CompanyEmployees(_ context.Context, companyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for emp, company := range s.employees {
		if company == companyID {
			out = append(out, emp)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Companies(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, company := range s.employees {
		seen[company] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for company := range seen {
		out = append(out, company)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) SaveAlert(_ context.Context, alert model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.alerts[alert.ID]
	if !exists {
		s.alertSeq = append(s.alertSeq, alert.ID)
		s.alerts[alert.ID] = alert
		return nil
	}
	existing.Severity = alert.Severity
	existing.Message = alert.Message
	existing.EpisodeStart = alert.EpisodeStart
	s.alerts[alert.ID] = existing
	return nil
}

func (s *memoryStore) Alert(_ context.Context, alertID string) (model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return model.Alert{}, errors.Annotatef(model.ErrNotFound, "alert %q", alertID)
	}
	return alert, nil
}

func (s *memoryStore) ResolveAlert(_ context.Context, alertID string, at time.Time) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return model.Alert{}, errors.Annotatef(model.ErrNotFound, "alert %q", alertID)
	}
	if alert.Resolved {
		return alert, nil
	}
	at = at.UTC()
	alert.Resolved = true
	alert.ResolvedAt = &at
	s.alerts[alertID] = alert
	return alert, nil
}

func (s *memoryStore) UnresolvedAlerts(_ context.Context, companyID string) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for _, id := range s.alertSeq {
		a := s.alerts[id]
		if a.CompanyID == companyID && !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memoryStore) AlertsSince(_ context.Context, employeeID string, since time.Time) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for _, id := range s.alertSeq {
		a := s.alerts[id]
		if a.EmployeeID == employeeID && !a.EpisodeStart.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}
