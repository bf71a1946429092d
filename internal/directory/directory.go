// Package directory serves per-company geofence and working-hours policy
// lookups from configuration.
package directory

import (
	"sync"

	"github.com/juju/errors"

	"shiftwatch/internal/config"
	"shiftwatch/internal/model"
)

// Directory is the company configuration collaborator consumed by the engine.
type Directory interface {
	Geofence(companyID string) (model.Geofence, error)
	Policy(companyID string) (model.WorkingHoursPolicy, error)
}

type Static struct {
	mu        sync.RWMutex
	companies map[string]config.CompanyConfig
}

func NewStatic(companies map[string]config.CompanyConfig) *Static {
	s := &Static{}
	s.Update(companies)
	return s
}

// Update swaps the company table, typically after a config reload. Policy
// timezones are resolved here rather than per evaluation.
func (s *Static) Update(companies map[string]config.CompanyConfig) {
	next := make(map[string]config.CompanyConfig, len(companies))
	for id, c := range companies {
		if c.Policy != nil {
			p := c.Policy.Resolve()
			c.Policy = &p
		}
		next[id] = c
	}
	s.mu.Lock()
	s.companies = next
	s.mu.Unlock()
}

func (s *Static) Geofence(companyID string) (model.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[companyID]
	if !ok || c.Geofence == nil {
		return model.Geofence{}, errors.Annotatef(model.ErrNotConfigured, "geofence for company %q", companyID)
	}
	return *c.Geofence, nil
}

func (s *Static) Policy(companyID string) (model.WorkingHoursPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[companyID]
	if !ok || c.Policy == nil {
		return model.WorkingHoursPolicy{}, errors.Annotatef(model.ErrNotConfigured, "policy for company %q", companyID)
	}
	return *c.Policy, nil
}
