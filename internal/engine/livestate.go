package engine

import (
	"sort"
	"sync"

	"shiftwatch/internal/model"
)

// LiveState caches the last derived state of every employee seen so far,
// indexed by company for aggregate and snapshot reads.
type LiveState struct {
	mu         sync.RWMutex
	byEmployee map[string]model.LiveEmployee
	byCompany  map[string]map[string]struct{}
}

func NewLiveState() *LiveState {
	return &LiveState{
		byEmployee: make(map[string]model.LiveEmployee),
		byCompany:  make(map[string]map[string]struct{}),
	}
}

// Put stores e and returns the previous entry and whether one existed.
func (s *LiveState) Put(e model.LiveEmployee) (model.LiveEmployee, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.byEmployee[e.EmployeeID]
	if ok && prev.CompanyID != e.CompanyID {
		if members := s.byCompany[prev.CompanyID]; members != nil {
			delete(members, e.EmployeeID)
		}
	}
	s.byEmployee[e.EmployeeID] = e
	members, exists := s.byCompany[e.CompanyID]
	if !exists {
		members = make(map[string]struct{})
		s.byCompany[e.CompanyID] = members
	}
	members[e.EmployeeID] = struct{}{}
	return prev, ok
}

func (s *LiveState) Get(employeeID string) (model.LiveEmployee, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byEmployee[employeeID]
	return e, ok
}

// Company returns the company's employees ordered by id.
func (s *LiveState) Company(companyID string) []model.LiveEmployee {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.byCompany[companyID]
	out := make([]model.LiveEmployee, 0, len(members))
	for id := range members {
		out = append(out, s.byEmployee[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func (s *LiveState) Companies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byCompany))
	for id := range s.byCompany {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
