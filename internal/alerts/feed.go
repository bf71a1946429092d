package alerts

import (
	"sync"
	"time"

	"shiftwatch/internal/model"
)

// Feed keeps the most recently raised alerts in a fixed-size ring so the
// query API can serve a recent-alert view without touching storage.
type Feed struct {
	mu    sync.RWMutex
	ring  []model.Alert
	next  int
	full  bool
	index map[string]int
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 1000
	}
	return &Feed{ring: make([]model.Alert, limit), index: make(map[string]int, limit)}
}

func (f *Feed) Add(alert model.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		delete(f.index, f.ring[f.next].ID)
	}
	f.ring[f.next] = alert
	f.index[alert.ID] = f.next
	f.next++
	if f.next == len(f.ring) {
		f.next = 0
		f.full = true
	}
}

// MarkResolved updates a buffered alert in place. Alerts that already fell
// out of the ring are ignored.
func (f *Feed) MarkResolved(alertID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[alertID]
	if !ok || f.ring[i].Resolved {
		return
	}
	f.ring[i].Resolved = true
	f.ring[i].ResolvedAt = &at
}

// Recent returns up to limit alerts, newest first. An empty companyID
// matches every company.
func (f *Feed) Recent(companyID string, limit int) []model.Alert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	size := f.next
	if f.full {
		size = len(f.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]model.Alert, 0, limit)
	for n := 0; n < size && len(out) < limit; n++ {
		i := (f.next - 1 - n + len(f.ring)) % len(f.ring)
		if companyID != "" && f.ring[i].CompanyID != companyID {
			continue
		}
		out = append(out, f.ring[i])
	}
	return out
}

func (f *Feed) Since(companyID string, ts time.Time) []model.Alert {
	var out []model.Alert
	for _, a := range f.Recent(companyID, 0) {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}
