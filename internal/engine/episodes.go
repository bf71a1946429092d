package engine

import (
	"strings"
	"sync"
	"time"

	"shiftwatch/internal/model"
)

type episode struct {
	alertID  string
	start    time.Time
	end      time.Time
	severity model.Severity
}

func (e *episode) endAt(now time.Time) time.Time {
	if e.end.IsZero() {
		return now
	}
	return e.end
}

// Outcome reports how a finding was matched against known episodes.
type Outcome struct {
	AlertID   string
	New       bool
	Escalated bool
	Moved     bool
	Start     time.Time
	Severity  model.Severity
}

// EpisodeTracker remembers anomaly episodes per (employee, alert type). Two
// findings belong to the same episode when their intervals overlap once
// widened by the configured gap.
type EpisodeTracker struct {
	mu       sync.Mutex
	gap      time.Duration
	episodes map[string][]*episode
	hydrated map[string]time.Time
}

func NewEpisodeTracker(gap time.Duration) *EpisodeTracker {
	return &EpisodeTracker{
		gap:      gap,
		episodes: make(map[string][]*episode),
		hydrated: make(map[string]time.Time),
	}
}

func (t *EpisodeTracker) SetGap(gap time.Duration) {
	t.mu.Lock()
	t.gap = gap
	t.mu.Unlock()
}

func episodeKey(employeeID string, typ model.AlertType) string {
	return employeeID + "|" + string(typ)
}

// Observe matches f against the employee's episodes. A finding that matches
// nothing opens a new episode under the id returned by newID.
func (t *EpisodeTracker) Observe(employeeID string, f Finding, now time.Time, newID func() string) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := episodeKey(employeeID, f.Type)
	fEnd := f.End
	if fEnd.IsZero() {
		fEnd = now
	}
	for _, ep := range t.episodes[key] {
		if f.Start.After(ep.endAt(now).Add(t.gap)) || ep.start.After(fEnd.Add(t.gap)) {
			continue
		}
		out := Outcome{AlertID: ep.alertID, Start: ep.start, Severity: ep.severity}
		if f.Start.Before(ep.start) {
			ep.start = f.Start
			out.Start, out.Moved = f.Start, true
		}
		switch {
		case f.End.IsZero():
			ep.end = time.Time{}
		case ep.end.IsZero() || f.End.After(ep.end):
			ep.end = f.End
		}
		if severityRank[f.Severity] > severityRank[ep.severity] {
			ep.severity = f.Severity
			out.Severity, out.Escalated = f.Severity, true
		}
		return out
	}
	ep := &episode{alertID: newID(), start: f.Start, end: f.End, severity: f.Severity}
	t.episodes[key] = append(t.episodes[key], ep)
	return Outcome{AlertID: ep.alertID, New: true, Start: ep.start, Severity: ep.severity}
}

// Matches reports whether f would extend one of the employee's known
// episodes.
func (t *EpisodeTracker) Matches(employeeID string, f Finding, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fEnd := f.End
	if fEnd.IsZero() {
		fEnd = now
	}
	for _, ep := range t.episodes[episodeKey(employeeID, f.Type)] {
		if !f.Start.After(ep.endAt(now).Add(t.gap)) && !ep.start.After(fEnd.Add(t.gap)) {
			return true
		}
	}
	return false
}

// CloseUnmatched closes the employee's open episodes that no finding of the
// latest evaluation matched.
func (t *EpisodeTracker) CloseUnmatched(employeeID string, matched map[string]bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := employeeID + "|"
	for key, list := range t.episodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, ep := range list {
			if ep.end.IsZero() && !matched[ep.alertID] {
				ep.end = now
			}
		}
	}
}

// Hydrate seeds the tracker from alerts already stored for the employee's
// current day. It runs once per employee and day.
func (t *EpisodeTracker) Hydrate(employeeID string, day time.Time, stored []model.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrated[employeeID] = day
	for _, a := range stored {
		key := episodeKey(employeeID, a.Type)
		known := false
		for _, ep := range t.episodes[key] {
			if ep.alertID == a.ID {
				known = true
				break
			}
		}
		if known {
			continue
		}
		t.episodes[key] = append(t.episodes[key], &episode{
			alertID:  a.ID,
			start:    a.EpisodeStart,
			end:      a.EpisodeStart,
			severity: a.Severity,
		})
	}
}

func (t *EpisodeTracker) NeedsHydration(employeeID string, day time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.hydrated[employeeID]
	return !ok || !d.Equal(day)
}

// Prune drops closed episodes that ended before cutoff. Open episodes are
// kept however old they are.
func (t *EpisodeTracker) Prune(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, list := range t.episodes {
		kept := list[:0]
		for _, ep := range list {
			if !ep.end.IsZero() && ep.end.Before(cutoff) {
				continue
			}
			kept = append(kept, ep)
		}
		if len(kept) == 0 {
			delete(t.episodes, key)
			continue
		}
		t.episodes[key] = kept
	}
	for emp, day := range t.hydrated {
		if day.Before(cutoff) {
			delete(t.hydrated, emp)
		}
	}
}

// Forget drops an episode whose alert could not be recorded.
func (t *EpisodeTracker) Forget(employeeID string, typ model.AlertType, alertID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := episodeKey(employeeID, typ)
	list := t.episodes[key]
	for i, ep := range list {
		if ep.alertID == alertID {
			t.episodes[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
