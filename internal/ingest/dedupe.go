package ingest

import (
	"context"
	"sync"
	"time"
)

type dedupeEntry struct {
	id      string
	seen    time.Time
	pending bool
	settled chan struct{}
}

// DedupeCache remembers recently accepted submissions so that a client
// retry within the window gets the original ID back. A claim stays pending
// until it is committed or released; duplicates wait for the outcome.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]*dedupeEntry
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]*dedupeEntry)}
}

// Claim records id under key unless a live entry exists, in which case the
// existing ID is returned with dup set. A pending entry is waited on: once
// committed its ID is returned, once released the key is claimed afresh.
func (d *DedupeCache) Claim(ctx context.Context, key, id string, now time.Time, ttl time.Duration) (string, bool, error) {
	for {
		d.mu.Lock()
		e, ok := d.items[key]
		if ok && e.pending {
			d.mu.Unlock()
			select {
			case <-e.settled:
				continue
			case <-ctx.Done():
				return "", false, ctx.Err()
			}
		}
		if ok && now.Sub(e.seen) <= ttl {
			d.mu.Unlock()
			return e.id, true, nil
		}
		d.items[key] = &dedupeEntry{id: id, seen: now, pending: true, settled: make(chan struct{})}
		if len(d.items) > 10000 {
			d.compact(now, ttl)
		}
		d.mu.Unlock()
		return id, false, nil
	}
}

// Commit makes a pending claim visible to duplicates.
func (d *DedupeCache) Commit(key, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.items[key]; ok && e.id == id && e.pending {
		e.pending = false
		close(e.settled)
	}
}

// Release drops key if it still maps to id, so a failed append can be
// retried.
func (d *DedupeCache) Release(key, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.items[key]; ok && e.id == id {
		delete(d.items, key)
		if e.pending {
			close(e.settled)
		}
	}
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, e := range d.items {
		if !e.pending && now.Sub(e.seen) > ttl {
			delete(d.items, k)
		}
	}
}
