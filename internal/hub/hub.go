// Package hub fans live deltas out to connected observers. Each company has
// its own buffered delta channel and broadcast goroutine; each observer has
// a bounded send queue and is dropped rather than allowed to slow others.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"shiftwatch/internal/config"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/model"
)

func companyRoom(id string) string   { return "company:" + id }
func aggregateRoom(id string) string { return "aggregate:" + id }
func employeeRoom(id string) string  { return "employee:" + id }

// Client is one registered observer.
type Client struct {
	identity model.Identity
	rooms    []string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *Client) Identity() model.Identity { return c.identity }

// Messages yields encoded deltas queued for the observer.
func (c *Client) Messages() <-chan []byte { return c.send }

// Done is closed once the client has been unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     config.HubConfig

	mu        sync.RWMutex
	rooms     map[string]map[*Client]struct{}
	companies map[string]chan model.Delta
	running   bool
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg config.HubConfig, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = config.DefaultConfig().Hub.SendQueue
	}
	if cfg.CompanyBuffer <= 0 {
		cfg.CompanyBuffer = config.DefaultConfig().Hub.CompanyBuffer
	}
	return &Hub{
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		rooms:     make(map[string]map[*Client]struct{}),
		companies: make(map[string]chan model.Delta),
		stop:      make(chan struct{}),
	}
}

// Run starts the broadcast goroutines and blocks until ctx is cancelled,
// then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	for id, ch := range h.companies {
		h.startBroadcaster(id, ch)
	}
	h.mu.Unlock()
	<-ctx.Done()
	h.Close()
	return nil
}

// Close stops every broadcaster and disconnects all observers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	var clients []*Client
	seen := make(map[*Client]struct{})
	for _, members := range h.rooms {
		for c := range members {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				clients = append(clients, c)
			}
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
	for _, c := range clients {
		h.Unregister(c)
	}
}

// startBroadcaster must be called with h.mu held.
func (h *Hub) startBroadcaster(companyID string, ch chan model.Delta) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.stop:
				return
			case d := <-ch:
				h.deliver(d)
			}
		}
	}()
}

// Publish queues d on its company's channel. When the channel is full the
// queued deltas are discarded and the company's observers are disconnected,
// so they reconnect and start again from a snapshot.
func (h *Hub) Publish(d model.Delta) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	ch, ok := h.companies[d.CompanyID]
	if !ok {
		ch = make(chan model.Delta, h.cfg.CompanyBuffer)
		h.companies[d.CompanyID] = ch
		if h.running {
			h.startBroadcaster(d.CompanyID, ch)
		}
	}
	h.mu.Unlock()
	select {
	case ch <- d:
		return
	default:
	}
	h.resetCompany(d.CompanyID, ch)
}

func (h *Hub) resetCompany(companyID string, ch chan model.Delta) {
	dropped := 1 + drain(ch)
	h.metrics.DeltasDropped.Add(float64(dropped))

	h.mu.RLock()
	observers := make([]*Client, 0, len(h.rooms[aggregateRoom(companyID)]))
	for c := range h.rooms[aggregateRoom(companyID)] {
		observers = append(observers, c)
	}
	h.mu.RUnlock()

	h.logger.Warn("company delta channel full, resetting observers",
		"company_id", companyID,
		"dropped", dropped,
		"observers", len(observers),
	)
	for _, c := range observers {
		h.metrics.ObserversDropped.Inc()
		h.Unregister(c)
	}
}

func drain(ch chan model.Delta) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

func targetRooms(d model.Delta) []string {
	switch d.Type {
	case model.DeltaAggregateUpdated, model.DeltaSnapshot:
		return []string{aggregateRoom(d.CompanyID)}
	default:
		rooms := []string{companyRoom(d.CompanyID)}
		if d.EmployeeID != "" {
			rooms = append(rooms, employeeRoom(d.EmployeeID))
		}
		return rooms
	}
}

func (h *Hub) deliver(d model.Delta) {
	msg, err := json.Marshal(d)
	if err != nil {
		h.logger.Error("encode delta", "type", d.Type, "err", err)
		return
	}
	h.mu.RLock()
	recipients := make(map[*Client]struct{})
	for _, room := range targetRooms(d) {
		for c := range h.rooms[room] {
			recipients[c] = struct{}{}
		}
	}
	h.mu.RUnlock()
	for c := range recipients {
		if !c.enqueue(msg) {
			h.metrics.ObserversDropped.Inc()
			h.logger.Warn("observer send queue full, disconnecting",
				"employee_id", c.identity.EmployeeID,
				"company_id", c.identity.CompanyID,
			)
			h.Unregister(c)
		}
	}
}

// Register joins an authenticated observer to its rooms. Supervisors see the
// whole company; everyone sees their own employee room and the company
// aggregate.
func (h *Hub) Register(id model.Identity) *Client {
	c := &Client{
		identity: id,
		send:     make(chan []byte, h.cfg.SendQueue),
		done:     make(chan struct{}),
	}
	c.rooms = []string{employeeRoom(id.EmployeeID), aggregateRoom(id.CompanyID)}
	if id.Role.Supervises() {
		c.rooms = append(c.rooms, companyRoom(id.CompanyID))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.once.Do(func() { close(c.done) })
		return c
	}
	for _, room := range c.rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[room] = members
		}
		members[c] = struct{}{}
	}
	h.metrics.Observers.Inc()
	return c
}

// Unregister removes c from every room. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	c.once.Do(func() {
		h.mu.Lock()
		for _, room := range c.rooms {
			if members, ok := h.rooms[room]; ok {
				delete(members, c)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
		}
		h.mu.Unlock()
		close(c.done)
		h.metrics.Observers.Dec()
	})
}

// Observers returns the number of registered observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Client]struct{})
	for _, members := range h.rooms {
		for c := range members {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}
