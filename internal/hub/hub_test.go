package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/config"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/model"
)

func testHub(t *testing.T, mutate func(*config.HubConfig)) (*Hub, *metrics.Metrics) {
	t.Helper()
	cfg := config.DefaultConfig().Hub
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	h := New(cfg, nil, m)
	return h, m
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func statusDelta(company, employee string) model.Delta {
	return model.Delta{
		Type:       model.DeltaStatusChanged,
		CompanyID:  company,
		EmployeeID: employee,
		Timestamp:  time.Now().UTC(),
		Payload:    model.StatusChangedPayload{EmployeeID: employee, Status: model.StatusClockedIn},
	}
}

func receive(t *testing.T, c *Client) model.Delta {
	t.Helper()
	select {
	case msg := <-c.Messages():
		var d model.Delta
		if err := json.Unmarshal(msg, &d); err != nil {
			t.Fatalf("decode delta: %v", err)
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta")
	}
	return model.Delta{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Messages():
		t.Fatalf("unexpected delta: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeltasAreScopedByRole(t *testing.T) {
	h, _ := testHub(t, nil)
	runHub(t, h)

	manager := h.Register(model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager})
	self := h.Register(model.Identity{EmployeeID: "e1", CompanyID: "c1", Role: model.RoleEmployee})
	peer := h.Register(model.Identity{EmployeeID: "e2", CompanyID: "c1", Role: model.RoleEmployee})
	outsider := h.Register(model.Identity{EmployeeID: "x1", CompanyID: "c2", Role: model.RoleAdmin})

	h.Publish(statusDelta("c1", "e1"))

	if d := receive(t, manager); d.EmployeeID != "e1" {
		t.Fatalf("manager got %+v", d)
	}
	if d := receive(t, self); d.Type != model.DeltaStatusChanged {
		t.Fatalf("employee got %+v", d)
	}
	expectNothing(t, peer)
	expectNothing(t, outsider)

	h.Publish(model.Delta{Type: model.DeltaAggregateUpdated, CompanyID: "c1", Timestamp: time.Now()})
	for _, c := range []*Client{manager, self, peer} {
		if d := receive(t, c); d.Type != model.DeltaAggregateUpdated {
			t.Fatalf("expected aggregate, got %+v", d)
		}
	}
	expectNothing(t, outsider)
}

func TestSupervisorSubjectReceivesOnce(t *testing.T) {
	h, _ := testHub(t, nil)
	runHub(t, h)

	manager := h.Register(model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager})
	h.Publish(statusDelta("c1", "m1"))

	receive(t, manager)
	expectNothing(t, manager)
}

func TestSlowObserverIsDisconnected(t *testing.T) {
	h, m := testHub(t, func(c *config.HubConfig) { c.SendQueue = 1 })
	runHub(t, h)

	slow := h.Register(model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager})
	other := h.Register(model.Identity{EmployeeID: "m2", CompanyID: "c2", Role: model.RoleManager})

	h.Publish(statusDelta("c1", "e1"))
	h.Publish(statusDelta("c1", "e1"))

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow observer was not disconnected")
	}
	if got := testutil.ToFloat64(m.ObserversDropped); got != 1 {
		t.Fatalf("observers dropped = %v", got)
	}
	if h.Observers() != 1 {
		t.Fatalf("observers = %d", h.Observers())
	}

	h.Publish(statusDelta("c2", "e9"))
	if d := receive(t, other); d.CompanyID != "c2" {
		t.Fatalf("other observer got %+v", d)
	}
}

func TestFullCompanyChannelResetsObservers(t *testing.T) {
	h, m := testHub(t, func(c *config.HubConfig) { c.CompanyBuffer = 2 })
	mgr := h.Register(model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager})
	other := h.Register(model.Identity{EmployeeID: "x1", CompanyID: "c2", Role: model.RoleManager})
	// Broadcasters only start with Run, so the channel fills.
	for i := 0; i < 3; i++ {
		h.Publish(statusDelta("c1", "e1"))
	}
	if got := testutil.ToFloat64(m.DeltasDropped); got != 3 {
		t.Fatalf("deltas dropped = %v, want 3", got)
	}
	select {
	case <-mgr.Done():
	case <-time.After(time.Second):
		t.Fatalf("observer of the overflowing company should be disconnected")
	}
	select {
	case <-other.Done():
		t.Fatalf("observers of other companies must stay connected")
	default:
	}
	if got := testutil.ToFloat64(m.ObserversDropped); got != 1 {
		t.Fatalf("observers dropped = %v, want 1", got)
	}

	// A reconnecting observer sees only deltas published after the reset.
	again := h.Register(model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager})
	h.Publish(statusDelta("c1", "e2"))
	runHub(t, h)
	if d := receive(t, again); d.EmployeeID != "e2" {
		t.Fatalf("expected the post-reset delta, got %+v", d)
	}
	expectNothing(t, again)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h, m := testHub(t, nil)
	c := h.Register(model.Identity{EmployeeID: "e1", CompanyID: "c1", Role: model.RoleEmployee})
	if got := testutil.ToFloat64(m.Observers); got != 1 {
		t.Fatalf("observers gauge = %v", got)
	}
	h.Unregister(c)
	h.Unregister(c)
	if got := testutil.ToFloat64(m.Observers); got != 0 {
		t.Fatalf("observers gauge = %v", got)
	}
	if h.Observers() != 0 {
		t.Fatalf("observers = %d", h.Observers())
	}
}

type fixedSnapshots struct{}

func (fixedSnapshots) Snapshot(_ context.Context, companyID string) (model.SnapshotPayload, error) {
	return model.SnapshotPayload{
		Aggregate: model.CompanyAggregate{CompanyID: companyID, TotalEmployees: 2},
		Employees: []model.LiveEmployee{
			{EmployeeID: "e1", CompanyID: companyID, Status: model.StatusClockedIn},
			{EmployeeID: "e2", CompanyID: companyID, Status: model.StatusClockedOut},
		},
	}, nil
}

type wireDelta struct {
	Type      model.DeltaType `json:"type"`
	CompanyID string          `json:"company_id"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireDelta {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var d wireDelta
	if err := conn.ReadJSON(&d); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return d
}

func token(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, err := auth.Issue("secret", "shiftwatch", id, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func waitObservers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Observers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("observers = %d, want %d", h.Observers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketSnapshotThenDeltas(t *testing.T) {
	h, _ := testHub(t, nil)
	runHub(t, h)
	srv := httptest.NewServer(h.Handler(auth.NewJWTValidator("secret", "shiftwatch"), fixedSnapshots{}))
	defer srv.Close()

	conn := dial(t, srv, "?token="+token(t, model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager}))

	snap := readFrame(t, conn)
	if snap.Type != model.DeltaSnapshot {
		t.Fatalf("first frame = %+v", snap)
	}
	var payload model.SnapshotPayload
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Employees) != 2 || payload.Aggregate.TotalEmployees != 2 {
		t.Fatalf("snapshot = %+v", payload)
	}

	waitObservers(t, h, 1)
	h.Publish(statusDelta("c1", "e2"))
	if d := readFrame(t, conn); d.Type != model.DeltaStatusChanged {
		t.Fatalf("delta = %+v", d)
	}
}

func TestWebSocketEmployeeSnapshotIsOwnEntry(t *testing.T) {
	h, _ := testHub(t, nil)
	runHub(t, h)
	srv := httptest.NewServer(h.Handler(auth.NewJWTValidator("secret", "shiftwatch"), fixedSnapshots{}))
	defer srv.Close()

	conn := dial(t, srv, "?token="+token(t, model.Identity{EmployeeID: "e1", CompanyID: "c1", Role: model.RoleEmployee}))
	var payload model.SnapshotPayload
	if err := json.Unmarshal(readFrame(t, conn).Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Employees) != 1 || payload.Employees[0].EmployeeID != "e1" {
		t.Fatalf("employees = %+v", payload.Employees)
	}
}

func TestWebSocketFirstMessageAuth(t *testing.T) {
	h, _ := testHub(t, nil)
	runHub(t, h)
	srv := httptest.NewServer(h.Handler(auth.NewJWTValidator("secret", "shiftwatch"), fixedSnapshots{}))
	defer srv.Close()

	conn := dial(t, srv, "")
	tok := token(t, model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleAdmin})
	if err := conn.WriteJSON(map[string]string{"token": tok}); err != nil {
		t.Fatal(err)
	}
	if d := readFrame(t, conn); d.Type != model.DeltaSnapshot {
		t.Fatalf("first frame = %+v", d)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	h, _ := testHub(t, nil)
	runHub(t, h)
	srv := httptest.NewServer(h.Handler(auth.NewJWTValidator("secret", "shiftwatch"), fixedSnapshots{}))
	defer srv.Close()

	conn := dial(t, srv, "?token=garbage")
	d := readFrame(t, conn)
	if d.Type != "error" || d.Error != "authentication_error" {
		t.Fatalf("frame = %+v", d)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after authentication failure")
	}
	if h.Observers() != 0 {
		t.Fatalf("observers = %d", h.Observers())
	}
}
