package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/engine"
	"shiftwatch/internal/model"
	"shiftwatch/internal/storage"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	live     map[string]model.LiveEmployee
	alerts   map[string]model.Alert
	resolved []string
	sweeps   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		live: map[string]model.LiveEmployee{
			"e1": {EmployeeID: "e1", CompanyID: "c1", Status: model.StatusClockedIn},
			"x1": {EmployeeID: "x1", CompanyID: "c2", Status: model.StatusOnBreak},
		},
		alerts: map[string]model.Alert{
			"a1": {ID: "a1", CompanyID: "c1", EmployeeID: "e1", Type: model.AlertLateArrival, CreatedAt: now},
			"a2": {ID: "a2", CompanyID: "c2", EmployeeID: "x1", Type: model.AlertBreakOverrun, CreatedAt: now},
		},
	}
}

func (f *fakeEngine) Snapshot(_ context.Context, companyID string) (model.SnapshotPayload, error) {
	return model.SnapshotPayload{Aggregate: model.CompanyAggregate{CompanyID: companyID}}, nil
}

func (f *fakeEngine) LiveStatus(_ context.Context, employeeID string) (model.LiveEmployee, error) {
	live, ok := f.live[employeeID]
	if !ok {
		return model.LiveEmployee{}, errors.Annotatef(model.ErrNotFound, "employee %q", employeeID)
	}
	return live, nil
}

func (f *fakeEngine) CompanyAggregate(_ context.Context, companyID string) (model.CompanyAggregate, error) {
	return model.CompanyAggregate{CompanyID: companyID, TotalEmployees: 1, Counts: map[model.LiveStatus]int{model.StatusClockedIn: 1}}, nil
}

func (f *fakeEngine) UnresolvedAlerts(_ context.Context, companyID string) ([]model.Alert, error) {
	var out []model.Alert
	for _, a := range f.alerts {
		if a.CompanyID == companyID && !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeEngine) RecentAlerts(companyID string, limit int, since time.Time) []model.Alert {
	var out []model.Alert
	for _, a := range f.alerts {
		if a.CompanyID == companyID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeEngine) Alert(_ context.Context, alertID string) (model.Alert, error) {
	a, ok := f.alerts[alertID]
	if !ok {
		return model.Alert{}, errors.Annotatef(model.ErrNotFound, "alert %q", alertID)
	}
	return a, nil
}

func (f *fakeEngine) ResolveAlert(ctx context.Context, alertID string) (model.Alert, error) {
	a, err := f.Alert(ctx, alertID)
	if err != nil {
		return a, err
	}
	a.Resolved = true
	f.alerts[alertID] = a
	f.resolved = append(f.resolved, alertID)
	return a, nil
}

func (f *fakeEngine) Sweep(context.Context) error {
	f.sweeps++
	return nil
}

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T, eng Engine) *client {
	t.Helper()
	s := New(Options{Engine: eng, Validator: auth.NewJWTValidator("secret", "shiftwatch"), Version: "test"})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) do(method, path string, id *model.Identity, out any) int {
	c.t.Helper()
	req, err := http.NewRequest(method, c.srv.URL+path, strings.NewReader(""))
	if err != nil {
		c.t.Fatal(err)
	}
	if id != nil {
		tok, err := auth.Issue("secret", "shiftwatch", *id, time.Minute)
		if err != nil {
			c.t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

var (
	employee = &model.Identity{EmployeeID: "e1", CompanyID: "c1", Role: model.RoleEmployee}
	peer     = &model.Identity{EmployeeID: "e2", CompanyID: "c1", Role: model.RoleEmployee}
	manager  = &model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager}
	admin    = &model.Identity{EmployeeID: "root", CompanyID: "c1", Role: model.RoleAdmin}
)

func TestEmployeeStatusAuthorization(t *testing.T) {
	c := newClient(t, newFakeEngine())
	var live model.LiveEmployee
	if code := c.do(http.MethodGet, "/v1/employees/e1/status", employee, &live); code != http.StatusOK {
		t.Fatalf("self: %d", code)
	}
	if live.Status != model.StatusClockedIn {
		t.Fatalf("live = %+v", live)
	}
	if code := c.do(http.MethodGet, "/v1/employees/e1/status", peer, nil); code != http.StatusForbidden {
		t.Fatalf("peer: %d", code)
	}
	if code := c.do(http.MethodGet, "/v1/employees/e1/status", manager, nil); code != http.StatusOK {
		t.Fatalf("manager: %d", code)
	}
	if code := c.do(http.MethodGet, "/v1/employees/x1/status", manager, nil); code != http.StatusForbidden {
		t.Fatalf("other company: %d", code)
	}
	var body errorResponse
	if code := c.do(http.MethodGet, "/v1/employees/ghost/status", manager, &body); code != http.StatusNotFound || body.Error != "not_found" {
		t.Fatalf("missing: %d %+v", code, body)
	}
	if code := c.do(http.MethodGet, "/v1/employees/e1/status", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", code)
	}
}

func TestCompanyEndpointsRequireSupervisor(t *testing.T) {
	c := newClient(t, newFakeEngine())
	var agg model.CompanyAggregate
	if code := c.do(http.MethodGet, "/v1/companies/c1/aggregate", manager, &agg); code != http.StatusOK {
		t.Fatalf("aggregate: %d", code)
	}
	if agg.CompanyID != "c1" || agg.TotalEmployees != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}
	if code := c.do(http.MethodGet, "/v1/companies/c1/aggregate", employee, nil); code != http.StatusForbidden {
		t.Fatalf("employee aggregate: %d", code)
	}
	if code := c.do(http.MethodGet, "/v1/companies/c2/alerts", manager, nil); code != http.StatusForbidden {
		t.Fatalf("cross-company alerts: %d", code)
	}
	var alerts struct {
		Alerts []model.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	if code := c.do(http.MethodGet, "/v1/companies/c1/alerts", manager, &alerts); code != http.StatusOK {
		t.Fatalf("alerts: %d", code)
	}
	if alerts.Count != 1 || alerts.Alerts[0].ID != "a1" {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestRecentAlerts(t *testing.T) {
	c := newClient(t, newFakeEngine())
	var body struct {
		Count int `json:"count"`
	}
	if code := c.do(http.MethodGet, "/v1/alerts/recent?limit=5", manager, &body); code != http.StatusOK || body.Count != 1 {
		t.Fatalf("recent: %d %+v", code, body)
	}
	if code := c.do(http.MethodGet, "/v1/alerts/recent?since=2026-03-02T13:00:00Z", manager, &body); code != http.StatusOK || body.Count != 0 {
		t.Fatalf("since: %d %+v", code, body)
	}
	if code := c.do(http.MethodGet, "/v1/alerts/recent?limit=zero", manager, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}
	if code := c.do(http.MethodGet, "/v1/alerts/recent", employee, nil); code != http.StatusForbidden {
		t.Fatalf("employee: %d", code)
	}
}

func TestResolveAlert(t *testing.T) {
	eng := newFakeEngine()
	c := newClient(t, eng)
	if code := c.do(http.MethodPost, "/v1/alerts/a2/resolve", manager, nil); code != http.StatusForbidden {
		t.Fatalf("cross-company resolve: %d", code)
	}
	if code := c.do(http.MethodPost, "/v1/alerts/a1/resolve", employee, nil); code != http.StatusForbidden {
		t.Fatalf("employee resolve: %d", code)
	}
	var resolved model.Alert
	if code := c.do(http.MethodPost, "/v1/alerts/a1/resolve", manager, &resolved); code != http.StatusOK {
		t.Fatalf("resolve: %d", code)
	}
	if !resolved.Resolved || len(eng.resolved) != 1 {
		t.Fatalf("resolved = %+v calls=%v", resolved, eng.resolved)
	}
	if code := c.do(http.MethodPost, "/v1/alerts/nope/resolve", manager, nil); code != http.StatusNotFound {
		t.Fatalf("missing: %d", code)
	}
}

func TestReconcileRequiresAdmin(t *testing.T) {
	eng := newFakeEngine()
	c := newClient(t, eng)
	if code := c.do(http.MethodPost, "/admin/reconcile", manager, nil); code != http.StatusForbidden {
		t.Fatalf("manager: %d", code)
	}
	if code := c.do(http.MethodPost, "/admin/reconcile", admin, nil); code != http.StatusOK {
		t.Fatalf("admin: %d", code)
	}
	if eng.sweeps != 1 {
		t.Fatalf("sweeps = %d", eng.sweeps)
	}
}

func TestStatusAndMetricsArePublic(t *testing.T) {
	c := newClient(t, newFakeEngine())
	var st statusResponse
	if code := c.do(http.MethodGet, "/status", nil, &st); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if st.Status != "ok" || st.Version != "test" || st.Storage != "memory" {
		t.Fatalf("status = %+v", st)
	}
	if code := c.do(http.MethodGet, "/metrics", nil, nil); code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
}

func TestUnknownResourcesAreNotFoundWithRealEngine(t *testing.T) {
	eng := engine.New(engine.Options{Store: storage.NewMemory(), Clock: testclock.NewClock(now)})
	c := newClient(t, eng)
	var body map[string]string
	if code := c.do(http.MethodGet, "/v1/employees/ghost/status", manager, &body); code != http.StatusNotFound {
		t.Fatalf("unknown employee: %d %v", code, body)
	}
	if body["error"] != "not_found" {
		t.Fatalf("unexpected error body %v", body)
	}
	if code := c.do(http.MethodPost, "/v1/alerts/nope/resolve", manager, nil); code != http.StatusNotFound {
		t.Fatalf("unknown alert: %d", code)
	}
	if dirty := eng.Dirty(); len(dirty) != 0 {
		t.Fatalf("lookups must not defer evaluations, got %v", dirty)
	}
}
