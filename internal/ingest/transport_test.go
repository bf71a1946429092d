package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/model"
)

func post(t *testing.T, srv *httptest.Server, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func restServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRESTServer(f.gw, auth.NewJWTValidator("secret", "shiftwatch"), nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func issue(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, err := auth.Issue("secret", "shiftwatch", id, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

var employeeE1 = model.Identity{EmployeeID: "e1", CompanyID: "c1", Role: model.RoleEmployee}

func TestRESTRequiresToken(t *testing.T) {
	srv := restServer(t, newFixture(t, nil))
	resp, _ := post(t, srv, "/v1/events", "", `{"type":"CLOCK_IN"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRESTSingleEventFillsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	srv := restServer(t, f)
	resp, body := post(t, srv, "/v1/events", issue(t, employeeE1), `{"type":"clock_in","timestamp":"2026-03-02T08:58:00Z"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var res itemResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	company, err := f.store.EmployeeCompany(context.Background(), "e1")
	if err != nil || company != "c1" {
		t.Fatalf("company = %q err=%v", company, err)
	}
	if res.ID == "" {
		t.Fatal("missing id")
	}
}

func TestRESTEmployeeCannotSubmitForOthers(t *testing.T) {
	srv := restServer(t, newFixture(t, nil))
	resp, body := post(t, srv, "/v1/events", issue(t, employeeE1),
		`{"employee_id":"e2","type":"CLOCK_IN","timestamp":"2026-03-02T08:58:00Z"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
}

func TestRESTManagerBatch(t *testing.T) {
	f := newFixture(t, nil)
	srv := restServer(t, f)
	manager := model.Identity{EmployeeID: "m1", CompanyID: "c1", Role: model.RoleManager}
	resp, body := post(t, srv, "/v1/events", issue(t, manager), `[
		{"employee_id":"e1","type":"CLOCK_IN","timestamp":"2026-03-02T08:00:00Z"},
		{"employee_id":"e2","type":"BOGUS","timestamp":"2026-03-02T08:00:00Z"},
		{"employee_id":"e3","company_id":"c2","type":"CLOCK_IN","timestamp":"2026-03-02T08:00:00Z"}
	]`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res batchResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Results[1].Error != "validation_error" || res.Results[2].Error != "forbidden" {
		t.Fatalf("results = %+v", res.Results)
	}
}

func TestRESTLocationRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	srv := restServer(t, f)
	tok := issue(t, employeeE1)
	ping := `{"lat":52.5,"lng":13.4,"timestamp":"2026-03-02T08:59:00Z"}`
	var last *http.Response
	for i := 0; i < 6; i++ {
		last, _ = post(t, srv, "/v1/locations", tok, ping)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", last.StatusCode)
	}
}

func TestRESTMalformedBody(t *testing.T) {
	srv := restServer(t, newFixture(t, nil))
	resp, _ := post(t, srv, "/v1/events", issue(t, employeeE1), `{"type":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

type fakeReader struct {
	msgs   []kafka.Message
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestKafkaConsumerDispatchesByKind(t *testing.T) {
	f := newFixture(t, nil)
	reader := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(`{"kind":"event","employee_id":"e1","company_id":"c1","type":"CLOCK_IN","timestamp":"2026-03-02T08:00:00Z"}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"kind":"location","employee_id":"e1","lat":1,"lng":2,"timestamp":"2026-03-02T08:01:00Z"}`)},
		{Value: []byte(`{"kind":"heartbeat"}`)},
	}}
	c := NewConsumer(reader, f.gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.proc.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("processed %d messages", f.proc.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !reader.closed {
		t.Fatal("reader not closed")
	}
	samples, _ := f.store.Locations(context.Background(), "e1", t0.Add(-2*time.Hour), t0)
	if len(samples) != 1 {
		t.Fatalf("samples = %d", len(samples))
	}
}

func TestKafkaHandleRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	c := NewConsumer(&fakeReader{}, f.gw, nil)
	if err := c.Handle(context.Background(), []byte(`{"kind":"nope"}`)); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}
