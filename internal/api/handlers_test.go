package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/trellis/internal/events"
	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/storage"
	"github.com/mattjoyce/trellis/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

// seed records one finished invocation with a succeeded and a failed task.
func seed(t *testing.T, s *state.Store) *state.Invocation {
	t.Helper()
	ctx := context.Background()

	inv, err := s.BeginInvocation(ctx, state.InvocationOptions{Targets: []string{"test"}, Jobs: 2})
	if err != nil {
		t.Fatalf("BeginInvocation: %v", err)
	}
	var counts state.Counts
	for _, run := range []state.TaskRun{
		{InvocationID: inv.ID, Task: "build", Status: task.StatusSucceeded, ActionHash: "aaaa", InputsHash: "iiii"},
		{InvocationID: inv.ID, Task: "test", Status: task.StatusFailed, Phase: task.PhaseExecute, ExitCode: 2, LastError: "exit status 2"},
	} {
		run.FinishedAt = time.Now()
		if err := s.RecordTaskRun(ctx, run); err != nil {
			t.Fatalf("RecordTaskRun: %v", err)
		}
		counts.Add(run.Status)
	}
	if err := s.Record(ctx, state.Record{Task: "build", ActionHash: "aaaa", InputsHash: "iiii", Status: task.StatusSucceeded}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.FinishInvocation(ctx, inv.ID, state.InvocationFailed, counts, "1 task failed"); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}
	return inv
}

func do(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	srv := New(Config{Token: "secret"}, openStore(t), nil, discardLogger())

	rr := do(t, srv.Handler(), "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthzResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestListAndGetInvocation(t *testing.T) {
	store := openStore(t)
	inv := seed(t, store)
	h := New(Config{}, store, nil, discardLogger()).Handler()

	rr := do(t, h, "/invocations")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rr.Code, rr.Body.String())
	}
	var list InvocationListResponse
	decode(t, rr, &list)
	if len(list.Invocations) != 1 || list.Invocations[0].ID != inv.ID {
		t.Fatalf("invocations = %+v", list.Invocations)
	}
	if list.Invocations[0].Counts.Failed != 1 {
		t.Fatalf("counts = %+v", list.Invocations[0].Counts)
	}

	rr = do(t, h, "/invocations/"+inv.ID)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rr.Code, rr.Body.String())
	}
	var got InvocationResponse
	decode(t, rr, &got)
	if got.Invocation == nil || got.ID != inv.ID || got.Status != state.InvocationFailed {
		t.Fatalf("invocation = %+v", got.Invocation)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("tasks = %+v", got.Tasks)
	}

	rr = do(t, h, "/invocations/does-not-exist")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing invocation status = %d, want 404", rr.Code)
	}
}

func TestListInvocationsLimit(t *testing.T) {
	h := New(Config{}, openStore(t), nil, discardLogger()).Handler()

	for _, bad := range []string{"0", "-1", "abc"} {
		if rr := do(t, h, "/invocations?limit="+bad); rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s status = %d, want 400", bad, rr.Code)
		}
	}

	rr := do(t, h, "/invocations?limit=100000")
	if rr.Code != http.StatusOK {
		t.Fatalf("large limit status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"invocations":[]`) {
		t.Fatalf("empty list body = %s", rr.Body.String())
	}
}

func TestTaskHistory(t *testing.T) {
	store := openStore(t)
	inv := seed(t, store)
	h := New(Config{}, store, nil, discardLogger()).Handler()

	rr := do(t, h, "/tasks/build")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp TaskHistoryResponse
	decode(t, rr, &resp)
	if resp.State == nil || resp.State.ActionHash != "aaaa" || resp.State.Status != "succeeded" {
		t.Fatalf("state = %+v", resp.State)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].InvocationID != inv.ID {
		t.Fatalf("runs = %+v", resp.Runs)
	}

	rr = do(t, h, "/tasks/test")
	var failed TaskHistoryResponse
	decode(t, rr, &failed)
	if rr.Code != http.StatusOK || failed.State != nil || len(failed.Runs) != 1 {
		t.Fatalf("failed task without state record: %d %+v", rr.Code, failed)
	}

	if rr := do(t, h, "/tasks/unknown"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown task status = %d, want 404", rr.Code)
	}
	if rr := do(t, h, "/tasks/..%2F"); rr.Code != http.StatusBadRequest && rr.Code != http.StatusNotFound {
		t.Fatalf("invalid task name status = %d", rr.Code)
	}
}

type failingHistory struct{ HistoryReader }

func (failingHistory) ListInvocations(context.Context, int) ([]*state.Invocation, error) {
	return nil, errors.New("database is locked")
}

func TestListInvocationsStoreError(t *testing.T) {
	h := New(Config{}, failingHistory{}, nil, discardLogger()).Handler()
	rr := do(t, h, "/invocations")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "locked") {
		t.Fatalf("internal error leaked to client: %s", rr.Body.String())
	}
}

func TestAuthToken(t *testing.T) {
	h := New(Config{Token: "s3cret"}, openStore(t), nil, discardLogger()).Handler()

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: []string{"Authorization", "Basic s3cret"}, want: http.StatusUnauthorized},
		{name: "wrong token", header: []string{"Authorization", "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "valid", header: []string{"Authorization", "Bearer s3cret"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(t, h, "/invocations", tt.header...); rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestOpenAPIDocument(t *testing.T) {
	h := New(Config{}, openStore(t), nil, discardLogger()).Handler()
	rr := do(t, h, "/openapi.json")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var doc map[string]any
	decode(t, rr, &doc)
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/healthz", "/invocations", "/invocations/{id}", "/tasks/{name}", "/events"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("openapi document misses %s", p)
		}
	}
	if _, ok := doc["components"]; ok {
		t.Error("unsecured server should not advertise a security scheme")
	}
}

func TestEventsStreamsSnapshotAndLive(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeRunStarted, events.RunStarted{Tasks: []string{"a"}, Jobs: 1})

	ts := httptest.NewServer(New(Config{}, openStore(t), hub, discardLogger()).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		t.Helper()
		var name string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "event: ") {
				name = strings.TrimPrefix(line, "event: ")
			}
			if line == "" && name != "" {
				return name
			}
		}
	}

	if got := readEvent(); got != events.TypeRunStarted {
		t.Fatalf("first event = %q, want snapshot %q", got, events.TypeRunStarted)
	}
	hub.Publish(events.TypeTaskStarted, events.TaskStarted{Task: "a"})
	if got := readEvent(); got != events.TypeTaskStarted {
		t.Fatalf("second event = %q, want live %q", got, events.TypeTaskStarted)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := New(Config{}, openStore(t), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
