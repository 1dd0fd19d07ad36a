package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leapmux/ralph/internal/history"
	"github.com/leapmux/ralph/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct{ snap runner.Snapshot }

func (f fakeStatus) Snapshot() runner.Snapshot { return f.snap }

type fakeRuns struct {
	runs      []history.Run
	totals    history.Totals
	err       error
	lastLimit int
}

func (f *fakeRuns) Recent(_ context.Context, limit int) ([]history.Run, error) {
	f.lastLimit = limit
	return f.runs, f.err
}

func (f *fakeRuns) Totals(_ context.Context, _ string) (history.Totals, error) {
	return f.totals, f.err
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewRouter(fakeStatus{}, nil)
	rec := do(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestStatus(t *testing.T) {
	h := NewRouter(fakeStatus{snap: runner.Snapshot{
		SessionID:   "abc123",
		Phase:       "running",
		Iteration:   2,
		Total:       5,
		Loop:        2,
		PID:         4242,
		CurrentSpec: "auth",
	}}, &fakeRuns{totals: history.Totals{Runs: 2, CostUSD: 0.5}})

	rec := do(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc123", body["session_id"])
	assert.Equal(t, "running", body["phase"])
	assert.EqualValues(t, 2, body["iteration"])
	assert.EqualValues(t, 5, body["total"])
	assert.EqualValues(t, 4242, body["pid"])
	assert.Equal(t, "auth", body["current_spec"])

	totals, ok := body["totals"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, totals["runs"])
	assert.EqualValues(t, 0.5, totals["cost_usd"])
}

func TestStatus_WithoutHistory(t *testing.T) {
	h := NewRouter(fakeStatus{snap: runner.Snapshot{Phase: "idle"}}, nil)
	rec := do(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "totals")
	assert.NotContains(t, body, "pid")
}

func TestRuns(t *testing.T) {
	runs := &fakeRuns{runs: []history.Run{{ID: "r1", SessionID: "abc123", Loop: 1, Outcome: "success"}}}
	h := NewRouter(fakeStatus{}, runs)

	rec := do(t, h, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultRunsLimit, runs.lastLimit)

	var body struct {
		Runs []map[string]any `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "r1", body.Runs[0]["id"])
	assert.Equal(t, "success", body.Runs[0]["outcome"])

	do(t, h, "/runs?limit=100000")
	assert.Equal(t, maxRunsLimit, runs.lastLimit)
}

func TestRuns_BadLimit(t *testing.T) {
	h := NewRouter(fakeStatus{}, &fakeRuns{})
	for _, q := range []string{"abc", "0", "-3"} {
		rec := do(t, h, "/runs?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRuns_StoreError(t *testing.T) {
	h := NewRouter(fakeStatus{}, &fakeRuns{err: errors.New("disk on fire")})
	rec := do(t, h, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestRuns_DisabledWithoutHistory(t *testing.T) {
	h := NewRouter(fakeStatus{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, "/runs").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(fakeStatus{}, nil)
	do(t, h, "/healthz")

	rec := do(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ralph_http_requests_total")
}

type panicStatus struct{}

func (panicStatus) Snapshot() runner.Snapshot { panic("boom") }

func TestRecovery(t *testing.T) {
	h := NewRouter(panicStatus{}, nil)
	rec := do(t, h, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", NewRouter(fakeStatus{}, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
