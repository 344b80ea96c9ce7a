package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-pilot/internal/browser/browsertest"
	"github.com/shehryarbajwa/browser-pilot/internal/capture"
	"github.com/shehryarbajwa/browser-pilot/internal/events"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/internal/navigation"
	"github.com/shehryarbajwa/browser-pilot/internal/pilot"
	"github.com/shehryarbajwa/browser-pilot/internal/ratelimit"
	"github.com/shehryarbajwa/browser-pilot/internal/session"
	"github.com/shehryarbajwa/browser-pilot/internal/stream"
	"github.com/shehryarbajwa/browser-pilot/internal/task"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

type fixture struct {
	srv      *httptest.Server
	pilot    *pilot.Pilot
	launcher *browsertest.Launcher
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	l := &browsertest.Launcher{}
	m := metrics.New()
	bus := events.NewBus(nil, m)
	nav := navigation.New(navigation.Options{}, nil, m)

	store, err := capture.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	rec := capture.NewRecorder(store, 2, nil)

	p, err := pilot.New(pilot.Config{Capture: true}, pilot.Deps{
		Registry:  session.NewManager(l, session.Config{}, nil, m),
		Navigator: nav,
		Parser:    task.NewParser(task.ParserConfig{}, nil, nil, m),
		Executor:  task.NewExecutor(task.ExecutorConfig{Screenshots: true}, nav, bus, nil, m),
		Loop:      capture.NewLoop(10*time.Millisecond, rec, bus, nil, m),
		Recorder:  rec,
		Bus:       bus,
	}, nil, m)
	require.NoError(t, err)

	if limiter == nil {
		limiter = ratelimit.NewLimiter(0, 0)
	}
	h := NewHandler(p, nil)
	srv := httptest.NewServer(h.SetupRoutes(stream.NewServer(bus, nil), m.Handler(), limiter))
	t.Cleanup(func() {
		srv.Close()
		_ = p.Shutdown(context.Background())
	})
	return &fixture{srv: srv, pilot: p, launcher: l}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/browser/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStopAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	status := decodeBody[pilot.Status](t, f.do(t, http.MethodGet, "/v1/browser/status", nil))
	assert.True(t, status.Running)

	resp := f.do(t, http.MethodPost, "/v1/browser/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.pilot.Running())
}

func TestCommandQueuedAndWaited(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/v1/browser/navigate", models.CommandParams{URL: "https://example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not started")

	f.start(t)

	resp = f.do(t, http.MethodPost, "/v1/browser/scroll", models.CommandParams{Direction: "down", Distance: 300})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	queued := decodeBody[models.CommandResult](t, resp)
	assert.Equal(t, "queued", queued.Message)
	assert.NotEmpty(t, queued.CommandID)

	resp = f.do(t, http.MethodPost, "/v1/browser/navigate?wait=true", models.CommandParams{URL: "example.com/docs"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[models.CommandResult](t, resp)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "https://example.com/docs", res.URL)

	resp = f.do(t, http.MethodPost, "/v1/browser/click?wait=true", map[string]string{"selector": "#go"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, f.launcher.Last().CallsFor("click"), "#go")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/v1/browser/complex_task", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/browser/navigate", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTasks(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/v1/tasks/plan", models.TaskRequest{Kind: "search", Data: map[string]any{"query": "golang", "engine": "bing"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decodeBody[models.TaskPlan](t, resp)
	assert.Equal(t, task.TypeSearch, plan.TaskType)
	assert.Equal(t, plan.TotalSteps, len(plan.Steps))

	resp = f.do(t, http.MethodPost, "/v1/tasks/plan", models.TaskRequest{Kind: "search"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.start(t)
	resp = f.do(t, http.MethodPost, "/v1/tasks", models.TaskRequest{Task: "scroll down"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[models.TaskResult](t, resp)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, len(res.ExecutionLog), res.StepsExecuted)
	assert.LessOrEqual(t, res.StepsExecuted, res.TotalSteps)
}

func TestChains(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp := f.do(t, http.MethodPost, "/v1/chains", models.CreateChainRequest{Name: "docs"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chain := decodeBody[models.ChainProgress](t, resp)

	resp = f.do(t, http.MethodPost, "/v1/chains/"+chain.ID+"/steps", models.Step{Action: models.StepNavigate, URL: "https://example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/chains/"+chain.ID+"/steps", models.Step{Action: "teleport"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/chains/"+chain.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[models.TaskResult](t, resp)
	assert.True(t, res.Success, res.Error)

	progress := decodeBody[models.ChainProgress](t, f.do(t, http.MethodGet, "/v1/chains/"+chain.ID, nil))
	assert.Equal(t, models.ChainCompleted, progress.Status)

	resp = f.do(t, http.MethodPost, "/v1/chains/"+chain.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "chains run once")

	list := decodeBody[[]models.ChainProgress](t, f.do(t, http.MethodGet, "/v1/chains", nil))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/chains/"+chain.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/chains/"+chain.ID, nil).StatusCode)
}

func TestScreenshot(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/v1/screenshot", nil).StatusCode)

	f.start(t)
	resp := f.do(t, http.MethodGet, "/v1/screenshot?fresh=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNG, img)

	resp = f.do(t, http.MethodGet, "/v1/screenshot?format=datauri", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.True(t, strings.HasPrefix(body["screenshot"].(string), "data:image/png;base64,"))
}

func TestRecordings(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp := f.do(t, http.MethodPost, "/v1/recordings/start", models.StartRecordingRequest{Name: "run"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decodeBody[models.Recording](t, resp)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/recordings/start", nil).StatusCode)

	require.Eventually(t, func() bool {
		st := f.pilot.Status()
		return st.Recording != nil && st.Recording.FrameCount >= 2
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodPost, "/v1/recordings/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stopped := decodeBody[models.Recording](t, resp)
	assert.GreaterOrEqual(t, stopped.FrameCount, 2)

	list := decodeBody[[]models.Recording](t, f.do(t, http.MethodGet, "/v1/recordings", nil))
	require.Len(t, list, 1)
	assert.Equal(t, stopped.FrameCount, list[0].FrameCount)

	frames := decodeBody[[]models.Frame](t, f.do(t, http.MethodGet, "/v1/recordings/"+rec.ID+"/frames?from=1&to=2", nil))
	require.Len(t, frames, 2)
	assert.Equal(t, 1, frames[0].Index)
	assert.Equal(t, browsertest.PNG, frames[1].Image)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/recordings/"+rec.ID+"/frames?from=x", nil).StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/recordings/"+rec.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
	_, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/recordings/missing/archive", nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/recordings/"+rec.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/recordings/"+rec.ID, nil).StatusCode)
}

func (f *fixture) upload(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/gzip", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRecordingImport(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp := f.do(t, http.MethodPost, "/v1/recordings/start", models.StartRecordingRequest{Name: "moved"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decodeBody[models.Recording](t, resp)
	require.Eventually(t, func() bool {
		st := f.pilot.Status()
		return st.Recording != nil && st.Recording.FrameCount >= 2
	}, 2*time.Second, 10*time.Millisecond)
	resp = f.do(t, http.MethodPost, "/v1/recordings/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stopped := decodeBody[models.Recording](t, resp)

	resp = f.do(t, http.MethodGet, "/v1/recordings/"+rec.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	archive, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// the recording is still stored
	assert.Equal(t, http.StatusConflict, f.upload(t, "/v1/recordings/import", archive).StatusCode)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/recordings/"+rec.ID, nil).StatusCode)

	resp = f.upload(t, "/v1/recordings/import", archive)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	imported := decodeBody[models.Recording](t, resp)
	assert.Equal(t, rec.ID, imported.ID)
	assert.Equal(t, stopped.FrameCount, imported.FrameCount)

	frames := decodeBody[[]models.Frame](t, f.do(t, http.MethodGet, "/v1/recordings/"+rec.ID+"/frames", nil))
	assert.Len(t, frames, stopped.FrameCount)

	assert.Equal(t, http.StatusBadRequest, f.upload(t, "/v1/recordings/import", []byte("not an archive")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.upload(t, "/v1/recordings/import", nil).StatusCode)

	list := decodeBody[[]models.Recording](t, f.do(t, http.MethodGet, "/v1/recordings", nil))
	assert.Len(t, list, 1)
}

func TestSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	sessions := decodeBody[[]models.Session](t, f.do(t, http.MethodGet, "/v1/sessions", nil))
	require.Len(t, sessions, 1)
	assert.Equal(t, pilot.DefaultSessionID, sessions[0].ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/sessions/nope", nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/sessions/"+pilot.DefaultSessionID, nil).StatusCode)
	assert.False(t, f.pilot.Running())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.NewLimiter(1, 1))

	req := func() *http.Response {
		r, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/tasks/plan", strings.NewReader(`{"task":"scroll down"}`))
		require.NoError(t, err)
		r.Header.Set("X-Client-ID", "client-a")
		resp, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	first := req()
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Limit"))

	second := req()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "0", second.Header.Get("X-RateLimit-Remaining"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/chains", nil).StatusCode)
}

func TestCORSAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodOptions, "/v1/browser/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.False(t, f.pilot.Running(), "preflight does not start the browser")

	f.start(t)
	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "browser_pilot_sessions_active")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).StatusCode)
}
