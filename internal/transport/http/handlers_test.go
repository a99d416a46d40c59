package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/tickq/internal/app"
	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/metrics"
	"github.com/snehjoshi/tickq/internal/timebase"
	transphttp "github.com/snehjoshi/tickq/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type testEnv struct {
	app *app.App
	reg *metrics.Registry
	h   http.Handler
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Name = "bench"
	cfg.Device.DataDir = t.TempDir()
	cfg.HTTP.RateLimit = 0
	cfg.Metrics.Enabled = true
	cfg.Jobs = []config.JobConfig{
		{Name: "blink", Base: "ms", Kind: config.KindPeriodic, Period: 10},
		{Name: "once", Base: "ms", Kind: config.KindOneshot, Delay: 5},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	a, err := app.New(cfg, app.WithManualClocks())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg := metrics.New(a)
	srv := transphttp.New(a, cfg, reg, zerolog.Nop())
	return &testEnv{app: a, reg: reg, h: srv.Handler()}
}

func (e *testEnv) step(n int) {
	b, _ := e.app.System().Base(timebase.Milli)
	for i := 0; i < n; i++ {
		b.Counter().Step(1)
		for e.app.System().Dispatcher().Service() {
		}
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	e := newTestServer(t, testConfig(t))
	rr := doRequest(t, e.h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["device"] != "bench" {
		t.Errorf("health: %v", resp)
	}
	if resp["jobs"] != float64(2) || resp["bases"] != float64(2) {
		t.Errorf("health counts: %v", resp)
	}
}

// ─── State ────────────────────────────────────────────────────────────────────

func TestHTTP_TimebasesAndEvents(t *testing.T) {
	e := newTestServer(t, testConfig(t))
	e.step(12)

	rr := doRequest(t, e.h, "GET", "/api/timebases", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("timebases: want 200, got %d", rr.Code)
	}
	var bases []app.BaseInfo
	decodeResp(t, rr, &bases)
	if len(bases) != 2 || bases[0].Unit != "ms" || bases[0].Now != 12 || bases[0].Queued != 1 {
		t.Fatalf("timebases: %+v", bases)
	}
	if bases[0].Next == nil || *bases[0].Next != 20 {
		t.Fatalf("next due: %+v", bases[0].Next)
	}

	rr = doRequest(t, e.h, "GET", "/api/events", nil)
	var ev app.EventInfo
	decodeResp(t, rr, &ev)
	if ev.Cap != 16 || ev.Dispatched != 2 || ev.Dropped != 0 || ev.Len != 0 {
		t.Fatalf("events: %+v", ev)
	}

	rr = doRequest(t, e.h, "GET", "/api/snapshot", nil)
	var snap app.Snapshot
	decodeResp(t, rr, &snap)
	if snap.Device != "bench" || len(snap.Jobs) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func TestHTTP_ListAndGetJobs(t *testing.T) {
	e := newTestServer(t, testConfig(t))
	e.step(10)

	rr := doRequest(t, e.h, "GET", "/api/jobs", nil)
	var resp struct {
		Jobs []app.JobInfo `json:"jobs"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Jobs) != 2 || resp.Jobs[0].Name != "blink" || resp.Jobs[1].Name != "once" {
		t.Fatalf("jobs: %+v", resp.Jobs)
	}

	rr = doRequest(t, e.h, "GET", "/api/jobs/blink", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get job: want 200, got %d", rr.Code)
	}
	var j app.JobInfo
	decodeResp(t, rr, &j)
	if j.Fires != 1 || j.Expires != 20 || j.Period != 10 || !j.Armed {
		t.Fatalf("blink: %+v", j)
	}

	rr = doRequest(t, e.h, "GET", "/api/jobs/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing job: want 404, got %d", rr.Code)
	}
}

func TestHTTP_SetPeriod(t *testing.T) {
	e := newTestServer(t, testConfig(t))

	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"ok", "/api/jobs/blink/period", map[string]uint32{"period": 4}, http.StatusOK},
		{"zero", "/api/jobs/blink/period", map[string]uint32{"period": 0}, http.StatusBadRequest},
		{"too long", "/api/jobs/blink/period", map[string]uint32{"period": 1 << 31}, http.StatusBadRequest},
		{"oneshot", "/api/jobs/once/period", map[string]uint32{"period": 4}, http.StatusConflict},
		{"unknown", "/api/jobs/nope/period", map[string]uint32{"period": 4}, http.StatusNotFound},
		{"bad field", "/api/jobs/blink/period", map[string]any{"every": 4}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, e.h, "PUT", tc.path, tc.body)
			if rr.Code != tc.want {
				t.Fatalf("want %d, got %d, body: %s", tc.want, rr.Code, rr.Body)
			}
		})
	}

	// Takes effect on the rearm after the already armed expiry at 10.
	e.step(10)
	j, _ := e.app.Job("blink")
	if j.Period != 4 || j.Expires != 14 {
		t.Fatalf("after period change: %+v", j)
	}
}

func TestHTTP_StopStart(t *testing.T) {
	e := newTestServer(t, testConfig(t))

	rr := doRequest(t, e.h, "POST", "/api/jobs/blink/stop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: want 200, got %d", rr.Code)
	}
	var j app.JobInfo
	decodeResp(t, rr, &j)
	if j.Armed || !j.Stopped {
		t.Fatalf("stopped job: %+v", j)
	}

	e.step(20)
	if j, _ := e.app.Job("blink"); j.Fires != 0 {
		t.Fatalf("stopped job fired: %+v", j)
	}

	rr = doRequest(t, e.h, "POST", "/api/jobs/blink/start", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: want 200, got %d", rr.Code)
	}
	decodeResp(t, rr, &j)
	if !j.Armed || j.Stopped || j.Expires != 30 {
		t.Fatalf("started job: %+v", j)
	}

	rr = doRequest(t, e.h, "POST", "/api/jobs/blink/start", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second start: want 409, got %d", rr.Code)
	}

	rr = doRequest(t, e.h, "GET", "/api/jobs/blink/stop", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on stop: want 405, got %d", rr.Code)
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_APIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.APIKey = "s3cret"
	e := newTestServer(t, cfg)

	if rr := doRequest(t, e.h, "GET", "/api/events", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/api/events", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("with key: want 200, got %d", rr.Code)
	}

	if rr := doRequest(t, e.h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health must not need a key: got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.RateLimit = 0.001
	cfg.HTTP.Burst = 1
	e := newTestServer(t, cfg)

	if rr := doRequest(t, e.h, "GET", "/api/events", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: want 200, got %d", rr.Code)
	}
	if rr := doRequest(t, e.h, "GET", "/api/events", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: want 429, got %d", rr.Code)
	}
}

func TestHTTP_MetricsAndRequestCounters(t *testing.T) {
	e := newTestServer(t, testConfig(t))
	e.step(10)

	doRequest(t, e.h, "GET", "/api/jobs/blink", nil)
	doRequest(t, e.h, "GET", "/api/jobs/once", nil)

	got := testutil.ToFloat64(e.reg.HTTPRequests.WithLabelValues("GET", "/api/jobs/{name}", "200"))
	if got != 2 {
		t.Fatalf("requests for job route: want 2, got %v", got)
	}

	rr := doRequest(t, e.h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`tickq_job_fires_total{base="ms",job="blink",kind="periodic"} 1`,
		`tickq_events_dispatched_total 2`,
		`tickq_http_requests_total`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}
