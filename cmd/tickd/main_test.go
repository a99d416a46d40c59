package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/tickq/internal/app"
	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/store"
	transphttp "github.com/snehjoshi/tickq/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newCLI(&out).Run(append([]string{"tickd"}, args...))
	return out.String(), err
}

// ─── check ───────────────────────────────────────────────────────────────────

func TestCheck_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
jobs:
  - name: blink
    base: ms
    kind: periodic
    period: 500
  - name: nightly
    base: s
    kind: alarm
    cron: "0 0 3 * * *"
`)
	out, err := runCLI(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{path + ": ok", "base ms", "blink", "every 500", "0 0 3 * * *"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestCheck_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
jobs:
  - name: blink
    base: ms
    kind: periodic
`)
	if _, err := runCLI(t, "check", "--config", path); err == nil {
		t.Fatal("expected error for periodic job without period")
	}
}

// ─── boots ───────────────────────────────────────────────────────────────────

func TestBoots_ListsRecords(t *testing.T) {
	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	clean, _, err := st.BeginBoot("bench")
	if err != nil {
		t.Fatalf("BeginBoot: %v", err)
	}
	clean.Dispatched = 42
	if err := st.EndBoot(clean); err != nil {
		t.Fatalf("EndBoot: %v", err)
	}
	crashed, _, err := st.BeginBoot("bench")
	if err != nil {
		t.Fatalf("BeginBoot: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := writeConfig(t, "device:\n  data_dir: "+dataDir+"\n")
	out, err := runCLI(t, "boots", "--config", path)
	if err != nil {
		t.Fatalf("boots: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header and 2 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], crashed.ID) || !strings.Contains(lines[1], "false") {
		t.Errorf("newest boot must come first and be unclean: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], clean.ID) || !strings.Contains(lines[2], "42") {
		t.Errorf("clean boot row: %q", lines[2])
	}

	out, err = runCLI(t, "boots", "--config", path, "--limit", "1")
	if err != nil {
		t.Fatalf("boots --limit: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(out), "\n")); n != 2 {
		t.Fatalf("--limit 1: want 2 lines, got %d:\n%s", n, out)
	}
}

func TestBoots_Empty(t *testing.T) {
	path := writeConfig(t, "device:\n  data_dir: "+t.TempDir()+"\n")
	out, err := runCLI(t, "boots", "--config", path)
	if err != nil {
		t.Fatalf("boots: %v", err)
	}
	if !strings.Contains(out, "no boots recorded") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// ─── remote ──────────────────────────────────────────────────────────────────

func newRemote(t *testing.T) (string, *app.App) {
	t.Helper()
	cfg := config.Default()
	cfg.Device.DataDir = t.TempDir()
	cfg.HTTP.RateLimit = 0
	cfg.Jobs = []config.JobConfig{
		{Name: "blink", Base: "ms", Kind: config.KindPeriodic, Period: 10},
		{Name: "nightly", Base: "s", Kind: config.KindAlarm, Cron: "@daily"},
	}
	a, err := app.New(cfg, app.WithManualClocks())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := httptest.NewServer(transphttp.New(a, cfg, nil, zerolog.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts.URL, a
}

func TestRemote_Jobs(t *testing.T) {
	addr, _ := newRemote(t)
	out, err := runCLI(t, "jobs", "--addr", addr)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header and 2 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "blink") || !strings.Contains(lines[1], "armed") {
		t.Errorf("blink row: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "nightly") || !strings.Contains(lines[2], "@daily") {
		t.Errorf("nightly row: %q", lines[2])
	}
}

func TestRemote_Control(t *testing.T) {
	addr, a := newRemote(t)

	if _, err := runCLI(t, "period", "--addr", addr, "blink", "40"); err != nil {
		t.Fatalf("period: %v", err)
	}
	if j, _ := a.Job("blink"); j.Period != 40 {
		t.Fatalf("period not applied: %+v", j)
	}

	out, err := runCLI(t, "stop", "--addr", addr, "blink")
	if err != nil || !strings.Contains(out, "blink: stopped") {
		t.Fatalf("stop: %q, %v", out, err)
	}
	out, err = runCLI(t, "start", "--addr", addr, "blink")
	if err != nil || !strings.Contains(out, "blink: armed") {
		t.Fatalf("start: %q, %v", out, err)
	}

	if _, err := runCLI(t, "period", "--addr", addr, "nightly", "5"); err == nil {
		t.Fatal("period on an alarm job must fail")
	}
	if _, err := runCLI(t, "stop", "--addr", addr); err == nil {
		t.Fatal("stop without a job name must fail")
	}
}
