package store_test

import (
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/tickq/internal/store"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// ─── device identity ─────────────────────────────────────────────────────────

func TestOpen_DeviceIDPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	s1 := openStore(t, dir)
	id := s1.DeviceID()
	if _, err := ulid.ParseStrict(id); err != nil {
		t.Fatalf("device ID %q is not a ULID: %v", id, err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStore(t, dir)
	defer s2.Close()
	if s2.DeviceID() != id {
		t.Fatalf("device ID changed across restarts: %s != %s", s2.DeviceID(), id)
	}
}

func TestOpen_EmptyDir(t *testing.T) {
	if _, err := store.Open(""); err == nil {
		t.Fatal("expected error for empty data dir")
	}
}

// ─── boots ───────────────────────────────────────────────────────────────────

func TestBoots_CleanAndUncleanShutdown(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	first, prev, err := s.BeginBoot("bench")
	if err != nil {
		t.Fatalf("BeginBoot: %v", err)
	}
	if prev != nil {
		t.Fatalf("first boot must have no predecessor, got %+v", prev)
	}
	first.Dropped = 3
	first.Missed = 3
	if err := s.EndBoot(first); err != nil {
		t.Fatalf("EndBoot: %v", err)
	}

	// Second boot never ends: simulates a crash.
	second, prev, err := s.BeginBoot("bench")
	if err != nil {
		t.Fatalf("BeginBoot: %v", err)
	}
	if prev == nil || prev.ID != first.ID || !prev.Clean || prev.Dropped != 3 {
		t.Fatalf("predecessor of second boot: %+v", prev)
	}
	s.Close()

	s = openStore(t, dir)
	defer s.Close()
	_, prev, err = s.BeginBoot("bench")
	if err != nil {
		t.Fatalf("BeginBoot: %v", err)
	}
	if prev == nil || prev.ID != second.ID || prev.Clean {
		t.Fatalf("crashed boot must be reported unclean: %+v", prev)
	}

	boots, err := s.Boots(0)
	if err != nil {
		t.Fatalf("Boots: %v", err)
	}
	if len(boots) != 3 || boots[2].ID != first.ID || boots[1].ID != second.ID {
		t.Fatalf("Boots must be newest first, got %d records", len(boots))
	}
	if limited, _ := s.Boots(2); len(limited) != 2 {
		t.Fatalf("Boots(2) returned %d records", len(limited))
	}

	got, err := s.Boot(first.ID)
	if err != nil || got.StoppedAt.IsZero() {
		t.Fatalf("Boot(first): %+v, %v", got, err)
	}
}

func TestEndBoot_UnknownBoot(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	if err := s.EndBoot(store.Boot{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.Boot("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPruneBoots(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	var last store.Boot
	for i := 0; i < 5; i++ {
		b, _, err := s.BeginBoot("bench")
		if err != nil {
			t.Fatalf("BeginBoot: %v", err)
		}
		last = b
	}
	removed, err := s.PruneBoots(2)
	if err != nil || removed != 3 {
		t.Fatalf("PruneBoots: removed=%d err=%v", removed, err)
	}
	boots, _ := s.Boots(0)
	if len(boots) != 2 || boots[0].ID != last.ID {
		t.Fatalf("newest boots must survive pruning, got %d", len(boots))
	}
}

// ─── checkpoints ─────────────────────────────────────────────────────────────

func TestCheckpoints_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	err := s.SaveCheckpoints([]store.Checkpoint{
		{Job: "blink", Base: "ms", Kind: "periodic", Period: 500, Fires: 120, Overruns: 2, Armed: true},
		{Job: "hourly", Base: "s", Kind: "alarm", Fires: 4},
	})
	if err != nil {
		t.Fatalf("SaveCheckpoints: %v", err)
	}
	s.Close()

	s = openStore(t, dir)
	defer s.Close()

	cp, err := s.Checkpoint("blink")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.Period != 500 || cp.Fires != 120 || cp.Overruns != 2 || !cp.Armed || cp.SavedAt.IsZero() {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	all, err := s.Checkpoints()
	if err != nil || len(all) != 2 || all[0].Job != "blink" || all[1].Job != "hourly" {
		t.Fatalf("Checkpoints: %+v, %v", all, err)
	}

	if err := s.DeleteCheckpoint("blink"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := s.Checkpoint("blink"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestNewID_Monotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := store.NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if id <= prev {
			t.Fatalf("IDs not increasing: %s after %s", id, prev)
		}
		prev = id
	}
}
