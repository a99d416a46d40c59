// Package store persists tickq diagnostics across restarts in a single bbolt
// file: the device identity, one record per boot, and a checkpoint of every
// named job's counters.
//
// Boot records are keyed by ULID so a cursor walks them in start order. A
// boot that never reached EndBoot (crash, power loss) keeps Clean=false,
// which is how an unclean shutdown is detected on the next start.
package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

// FileName is the database file inside the data directory.
const FileName = "tickq.db"

// ErrNotFound is returned when a boot record or checkpoint does not exist.
var ErrNotFound = errors.New("store: not found")

var (
	bucketMeta  = []byte("meta")
	bucketBoots = []byte("boots")
	bucketJobs  = []byte("jobs")

	keyDeviceID = []byte("device_id")
)

// Boot is one run of the daemon.
type Boot struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Clean     bool      `json:"clean"`

	// Dispatcher and scheduler totals at shutdown.
	Posted     uint64 `json:"posted"`
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Missed     uint64 `json:"missed"`
	HighWater  int    `json:"high_water"`
}

// Checkpoint is the persisted state of one named job.
type Checkpoint struct {
	Job      string `json:"job"`
	Base     string `json:"base"`
	Kind     string `json:"kind"`
	Period   uint32 `json:"period,omitempty"`
	Fires    uint64 `json:"fires"`
	Overruns uint64 `json:"overruns"`
	Armed    bool   `json:"armed"`

	// Stopped is set when an operator stopped the job; it stays stopped
	// across restarts until started again.
	Stopped bool      `json:"stopped,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// Store is a bbolt-backed diagnostics database.
type Store struct {
	db       *bbolt.DB
	deviceID string
}

// Open opens (or creates) dir/tickq.db and loads or generates the device ID.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: data dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	path := filepath.Join(dir, FileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketBoots, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if id := meta.Get(keyDeviceID); id != nil {
			s.deviceID = string(id)
			return nil
		}
		id, err := NewID()
		if err != nil {
			return err
		}
		s.deviceID = id
		return meta.Put(keyDeviceID, []byte(id))
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init: %w", err)
	}
	return s, nil
}

// DeviceID returns the persistent ULID of this data directory.
func (s *Store) DeviceID() string { return s.deviceID }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ─── boots ────────────────────────────────────────────────────────────────────

// BeginBoot records the start of a run and returns it. The previous boot, if
// any, is returned as well so callers can report an unclean shutdown.
func (s *Store) BeginBoot(device string) (Boot, *Boot, error) {
	id, err := NewID()
	if err != nil {
		return Boot{}, nil, fmt.Errorf("store: boot id: %w", err)
	}
	b := Boot{ID: id, Device: device, StartedAt: time.Now().UTC()}

	var prev *Boot
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBoots)
		if k, v := bk.Cursor().Last(); k != nil {
			var p Boot
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode boot %s: %w", k, err)
			}
			prev = &p
		}
		return putJSON(bk, []byte(b.ID), b)
	})
	if err != nil {
		return Boot{}, nil, fmt.Errorf("store: begin boot: %w", err)
	}
	return b, prev, nil
}

// EndBoot marks b as cleanly stopped and stores its final counters.
func (s *Store) EndBoot(b Boot) error {
	b.StoppedAt = time.Now().UTC()
	b.Clean = true
	return s.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBoots)
		if bk.Get([]byte(b.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(bk, []byte(b.ID), b)
	})
}

// Boot returns the boot record with the given ID.
func (s *Store) Boot(id string) (Boot, error) {
	var b Boot
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBoots).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &b)
	})
	return b, err
}

// Boots returns up to limit boot records, newest first. limit <= 0 returns
// all of them.
func (s *Store) Boots(limit int) ([]Boot, error) {
	var out []Boot
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBoots).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var b Boot
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decode boot %s: %w", k, err)
			}
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

// PruneBoots keeps the newest keep boot records and deletes the rest.
func (s *Store) PruneBoots(keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBoots)
		n := bk.Stats().KeyN
		if n <= keep {
			return nil
		}
		var stale [][]byte
		c := bk.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < n-keep; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// ─── checkpoints ──────────────────────────────────────────────────────────────

// SaveCheckpoints writes every checkpoint in one transaction.
func (s *Store) SaveCheckpoints(cps []Checkpoint) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketJobs)
		for _, cp := range cps {
			cp.SavedAt = now
			if err := putJSON(bk, []byte(cp.Job), cp); err != nil {
				return fmt.Errorf("store: checkpoint %s: %w", cp.Job, err)
			}
		}
		return nil
	})
}

// Checkpoint returns the stored state of the named job.
func (s *Store) Checkpoint(job string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketJobs).Get([]byte(job))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &cp)
	})
	return cp, err
}

// Checkpoints returns every stored checkpoint ordered by job name.
func (s *Store) Checkpoints() ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return fmt.Errorf("decode checkpoint %s: %w", k, err)
			}
			out = append(out, cp)
			return nil
		})
	})
	return out, err
}

// DeleteCheckpoint removes the named job's checkpoint. Missing entries are
// not an error.
func (s *Store) DeleteCheckpoint(job string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(job))
	})
}

func putJSON(bk *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bk.Put(key, data)
}

// ─── IDs ──────────────────────────────────────────────────────────────────────

// monoEntropy is shared by every NewID call so IDs generated within the same
// millisecond still sort in creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh time-ordered ULID string.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
