package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period Watch waits after the last file event
// before reloading, so editors that write in several steps trigger one reload.
const DefaultDebounce = 250 * time.Millisecond

// WatchOptions tune Watch. The zero value is usable.
type WatchOptions struct {
	Debounce time.Duration
	Log      zerolog.Logger
}

// Watch reloads the config file at path whenever it changes and calls fn
// with each new config that loads and validates. Parse or validation
// failures are logged and the previous config stays in effect. Unchanged
// file contents are not republished.
//
// The parent directory is watched rather than the file itself so that
// editors replacing the file by rename are seen. Watch blocks until ctx is
// cancelled; once it returns fn is not running and will not be called again.
func Watch(ctx context.Context, path string, opts WatchOptions, fn func(*Config)) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Log
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
		last  []byte
	)
	if data, err := os.ReadFile(path); err == nil {
		last = data
	}

	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload: read failed")
			return
		}
		if bytes.Equal(data, last) {
			log.Debug().Str("path", path).Msg("config unchanged; skipping reload")
			return
		}
		cfg := Default()
		if err := Parse(data, cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload: parse failed")
			return
		}
		applyEnv(cfg)
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload: rejected")
			return
		}
		last = data
		log.Info().Str("path", path).Msg("config reloaded")
		fn(cfg)
	}

	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(opts.Debounce, reload)
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
