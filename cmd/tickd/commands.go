package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/snehjoshi/tickq/internal/app"
	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/logging"
	"github.com/snehjoshi/tickq/internal/metrics"
	"github.com/snehjoshi/tickq/internal/store"
	transphttp "github.com/snehjoshi/tickq/internal/transport/http"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take on exit.
const shutdownTimeout = 5 * time.Second

func runDaemon(c *cli.Context) error {
	configPath := c.String("config")

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level := new(logging.LevelVar)
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Var: level})

	// ── 3. Open the diagnostics store ────────────────────────────────────────
	st, err := store.Open(cfg.Device.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if keep := c.Int("keep-boots"); keep > 0 {
		if n, err := st.PruneBoots(keep); err != nil {
			log.Warn().Err(err).Msg("prune boot records")
		} else if n > 0 {
			log.Debug().Int("removed", n).Msg("pruned boot records")
		}
	}

	log.Info().
		Str("device", cfg.Device.Name).
		Str("device_id", st.DeviceID()).
		Str("data_dir", cfg.Device.DataDir).
		Int("jobs", len(cfg.Jobs)).
		Msg("tickd starting")

	// ── 4. Build and start the scheduler ─────────────────────────────────────
	a, err := app.New(cfg, app.WithStore(st), app.WithLogger(log), app.WithLevelVar(level))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	// ── 5. Hot reload ────────────────────────────────────────────────────────
	watchDone := make(chan struct{})
	if _, err := os.Stat(configPath); err == nil {
		go func() {
			defer close(watchDone)
			err := config.Watch(ctx, configPath, config.WatchOptions{Log: logging.Component(log, "config")}, func(next *config.Config) {
				if _, err := a.Apply(next); err != nil {
					log.Error().Err(err).Msg("apply config")
				}
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	} else {
		close(watchDone)
	}

	// ── 6. Start HTTP diagnostics ────────────────────────────────────────────
	var (
		srv      *transphttp.Server
		serveErr = make(chan error, 1)
	)
	if cfg.HTTP.Enabled {
		var reg *metrics.Registry
		if cfg.Metrics.Enabled {
			reg = metrics.New(a)
		}
		srv = transphttp.New(a, cfg, reg, log)
		addr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))
		go func() {
			log.Info().Str("addr", addr).Msg("http listening")
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// ── 7. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}
	// Watch returns once ctx is done; no reload may reach a closed App.
	stop()
	<-watchDone
	if err := a.Close(); err != nil {
		log.Warn().Err(err).Msg("close")
	}
	log.Info().Msg("tickd stopped")
	return runErr
}

func checkConfig(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	out := c.App.Writer
	fmt.Fprintf(out, "%s: ok\n", path)
	for _, name := range []string{"us", "ms", "s"} {
		if b, _ := cfg.Base(name); b.Enabled {
			fmt.Fprintf(out, "base %-2s  interval=%s epoch=%s\n", name, b.Interval, b.Epoch)
		}
	}
	if len(cfg.Jobs) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tBASE\tKIND\tSCHEDULE")
	for _, j := range cfg.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, j.Base, j.Kind, schedule(j))
	}
	return tw.Flush()
}

func schedule(j config.JobConfig) string {
	switch j.Kind {
	case config.KindPeriodic:
		return fmt.Sprintf("every %d", j.Period)
	case config.KindAlarm:
		return j.Cron
	default:
		return fmt.Sprintf("after %d", j.Delay)
	}
}

func listBoots(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Device.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	boots, err := st.Boots(c.Int("limit"))
	if err != nil {
		return err
	}
	out := c.App.Writer
	if len(boots) == 0 {
		fmt.Fprintln(out, "tickd: no boots recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOOT\tSTARTED\tUPTIME\tCLEAN\tDISPATCHED\tDROPPED\tMISSED")
	for _, b := range boots {
		uptime := "-"
		if !b.StoppedAt.IsZero() {
			uptime = b.StoppedAt.Sub(b.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%d\n",
			b.ID, b.StartedAt.Format(time.RFC3339), uptime, b.Clean,
			b.Dispatched, b.Dropped, b.Missed)
	}
	return tw.Flush()
}
