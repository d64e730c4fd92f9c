// Package retention deletes messages past their configured age. A gronx
// cron schedule drives sweeps; the admin surface can force one. Sweeps
// delete message rows and latest pointers only — conversation metadata and
// participants survive so an old chat can resume.
package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"farmchat/pkg/config"
	"farmchat/pkg/logger"
	"farmchat/pkg/store"
)

// defaultCron runs daily at 02:00 when the config names no schedule.
const defaultCron = "0 2 * * *"

// minAgeFloor refuses configs that would purge messages younger than this
// unless retention.min_age lowers it explicitly.
const minAgeFloor = 24 * time.Hour

// ErrSweepRunning is returned when a sweep is requested while another one
// holds the lock.
var ErrSweepRunning = errors.New("retention: sweep already running")

// ErrDisabled is returned when a sweep is requested but no max_age is set.
var ErrDisabled = errors.New("retention: max_age not configured")

// Sweeper owns the schedule and the lock directory for retention runs.
type Sweeper struct {
	cfg config.RetentionConfig
	st  store.Store
	dir string
}

// New builds a sweeper writing its lock and run artifacts under dir
// (normally state/retention beneath the db path).
func New(cfg config.RetentionConfig, st store.Store, dir string) *Sweeper {
	return &Sweeper{cfg: cfg, st: st, dir: dir}
}

// Start launches the cron scheduler when retention is enabled. The
// returned cancel stops it; a disabled config returns a no-op cancel.
func (s *Sweeper) Start(ctx context.Context) (context.CancelFunc, error) {
	if !s.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("retention dir: %w", err)
	}
	cronExpr := s.cfg.Cron
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", s.cfg.Cron)
	}
	ctx, cancel := context.WithCancel(ctx)
	go s.schedule(ctx, cronExpr)
	logger.Info("retention_enabled", "cron", cronExpr,
		"max_age", s.cfg.MaxAge.Duration().String(), "dry_run", s.cfg.DryRun)
	return cancel, nil
}

// schedule sleeps until each next cron tick and runs a sweep. A failing
// run is logged and the schedule keeps going.
func (s *Sweeper) schedule(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("retention_next_tick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopped")
			return
		}
		if s.cfg.Paused {
			logger.Info("retention_run_skipped", "reason", "paused")
			continue
		}
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrSweepRunning) {
			logger.Error("retention_run_failed", "error", err)
		}
	}
}

// Run performs one sweep now. At most one sweep runs at a time, enforced
// by a lock file so a scheduled run and an admin trigger cannot overlap
// (nor two processes sharing the state dir).
func (s *Sweeper) Run(ctx context.Context) (store.PurgeStats, error) {
	maxAge := s.cfg.MaxAge.Duration()
	if maxAge <= 0 {
		return store.PurgeStats{}, ErrDisabled
	}
	floor := minAgeFloor
	if m := s.cfg.MinAge.Duration(); m > 0 {
		floor = m
	}
	if maxAge < floor {
		return store.PurgeStats{}, fmt.Errorf("retention: max_age %s below safety floor %s", maxAge, floor)
	}

	unlock, err := s.lock()
	if err != nil {
		return store.PurgeStats{}, err
	}
	defer unlock()

	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	sleep := time.Duration(s.cfg.BatchSleepMs) * time.Millisecond

	started := time.Now().UTC()
	stats, err := s.st.PurgeOlderThan(ctx, cutoff, batch, sleep, s.cfg.DryRun)
	if err != nil {
		return stats, err
	}
	logger.Info("retention_sweep_done", "scanned", stats.Scanned, "deleted", stats.Deleted,
		"conversations", stats.Conversations, "dry_run", s.cfg.DryRun,
		"took", time.Since(started).String())
	s.writeArtifact(started, cutoff, stats)
	return stats, nil
}

func (s *Sweeper) lock() (func(), error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}
	lockPath := filepath.Join(s.dir, "sweep.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrSweepRunning
		}
		return nil, err
	}
	fmt.Fprintf(f, "pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}

// writeArtifact records the last run so operators can see when retention
// actually fired. Best-effort.
func (s *Sweeper) writeArtifact(started time.Time, cutoff int64, stats store.PurgeStats) {
	rec := struct {
		Started string           `json:"started"`
		Cutoff  int64            `json:"cutoff"`
		DryRun  bool             `json:"dry_run"`
		Stats   store.PurgeStats `json:"stats"`
	}{started.Format(time.RFC3339), cutoff, s.cfg.DryRun, stats}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.dir, "last_run.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		logger.Warn("retention_artifact_write_failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Warn("retention_artifact_write_failed", "error", err)
	}
}
