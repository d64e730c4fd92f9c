// Package app wires the chat service together: storage, change-feed
// broker, ingest pipeline, websocket gateway, retention and the two HTTP
// listeners, with one place owning startup order and graceful teardown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"farmchat/internal/retention"
	"farmchat/pkg/banner"
	"farmchat/pkg/config"
	"farmchat/pkg/feed"
	"farmchat/pkg/gateway"
	"farmchat/pkg/httpx"
	"farmchat/pkg/ingest"
	"farmchat/pkg/logger"
	"farmchat/pkg/migrate"
	"farmchat/pkg/monitor"
	"farmchat/pkg/state"
	"farmchat/pkg/store"
	"farmchat/pkg/store/postgres"
	"farmchat/pkg/validation"
)

// shutdownGrace bounds the drain of in-flight requests and queued ops.
const shutdownGrace = 10 * time.Second

// App holds the wired components and their lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	cfg       *config.Config
	version   string
	commit    string
	buildDate string

	pebble  *store.Pebble // nil under the postgres driver
	broker  feed.Broker
	disp    *ingest.Dispatcher
	gw      *gateway.Gateway
	sweeper *retention.Sweeper

	restSrv httpx.Server
	rtSrv   *http.Server
}

// New validates the config and brings up everything that does not need a
// running context: logging, state dirs, the store and its schema
// migration. Call Run to start the pipeline and listeners.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	cfg := eff.Config
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	logger.InitWithLevel(cfg.Logging.Level)

	dbPath := eff.DBPath
	if dbPath == "" {
		dbPath = "./farmchat-data"
	}
	if err := state.EnsureStateDirs(dbPath); err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}
	if err := logger.AttachAuditFileSink(state.PathsVar().Audit); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}

	config.SetRuntime(config.DeriveRuntime(cfg))
	validation.SetMaxContentBytes(cfg.Chat.MaxContentBytes.Int64())

	a := &App{eff: eff, cfg: cfg, version: version, commit: commit, buildDate: buildDate}
	if err := a.openStore(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStore() error {
	switch a.cfg.Storage.Driver {
	case "", "pebble":
		db, err := store.OpenPebble(state.PathsVar().Store, a.cfg.Storage.Sync)
		if err != nil {
			return fmt.Errorf("open pebble at %s: %w", state.PathsVar().Store, err)
		}
		a.pebble = db
		store.SetDefault(db)
		if _, err := migrate.Run(context.Background(), db, a.version); err != nil {
			_ = store.Close()
			return fmt.Errorf("store migration: %w", err)
		}
	case "postgres":
		db, err := postgres.Open(a.cfg.Storage.Postgres.DSN, a.cfg.Storage.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		store.SetDefault(db)
	default:
		return fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
	return nil
}

func (a *App) openBroker() error {
	switch a.cfg.Feed.Driver {
	case "", "memory":
		a.broker = feed.NewMemory(a.cfg.Feed.Buffer)
	case "redis":
		b, err := feed.NewRedis(feed.RedisOptions{
			Addr:          a.cfg.Feed.Redis.Addr,
			Password:      a.cfg.Feed.Redis.Password,
			DB:            a.cfg.Feed.Redis.DB,
			ChannelPrefix: a.cfg.Feed.Redis.ChannelPrefix,
			Buffer:        a.cfg.Feed.Buffer,
		})
		if err != nil {
			return fmt.Errorf("connect redis feed: %w", err)
		}
		a.broker = b
	default:
		return fmt.Errorf("unknown feed driver %q", a.cfg.Feed.Driver)
	}
	return nil
}

// Run starts the pipeline and both listeners and blocks until ctx is
// cancelled or a listener fails, then tears everything down in reverse
// order.
func (a *App) Run(ctx context.Context) error {
	if err := a.openBroker(); err != nil {
		return err
	}

	a.disp = ingest.NewDispatcher(a.cfg.Ingest, a.broker)
	a.disp.Start()

	a.gw = gateway.New(a.broker, store.Default(), a.disp, gateway.Options{
		PingInterval:   a.cfg.Realtime.PingInterval.Duration(),
		WriteTimeout:   a.cfg.Realtime.WriteTimeout.Duration(),
		SendBuffer:     a.cfg.Realtime.SendBuffer,
		AllowedOrigins: a.cfg.Security.CORS.AllowedOrigins,
	})

	// storage pressure supervision only applies to the embedded driver
	var stopMonitor context.CancelFunc = func() {}
	var probe *monitor.Probe
	if a.pebble != nil && a.disp.Processor() != nil {
		probe = monitor.NewProbe(state.PathsVar().DB, 0)
		probe.Start()
		stopMonitor = monitor.StartStorage(ctx, a.disp.Processor(), probe, a.pebble, monitor.DefaultStorageConfig())
	}

	a.sweeper = retention.New(a.cfg.Retention, store.Default(), state.PathsVar().Retention)
	stopRetention, err := a.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	a.printBanner()

	errCh := make(chan error, 2)
	if err := a.startREST(errCh); err != nil {
		return err
	}
	a.startRealtime(errCh)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		if errors.Is(runErr, http.ErrServerClosed) {
			runErr = nil
		}
	}

	// teardown: stop intake first, drain the queue, then close the fanout
	// and storage under it
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if a.rtSrv != nil {
		_ = a.rtSrv.Shutdown(shCtx)
	}
	if a.restSrv != nil {
		_ = a.restSrv.Shutdown(shCtx)
	}
	stopRetention()
	a.disp.Stop(shCtx)
	stopMonitor()
	if probe != nil {
		probe.Stop()
	}
	if err := a.broker.Close(); err != nil {
		logger.Warn("broker_close_failed", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Warn("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
	return runErr
}

func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.eff, verStr)
}
