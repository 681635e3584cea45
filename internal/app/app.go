// Package app wires configuration, logging, storage, the publisher, the
// scheduler, and the control API into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postpilot/internal/api"
	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/publisher"
	"postpilot/internal/scheduler"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store storage.Store
	pub   publisher.Publisher
	sched *scheduler.Service
	api   *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("component", "config")))

	// Storage is opened once; a reload that changes it would silently split
	// state across backends, so such reloads are rejected.
	initialStorage := cfg.Storage
	mgr.SetValidator(func(_ context.Context, next *config.Config) error {
		if next.Storage != initialStorage {
			return errors.New("storage settings require a restart")
		}
		return nil
	})

	var store storage.Store
	st, err := storage.Open(storageConfig(cfg.Storage), log.With(logx.String("component", "storage")))
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Warn("storage disabled; automations will not survive restarts")
	case err != nil:
		_ = logSvc.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	default:
		store = st
	}

	var pub publisher.Publisher
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := publisher.NewTelegram(publisher.TelegramConfig{
			Token:      cfg.Telegram.Token,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, log.With(logx.String("component", "telegram")))
		if err != nil {
			// Runs defer themselves while the publisher is unusable; a bad
			// token should not keep the daemon from starting.
			log.Error("telegram publisher init failed; runs will be deferred", logx.Err(err))
		} else {
			pub = tg
		}
	} else {
		log.Warn("no telegram token configured; runs will be deferred")
	}

	bus := eventbus.New()
	sched := scheduler.New(schedulerConfig(cfg), runSettings(cfg), store, pub, bus,
		log.With(logx.String("component", "scheduler")))
	apiSrv := api.NewServer(api.Config{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		sched, store, bus, log.With(logx.String("component", "api")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		pub:    pub,
		sched:  sched,
		api:    apiSrv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.sched.Load(runCtx); err != nil {
		cancel()
		return fmt.Errorf("restoring automations: %w", err)
	}
	a.sched.Start(runCtx)
	a.api.Start()

	updates := a.cfgMgr.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.apply(cfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

// apply pushes a hot-reloaded config into the live services. Logging and
// posting settings take effect immediately; scheduler tick on the next pass.
func (a *App) apply(cfg *config.Config) {
	a.logSvc.Apply(logxConfig(cfg.Logging))
	a.sched.Apply(schedulerConfig(cfg), runSettings(cfg))
	a.log.Info("runtime settings applied")
}

func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.api.Stop(ctx)
	a.sched.Stop(ctx)
	a.wg.Wait()
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
}

func logxConfig(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func storageConfig(s config.StorageConfig) storage.Config {
	// Validate() already rejected malformed durations.
	busy, _ := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: busy}
}

func schedulerConfig(c *config.Config) scheduler.Config {
	tick, _ := config.ParseDurationOrDefault("scheduler.tick", c.Scheduler.Tick, 30*time.Second)
	grace, _ := config.ParseDurationOrDefault("scheduler.start_grace", c.Scheduler.StartGrace, 30*time.Second)
	debounce, _ := config.ParseDurationOrDefault("scheduler.debounce", c.Scheduler.Debounce, 5*time.Minute)
	return scheduler.Config{
		Enabled:    c.Scheduler.SchedulerEnabled(),
		Tick:       tick,
		QueueSize:  c.Scheduler.QueueSize,
		StartGrace: grace,
		Debounce:   debounce,
	}
}

func runSettings(c *config.Config) scheduler.RunSettings {
	return scheduler.RunSettings{
		MinDelay:   time.Duration(c.Posting.MinGroupDelay) * time.Second,
		MaxDelay:   time.Duration(c.Posting.MaxGroupDelay) * time.Second,
		RetryDelay: time.Duration(c.Posting.RetryDelayMinutes) * time.Minute,
		MaxRetries: c.Posting.MaxRetries,
		Detailed:   c.Posting.DetailedLogging,
	}
}
