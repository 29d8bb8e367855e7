// Package app wires the relay together: config, logging, storage, the
// delivery client, the formatter registry, the HTTP server and the optional
// heartbeat and responder services.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/format"
	"tgrelay/internal/heartbeat"
	"tgrelay/internal/relay"
	"tgrelay/internal/responder"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/storage"
	"tgrelay/internal/telegram"
	"tgrelay/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	log    logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	client *telegram.Client
	server *relay.Server
	beats  *heartbeat.Service
	resp   *responder.Responder

	sup *supervisor.Supervisor
}

// New loads the config and builds the logger. Everything else is deferred
// to Start so Validate-only runs stay cheap.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{cfgMgr: mgr, log: log}, nil
}

// Validate builds everything that can fail at startup without binding a
// port or touching the network: the registry, the route table, heartbeat
// schedules and command templates.
func Validate(cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	log := logx.Nop()
	if _, err := storageConfig(cfg); err != nil {
		return err
	}
	if _, err := deliveryConfig(cfg); err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	if _, err := relay.BuildTable(cfg, relay.Deps{Registry: reg, Client: noopDeliverer{}, Log: log}); err != nil {
		return err
	}
	if _, err := heartbeat.New(cfg.Heartbeats, noopDeliverer{}, log); err != nil {
		return err
	}
	if len(cfg.Commands) > 0 {
		if err := responder.CheckCommands(cfg.Commands); err != nil {
			return err
		}
	}
	return nil
}

type noopDeliverer struct{}

func (noopDeliverer) Deliver(context.Context, telegram.Request) telegram.Outcome {
	return telegram.Outcome{Status: telegram.StatusSent}
}

// Start brings up all services. Errors here are fatal; after Start returns
// nil, config problems only log and keep the previous state.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	scfg, err := storageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(scfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	a.sup = supervisor.New(ctx, a.log.With(logx.String("comp", "supervisor")))

	a.bus = eventbus.New()
	if a.store != nil {
		a.sup.Go("stats.recorder", a.recordDeliveries)
	}

	tcfg, err := deliveryConfig(cfg)
	if err != nil {
		return err
	}
	a.client = telegram.New(tcfg, a.log.With(logx.String("comp", "telegram")))

	reg, err := buildRegistry(cfg, a.log.With(logx.String("comp", "format")))
	if err != nil {
		return err
	}

	table, err := relay.BuildTable(cfg, relay.Deps{
		Registry: reg,
		Client:   a.client,
		Bus:      a.bus,
		Store:    a.store,
		Log:      a.log.With(logx.String("comp", "relay")),
	})
	if err != nil {
		return err
	}

	a.server = relay.NewServer(cfg.Server.Host, cfg.Server.Port, a.log.With(logx.String("comp", "http")))
	a.server.Swap(table)
	if err := a.server.Start(); err != nil {
		return err
	}

	if len(cfg.Heartbeats) > 0 {
		a.beats, err = heartbeat.New(cfg.Heartbeats, a.client, a.log.With(logx.String("comp", "heartbeat")))
		if err != nil {
			return err
		}
		a.beats.Start()
	}

	if (len(cfg.Commands) > 0 || len(cfg.Callbacks) > 0) && cfg.Bot.Token != "" && !cfg.Bot.TestMode {
		a.resp, err = responder.New(cfg.Bot.Token, cfg.Commands, cfg.Callbacks, a.log.With(logx.String("comp", "responder")))
		if err != nil {
			return err
		}
	}

	if a.resp != nil {
		// Long-poll loops can exit on transient Telegram errors; self-heal.
		a.sup.GoRestart("responder.poll", a.resp.Start, 500*time.Millisecond, 10*time.Second)
	}
	a.sup.Go("config.watch", func(c context.Context) {
		if err := a.cfgMgr.Watch(c); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	})
	reloads := a.cfgMgr.Subscribe(1)
	a.sup.Go("config.reload", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg := <-reloads:
				a.applyReload(cfg)
			}
		}
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("relay started",
		logx.String("addr", a.server.Addr()),
		logx.Int("endpoints", len(cfg.Endpoints)),
		logx.Bool("test_mode", cfg.Bot.TestMode))
	return nil
}

// applyReload rebuilds the formatter registry and route table from a
// freshly validated config and swaps them in. A rebuild failure keeps the
// running table.
func (a *App) applyReload(cfg *config.Config) {
	reg, err := buildRegistry(cfg, a.log.With(logx.String("comp", "format")))
	if err != nil {
		a.log.Error("reload: registry rebuild failed, keeping current routes", logx.Err(err))
		return
	}
	table, err := relay.BuildTable(cfg, relay.Deps{
		Registry: reg,
		Client:   a.client,
		Bus:      a.bus,
		Store:    a.store,
		Log:      a.log.With(logx.String("comp", "relay")),
	})
	if err != nil {
		a.log.Error("reload: route rebuild failed, keeping current routes", logx.Err(err))
		return
	}
	a.server.Swap(table)
	a.log.Info("routes reloaded", logx.Int("endpoints", len(cfg.Endpoints)))
}

// recordDeliveries drains the event bus into the stats store.
func (a *App) recordDeliveries(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			de, ok := ev.Data.(eventbus.DeliveryEvent)
			if !ok {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := a.store.RecordDelivery(rctx, de.Path, ev.Type == eventbus.TypeDeliverySent, de.Reason)
			cancel()
			if err != nil {
				a.log.Warn("stats record failed", logx.String("path", de.Path), logx.Err(err))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.beats != nil {
		a.beats.Stop()
	}
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			a.log.Warn("http shutdown error", logx.Err(err))
		}
	}
	if a.sup != nil {
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("shutdown timed out waiting for goroutines", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close error", logx.Err(err))
		}
	}
	a.log.Info("relay stopped")
	return nil
}

// buildRegistry assembles the formatter registry in registration order:
// built-ins first, then inline config templates, then the template
// directory. Later registrations shadow earlier ones.
func buildRegistry(cfg *config.Config, log logx.Logger) (*format.Registry, error) {
	reg := format.NewRegistry(log)
	format.RegisterBuiltins(reg)
	format.RegisterTemplates(reg, cfg.Templates, log)
	if cfg.TemplatesDir != "" {
		if err := format.DiscoverTemplates(reg, cfg.TemplatesDir, log); err != nil {
			return nil, fmt.Errorf("templates_dir %s: %w", cfg.TemplatesDir, err)
		}
	}
	return reg, nil
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func deliveryConfig(cfg *config.Config) (telegram.Config, error) {
	out := telegram.Config{
		Token:      cfg.Bot.Token,
		BaseURL:    cfg.Bot.APIURL,
		TestMode:   cfg.Bot.TestMode,
		Retries:    cfg.Delivery.RetryMax,
		RatePerSec: cfg.Delivery.RatePerSec,
	}
	var err error
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.retry_base", cfg.Delivery.RetryBase, &out.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, &out.RetryMaxDelay},
		{"delivery.retry_after_fallback", cfg.Delivery.RetryAfterFallback, &out.RetryAfterFallback},
		{"delivery.timeout", cfg.Delivery.Timeout, &out.Timeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return telegram.Config{}, err
		}
	}
	return out, nil
}
