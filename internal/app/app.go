// Package app wires the coordinator daemon: config with hot reload, logging,
// storage, the thermostat and stove clients, and the coordination engine on a
// cron cadence.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sirdoy/pannello-stufa-sub002/internal/audit"
	"github.com/sirdoy/pannello-stufa-sub002/internal/config"
	"github.com/sirdoy/pannello-stufa-sub002/internal/coordination"
	"github.com/sirdoy/pannello-stufa-sub002/internal/debounce"
	"github.com/sirdoy/pannello-stufa-sub002/internal/eventbus"
	"github.com/sirdoy/pannello-stufa-sub002/internal/netatmo"
	"github.com/sirdoy/pannello-stufa-sub002/internal/notify"
	"github.com/sirdoy/pannello-stufa-sub002/internal/ratelimit"
	"github.com/sirdoy/pannello-stufa-sub002/internal/storage"
	"github.com/sirdoy/pannello-stufa-sub002/internal/stove"
	"github.com/sirdoy/pannello-stufa-sub002/internal/throttle"
	logx "github.com/sirdoy/pannello-stufa-sub002/pkg/logx"
)

const defaultCadence = "@every 1m"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	stove    *stove.Client
	therm    *netatmo.Client
	timers   *debounce.Service
	telegram *notify.Telegram
	engine   *coordination.Engine
	bus      eventbus.Bus
	recorder *audit.Recorder

	cron *cron.Cron

	mu    sync.Mutex
	users []coordination.User
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	// Storage mapping
	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
	}

	// Stove client mapping
	stoveTimeout, err := config.ParseDurationOrDefault("stove.timeout", cfg.Stove.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	stoveCli, err := stove.NewClient(stove.Config{
		BaseURL: cfg.Stove.BaseURL,
		Token:   cfg.Stove.Token,
		Timeout: stoveTimeout,
	})
	if err != nil {
		return nil, err
	}

	// Rate limiter mapping: durable needs a store behind it.
	limiter, err := buildLimiter(cfg, store)
	if err != nil {
		return nil, err
	}

	// Thermostat client mapping
	thermTimeout, err := config.ParseDurationOrDefault("thermostat.timeout", cfg.Thermostat.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	therm, err := netatmo.NewClient(netatmo.Config{
		BaseURL:    cfg.Thermostat.BaseURL,
		Timeout:    thermTimeout,
		PacePerSec: cfg.Thermostat.PacePerSec,
	}, netatmo.StaticToken(cfg.Thermostat.Token), limiter,
		log.With(logx.String("comp", "netatmo")))
	if err != nil {
		return nil, err
	}

	// Debounce timers mapping
	onDelay, err := config.ParseDurationOrDefault("coordination.debounce_on", cfg.Coordination.DebounceOn, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	retryDelay, err := config.ParseDurationOrDefault("coordination.debounce_off_retry", cfg.Coordination.DebounceOffRetry, 30*time.Second)
	if err != nil {
		return nil, err
	}
	timers := debounce.New(debounce.Config{OnDelay: onDelay, RetryDelay: retryDelay},
		log.With(logx.String("comp", "debounce")))

	// Notification gate and transport mapping
	gate, err := buildGate(cfg, store, log)
	if err != nil {
		return nil, err
	}
	notifier, telegram, err := buildNotifier(cfg, log)
	if err != nil {
		return nil, err
	}

	settings, err := engineSettings(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	engine := coordination.NewEngine(store, therm, timers, gate, notifier, bus,
		settings, log.With(logx.String("comp", "engine")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		stove:    stoveCli,
		therm:    therm,
		timers:   timers,
		telegram: telegram,
		engine:   engine,
		bus:      bus,
	}
	if store != nil {
		a.recorder = audit.NewRecorder(store, bus, log.With(logx.String("comp", "audit")))
	}
	a.applyUsers(cfg)
	return a, nil
}

func buildLimiter(cfg *config.Config, store storage.Store) (ratelimit.Limiter, error) {
	burstWin, err := config.ParseDurationField("thermostat.rate_limit.burst_window", cfg.Thermostat.RateLimit.BurstWindow)
	if err != nil {
		return nil, err
	}
	rlCfg := ratelimit.Config{
		BurstLimit:  cfg.Thermostat.RateLimit.BurstLimit,
		BurstWindow: burstWin,
		HourlyLimit: cfg.Thermostat.RateLimit.HourlyLimit,
	}
	if cfg.Thermostat.RateLimit.Durable {
		if store == nil {
			return nil, fmt.Errorf("thermostat.rate_limit.durable requires storage")
		}
		return ratelimit.NewStore(store, rlCfg), nil
	}
	return ratelimit.NewMemory(rlCfg), nil
}

func buildGate(cfg *config.Config, store storage.Store, log logx.Logger) (throttle.Gate, error) {
	window, err := config.ParseDurationOrDefault("notify.throttle", cfg.Notify.Throttle, throttle.DefaultWindow)
	if err != nil {
		return nil, err
	}
	local := throttle.NewMemory(window)
	if cfg.Notify.Durable {
		if store == nil {
			return nil, fmt.Errorf("notify.durable requires storage")
		}
		return throttle.NewFallback(throttle.NewStore(store, window), local,
			log.With(logx.String("comp", "throttle"))), nil
	}
	return local, nil
}

// buildNotifier returns the transport plus the concrete telegram handle when
// one was configured (needed for per-user chat rebinding on reload).
func buildNotifier(cfg *config.Config, log logx.Logger) (notify.Notifier, *notify.Telegram, error) {
	if !cfg.Notify.Enabled {
		return nil, nil, nil
	}
	if cfg.Notify.Telegram != nil && strings.TrimSpace(cfg.Notify.Telegram.Token) != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:         cfg.Notify.Telegram.Token,
			DefaultChatID: cfg.Notify.Telegram.ChatID,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, nil, err
		}
		for _, u := range cfg.Users {
			tg.SetChat(u.ID, u.TelegramChatID)
		}
		return tg, tg, nil
	}
	return notify.LogNotifier{Log: log.With(logx.String("comp", "notify"))}, nil, nil
}

func engineSettings(cfg *config.Config) (coordination.Settings, error) {
	overrideExpiry, err := config.ParseDurationOrDefault("coordination.override_expiry", cfg.Coordination.OverrideExpiry, 8*time.Hour)
	if err != nil {
		return coordination.Settings{}, err
	}
	fallbackPause, err := config.ParseDurationOrDefault("coordination.fallback_pause", cfg.Coordination.FallbackPause, time.Hour)
	if err != nil {
		return coordination.Settings{}, err
	}
	return coordination.Settings{
		Enabled:        cfg.Coordination.Enabled,
		BoostDelta:     cfg.Coordination.BoostDelta,
		MaxSetpoint:    cfg.Coordination.MaxSetpoint,
		OverrideExpiry: overrideExpiry,
		FallbackPause:  fallbackPause,
	}, nil
}

func (a *App) applyUsers(cfg *config.Config) {
	users := make([]coordination.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, coordination.User{
			ID:      u.ID,
			HomeID:  u.HomeID,
			RoomIDs: u.RoomIDs,
			Enabled: u.Enabled,
		})
	}
	a.mu.Lock()
	a.users = users
	a.mu.Unlock()
}

func (a *App) currentUsers() []coordination.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.users
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cadence := strings.TrimSpace(a.cfgm.Get().Cadence)
	if cadence == "" {
		cadence = defaultCadence
	}
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cadence, a.runCycles); err != nil {
		return fmt.Errorf("cadence %q: %w", cadence, err)
	}
	a.cron.Start()

	a.sup.Go0("debounce.sweep", a.timers.Run)
	if a.recorder != nil {
		a.sup.Go0("audit.record", a.recorder.Run)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("coordinator started", logx.String("cadence", cadence))
	return nil
}

// applyReload pushes a committed config into the live services. The cadence,
// storage driver, debounce durations and transports are construction-time
// choices and need a restart; everything the engine consults per cycle is live.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	settings, err := engineSettings(cfg)
	if err != nil {
		// validateConfig ran before publish, so this is unreachable in practice.
		a.log.Warn("reload settings rejected", logx.Err(err))
		return
	}
	a.engine.Apply(settings)
	a.applyUsers(cfg)

	if a.telegram != nil {
		for _, u := range cfg.Users {
			a.telegram.SetChat(u.ID, u.TelegramChatID)
		}
	}

	a.log.Info("config reloaded",
		logx.Bool("coordination", cfg.Coordination.Enabled),
		logx.Int("users", len(cfg.Users)))
}

// runCycles is one cadence tick: poll the stove once, then run every user's
// coordination cycle against that observation.
func (a *App) runCycles() {
	if a.sup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.sup.Context(), 45*time.Second)
	defer cancel()

	status, err := a.stove.GetStatus(ctx)
	if err != nil {
		// Unknown stove state would be classified as "off" and could trigger a
		// spurious restore, so the whole tick is skipped instead.
		a.log.Warn("stove status unavailable; skipping tick", logx.Err(err))
		return
	}

	for _, user := range a.currentUsers() {
		res := a.engine.RunCycle(ctx, user, status.Text)
		a.log.Info("cycle",
			logx.String("user", user.ID),
			logx.String("kind", res.Kind.String()),
			logx.String("reason", res.Reason),
			logx.String("stove", status.Text))
	}
}

func validateConfig(cfg *config.Config) error {
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", storageBusy(cfg)},
		{"stove.timeout", cfg.Stove.Timeout},
		{"thermostat.timeout", cfg.Thermostat.Timeout},
		{"thermostat.rate_limit.burst_window", cfg.Thermostat.RateLimit.BurstWindow},
		{"coordination.override_expiry", cfg.Coordination.OverrideExpiry},
		{"coordination.debounce_on", cfg.Coordination.DebounceOn},
		{"coordination.debounce_off_retry", cfg.Coordination.DebounceOffRetry},
		{"coordination.fallback_pause", cfg.Coordination.FallbackPause},
		{"notify.throttle", cfg.Notify.Throttle},
	}
	for _, d := range durations {
		if _, err := config.ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if cfg.Coordination.BoostDelta < 0 {
		return fmt.Errorf("coordination.boost_delta must be >= 0")
	}
	if cfg.Coordination.MaxSetpoint < 0 {
		return fmt.Errorf("coordination.max_setpoint must be >= 0")
	}
	seen := map[string]struct{}{}
	for i, u := range cfg.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return fmt.Errorf("users[%d].id is empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("users[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func storageBusy(cfg *config.Config) string {
	if cfg.Storage == nil {
		return ""
	}
	return cfg.Storage.BusyTimeout
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding, then
	// stop the cadence and wait for any in-flight tick.
	a.sup.Cancel()

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			a.log.Warn("cadence jobs still running at shutdown deadline")
		}
	}

	err := a.sup.Wait(ctx)

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			a.log.Warn("storage close failed", logx.Err(cerr))
		}
	}
	_ = a.logs.Close()
	return err
}
