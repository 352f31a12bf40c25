// Package app wires the relay host: configuration, logging, storage, the
// delivery core, its transports and the operator surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notifyrelay/internal/config"
	"notifyrelay/internal/core"
	"notifyrelay/internal/emergency"
	"notifyrelay/internal/observability/opsserver"
	"notifyrelay/internal/ops/sysprobe"
	"notifyrelay/internal/ops/systemd"
	"notifyrelay/internal/router"
	"notifyrelay/internal/runtime/supervisor"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport"
	"notifyrelay/internal/transport/flash"
	"notifyrelay/internal/transport/telegram"
	"notifyrelay/internal/transport/ws"
	logx "notifyrelay/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	core  *core.Core
	hub   *ws.Hub
	flash *flash.Store
	tg    *telegram.Notifier
	cmds  *telegram.Commands
	users *router.UserDirectory
	unit  *systemd.Unit
	probe *sysprobe.Probe

	public *opsserver.Server
	ops    *opsserver.Server

	sup *supervisor.Supervisor
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the telegram notifier, which needs a logger. Bootstrap
	// with alerts off, install the sender, then apply the final config.
	logCfg := mapLogging(cfg)
	boot := logCfg
	boot.Alert.Enabled = false
	logSvc, root := logx.New(boot, nil)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc}
	fail := func(err error) (*App, error) {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}

	var fallbacks transport.MultiFallback
	if cfg.Flash.Enabled {
		a.flash = flash.New(mapFlash(cfg), root, nil)
		fallbacks = append(fallbacks, a.flash)
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(mapTelegram(cfg), root.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err)
		}
		a.tg = tg
		fallbacks = append(fallbacks, tg)
		logSvc.SetAlertSender(tg)
	}
	logSvc.Apply(logCfg)

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(ctx, sc, root)
		if err != nil {
			return fail(err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var probes []emergency.Probe
	if cfg.Sysprobe.Enabled {
		a.probe = sysprobe.New(mapSysprobe(cfg))
		probes = append(probes, emergency.Probe{Name: "memory", Check: a.probe})
	}
	if cfg.Systemd.Enabled {
		unit, err := systemd.New(ctx, mapSystemd(cfg), root.With(logx.String("comp", "systemd")))
		switch {
		case errors.Is(err, systemd.ErrUnsupported):
			log.Warn("systemd integration unavailable on this platform", logx.Err(err))
		case err != nil:
			return fail(err)
		default:
			a.unit = unit
			probes = append(probes, emergency.Probe{Name: "gateway_unit", Check: unit})
		}
	}

	a.users = router.NewUserDirectory(mapUsers(cfg))
	deps := core.Deps{Store: a.store, Probes: probes, Directory: a.users}
	if len(fallbacks) > 0 {
		deps.Fallback = fallbacks
	}
	c, err := core.New(mapCore(cfg), deps, root)
	if err != nil {
		return fail(err)
	}
	a.core = c

	if cfg.WS.Enabled {
		a.hub = ws.New(mapWS(cfg), c.Registry, c.Router, root)
		var t core.Transport = a.hub
		if a.unit != nil {
			t = unitTransport{Hub: a.hub, unit: a.unit}
		}
		c.AttachTransport(t)

		mux := http.NewServeMux()
		mux.Handle(wsPath(cfg), a.hub)
		if a.flash != nil {
			mux.Handle("/flash", a.flash.Handler(a.hub.Identify))
		}
		a.public = opsserver.New(mapPublic(cfg), mux, root)
	} else {
		log.Warn("ws transport disabled; realtime delivery will fail over to fallbacks")
	}

	if cfg.Telegram.Commands.Enabled {
		cmds, err := telegram.NewCommands(mapCommands(cfg), c.Emergency, c.Recovery, root.With(logx.String("comp", "telegram.commands")))
		if err != nil {
			return fail(err)
		}
		a.cmds = cmds
	}

	if cfg.Ops.Enabled {
		h := opsserver.Handler(opsserver.Deps{
			Emergency: c.Emergency,
			Recovery:  c.Recovery,
			Status:    func() any { return a.Status(context.Background()) },
			Pprof:     cfg.Ops.Pprof,
		}, root.With(logx.String("comp", "ops")))
		a.ops = opsserver.New(mapOps(cfg), h, root)
	}
	return a, nil
}

func (a *App) Core() *core.Core { return a.core }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: a config the core would reject is never
	// committed.
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := mapCore(cfg).Validate(); err != nil {
			return fmt.Errorf("core: %w", err)
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.core.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.public != nil {
		a.public.Start(a.sup.Context())
	}
	if a.ops != nil {
		a.ops.Start(a.sup.Context())
	}
	if a.flash != nil {
		a.sup.GoRestart("flash.sweep", a.flashSweepLoop)
	}
	if a.cmds != nil {
		a.sup.GoRestart("telegram.commands", a.cmds.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	events, unsub := a.core.Bus().Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("ws", a.hub != nil),
		logx.Bool("flash", a.flash != nil),
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("commands", a.cmds != nil),
		logx.Bool("ops", a.ops != nil),
	)
	return nil
}

func (a *App) flashSweepLoop(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := a.flash.Sweep(); n > 0 {
				a.log.Debug("flashes expired", logx.Int("count", n))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// applyConfig applies the live-reloadable sections and warns about the
// ones that need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))
	if a.ops != nil {
		a.ops.Reconfigure(ctx, mapOps(next))
	}
	if a.cmds != nil {
		a.cmds.SetOwners(next.Telegram.Commands.OwnerIDs)
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// HostStatus extends the core snapshot with host components.
type HostStatus struct {
	core.Status
	WS     *ws.Stats           `json:"ws,omitempty"`
	Flash  *flash.Stats        `json:"flash,omitempty"`
	Memory *sysprobe.Sample    `json:"memory,omitempty"`
	App    supervisor.Snapshot `json:"app"`
	// KnownUsers counts broadcast recipients, online or not.
	KnownUsers int `json:"known_users"`
}

func (a *App) Status(ctx context.Context) HostStatus {
	st := HostStatus{Status: a.core.Status(), KnownUsers: a.users.Len()}
	if a.hub != nil {
		s := a.hub.Stats()
		st.WS = &s
	}
	if a.flash != nil {
		s := a.flash.Stats()
		st.Flash = &s
	}
	if a.probe != nil {
		if s, err := a.probe.Sample(ctx); err == nil {
			st.Memory = &s
		}
	}
	if a.sup != nil {
		st.App = a.sup.Snapshot()
	}
	return st
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})
	a.step(ctx, "public", 2*time.Second, func(c context.Context) error {
		if a.public != nil {
			a.public.Stop(c)
		}
		return nil
	})
	a.step(ctx, "ws", time.Second, func(context.Context) error {
		if a.hub != nil {
			return a.hub.Close()
		}
		return nil
	})
	a.step(ctx, "core", 10*time.Second, a.core.Stop)
	a.step(ctx, "resources", time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.unit != nil {
		if err := a.unit.Close(); err != nil {
			a.log.Warn("systemd connection close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// Respect the caller's deadline; never extend it.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
