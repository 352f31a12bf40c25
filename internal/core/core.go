package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifyrelay/internal/emergency"
	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	"notifyrelay/internal/recovery"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/router"
	"notifyrelay/internal/runtime/supervisor"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	_ emergency.Deliverer       = (*router.Router)(nil)
	_ emergency.HealthCheckable = (*router.Router)(nil)
	_ emergency.HealthCheckable = (*registry.Registry)(nil)
	_ emergency.HealthCheckable = (*recovery.Engine)(nil)
	_ emergency.Pinger          = (storage.Store)(nil)
	_ recovery.Connections      = (*registry.Registry)(nil)
	_ router.Channels           = (*registry.Registry)(nil)
)

// Transport is a realtime transport the core can drive end to end.
type Transport interface {
	transport.Emitter
	transport.Reconnector
	transport.Restarter
	HealthCheck(ctx context.Context) error
}

// Deps are the host-supplied collaborators. Every member is optional.
type Deps struct {
	Transport Transport
	Fallback  transport.FallbackNotifier
	Store     storage.Store
	Directory router.Directory
	Sessions  registry.SessionValidator
	// Probes are extra health probes (system resources, external units).
	Probes []emergency.Probe
	Clock  clock.Clock
	Bus    eventbus.Bus
}

// userObserver is implemented by directories that learn users at
// registration, such as router.UserDirectory.
type userObserver interface {
	Observe(user int64, role model.Role)
}

type Core struct {
	Registry  *registry.Registry
	Router    *router.Router
	Recovery  *recovery.Engine
	Emergency *emergency.Orchestrator

	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock
	cfg   Config

	mu       sync.Mutex
	deps     Deps
	sup      *supervisor.Supervisor
	cron     *cron.Cron
	started  bool
	stopping bool
}

// New builds the subsystems. Nothing runs until Start.
func New(cfg Config, deps Deps, log logx.Logger) (*Core, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := clock.OrReal(deps.Clock)
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	regOpts := []registry.Option{registry.WithClock(clk)}
	if deps.Transport != nil {
		regOpts = append(regOpts, registry.WithEmitter(deps.Transport))
	}
	if deps.Sessions != nil {
		regOpts = append(regOpts, registry.WithSessionValidator(deps.Sessions))
	}
	// Offline users must stay visible to broadcasts, so the router always
	// gets a directory that outlives connections.
	if deps.Directory == nil {
		deps.Directory = router.NewUserDirectory(nil)
	}
	if obs, ok := deps.Directory.(userObserver); ok {
		regOpts = append(regOpts, registry.WithUserObserver(obs.Observe))
	}
	reg := registry.New(cfg.Namespaces, log.With(logx.String("comp", "registry")), regOpts...)

	rtOpts := []router.Option{router.WithClock(clk), router.WithBus(bus), router.WithDirectory(deps.Directory)}
	rt := router.New(cfg.Router, reg, log.With(logx.String("comp", "router")), rtOpts...)

	recOpts := []recovery.Option{recovery.WithClock(clk), recovery.WithBus(bus)}
	if deps.Transport != nil {
		recOpts = append(recOpts, recovery.WithReconnector(deps.Transport))
	}
	eng := recovery.New(cfg.Recovery, reg, log.With(logx.String("comp", "recovery")), recOpts...)

	c := &Core{
		Registry: reg,
		Router:   rt,
		Recovery: eng,
		log:      log.With(logx.String("comp", "core")),
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		deps:     deps,
	}
	c.Emergency = emergency.New(cfg.Emergency, c.emergencyDeps(deps), log, emergency.WithClock(clk), emergency.WithBus(bus))
	eng.OnRecovery(c.onRecovery)
	return c, nil
}

func (c *Core) emergencyDeps(d Deps) emergency.Deps {
	ed := emergency.Deps{
		Delivery: c.Router,
		Fallback: d.Fallback,
		Store:    d.Store,
		Probes: []emergency.Probe{
			{Name: "registry", Check: c.Registry},
			{Name: "router", Check: c.Router},
			{Name: "recovery", Check: c.Recovery},
		},
	}
	if d.Transport != nil {
		ed.Transport = d.Transport
		ed.Probes = append(ed.Probes, emergency.Probe{Name: "transport", Check: d.Transport})
	}
	ed.Probes = append(ed.Probes, d.Probes...)
	return ed
}

// AttachTransport connects a transport built after the core (the websocket
// hub needs the registry to exist first).
func (c *Core) AttachTransport(t Transport) {
	c.mu.Lock()
	c.deps.Transport = t
	d := c.deps
	c.mu.Unlock()

	c.Registry.SetEmitter(t)
	c.Recovery.SetReconnector(t)
	c.Emergency.SetDeps(c.emergencyDeps(d))
}

// SetFallback replaces the out-of-band notifier.
func (c *Core) SetFallback(f transport.FallbackNotifier) {
	c.mu.Lock()
	c.deps.Fallback = f
	d := c.deps
	c.mu.Unlock()
	c.Emergency.SetDeps(c.emergencyDeps(d))
}

func (c *Core) Bus() eventbus.Bus { return c.bus }

// Start launches the background workers and maintenance sweeps.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("core already started")
	}

	if n, err := c.Emergency.LoadHistory(ctx); err != nil {
		c.log.Warn("emergency history not restored", logx.Err(err))
	} else if n > 0 {
		c.log.Info("emergency history restored", logx.Int("events", n))
	}

	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log))
	c.sup.GoRestart("recovery.run", c.Recovery.Run)
	c.sup.GoRestart("router.retry", c.retryLoop)

	sched, err := c.newSweeps()
	if err != nil {
		c.sup.Cancel()
		return err
	}
	c.cron = sched
	c.cron.Start()

	c.started = true
	c.log.Info("core started",
		logx.Duration("retry_interval", c.cfg.RetryInterval),
		logx.Int("namespaces", len(c.cfg.Namespaces)),
	)
	return nil
}

func (c *Core) retryLoop(ctx context.Context) error {
	t := c.clock.NewTicker(c.cfg.RetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := c.Router.RetryFailedDeliveries(ctx); n > 0 {
				c.log.Debug("retry pass", logx.Int("retried", n))
			}
		}
	}
}

// Stop cancels the workers and waits for them, bounded by ctx and
// StopTimeout. In-flight recovery actions are abandoned.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	sup, sched := c.sup, c.cron
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	var errs []error
	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("sweeps: %w", ctx.Err()))
		}
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workers: %w", err))
		}
	}

	c.mu.Lock()
	c.started, c.stopping = false, false
	c.mu.Unlock()
	c.log.Info("core stopped")
	return errors.Join(errs...)
}

// Workers returns the supervisor snapshot.
func (c *Core) Workers() supervisor.Snapshot {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		return supervisor.Snapshot{}
	}
	return sup.Snapshot()
}

// ReportFailure funnels a component failure into the emergency path.
func (c *Core) ReportFailure(ctx context.Context, component string, err error, affected ...int64) bool {
	return c.Emergency.DetectAndRecover(ctx, err, emergency.FailureContext{
		Component:     component,
		AffectedUsers: affected,
	})
}

// Send routes msg to user unless notifications are temporarily disabled.
// Emergency messages are never suppressed. While the fallback is forced on,
// a failed realtime delivery is also pushed to the fallback channel.
func (c *Core) Send(ctx context.Context, user int64, msg model.Message) bool {
	if msg.Category != model.CategoryEmergency && !c.Emergency.NotificationsEnabled() {
		c.log.Debug("notification suppressed", logx.Int64("user", user), logx.String("msg_id", msg.ID))
		return false
	}
	if c.Router.RouteToUser(ctx, user, msg) {
		return true
	}
	if !c.Emergency.FallbackActive() {
		return false
	}
	c.mu.Lock()
	fb := c.deps.Fallback
	c.mu.Unlock()
	if fb == nil {
		return false
	}
	err := fb.Fallback(ctx, transport.Alert{
		Title: msg.Event,
		Text:  string(msg.Data),
		Level: "info",
		Users: []int64{user},
		At:    c.clock.Now(),
	})
	if err != nil {
		c.log.Warn("fallback delivery failed", logx.Int64("user", user), logx.Err(err))
		return false
	}
	return true
}

func (c *Core) onRecovery(id model.ChannelID, ok bool, msg string) {
	if ok {
		c.log.Debug("channel recovered", logx.String("channel", string(id)), logx.String("msg", msg))
		return
	}
	c.log.Warn("channel recovery failed", logx.String("channel", string(id)), logx.String("msg", msg))
}

// Status is the operator snapshot served by the ops endpoint.
type Status struct {
	At        time.Time                 `json:"at"`
	Emergency emergency.Status          `json:"emergency"`
	Routing   router.Stats              `json:"routing"`
	Recovery  recovery.Statistics       `json:"recovery"`
	Registry  registry.NamespaceStats   `json:"registry"`
	Health    recovery.HealthReport     `json:"health"`
	Workers   supervisor.Snapshot       `json:"workers"`
	Rules     map[model.Category]string `json:"rules"`
}

func (c *Core) Status() Status {
	rules := map[model.Category]string{}
	for cat, r := range c.Router.Rules() {
		rules[cat] = string(r.Strategy)
	}
	return Status{
		At:        c.clock.Now(),
		Emergency: c.Emergency.Status(),
		Routing:   c.Router.Stats(),
		Recovery:  c.Recovery.Statistics(),
		Registry:  c.Registry.Stats(""),
		Health:    c.Recovery.HealthReport(0),
		Workers:   c.Workers(),
		Rules:     rules,
	}
}
