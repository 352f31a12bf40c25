package recovery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/transport"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

// Connections is the registry surface the engine polls and mutates.
type Connections interface {
	Connection(id model.ChannelID) (registry.Connection, bool)
	Connections() []registry.Connection
	SetConnected(id model.ChannelID, connected bool) bool
	ResetHealth(id model.ChannelID)
}

// Engine monitors connection health and runs strategy-based recovery.
// Safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus
	conns Connections
	recon transport.Reconnector
	cfg   Config

	queue     actionQueue
	pending   map[model.ChannelID]*queued
	failed    map[model.ChannelID]bool
	suspended map[model.ChannelID]string
	attempts  map[model.ChannelID]int
	lastTry   map[model.ChannelID]time.Time
	seq       uint64

	callbacks []Callback

	triggered     uint64
	tries         uint64
	successes     uint64
	failures      uint64
	abandoned     uint64
	suspensions   uint64
	recoveries    uint64
	recoveryTotal time.Duration
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option                 { return func(e *Engine) { e.clock = clock.OrReal(c) } }
func WithBus(b eventbus.Bus) Option                  { return func(e *Engine) { e.bus = b } }
func WithReconnector(r transport.Reconnector) Option { return func(e *Engine) { e.recon = r } }

func New(cfg Config, conns Connections, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:       log,
		clock:     clock.Real(),
		bus:       eventbus.Nop(),
		conns:     conns,
		cfg:       cfg.withDefaults(),
		pending:   map[model.ChannelID]*queued{},
		failed:    map[model.ChannelID]bool{},
		suspended: map[model.ChannelID]string{},
		attempts:  map[model.ChannelID]int{},
		lastTry:   map[model.ChannelID]time.Time{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.bus == nil {
		e.bus = eventbus.Nop()
	}
	return e
}

// SetReconnector installs the transport reconnect hook after construction.
func (e *Engine) SetReconnector(r transport.Reconnector) {
	e.mu.Lock()
	e.recon = r
	e.mu.Unlock()
}

// OnRecovery registers a callback fired after every recovery attempt and on
// suspension. Callbacks run outside the engine lock.
func (e *Engine) OnRecovery(cb Callback) {
	if cb == nil {
		return
	}
	e.mu.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.mu.Unlock()
}

// CheckHealth derives the health of one connection.
func (e *Engine) CheckHealth(id model.ChannelID) (ConnectionHealth, bool) {
	c, ok := e.conns.Connection(id)
	if !ok {
		return ConnectionHealth{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthLocked(c), true
}

func (e *Engine) healthLocked(c registry.Connection) ConnectionHealth {
	h := ConnectionHealth{
		ChannelID:           c.ID,
		UserID:              c.UserID,
		Namespace:           c.Namespace,
		Latency:             c.Latency,
		ErrorRate:           c.ErrorRate,
		FailureCount:        c.FailureCount,
		RecoveryAttempts:    e.attempts[c.ID],
		LastRecoveryAttempt: e.lastTry[c.ID],
		LastActivity:        c.LastActivity,
	}
	_, queued := e.pending[c.ID]
	reason, suspended := e.suspended[c.ID]
	switch {
	case suspended:
		h.State = StateSuspended
		h.SuspendReason = reason
	case e.failed[c.ID]:
		h.State = StateFailed
	case c.Connected:
		h.State = StateConnected
	case queued:
		h.State = StateReconnecting
	default:
		h.State = StateDisconnected
	}
	return h
}

// classify picks the recovery strategy for the first tripped threshold, in
// priority order. ok is false when the connection is healthy.
func (e *Engine) classify(c registry.Connection, now time.Time) (Strategy, string, bool) {
	th := e.cfg.Thresholds
	switch {
	case c.FailureCount >= th.FailureCount:
		return StrategyCircuit, fmt.Sprintf("failure count %d", c.FailureCount), true
	case c.ErrorRate > th.ErrorRate:
		return StrategyExponential, fmt.Sprintf("error rate %.2f", c.ErrorRate), true
	case c.Latency > th.Latency:
		return StrategyLinear, fmt.Sprintf("latency %s", c.Latency), true
	case now.Sub(c.LastActivity) > th.Inactivity:
		return StrategyImmediate, fmt.Sprintf("inactive for %s", now.Sub(c.LastActivity).Truncate(time.Second)), true
	}
	return "", "", false
}

// CheckAll evaluates every live connection against the thresholds and
// triggers recovery where one tripped. It returns the number of recoveries
// scheduled.
func (e *Engine) CheckAll(ctx context.Context) int {
	now := e.clock.Now()
	scheduled := 0
	for _, c := range e.conns.Connections() {
		if ctx.Err() != nil {
			break
		}
		if !c.Connected {
			continue
		}
		strategy, why, tripped := e.classify(c, now)
		if !tripped {
			continue
		}
		if strategy == StrategyCircuit {
			e.mu.Lock()
			if _, suspended := e.suspended[c.ID]; !suspended {
				e.failed[c.ID] = true
			}
			e.mu.Unlock()
		}
		if e.TriggerRecovery(c.ID, strategy) {
			scheduled++
			e.log.Info("recovery scheduled",
				logx.String("channel", string(c.ID)),
				logx.Int64("user_id", c.UserID),
				logx.String("strategy", string(strategy)),
				logx.String("reason", why),
			)
		}
	}
	return scheduled
}

// TriggerRecovery queues a recovery action for a connection. It is a no-op
// (false) if one is already queued, the connection is suspended or unknown.
func (e *Engine) TriggerRecovery(id model.ChannelID, strategy Strategy) bool {
	if _, ok := e.conns.Connection(id); !ok {
		return false
	}
	b := backoffFor(strategy)
	if _, known := backoffs[strategy]; !known {
		strategy = StrategyImmediate
	}
	now := e.clock.Now()

	e.mu.Lock()
	if _, ok := e.pending[id]; ok {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.suspended[id]; ok {
		e.mu.Unlock()
		return false
	}
	e.seq++
	it := &queued{
		RecoveryAction: RecoveryAction{
			ID:          uuid.NewString(),
			ChannelID:   id,
			Strategy:    strategy,
			MaxAttempts: b.maxAttempts(),
			ScheduledAt: now,
			CreatedAt:   now,
		},
		seq: e.seq,
	}
	heap.Push(&e.queue, it)
	e.pending[id] = it
	e.triggered++
	action := it.RecoveryAction
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Type: eventbus.RecoveryScheduled, Time: now, Data: action})
	return true
}

// Pending returns a copy of the queued action for a connection.
func (e *Engine) Pending(id model.ChannelID) (RecoveryAction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.pending[id]
	if !ok {
		return RecoveryAction{}, false
	}
	return it.RecoveryAction, true
}

// ProcessQueue runs every due action in scheduled order. It returns the
// number of attempts executed.
func (e *Engine) ProcessQueue(ctx context.Context) int {
	now := e.clock.Now()
	e.mu.Lock()
	var due []*queued
	for {
		it := e.queue.peek()
		if it == nil || it.ScheduledAt.After(now) {
			break
		}
		heap.Pop(&e.queue)
		due = append(due, it)
	}
	e.mu.Unlock()

	for _, it := range due {
		if ctx.Err() != nil {
			// Abandoned, not rolled back.
			e.mu.Lock()
			delete(e.pending, it.ChannelID)
			e.abandoned++
			e.mu.Unlock()
			continue
		}
		e.execute(ctx, it)
	}
	return len(due)
}

func (e *Engine) execute(ctx context.Context, it *queued) {
	id := it.ChannelID
	now := e.clock.Now()

	e.mu.Lock()
	// Suspended or superseded while waiting.
	if e.pending[id] != it {
		e.mu.Unlock()
		return
	}
	it.Attempt++
	e.tries++
	e.attempts[id]++
	e.lastTry[id] = now
	recon := e.recon
	e.mu.Unlock()

	if _, ok := e.conns.Connection(id); !ok {
		e.mu.Lock()
		delete(e.pending, id)
		delete(e.failed, id)
		e.abandoned++
		e.mu.Unlock()
		return
	}

	err := e.reconnect(ctx, recon, id)
	b := backoffFor(it.Strategy)

	if err == nil {
		msg := "reconnected"
		if recon == nil {
			msg = "marked disconnected"
		} else {
			e.conns.ResetHealth(id)
		}
		e.mu.Lock()
		delete(e.pending, id)
		delete(e.failed, id)
		e.successes++
		e.recoveries++
		e.recoveryTotal += e.clock.Now().Sub(it.CreatedAt)
		it.Success = true
		e.mu.Unlock()
		e.finish(it, true, msg)
		return
	}

	e.mu.Lock()
	it.Error = err.Error()
	e.failures++
	if e.pending[id] != it {
		// Suspended while the attempt was running.
		e.mu.Unlock()
		e.finish(it, false, err.Error())
		return
	}
	if it.Attempt < it.MaxAttempts {
		it.ScheduledAt = now.Add(b.delay(it.Attempt))
		e.seq++
		it.seq = e.seq
		heap.Push(&e.queue, it)
		e.mu.Unlock()
		e.finish(it, false, fmt.Sprintf("attempt %d/%d failed: %v", it.Attempt, it.MaxAttempts, err))
		return
	}
	delete(e.pending, id)
	e.abandoned++
	e.mu.Unlock()

	msg := fmt.Sprintf("recovery abandoned after %d attempts: %v", it.Attempt, err)
	e.log.Warn("recovery exhausted",
		logx.String("channel", string(id)),
		logx.String("strategy", string(it.Strategy)),
		logx.Int("attempts", it.Attempt),
		logx.Err(err),
	)
	e.finish(it, false, msg)
	if b.suspendOnExhaustion() {
		e.Suspend(id, "circuit breaker open after "+fmt.Sprint(it.Attempt)+" failed attempts")
	}
}

var errNoConnection = errors.New("connection not registered")

func (e *Engine) reconnect(ctx context.Context, recon transport.Reconnector, id model.ChannelID) error {
	if recon == nil {
		if !e.conns.SetConnected(id, false) {
			return errNoConnection
		}
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ReconnectTimeout)
	defer cancel()
	return recon.Reconnect(cctx, id)
}

func (e *Engine) finish(it *queued, ok bool, msg string) {
	now := e.clock.Now()
	e.bus.Publish(eventbus.Event{Type: eventbus.RecoveryResult, Time: now, Data: ResultEvent{
		ChannelID: it.ChannelID,
		Strategy:  it.Strategy,
		Attempt:   it.Attempt,
		Success:   ok,
		Message:   msg,
		At:        now,
	}})
	e.notify(it.ChannelID, ok, msg)
}

func (e *Engine) notify(id model.ChannelID, ok bool, msg string) {
	e.mu.Lock()
	cbs := append([]Callback(nil), e.callbacks...)
	e.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("recovery callback panicked", logx.Any("panic", r))
				}
			}()
			cb(id, ok, msg)
		}()
	}
}

// Suspend removes a connection from automatic recovery. Any queued action
// is dropped. It returns false if the connection is unknown or already
// suspended.
func (e *Engine) Suspend(id model.ChannelID, reason string) bool {
	if _, ok := e.conns.Connection(id); !ok {
		return false
	}
	e.mu.Lock()
	if _, ok := e.suspended[id]; ok {
		e.mu.Unlock()
		return false
	}
	e.suspended[id] = reason
	if it, ok := e.pending[id]; ok {
		if it.index >= 0 {
			heap.Remove(&e.queue, it.index)
		}
		delete(e.pending, id)
	}
	e.suspensions++
	e.mu.Unlock()

	e.log.Warn("connection suspended", logx.String("channel", string(id)), logx.String("reason", reason))
	e.bus.Publish(eventbus.Event{Type: eventbus.RecoverySuspended, Time: e.clock.Now(), Data: map[string]string{
		"channel": string(id), "reason": reason,
	}})
	e.notify(id, false, "suspended: "+reason)
	return true
}

// Resume lifts a suspension and schedules an immediate recovery.
func (e *Engine) Resume(id model.ChannelID) bool {
	e.mu.Lock()
	if _, ok := e.suspended[id]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.suspended, id)
	delete(e.failed, id)
	e.mu.Unlock()

	e.log.Info("connection resumed", logx.String("channel", string(id)))
	e.bus.Publish(eventbus.Event{Type: eventbus.RecoveryResumed, Time: e.clock.Now(), Data: map[string]string{"channel": string(id)}})
	e.TriggerRecovery(id, StrategyImmediate)
	return true
}

// Statistics returns counters and the current state distribution.
func (e *Engine) Statistics() Statistics {
	conns := e.conns.Connections()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statisticsLocked(conns)
}

func (e *Engine) statisticsLocked(conns []registry.Connection) Statistics {
	st := Statistics{
		Connections: len(conns),
		ByState:     map[State]int{},
		Queued:      len(e.pending),
		Triggered:   e.triggered,
		Attempts:    e.tries,
		Successes:   e.successes,
		Failures:    e.failures,
		Abandoned:   e.abandoned,
		Suspensions: e.suspensions,
	}
	for _, c := range conns {
		st.ByState[e.healthLocked(c).State]++
	}
	if e.recoveries > 0 {
		st.AverageRecoveryTime = e.recoveryTotal / time.Duration(e.recoveries)
	}
	return st
}

// HealthReport lists the top n unhealthy and critical (failed or
// suspended) connections, worst first. n <= 0 means 10.
func (e *Engine) HealthReport(n int) HealthReport {
	if n <= 0 {
		n = 10
	}
	conns := e.conns.Connections()
	now := e.clock.Now()

	e.mu.Lock()
	rep := HealthReport{GeneratedAt: now, Statistics: e.statisticsLocked(conns)}
	for _, c := range conns {
		h := e.healthLocked(c)
		_, _, tripped := e.classify(c, now)
		switch h.State {
		case StateFailed, StateSuspended:
			rep.Critical = append(rep.Critical, h)
		}
		if tripped || h.State != StateConnected {
			rep.Unhealthy = append(rep.Unhealthy, h)
		}
	}
	e.mu.Unlock()

	worse := func(list []ConnectionHealth) func(i, j int) bool {
		return func(i, j int) bool {
			a, b := list[i], list[j]
			if a.FailureCount != b.FailureCount {
				return a.FailureCount > b.FailureCount
			}
			if a.ErrorRate != b.ErrorRate {
				return a.ErrorRate > b.ErrorRate
			}
			return a.Latency > b.Latency
		}
	}
	sort.SliceStable(rep.Unhealthy, worse(rep.Unhealthy))
	sort.SliceStable(rep.Critical, worse(rep.Critical))
	if len(rep.Unhealthy) > n {
		rep.Unhealthy = rep.Unhealthy[:n]
	}
	if len(rep.Critical) > n {
		rep.Critical = rep.Critical[:n]
	}
	return rep
}

// HealthCheck fails when any connection is suspended or failed.
func (e *Engine) HealthCheck(context.Context) error {
	st := e.Statistics()
	if bad := st.ByState[StateSuspended] + st.ByState[StateFailed]; bad > 0 {
		return fmt.Errorf("recovery: %d connections failed or suspended", bad)
	}
	return nil
}

// Run drives the health monitor and the recovery queue until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	monitor := e.clock.NewTicker(e.cfg.MonitorInterval)
	defer monitor.Stop()
	process := e.clock.NewTicker(e.cfg.RecoveryInterval)
	defer process.Stop()

	e.log.Debug("recovery engine started",
		logx.Duration("monitor_interval", e.cfg.MonitorInterval),
		logx.Duration("recovery_interval", e.cfg.RecoveryInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-monitor.C:
			e.CheckAll(ctx)
		case <-process.C:
			e.ProcessQueue(ctx)
		}
	}
}
