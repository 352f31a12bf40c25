package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

const auditKeep = 100

type Orchestrator struct {
	mu sync.Mutex

	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus
	cfg   Config
	deps  Deps

	escalations *rate.Limiter

	events []Event // oldest first

	active      bool
	reason      string
	activatedBy string
	activatedAt time.Time
	audit       []ModeChange

	fallbackUntil time.Time
	disabledUntil time.Time

	escalated uint64
	throttled uint64
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = clock.OrReal(c) } }
func WithBus(b eventbus.Bus) Option  { return func(o *Orchestrator) { o.bus = b } }

func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		log:   log.With(logx.String("comp", "emergency")),
		clock: clock.Real(),
		bus:   eventbus.Nop(),
		cfg:   cfg,
		deps:  deps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.bus == nil {
		o.bus = eventbus.Nop()
	}
	every := rate.Every(cfg.EscalationEvery)
	o.escalations = rate.NewLimiter(every, cfg.EscalationBurst)
	return o
}

// SetDeps replaces the collaborators. Used by hosts that construct the
// transport after the core.
func (o *Orchestrator) SetDeps(d Deps) {
	o.mu.Lock()
	o.deps = d
	o.mu.Unlock()
}

func (o *Orchestrator) depsSnapshot() Deps {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deps
}

// DetectAndRecover classifies err, records an emergency event and runs the
// recovery plan once. It reports whether every automatic action succeeded.
func (o *Orchestrator) DetectAndRecover(ctx context.Context, err error, fc FailureContext) (ok bool) {
	if err == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("emergency handling panicked", logx.Any("panic", r))
			ok = false
		}
	}()

	now := o.clock.Now()
	typ := Classify(err, fc)
	ev := Event{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		At:            now,
		Type:          typ,
		Level:         AssessLevel(typ, fc),
		Component:     fc.Component,
		AffectedUsers: append([]int64(nil), fc.AffectedUsers...),
		Error:         err.Error(),
	}
	log := o.log.With(
		logx.String("event_id", ev.ID),
		logx.String("type", string(ev.Type)),
		logx.String("level", string(ev.Level)),
	)
	log.Warn("emergency detected",
		logx.String("component", fc.Component),
		logx.Int("affected_users", len(fc.AffectedUsers)),
		logx.Err(err),
	)
	o.bus.Publish(eventbus.Event{Type: eventbus.EmergencyDetected, Time: now, Data: ev.clone()})

	o.runPlan(ctx, &ev, log)

	if !ev.Success || ev.Level == LevelCritical {
		ev.ManualIntervention = true
	}
	if ev.ManualIntervention {
		o.escalate(ctx, &ev, log)
	}
	if ev.Success && !ev.ManualIntervention {
		ev.ResolvedAt = o.clock.Now()
		ev.ResolvedBy = "auto"
	}

	o.mu.Lock()
	o.events = append(o.events, ev)
	o.trimLocked(o.clock.Now())
	o.mu.Unlock()

	o.persistEvent(ctx, ev)
	log.Info("emergency handled",
		logx.Bool("success", ev.Success),
		logx.Bool("manual_intervention", ev.ManualIntervention),
	)
	return ev.Success
}

func (o *Orchestrator) runPlan(ctx context.Context, ev *Event, log logx.Logger) {
	plan := Plan(ev.Type)
	ev.Success = true
	for _, a := range plan.Actions {
		res := ActionResult{Action: a}
		err := o.runAction(ctx, a, ev)
		if err != nil {
			res.Error = err.Error()
			ev.Success = false
			log.Warn("recovery action failed", logx.String("action", string(a)), logx.Err(err))
		} else {
			res.OK = true
			log.Info("recovery action done", logx.String("action", string(a)))
		}
		ev.Actions = append(ev.Actions, res)
	}
}

func (o *Orchestrator) runAction(ctx context.Context, a Action, ev *Event) (err error) {
	fn, ok := actions[a]
	if !ok {
		return fmt.Errorf("unknown action %q", a)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", a, r)
		}
	}()
	actx, cancel := context.WithTimeout(ctx, o.cfg.ActionTimeout)
	defer cancel()
	return fn(actx, o, ev)
}

// escalate alerts operators. Escalations are rate limited so a failure storm
// does not flood the operator channel.
func (o *Orchestrator) escalate(ctx context.Context, ev *Event, log logx.Logger) {
	o.mu.Lock()
	allowed := o.escalations.AllowN(o.clock.Now(), 1)
	if !allowed {
		o.throttled++
	}
	d := o.deps
	o.mu.Unlock()
	if !allowed {
		log.Warn("escalation throttled")
		return
	}

	plan := Plan(ev.Type)
	text := fmt.Sprintf("%s (%s) in %s: %s\nAffected users: %d\nManual actions: %s",
		ev.Type, ev.Level, componentOr(ev.Component), ev.Error, len(ev.AffectedUsers),
		strings.Join(plan.ManualActions, "; "))

	sent := false
	if d.Fallback != nil {
		err := d.Fallback.Fallback(ctx, transport.Alert{
			Title: "Emergency escalation: " + string(ev.Type),
			Text:  text,
			Level: string(ev.Level),
			At:    o.clock.Now(),
		})
		if err != nil {
			log.Error("escalation alert failed", logx.Err(err))
		} else {
			sent = true
		}
	}
	if d.Delivery != nil {
		msg := model.NewMessage(model.CategoryAdmin, "emergency_escalation", map[string]any{
			"event_id": ev.ID,
			"type":     ev.Type,
			"level":    ev.Level,
			"text":     text,
		})
		msg.Priority = model.PriorityCritical
		if d.Delivery.RouteAdminMessage(ctx, msg) {
			sent = true
		}
	}
	if sent {
		ev.Escalated = true
		o.mu.Lock()
		o.escalated++
		o.mu.Unlock()
	} else {
		log.Error("escalation reached no operator")
	}
}

func componentOr(c string) string {
	if c == "" {
		return "unknown component"
	}
	return c
}

// ActivateEmergencyMode sets the process-wide emergency flag, forces the
// fallback channel on and notifies admins. Activating an active mode is a
// no-op.
func (o *Orchestrator) ActivateEmergencyMode(ctx context.Context, reason, by string) error {
	by = strings.TrimSpace(by)
	if by == "" {
		return fmt.Errorf("activated by is required")
	}
	now := o.clock.Now()

	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return nil
	}
	o.active = true
	o.reason = reason
	o.activatedBy = by
	o.activatedAt = now
	change := ModeChange{At: now, Active: true, By: by, Reason: reason}
	o.appendAuditLocked(change)
	o.mu.Unlock()

	o.log.Warn("emergency mode activated", logx.String("by", by), logx.String("reason", reason))
	o.bus.Publish(eventbus.Event{Type: eventbus.EmergencyActivated, Time: now, Data: change})
	o.persistAudit(ctx, change, true, "")
	o.notifyMode(ctx, change)
	return nil
}

// DeactivateEmergencyMode clears the emergency flag after a passing health
// check. It returns an error wrapping ErrUnhealthy when the check fails.
func (o *Orchestrator) DeactivateEmergencyMode(ctx context.Context, by string) error {
	by = strings.TrimSpace(by)
	if by == "" {
		return fmt.Errorf("deactivated by is required")
	}
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if !active {
		return nil
	}

	rep := o.RunHealthCheck(ctx)
	if rep.Status != HealthHealthy {
		err := fmt.Errorf("%w: status %s: %s", ErrUnhealthy, rep.Status, strings.Join(rep.Issues, "; "))
		o.log.Warn("emergency mode deactivation refused", logx.String("by", by), logx.Err(err))
		o.persistAudit(ctx, ModeChange{At: o.clock.Now(), Active: true, By: by}, false, err.Error())
		return err
	}

	now := o.clock.Now()
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return nil
	}
	o.active = false
	o.reason = ""
	o.activatedBy = ""
	o.activatedAt = time.Time{}
	o.fallbackUntil = time.Time{}
	change := ModeChange{At: now, Active: false, By: by}
	o.appendAuditLocked(change)
	o.mu.Unlock()

	o.log.Info("emergency mode deactivated", logx.String("by", by))
	o.bus.Publish(eventbus.Event{Type: eventbus.EmergencyDeactivated, Time: now, Data: change})
	o.persistAudit(ctx, change, true, "")
	o.notifyMode(ctx, change)
	return nil
}

func (o *Orchestrator) appendAuditLocked(c ModeChange) {
	o.audit = append(o.audit, c)
	if len(o.audit) > auditKeep {
		o.audit = append([]ModeChange(nil), o.audit[len(o.audit)-auditKeep:]...)
	}
}

func (o *Orchestrator) notifyMode(ctx context.Context, c ModeChange) {
	d := o.depsSnapshot()
	title := "Emergency mode deactivated"
	if c.Active {
		title = "Emergency mode activated"
	}
	text := fmt.Sprintf("%s by %s", title, c.By)
	if c.Reason != "" {
		text += ": " + c.Reason
	}
	if d.Delivery != nil {
		msg := model.NewMessage(model.CategoryAdmin, "emergency_mode", c)
		msg.Priority = model.PriorityCritical
		if !d.Delivery.RouteAdminMessage(ctx, msg) {
			o.log.Warn("emergency mode notice reached no admin")
		}
	}
	if d.Fallback != nil {
		if err := d.Fallback.Fallback(ctx, transport.Alert{Title: title, Text: text, Level: "critical", At: c.At}); err != nil {
			o.log.Warn("emergency mode fallback notice failed", logx.Err(err))
		}
	}
}

// SendEmergencyNotification tries the normal delivery path first and falls
// back to the out-of-band channel when that fails, when notifications are
// disabled, or while the fallback is forced on. Empty targets means
// everyone.
func (o *Orchestrator) SendEmergencyNotification(ctx context.Context, title, message string, targets []int64) bool {
	d := o.depsSnapshot()
	enabled := o.NotificationsEnabled()
	forced := o.FallbackActive()

	normal := false
	if enabled && d.Delivery != nil {
		msg := model.NewMessage(model.CategoryEmergency, "emergency", map[string]string{
			"title":   title,
			"message": message,
		})
		msg.Priority = model.PriorityCritical
		if len(targets) == 0 {
			normal = d.Delivery.RouteSystemBroadcast(ctx, msg)
		} else {
			for _, u := range targets {
				if d.Delivery.RouteToUser(ctx, u, msg) {
					normal = true
				}
			}
		}
	}

	fallback := false
	if (!normal || forced) && d.Fallback != nil {
		err := d.Fallback.Fallback(ctx, transport.Alert{
			Title: title,
			Text:  message,
			Level: "critical",
			Users: append([]int64(nil), targets...),
			At:    o.clock.Now(),
		})
		if err != nil {
			o.log.Warn("emergency fallback notification failed", logx.Err(err))
		} else {
			fallback = true
		}
	}

	ok := normal || fallback
	if !ok {
		o.log.Error("emergency notification not delivered",
			logx.String("title", title),
			logx.Bool("notifications_enabled", enabled),
		)
	}
	return ok
}

// NotificationsEnabled reports whether normal delivery is allowed. It is
// false while a temporary disable is in effect.
func (o *Orchestrator) NotificationsEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.clock.Now().Before(o.disabledUntil)
}

// FallbackActive reports whether fallback delivery is forced on, either by
// emergency mode or by a recent flash fallback action.
func (o *Orchestrator) FallbackActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active || o.clock.Now().Before(o.fallbackUntil)
}

// EmergencyMode reports the process-wide flag.
func (o *Orchestrator) EmergencyMode() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// ResolveEvent marks an event resolved. It reports false for unknown or
// already resolved events.
func (o *Orchestrator) ResolveEvent(ctx context.Context, id, by string) bool {
	o.mu.Lock()
	var (
		ev    Event
		found bool
	)
	for i := range o.events {
		if o.events[i].ID != id {
			continue
		}
		if o.events[i].resolved() {
			break
		}
		o.events[i].ResolvedAt = o.clock.Now()
		o.events[i].ResolvedBy = by
		ev, found = o.events[i].clone(), true
		break
	}
	o.mu.Unlock()
	if !found {
		return false
	}
	o.log.Info("emergency event resolved", logx.String("event_id", id), logx.String("by", by))
	o.persistEvent(ctx, ev)
	return true
}

// Events returns up to n events, newest first. n <= 0 returns all.
func (o *Orchestrator) Events(n int) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n <= 0 || n > len(o.events) {
		n = len(o.events)
	}
	out := make([]Event, 0, n)
	for i := len(o.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, o.events[i].clone())
	}
	return out
}

// Status summarizes the emergency state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	st := Status{
		EmergencyMode:        o.active,
		Reason:               o.reason,
		ActivatedBy:          o.activatedBy,
		ActivatedAt:          o.activatedAt,
		FallbackActive:       o.active || now.Before(o.fallbackUntil),
		NotificationsEnabled: !now.Before(o.disabledUntil),
		TotalEvents:          len(o.events),
		ByLevel:              map[Level]int{},
		ByType:               map[FailureType]int{},
		Escalations:          o.escalated,
		EscalationsThrottled: o.throttled,
		Audit:                append([]ModeChange(nil), o.audit...),
	}
	if now.Before(o.disabledUntil) {
		st.DisabledUntil = o.disabledUntil
	}
	for _, ev := range o.events {
		st.ByLevel[ev.Level]++
		st.ByType[ev.Type]++
		if ev.resolved() {
			continue
		}
		st.ActiveEvents++
		if ev.ManualIntervention {
			st.ManualIntervention++
		}
		if now.Sub(ev.At) > Plan(ev.Type).EscalationThreshold {
			st.Overdue++
		}
	}
	if len(o.events) > 0 {
		last := o.events[len(o.events)-1].clone()
		st.LastEvent = &last
	}
	return st
}

// TrimEvents applies the retention window and the event cap. It returns
// the number of events dropped.
func (o *Orchestrator) TrimEvents() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trimLocked(o.clock.Now())
}

func (o *Orchestrator) trimLocked(now time.Time) int {
	cut := 0
	for cut < len(o.events) && now.Sub(o.events[cut].At) > o.cfg.Retention {
		cut++
	}
	if over := len(o.events) - cut - o.cfg.MaxEvents; over > 0 {
		cut += over
	}
	if cut == 0 {
		return 0
	}
	o.events = append([]Event(nil), o.events[cut:]...)
	return cut
}

// LoadHistory restores recent events from the store. Events already in
// memory are kept.
func (o *Orchestrator) LoadHistory(ctx context.Context) (int, error) {
	st := o.depsSnapshot().Store
	if st == nil {
		return 0, nil
	}
	recs, err := st.RecentEvents(ctx, o.cfg.MaxEvents)
	if err != nil {
		return 0, fmt.Errorf("load emergency history: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool, len(o.events))
	for _, ev := range o.events {
		seen[ev.ID] = true
	}
	loaded := 0
	for _, r := range recs {
		if seen[r.ID] || len(r.Payload) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(r.Payload, &ev); err != nil || ev.ID == "" {
			continue
		}
		o.events = append(o.events, ev)
		loaded++
	}
	sort.SliceStable(o.events, func(i, j int) bool { return o.events[i].At.Before(o.events[j].At) })
	o.trimLocked(o.clock.Now())
	return loaded, nil
}

func (o *Orchestrator) persistEvent(ctx context.Context, ev Event) {
	st := o.depsSnapshot().Store
	if st == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		o.log.Warn("encode emergency event", logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	rec := storage.EventRecord{
		ID:       ev.ID,
		At:       ev.At,
		Type:     string(ev.Type),
		Level:    string(ev.Level),
		Resolved: ev.resolved(),
		Payload:  b,
	}
	if err := st.AppendEvent(pctx, rec); err != nil {
		o.log.Warn("persist emergency event failed", logx.String("event_id", ev.ID), logx.Err(err))
	}
}

func (o *Orchestrator) persistAudit(ctx context.Context, c ModeChange, ok bool, errText string) {
	st := o.depsSnapshot().Store
	if st == nil {
		return
	}
	action := "emergency.deactivate"
	if c.Active && ok {
		action = "emergency.activate"
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	err := st.AppendAudit(pctx, storage.AuditEntry{
		At:     c.At,
		Actor:  c.By,
		Action: action,
		Target: c.Reason,
		OK:     ok,
		Error:  errText,
	})
	if err != nil {
		o.log.Warn("persist audit failed", logx.String("action", action), logx.Err(err))
	}
}
