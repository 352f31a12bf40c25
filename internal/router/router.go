package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/fault"
	"notifyrelay/internal/model"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

// Config tunes the router. Zero values take defaults.
type Config struct {
	// QueueCap bounds each user's retry queue; the oldest entry is evicted.
	QueueCap int `json:"queue_cap"`
	// DeliveryTimeout is how long a delivered attempt may wait for
	// confirmation before it expires.
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
	// Retention is how long attempt records are kept.
	Retention time.Duration `json:"retention"`
	// BacklogAlert makes HealthCheck fail once this many retries are pending.
	BacklogAlert int `json:"backlog_alert"`

	Rules map[model.Category]RoutingRule `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.QueueCap <= 0 {
		c.QueueCap = 50
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.BacklogAlert <= 0 {
		c.BacklogAlert = 5000
	}
	return c
}

type attemptKey struct {
	message string
	user    int64
}

type retryEntry struct {
	msg         model.Message
	rule        RoutingRule
	lastAttempt time.Time
	retries     int
}

// Router decides where a message goes, attempts delivery and tracks the
// outcome. Safe for concurrent use.
type Router struct {
	mu sync.Mutex

	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus
	ch    Channels
	dir   Directory

	cfg   Config
	rules map[model.Category]RoutingRule

	attempts map[attemptKey][]*DeliveryAttempt
	queues   map[int64][]*retryEntry
	stats    Stats
}

type Option func(*Router)

func WithClock(c clock.Clock) Option   { return func(r *Router) { r.clock = clock.OrReal(c) } }
func WithBus(b eventbus.Bus) Option    { return func(r *Router) { r.bus = b } }
func WithDirectory(d Directory) Option { return func(r *Router) { r.dir = d } }

// New creates a router over the registry. Without a Directory, broadcast
// recipients are limited to users with a registered channel.
func New(cfg Config, ch Channels, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		log:      log,
		clock:    clock.Real(),
		bus:      eventbus.Nop(),
		ch:       ch,
		cfg:      cfg,
		rules:    map[model.Category]RoutingRule{},
		attempts: map[attemptKey][]*DeliveryAttempt{},
		queues:   map[int64][]*retryEntry{},
		stats:    Stats{ByCategory: map[model.Category]uint64{}},
	}
	for _, o := range opts {
		o(r)
	}
	if r.dir == nil {
		r.dir = registryDirectory{ch: ch}
	}
	if r.bus == nil {
		r.bus = eventbus.Nop()
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	for cat, rule := range rules {
		rule.Category = cat
		if rule.Strategy == "" {
			rule.Strategy = StrategyDirect
		}
		r.rules[cat] = rule
	}
	if _, ok := r.rules[model.CategorySystem]; !ok {
		sys := DefaultRules()[model.CategorySystem]
		sys.Category = model.CategorySystem
		r.rules[model.CategorySystem] = sys
	}
	return r
}

// RouteToUser validates and delivers a message to one user. It returns
// false when the user is denied, offline (the message is queued for retry)
// or every emit failed.
func (r *Router) RouteToUser(ctx context.Context, user int64, msg model.Message) bool {
	msg = msg.ForUser(user)
	rule := r.Rule(msg.Category)

	r.mu.Lock()
	r.stats.Routed++
	r.stats.ByCategory[msg.Category]++
	r.mu.Unlock()

	if err := r.authorize(user, msg, rule); err != nil {
		r.mu.Lock()
		r.stats.Denied++
		r.mu.Unlock()
		r.log.Warn("routing denied",
			logx.String("message_id", msg.ID),
			logx.Int64("user_id", user),
			logx.String("category", string(msg.Category)),
			logx.Err(err),
		)
		return false
	}

	fn, ok := strategies[rule.Strategy]
	if !ok {
		fn = strategies[StrategyDirect]
	}
	return fn(ctx, r, user, msg, rule)
}

// RouteAdminMessage delivers msg to every admin. It succeeds if at least one
// admin received it.
func (r *Router) RouteAdminMessage(ctx context.Context, msg model.Message) bool {
	return r.fanOutTo(ctx, msg, []model.Role{model.RoleAdmin})
}

// RouteSystemBroadcast fans msg out per its rule. Rules without a fan-out
// strategy are treated as broadcast.
func (r *Router) RouteSystemBroadcast(ctx context.Context, msg model.Message) bool {
	rule := r.Rule(msg.Category)
	var roles []model.Role
	if rule.Strategy == StrategyRoleBased || len(rule.RequiredRoles) > 0 {
		roles = rule.RequiredRoles
	}
	return r.fanOutTo(ctx, msg, roles)
}

func (r *Router) fanOutTo(ctx context.Context, msg model.Message, roles []model.Role) bool {
	users := r.dir.Users()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	delivered := 0
	targets := 0
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		if len(roles) > 0 {
			role, ok := r.dir.RoleOf(u)
			if !ok || !containsRole(roles, role) {
				continue
			}
		}
		targets++
		if r.RouteToUser(ctx, u, msg.ForUser(u)) {
			delivered++
		}
	}
	r.log.Debug("fan-out routed",
		logx.String("message_id", msg.ID),
		logx.String("category", string(msg.Category)),
		logx.Int("targets", targets),
		logx.Int("delivered", delivered),
	)
	return delivered > 0
}

func containsRole(roles []model.Role, role model.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func (r *Router) authorize(user int64, msg model.Message, rule RoutingRule) error {
	role, known := r.dir.RoleOf(user)
	if !known {
		role, known = r.ch.RoleOf(user)
	}
	if len(rule.RequiredRoles) > 0 {
		if !known {
			return fmt.Errorf("%w: unknown role for user %d", fault.ErrAuthorizationDenied, user)
		}
		if !rule.allows(role) {
			return fmt.Errorf("%w: role %q not allowed for %s", fault.ErrAuthorizationDenied, role, rule.Category)
		}
	}
	if !rule.SecurityValidation {
		return nil
	}
	if !r.ch.IsAuthenticated(user, rule.Namespace) {
		return fmt.Errorf("%w: user %d not authenticated in %s", fault.ErrAuthorizationDenied, user, rule.Namespace)
	}
	if msg.AdminOnly {
		if role != model.RoleAdmin {
			return fmt.Errorf("%w: admin-only payload for role %q", fault.ErrAuthorizationDenied, role)
		}
		if err := validateSecurityEvent(msg.Data); err != nil {
			return err
		}
	}
	return nil
}

var securityEventFields = []string{"event_type", "timestamp", "severity"}

// validateSecurityEvent checks an embedded security_event object, if any,
// for its required fields.
func validateSecurityEvent(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	ev := gjson.GetBytes(data, "security_event")
	if !ev.Exists() {
		return nil
	}
	if !ev.IsObject() {
		return fmt.Errorf("%w: security_event is not an object", fault.ErrAuthorizationDenied)
	}
	for _, f := range securityEventFields {
		if !ev.Get(f).Exists() {
			return fmt.Errorf("%w: security_event missing %s", fault.ErrAuthorizationDenied, f)
		}
	}
	return nil
}

func (r *Router) publish(typ string, msg model.Message, ch model.ChannelID, err error) {
	now := r.clock.Now()
	ev := DeliveryEvent{MessageID: msg.ID, UserID: msg.UserID, Category: msg.Category, Channel: ch, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.ByCategory = make(map[model.Category]uint64, len(r.stats.ByCategory))
	for k, v := range r.stats.ByCategory {
		st.ByCategory[k] = v
	}
	st.PendingRetries = 0
	for _, q := range r.queues {
		st.PendingRetries += len(q)
	}
	st.QueuedUsers = len(r.queues)
	st.TrackedAttempts = 0
	for _, list := range r.attempts {
		st.TrackedAttempts += len(list)
	}
	return st
}

// HealthCheck fails when the retry backlog passes the alert threshold.
func (r *Router) HealthCheck(context.Context) error {
	st := r.Stats()
	if st.PendingRetries >= r.cfg.BacklogAlert {
		return fmt.Errorf("router: %d deliveries pending retry for %d users", st.PendingRetries, st.QueuedUsers)
	}
	return nil
}
