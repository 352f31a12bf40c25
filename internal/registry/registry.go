package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyrelay/internal/fault"
	"notifyrelay/internal/model"
	"notifyrelay/internal/transport"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

type conn struct {
	id        model.ChannelID
	user      int64
	role      model.Role
	namespace string
	session   string
	rooms     map[string]struct{}

	establishedAt time.Time
	lastActivity  time.Time
	connected     bool

	failureCount int
	latency      time.Duration
	sent         uint64
	errs         uint64
}

func (c *conn) snapshot() Connection {
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	out := Connection{
		ID:            c.id,
		UserID:        c.user,
		Role:          c.role,
		Namespace:     c.namespace,
		SessionID:     c.session,
		Rooms:         rooms,
		EstablishedAt: c.establishedAt,
		LastActivity:  c.lastActivity,
		Connected:     c.connected,
		FailureCount:  c.failureCount,
		Latency:       c.latency,
	}
	if c.sent > 0 {
		out.ErrorRate = float64(c.errs) / float64(c.sent)
	}
	return out
}

type room struct {
	spec      RoomSpec
	members   map[model.ChannelID]struct{}
	createdAt time.Time
}

func (r *room) removable() bool {
	return len(r.members) == 0 && !r.spec.AutoJoin && !r.spec.System
}

// Registry is the connection and room registry. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	log      logx.Logger
	clock    clock.Clock
	emitter  transport.Emitter
	sessions SessionValidator
	onJoin   func(user int64, role model.Role)

	namespaces map[string]NamespacePolicy
	conns      map[model.ChannelID]*conn
	byUser     map[int64]map[model.ChannelID]struct{}
	rooms      map[string]*room
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = clock.OrReal(c) } }

func WithEmitter(e transport.Emitter) Option { return func(r *Registry) { r.emitter = e } }

func WithSessionValidator(v SessionValidator) Option {
	return func(r *Registry) { r.sessions = v }
}

// WithUserObserver is called after every successful Register, outside the
// registry lock.
func WithUserObserver(fn func(user int64, role model.Role)) Option {
	return func(r *Registry) { r.onJoin = fn }
}

// New creates a registry for the given namespaces. An empty list installs
// DefaultNamespaces.
func New(namespaces []NamespacePolicy, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces()
	}
	r := &Registry{
		log:        log,
		clock:      clock.Real(),
		namespaces: make(map[string]NamespacePolicy, len(namespaces)),
		conns:      map[model.ChannelID]*conn{},
		byUser:     map[int64]map[model.ChannelID]struct{}{},
		rooms:      map[string]*room{},
	}
	for _, o := range opts {
		o(r)
	}
	now := r.clock.Now()
	for _, ns := range namespaces {
		name := strings.TrimSpace(ns.Name)
		if name == "" {
			continue
		}
		ns.Name = name
		if ns.MaxConnectionsPerUser <= 0 {
			ns.MaxConnectionsPerUser = 5
			if ns.AdminOnly {
				ns.MaxConnectionsPerUser = 3
			}
		}
		defaults := make([]RoomSpec, 0, len(ns.DefaultRooms))
		for _, spec := range ns.DefaultRooms {
			spec.Namespace = name
			spec.AutoJoin = true
			spec.System = true
			if spec.Type == "" {
				spec.Type = RoomGeneral
			}
			// Room ids are global; a default room claimed by another
			// namespace is dropped here rather than shared.
			if rm, exists := r.rooms[spec.ID]; exists {
				if rm.spec.Namespace != name {
					log.Warn("default room dropped: id already used by another namespace",
						logx.String("room", spec.ID),
						logx.String("namespace", name),
						logx.String("owner", rm.spec.Namespace),
					)
				}
				continue
			}
			r.rooms[spec.ID] = &room{spec: spec, members: map[model.ChannelID]struct{}{}, createdAt: now}
			defaults = append(defaults, spec)
		}
		ns.DefaultRooms = defaults
		r.namespaces[name] = ns
	}
	return r
}

// SetEmitter installs the transport after construction. The websocket hub
// needs the registry to exist first, so the two are wired in two steps.
func (r *Registry) SetEmitter(e transport.Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// Namespace returns the policy for name.
func (r *Registry) Namespace(name string) (NamespacePolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[name]
	return ns, ok
}

// Register creates a connection for an authenticated user and auto-joins the
// namespace's default rooms the role may access.
func (r *Registry) Register(user int64, role model.Role, namespace string, auth AuthContext) (model.ChannelID, error) {
	if !auth.Authenticated {
		return "", fmt.Errorf("%w: user %d is not authenticated", fault.ErrAuthorizationDenied, user)
	}

	r.mu.Lock()
	pol, ok := r.namespaces[namespace]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: namespace %q", fault.ErrNotFound, namespace)
	}
	if pol.AdminOnly && role != model.RoleAdmin {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: namespace %q requires admin role, got %q", fault.ErrAuthorizationDenied, namespace, role)
	}
	if n := r.countLocked(user, namespace); n >= pol.MaxConnectionsPerUser {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: user %d already holds %d connections in %q", fault.ErrCapacityExceeded, user, n, namespace)
	}

	now := r.clock.Now()
	c := &conn{
		id:            model.ChannelID(uuid.NewString()),
		user:          user,
		role:          role,
		namespace:     namespace,
		session:       auth.SessionID,
		rooms:         map[string]struct{}{},
		establishedAt: now,
		lastActivity:  now,
		connected:     true,
	}
	r.conns[c.id] = c
	set := r.byUser[user]
	if set == nil {
		set = map[model.ChannelID]struct{}{}
		r.byUser[user] = set
	}
	set[c.id] = struct{}{}

	joined := make([]string, 0, len(pol.DefaultRooms))
	for _, spec := range pol.DefaultRooms {
		rm := r.rooms[spec.ID]
		if rm == nil {
			rm = &room{spec: spec, members: map[model.ChannelID]struct{}{}, createdAt: now}
			r.rooms[spec.ID] = rm
		}
		if rm.spec.Namespace != namespace {
			continue
		}
		if canAccess(c, rm) {
			rm.members[c.id] = struct{}{}
			c.rooms[spec.ID] = struct{}{}
			joined = append(joined, spec.ID)
		}
	}
	r.mu.Unlock()

	r.log.Info("connection registered",
		logx.String("channel", string(c.id)),
		logx.Int64("user_id", user),
		logx.String("role", string(role)),
		logx.String("namespace", namespace),
		logx.Any("rooms", joined),
	)
	if r.onJoin != nil {
		r.onJoin(user, role)
	}
	return c.id, nil
}

func (r *Registry) countLocked(user int64, namespace string) int {
	n := 0
	for id := range r.byUser[user] {
		if c := r.conns[id]; c != nil && c.namespace == namespace {
			n++
		}
	}
	return n
}

// Remove drops a connection from every room and index. Removing an unknown
// channel is a no-op and returns false.
func (r *Registry) Remove(id model.ChannelID) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(c)
	r.mu.Unlock()

	r.log.Info("connection removed", logx.String("channel", string(id)), logx.Int64("user_id", c.user))
	return true
}

func (r *Registry) removeLocked(c *conn) {
	for roomID := range c.rooms {
		if rm := r.rooms[roomID]; rm != nil {
			delete(rm.members, c.id)
			if rm.removable() {
				delete(r.rooms, roomID)
			}
		}
	}
	if set := r.byUser[c.user]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.byUser, c.user)
		}
	}
	delete(r.conns, c.id)
}

// CreateRoom creates a room. It fails if the id is taken or the namespace is
// not configured.
func (r *Registry) CreateRoom(spec RoomSpec) error {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return errors.New("room id is required")
	}
	if spec.Type == "" {
		spec.Type = RoomGeneral
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.namespaces[spec.Namespace]; !ok {
		return fmt.Errorf("%w: namespace %q", fault.ErrNotFound, spec.Namespace)
	}
	if _, exists := r.rooms[spec.ID]; exists {
		return fmt.Errorf("%w: %q", ErrRoomExists, spec.ID)
	}
	r.rooms[spec.ID] = &room{spec: spec, members: map[model.ChannelID]struct{}{}, createdAt: r.clock.Now()}
	r.log.Debug("room created",
		logx.String("room", spec.ID),
		logx.String("namespace", spec.Namespace),
		logx.String("type", string(spec.Type)),
		logx.Int64("creator", spec.Creator),
	)
	return nil
}

// JoinRoom adds a connection to a room after namespace and access checks.
// Joining a room twice is not an error.
func (r *Registry) JoinRoom(id model.ChannelID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", fault.ErrNotFound, id)
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %q", fault.ErrNotFound, roomID)
	}
	if rm.spec.Namespace != c.namespace {
		return fmt.Errorf("%w: room %q is in namespace %q, channel is in %q",
			fault.ErrAuthorizationDenied, roomID, rm.spec.Namespace, c.namespace)
	}
	if !canAccess(c, rm) {
		return fmt.Errorf("%w: role %q may not join %s room %q", fault.ErrAuthorizationDenied, c.role, rm.spec.Type, roomID)
	}
	rm.members[id] = struct{}{}
	c.rooms[roomID] = struct{}{}
	return nil
}

// LeaveRoom removes a connection from a room. Empty rooms that are neither
// defaults nor system rooms are destroyed.
func (r *Registry) LeaveRoom(id model.ChannelID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", fault.ErrNotFound, id)
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %q", fault.ErrNotFound, roomID)
	}
	if _, member := rm.members[id]; !member {
		return fmt.Errorf("%w: channel %s is not in room %q", fault.ErrNotFound, id, roomID)
	}
	delete(rm.members, id)
	delete(c.rooms, roomID)
	if rm.removable() {
		delete(r.rooms, roomID)
	}
	return nil
}

// canAccess applies the room access policy: admin and security rooms need
// the admin role, private rooms need the creator (or an admin), and the
// required_role metadata narrows any room further.
func canAccess(c *conn, rm *room) bool {
	if c.role == model.RoleAdmin {
		return true
	}
	switch rm.spec.Type {
	case RoomAdmin, RoomSecurity:
		return false
	case RoomPrivate:
		if rm.spec.Creator != c.user {
			return false
		}
	}
	if req := strings.TrimSpace(rm.spec.Metadata[MetaRequiredRole]); req != "" {
		return model.ParseRole(req) == c.role
	}
	return true
}
