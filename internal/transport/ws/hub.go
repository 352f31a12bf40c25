// Package ws is the realtime transport: a gorilla/websocket hub that
// registers every socket with the connection registry and emits routed
// notifications as JSON frames.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"notifyrelay/internal/fault"
	"notifyrelay/internal/model"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/transport"
	logx "notifyrelay/pkg/logx"
)

// Registry is the part of the connection registry the hub drives.
type Registry interface {
	Register(user int64, role model.Role, namespace string, auth registry.AuthContext) (model.ChannelID, error)
	Remove(id model.ChannelID) bool
	Touch(id model.ChannelID)
	RecordLatency(id model.ChannelID, d time.Duration)
	JoinRoom(id model.ChannelID, roomID string) error
	LeaveRoom(id model.ChannelID, roomID string) error
}

// Acker confirms client receipt of a routed message.
type Acker interface {
	ConfirmDelivery(messageID string, user int64) bool
}

type Config struct {
	JWTSecret      string
	Insecure       bool
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	EmitRate       float64
	EmitBurst      int
	ReadLimit      int64
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.EmitRate <= 0 {
		c.EmitRate = 50
	}
	if c.EmitBurst <= 0 {
		c.EmitBurst = 100
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	return c
}

// Stats is the hub's operational snapshot.
type Stats struct {
	Sockets  int    `json:"sockets"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
	Restarts uint64 `json:"restarts"`
}

var errHubClosed = errors.New("ws: hub closed")

type Hub struct {
	cfg      Config
	log      logx.Logger
	reg      Registry
	acks     Acker
	secret   []byte
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	socks  map[model.ChannelID]*socket
	closed bool

	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
	restarts atomic.Uint64
}

var (
	_ transport.Emitter     = (*Hub)(nil)
	_ transport.Reconnector = (*Hub)(nil)
	_ transport.Restarter   = (*Hub)(nil)
	_ http.Handler          = (*Hub)(nil)
)

func New(cfg Config, reg Registry, acks Acker, log logx.Logger) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "ws")),
		reg:    reg,
		acks:   acks,
		secret: []byte(cfg.JWTSecret),
		socks:  map[model.ChannelID]*socket{},
	}
	if len(h.secret) == 0 {
		if cfg.Insecure {
			h.log.Warn("ws hub trusts query identities (insecure mode)")
		} else {
			h.log.Warn("ws hub has no jwt secret; every handshake will be refused")
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP authenticates the handshake, registers the channel and upgrades.
// The namespace comes from the "ns" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	id, err := authenticate(r, h.secret, h.cfg.Insecure)
	if err != nil {
		h.rejected.Add(1)
		h.log.Debug("handshake rejected", logx.String("remote", r.RemoteAddr), logx.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ns := r.URL.Query().Get("ns")
	if ns == "" {
		ns = registry.NamespaceGeneral
	}
	ch, err := h.reg.Register(id.User, id.Role, ns, registry.AuthContext{
		SessionID:     id.Session,
		Authenticated: id.Authenticated,
		RemoteAddr:    r.RemoteAddr,
	})
	if err != nil {
		h.rejected.Add(1)
		h.log.Info("registration refused",
			logx.Int64("user_id", id.User),
			logx.String("namespace", ns),
			logx.Err(err),
		)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the response
		h.reg.Remove(ch)
		h.rejected.Add(1)
		return
	}

	s := newSocket(h, ch, id.User, conn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.reg.Remove(ch)
		_ = conn.Close()
		return
	}
	h.socks[ch] = s
	h.mu.Unlock()
	h.accepted.Add(1)

	h.log.Debug("socket connected",
		logx.String("channel", string(ch)),
		logx.Int64("user_id", id.User),
		logx.String("namespace", ns),
		logx.Bool("authenticated", id.Authenticated),
	)
	s.reply("connected", map[string]any{"channel_id": ch, "user_id": id.User, "namespace": ns})
	go s.writePump()
	go s.readPump()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, fault.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Emit queues one frame for the socket. It never blocks: a full buffer or an
// exhausted per-socket rate budget fails the emit.
func (h *Hub) Emit(ctx context.Context, to model.ChannelID, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := h.socket(to)
	if s == nil {
		return fmt.Errorf("ws: channel %s: %w", to, fault.ErrNotFound)
	}
	if !s.limiter.Allow() {
		h.dropped.Add(1)
		return fmt.Errorf("ws: channel %s rate limited: %w", to, fault.ErrCapacityExceeded)
	}
	b, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", event, err)
	}
	return s.enqueue(b)
}

func (h *Hub) socket(id model.ChannelID) *socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.socks[id]
}

// Reconnect closes the socket with a service-restart code. Clients treat it
// as a signal to reconnect immediately.
func (h *Hub) Reconnect(_ context.Context, ch model.ChannelID) error {
	s := h.socket(ch)
	if s == nil {
		return fmt.Errorf("ws: channel %s: %w", ch, fault.ErrNotFound)
	}
	s.close(websocket.CloseServiceRestart, "reconnect")
	return nil
}

// Restart drops every socket with a service-restart code.
func (h *Hub) Restart(ctx context.Context) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return errHubClosed
	}
	all := make([]*socket, 0, len(h.socks))
	for _, s := range h.socks {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.close(websocket.CloseServiceRestart, "restart")
	}
	h.restarts.Add(1)
	h.log.Warn("transport restarted", logx.Int("sockets", len(all)))
	return nil
}

func (h *Hub) HealthCheck(context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errHubClosed
	}
	return nil
}

// Close refuses new handshakes and closes every socket.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	all := make([]*socket, 0, len(h.socks))
	for _, s := range h.socks {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close(websocket.CloseGoingAway, "shutdown")
	}
	return nil
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.socks)
	h.mu.RUnlock()
	return Stats{
		Sockets:  n,
		Accepted: h.accepted.Load(),
		Rejected: h.rejected.Load(),
		Dropped:  h.dropped.Load(),
		Restarts: h.restarts.Load(),
	}
}

// drop forgets a socket once its read loop ends.
func (h *Hub) drop(s *socket) {
	h.mu.Lock()
	if h.socks[s.id] == s {
		delete(h.socks, s.id)
	}
	h.mu.Unlock()
	h.reg.Remove(s.id)
}

func newLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.EmitRate), cfg.EmitBurst)
}
