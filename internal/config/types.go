package config

import (
	"fmt"
	"net"
	"strings"
)

// Config is the on-disk configuration of the relay host.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Empty strings
// take the component defaults.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Core     CoreConfig     `json:"core"`
	WS       WSConfig       `json:"ws"`
	Flash    FlashConfig    `json:"flash"`
	Telegram TelegramConfig `json:"telegram"`
	Ops      OpsConfig      `json:"ops"`
	Systemd  SystemdConfig  `json:"systemd"`
	Sysprobe SysprobeConfig `json:"sysprobe"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings and errors to the telegram operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the emergency event and audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

type CoreConfig struct {
	Namespaces    []NamespaceConfig `json:"namespaces,omitempty"`
	RetryInterval string            `json:"retry_interval,omitempty"`
	StopTimeout   string            `json:"stop_timeout,omitempty"`
	Sweeps        SweepsConfig      `json:"sweeps"`
	Router        RouterConfig      `json:"router"`
	Recovery      RecoveryConfig    `json:"recovery"`
	Emergency     EmergencyConfig   `json:"emergency"`
	// Users seeds the recipient directory so broadcasts queue for users who
	// have not connected since start.
	Users []UserConfig `json:"users,omitempty"`
}

type UserConfig struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
}

type NamespaceConfig struct {
	Name                  string   `json:"name"`
	AdminOnly             bool     `json:"admin_only,omitempty"`
	MaxConnectionsPerUser int      `json:"max_connections_per_user,omitempty"`
	Rooms                 []string `json:"rooms,omitempty"`
}

// SweepsConfig holds cron specs. A leading seconds field is optional and
// "@every 30s" descriptors are accepted.
type SweepsConfig struct {
	RegistryCleanup string `json:"registry_cleanup,omitempty"`
	DeliveryCleanup string `json:"delivery_cleanup,omitempty"`
	EventTrim       string `json:"event_trim,omitempty"`
}

type RouterConfig struct {
	QueueCap        int    `json:"queue_cap,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	Retention       string `json:"retention,omitempty"`
	BacklogAlert    int    `json:"backlog_alert,omitempty"`
}

type RecoveryConfig struct {
	LatencyThreshold   string  `json:"latency_threshold,omitempty"`
	ErrorRateThreshold float64 `json:"error_rate_threshold,omitempty"`
	Inactivity         string  `json:"inactivity,omitempty"`
	FailureCount       int     `json:"failure_count,omitempty"`
	MonitorInterval    string  `json:"monitor_interval,omitempty"`
	RecoveryInterval   string  `json:"recovery_interval,omitempty"`
	ReconnectTimeout   string  `json:"reconnect_timeout,omitempty"`
}

type EmergencyConfig struct {
	MaxEvents       int    `json:"max_events,omitempty"`
	Retention       string `json:"retention,omitempty"`
	ProbeTimeout    string `json:"probe_timeout,omitempty"`
	ActionTimeout   string `json:"action_timeout,omitempty"`
	DisableFor      string `json:"disable_for,omitempty"`
	FallbackHold    string `json:"fallback_hold,omitempty"`
	EscalationEvery string `json:"escalation_every,omitempty"`
	EscalationBurst int    `json:"escalation_burst,omitempty"`
}

// WSConfig controls the websocket hub.
//
// Security note:
//   - JWTSecret signs the handshake tokens (HS256). Never log it.
//   - Without a secret every handshake is refused unless insecure is set,
//     which trusts ?user=&role= query parameters (local development only).
type WSConfig struct {
	Enabled        bool     `json:"enabled"`
	Insecure       bool     `json:"insecure,omitempty"`
	Addr           string   `json:"addr,omitempty"` // default: ":8080"
	Path           string   `json:"path,omitempty"` // default: "/ws"
	JWTSecret      string   `json:"jwt_secret,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	PingInterval   string   `json:"ping_interval,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	SendBuffer     int      `json:"send_buffer,omitempty"`
	EmitRatePerSec int      `json:"emit_rate_per_sec,omitempty"`
	EmitBurst      int      `json:"emit_burst,omitempty"`
}

// FlashConfig controls the per-user flash queues used while realtime
// delivery is interrupted.
type FlashConfig struct {
	Enabled bool   `json:"enabled"`
	PerUser int    `json:"per_user,omitempty"`
	TTL     string `json:"ttl,omitempty"`
}

type TelegramConfig struct {
	Enabled bool    `json:"enabled"`
	Token   string  `json:"token,omitempty"`
	ChatIDs []int64 `json:"chat_ids,omitempty"`
	// ThreadID targets a forum topic in every chat when > 0.
	ThreadID    int              `json:"thread_id,omitempty"`
	SendTimeout string           `json:"send_timeout,omitempty"`
	Commands    TelegramCommands `json:"commands"`
}

// TelegramCommands lets the listed owners drive the operator controls
// (status, emergency mode, suspensions) from a chat. Owners are hot
// reloadable.
type TelegramCommands struct {
	Enabled     bool    `json:"enabled"`
	OwnerIDs    []int64 `json:"owner_ids,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server (health, status, emergency
// controls, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// SystemdConfig names an external unit that backs the realtime transport
// (a websocket gateway, say). restart_transport restarts it over D-Bus.
type SystemdConfig struct {
	Enabled bool   `json:"enabled"`
	Unit    string `json:"unit,omitempty"`
	Mode    string `json:"mode,omitempty"` // default: "replace"
	Timeout string `json:"timeout,omitempty"`
}

// SysprobeConfig adds a memory pressure probe to the health check.
type SysprobeConfig struct {
	Enabled        bool    `json:"enabled"`
	MaxMemPercent  float64 `json:"max_mem_percent,omitempty"` // default: 90
	MinAvailableMB uint64  `json:"min_available_mb,omitempty"`
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	for path, raw := range c.durations() {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage.dsn: required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
	}
	seen := map[string]bool{}
	roomOwner := map[string]string{}
	for i, ns := range c.Core.Namespaces {
		if !strings.HasPrefix(ns.Name, "/") {
			return fmt.Errorf("core.namespaces[%d].name: must start with /", i)
		}
		if seen[ns.Name] {
			return fmt.Errorf("core.namespaces[%d].name: duplicate %q", i, ns.Name)
		}
		seen[ns.Name] = true
		if ns.MaxConnectionsPerUser < 0 {
			return fmt.Errorf("core.namespaces[%d].max_connections_per_user: must be >= 0", i)
		}
		for _, room := range ns.Rooms {
			if owner, ok := roomOwner[room]; ok && owner != ns.Name {
				return fmt.Errorf("core.namespaces[%d].rooms: %q already belongs to namespace %q", i, room, owner)
			}
			roomOwner[room] = ns.Name
		}
	}
	users := map[int64]bool{}
	for i, u := range c.Core.Users {
		if u.ID == 0 {
			return fmt.Errorf("core.users[%d].id: required", i)
		}
		if users[u.ID] {
			return fmt.Errorf("core.users[%d].id: duplicate %d", i, u.ID)
		}
		users[u.ID] = true
		switch strings.ToLower(strings.TrimSpace(u.Role)) {
		case "guest", "user", "moderator", "admin":
		default:
			return fmt.Errorf("core.users[%d].role: unknown role %q", i, u.Role)
		}
	}
	if r := c.Core.Recovery.ErrorRateThreshold; r < 0 || r > 1 {
		return fmt.Errorf("core.recovery.error_rate_threshold: must be within [0,1]")
	}
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token: required when telegram is enabled")
		}
		if len(c.Telegram.ChatIDs) == 0 {
			return fmt.Errorf("telegram.chat_ids: at least one chat is required")
		}
	}
	if c.Telegram.Commands.Enabled {
		if !c.Telegram.Enabled {
			return fmt.Errorf("telegram.commands: requires telegram.enabled")
		}
		if len(c.Telegram.Commands.OwnerIDs) == 0 {
			return fmt.Errorf("telegram.commands.owner_ids: at least one owner is required")
		}
	}
	if c.Logging.Alert.Enabled && !c.Telegram.Enabled {
		return fmt.Errorf("logging.alert: requires telegram.enabled")
	}
	if c.WS.Enabled && c.WS.JWTSecret == "" && !c.WS.Insecure {
		return fmt.Errorf("ws.jwt_secret: required unless ws.insecure is set")
	}
	if c.Systemd.Enabled && strings.TrimSpace(c.Systemd.Unit) == "" {
		return fmt.Errorf("systemd.unit: required when systemd is enabled")
	}
	if c.Ops.Enabled && !c.Ops.AllowInsecure && strings.TrimSpace(c.Ops.Token) == "" && !IsLoopbackAddr(c.Ops.Addr) {
		return fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", c.Ops.Addr)
	}
	if p := c.Sysprobe.MaxMemPercent; p < 0 || p > 100 {
		return fmt.Errorf("sysprobe.max_mem_percent: must be within [0,100]")
	}
	return nil
}

func (c *Config) durations() map[string]string {
	m := map[string]string{
		"core.retry_interval":             c.Core.RetryInterval,
		"core.stop_timeout":               c.Core.StopTimeout,
		"core.router.delivery_timeout":    c.Core.Router.DeliveryTimeout,
		"core.router.retention":           c.Core.Router.Retention,
		"core.recovery.latency_threshold": c.Core.Recovery.LatencyThreshold,
		"core.recovery.inactivity":        c.Core.Recovery.Inactivity,
		"core.recovery.monitor_interval":  c.Core.Recovery.MonitorInterval,
		"core.recovery.recovery_interval": c.Core.Recovery.RecoveryInterval,
		"core.recovery.reconnect_timeout": c.Core.Recovery.ReconnectTimeout,
		"core.emergency.retention":        c.Core.Emergency.Retention,
		"core.emergency.probe_timeout":    c.Core.Emergency.ProbeTimeout,
		"core.emergency.action_timeout":   c.Core.Emergency.ActionTimeout,
		"core.emergency.disable_for":      c.Core.Emergency.DisableFor,
		"core.emergency.fallback_hold":    c.Core.Emergency.FallbackHold,
		"core.emergency.escalation_every": c.Core.Emergency.EscalationEvery,
		"ws.ping_interval":                c.WS.PingInterval,
		"ws.write_timeout":                c.WS.WriteTimeout,
		"flash.ttl":                       c.Flash.TTL,
		"telegram.send_timeout":           c.Telegram.SendTimeout,
		"telegram.commands.poll_timeout":  c.Telegram.Commands.PollTimeout,
		"ops.read_timeout":                c.Ops.ReadTimeout,
		"ops.write_timeout":               c.Ops.WriteTimeout,
		"ops.idle_timeout":                c.Ops.IdleTimeout,
		"systemd.timeout":                 c.Systemd.Timeout,
	}
	if c.Storage != nil {
		m["storage.busy_timeout"] = c.Storage.BusyTimeout
	}
	return m
}

// IsLoopbackAddr reports whether a listen address only binds loopback. An
// empty address counts as loopback since servers default to 127.0.0.1.
func IsLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
