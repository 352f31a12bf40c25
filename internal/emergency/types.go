package emergency

import (
	"context"
	"errors"
	"time"

	"notifyrelay/internal/model"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport"
)

// FailureType is the classified kind of a system failure.
type FailureType string

const (
	FailureWebSocket      FailureType = "WEBSOCKET_CONNECTION_FAILURE"
	FailureDelivery       FailureType = "MESSAGE_DELIVERY_FAILURE"
	FailureDatabase       FailureType = "DATABASE_PERSISTENCE_FAILURE"
	FailureAuthentication FailureType = "AUTHENTICATION_FAILURE"
	FailureRouting        FailureType = "NAMESPACE_ROUTING_FAILURE"
	FailureMemory         FailureType = "MEMORY_OVERFLOW"
	FailureRateLimit      FailureType = "RATE_LIMIT_EXCEEDED"
	FailureOverload       FailureType = "SYSTEM_OVERLOAD"
)

// Level is the severity of an emergency event.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Action is one automatic recovery step.
type Action string

const (
	ActionRestartTransport     Action = "restart_transport"
	ActionFlashFallback        Action = "activate_flash_fallback"
	ActionEmergencyBroadcast   Action = "emergency_broadcast"
	ActionDisableNotifications Action = "disable_notifications"
	ActionRestoreFromBackup    Action = "restore_from_backup"
	ActionManualIntervention   Action = "request_manual_intervention"
)

// FailureContext describes where a failure happened.
type FailureContext struct {
	Component     string            `json:"component,omitempty"`
	Operation     string            `json:"operation,omitempty"`
	AffectedUsers []int64           `json:"affected_users,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// RecoveryPlan is the static response to one failure type.
// EscalationThreshold is an advisory SLA for manual handling; it is only
// used to flag overdue events in Status.
type RecoveryPlan struct {
	Level               Level         `json:"level"`
	Actions             []Action      `json:"actions"`
	ManualActions       []string      `json:"manual_actions"`
	EscalationThreshold time.Duration `json:"escalation_threshold"`
	FallbackEnabled     bool          `json:"fallback_enabled"`
}

// ActionResult records the outcome of one automatic action.
type ActionResult struct {
	Action Action `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Event is one entry of the append-only emergency log.
type Event struct {
	ID                 string         `json:"id"`
	At                 time.Time      `json:"at"`
	Type               FailureType    `json:"type"`
	Level              Level          `json:"level"`
	Component          string         `json:"component,omitempty"`
	AffectedUsers      []int64        `json:"affected_users,omitempty"`
	Error              string         `json:"error"`
	Actions            []ActionResult `json:"actions"`
	Success            bool           `json:"success"`
	ManualIntervention bool           `json:"manual_intervention"`
	Escalated          bool           `json:"escalated"`
	ResolvedAt         time.Time      `json:"resolved_at,omitzero"`
	ResolvedBy         string         `json:"resolved_by,omitempty"`
}

func (e Event) resolved() bool { return !e.ResolvedAt.IsZero() }

func (e Event) clone() Event {
	e.AffectedUsers = append([]int64(nil), e.AffectedUsers...)
	e.Actions = append([]ActionResult(nil), e.Actions...)
	return e
}

// ModeChange is one entry of the emergency mode audit trail.
type ModeChange struct {
	At     time.Time `json:"at"`
	Active bool      `json:"active"`
	By     string    `json:"by"`
	Reason string    `json:"reason,omitempty"`
}

// HealthStatus aggregates component probes.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
	HealthError    HealthStatus = "error"
)

type ComponentHealth struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

type HealthReport struct {
	Status     HealthStatus      `json:"status"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
	Issues     []string          `json:"issues,omitempty"`
}

// Status is the operator view of the orchestrator.
type Status struct {
	EmergencyMode        bool                `json:"emergency_mode"`
	Reason               string              `json:"reason,omitempty"`
	ActivatedBy          string              `json:"activated_by,omitempty"`
	ActivatedAt          time.Time           `json:"activated_at,omitzero"`
	FallbackActive       bool                `json:"fallback_active"`
	NotificationsEnabled bool                `json:"notifications_enabled"`
	DisabledUntil        time.Time           `json:"disabled_until,omitzero"`
	TotalEvents          int                 `json:"total_events"`
	ActiveEvents         int                 `json:"active_events"`
	ManualIntervention   int                 `json:"manual_intervention"`
	Overdue              int                 `json:"overdue"`
	ByLevel              map[Level]int       `json:"by_level"`
	ByType               map[FailureType]int `json:"by_type"`
	Escalations          uint64              `json:"escalations"`
	EscalationsThrottled uint64              `json:"escalations_throttled"`
	LastEvent            *Event              `json:"last_event,omitempty"`
	Audit                []ModeChange        `json:"audit"`
}

// ErrUnhealthy is returned when emergency mode cannot be left because the
// system health check did not pass.
var ErrUnhealthy = errors.New("system not healthy")

// Restartable restarts a whole collaborator (typically the transport).
type Restartable = transport.Restarter

// HealthCheckable reports the health of one component.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is a persistence probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deliverer is the normal notification path.
type Deliverer interface {
	RouteToUser(ctx context.Context, user int64, msg model.Message) bool
	RouteAdminMessage(ctx context.Context, msg model.Message) bool
	RouteSystemBroadcast(ctx context.Context, msg model.Message) bool
}

// Probe names one health-checked component.
type Probe struct {
	Name  string
	Check HealthCheckable
}

// Deps are the optional collaborators. Nil members disable the actions
// and probes that need them.
type Deps struct {
	Transport Restartable
	Delivery  Deliverer
	Fallback  transport.FallbackNotifier
	Store     storage.Store
	Probes    []Probe
}

// Config tunes the orchestrator. Zero values take defaults.
type Config struct {
	MaxEvents       int           `json:"max_events"`
	Retention       time.Duration `json:"retention"`
	ProbeTimeout    time.Duration `json:"probe_timeout"`
	ActionTimeout   time.Duration `json:"action_timeout"`
	PersistTimeout  time.Duration `json:"persist_timeout"`
	DisableFor      time.Duration `json:"disable_for"`
	FallbackHold    time.Duration `json:"fallback_hold"`
	EscalationEvery time.Duration `json:"escalation_every"`
	EscalationBurst int           `json:"escalation_burst"`
}

func (c Config) withDefaults() Config {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1000
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 2 * time.Second
	}
	if c.DisableFor <= 0 {
		c.DisableFor = 5 * time.Minute
	}
	if c.FallbackHold <= 0 {
		c.FallbackHold = 15 * time.Minute
	}
	if c.EscalationEvery <= 0 {
		c.EscalationEvery = time.Minute
	}
	if c.EscalationBurst <= 0 {
		c.EscalationBurst = 3
	}
	return c
}
