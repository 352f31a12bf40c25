package recovery

import (
	"time"

	"notifyrelay/internal/model"
)

// State is the derived health state of a connection.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateSuspended    State = "suspended"
)

// Strategy governs reconnect timing and the attempt budget.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyExponential Strategy = "exponential_backoff"
	StrategyLinear      Strategy = "linear_backoff"
	StrategyCircuit     Strategy = "circuit_breaker"
)

// ConnectionHealth is a snapshot derived from registry state and the
// engine's own flags. It is never stored.
type ConnectionHealth struct {
	ChannelID           model.ChannelID `json:"channel_id"`
	UserID              int64           `json:"user_id"`
	Namespace           string          `json:"namespace"`
	State               State           `json:"state"`
	Latency             time.Duration   `json:"latency"`
	ErrorRate           float64         `json:"error_rate"`
	FailureCount        int             `json:"failure_count"`
	RecoveryAttempts    int             `json:"recovery_attempts"`
	LastRecoveryAttempt time.Time       `json:"last_recovery_attempt,omitzero"`
	LastActivity        time.Time       `json:"last_activity"`
	SuspendReason       string          `json:"suspend_reason,omitempty"`
}

// RecoveryAction is one scheduled recovery of one connection.
type RecoveryAction struct {
	ID          string          `json:"id"`
	ChannelID   model.ChannelID `json:"channel_id"`
	Strategy    Strategy        `json:"strategy"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CreatedAt   time.Time       `json:"created_at"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
}

// Thresholds trip automatic recovery.
type Thresholds struct {
	Latency      time.Duration `json:"latency"`
	ErrorRate    float64       `json:"error_rate"`
	Inactivity   time.Duration `json:"inactivity"`
	FailureCount int           `json:"failure_count"`
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	Thresholds       Thresholds    `json:"thresholds"`
	MonitorInterval  time.Duration `json:"monitor_interval"`
	RecoveryInterval time.Duration `json:"recovery_interval"`
	ReconnectTimeout time.Duration `json:"reconnect_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Thresholds.Latency <= 0 {
		c.Thresholds.Latency = 5 * time.Second
	}
	if c.Thresholds.ErrorRate <= 0 {
		c.Thresholds.ErrorRate = 0.10
	}
	if c.Thresholds.Inactivity <= 0 {
		c.Thresholds.Inactivity = 300 * time.Second
	}
	if c.Thresholds.FailureCount <= 0 {
		c.Thresholds.FailureCount = 3
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 5 * time.Second
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 10 * time.Second
	}
	return c
}

// Callback observes recovery outcomes and suspensions.
type Callback func(id model.ChannelID, ok bool, msg string)

// Statistics summarizes the engine.
type Statistics struct {
	Connections         int           `json:"connections"`
	ByState             map[State]int `json:"by_state"`
	Queued              int           `json:"queued"`
	Triggered           uint64        `json:"triggered"`
	Attempts            uint64        `json:"attempts"`
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`
	Abandoned           uint64        `json:"abandoned"`
	Suspensions         uint64        `json:"suspensions"`
	AverageRecoveryTime time.Duration `json:"average_recovery_time"`
}

// HealthReport is the operational view of connection health.
type HealthReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Statistics  Statistics         `json:"statistics"`
	Unhealthy   []ConnectionHealth `json:"unhealthy"`
	Critical    []ConnectionHealth `json:"critical"`
}

// ResultEvent is published on the event bus after each recovery attempt.
type ResultEvent struct {
	ChannelID model.ChannelID `json:"channel_id"`
	Strategy  Strategy        `json:"strategy"`
	Attempt   int             `json:"attempt"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	At        time.Time       `json:"at"`
}
