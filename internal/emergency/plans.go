package emergency

import "time"

var plans = map[FailureType]RecoveryPlan{
	FailureWebSocket: {
		Level:   LevelHigh,
		Actions: []Action{ActionRestartTransport, ActionFlashFallback},
		ManualActions: []string{
			"check reverse proxy websocket upgrade headers",
			"inspect transport logs for handshake errors",
		},
		EscalationThreshold: 5 * time.Minute,
		FallbackEnabled:     true,
	},
	FailureDelivery: {
		Level:               LevelMedium,
		Actions:             []Action{ActionFlashFallback},
		ManualActions:       []string{"inspect retry queue backlog", "check client acknowledgements"},
		EscalationThreshold: 10 * time.Minute,
		FallbackEnabled:     true,
	},
	FailureDatabase: {
		Level:               LevelHigh,
		Actions:             []Action{ActionFlashFallback, ActionRestoreFromBackup},
		ManualActions:       []string{"check database connectivity and disk space", "restore the latest backup"},
		EscalationThreshold: 5 * time.Minute,
		FallbackEnabled:     true,
	},
	FailureAuthentication: {
		Level:               LevelMedium,
		Actions:             []Action{ActionManualIntervention},
		ManualActions:       []string{"verify token signing keys", "review recent permission changes"},
		EscalationThreshold: 15 * time.Minute,
	},
	FailureRouting: {
		Level:               LevelMedium,
		Actions:             []Action{ActionRestartTransport},
		ManualActions:       []string{"review namespace and room configuration"},
		EscalationThreshold: 10 * time.Minute,
	},
	FailureMemory: {
		Level:               LevelCritical,
		Actions:             []Action{ActionDisableNotifications, ActionFlashFallback},
		ManualActions:       []string{"capture a heap profile", "restart the service"},
		EscalationThreshold: 2 * time.Minute,
		FallbackEnabled:     true,
	},
	FailureRateLimit: {
		Level:               LevelLow,
		Actions:             []Action{ActionDisableNotifications},
		ManualActions:       []string{"review per-client rate limits"},
		EscalationThreshold: 15 * time.Minute,
	},
	FailureOverload: {
		Level:               LevelCritical,
		Actions:             []Action{ActionDisableNotifications, ActionEmergencyBroadcast, ActionManualIntervention},
		ManualActions:       []string{"scale out or shed load", "check upstream dependencies"},
		EscalationThreshold: time.Minute,
		FallbackEnabled:     true,
	},
}

// Plan returns the recovery plan for t. Unknown types get the overload plan.
func Plan(t FailureType) RecoveryPlan {
	p, ok := plans[t]
	if !ok {
		p = plans[FailureOverload]
	}
	p.Actions = append([]Action(nil), p.Actions...)
	p.ManualActions = append([]string(nil), p.ManualActions...)
	return p
}
