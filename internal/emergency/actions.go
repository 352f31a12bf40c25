package emergency

import (
	"context"
	"errors"
	"fmt"

	"notifyrelay/internal/transport"
)

var errRestoreNotImplemented = errors.New("restore from backup is not implemented")

type actionFunc func(ctx context.Context, o *Orchestrator, ev *Event) error

var actions = map[Action]actionFunc{
	ActionRestartTransport:     restartTransport,
	ActionFlashFallback:        activateFlashFallback,
	ActionEmergencyBroadcast:   emergencyBroadcast,
	ActionDisableNotifications: disableNotifications,
	ActionRestoreFromBackup:    restoreFromBackup,
	ActionManualIntervention:   requestManualIntervention,
}

func restartTransport(ctx context.Context, o *Orchestrator, _ *Event) error {
	t := o.depsSnapshot().Transport
	if t == nil {
		return errors.New("no restartable transport configured")
	}
	return t.Restart(ctx)
}

// activateFlashFallback routes delivery through the fallback channel for a
// while and tells the affected users realtime delivery is degraded.
func activateFlashFallback(ctx context.Context, o *Orchestrator, ev *Event) error {
	fb := o.depsSnapshot().Fallback
	if fb == nil {
		return errors.New("no fallback notifier configured")
	}
	o.mu.Lock()
	until := o.clock.Now().Add(o.cfg.FallbackHold)
	if until.After(o.fallbackUntil) {
		o.fallbackUntil = until
	}
	o.mu.Unlock()

	if len(ev.AffectedUsers) == 0 {
		return nil
	}
	return fb.Fallback(ctx, transport.Alert{
		Title: "Live updates interrupted",
		Text:  "Realtime notifications are degraded. Updates will appear here until the connection recovers.",
		Level: "warning",
		Users: append([]int64(nil), ev.AffectedUsers...),
		At:    o.clock.Now(),
	})
}

func emergencyBroadcast(ctx context.Context, o *Orchestrator, ev *Event) error {
	msg := fmt.Sprintf("Service disruption detected (%s). We are working on it.", ev.Type)
	if !o.SendEmergencyNotification(ctx, "Service disruption", msg, nil) {
		return errors.New("emergency broadcast reached no one")
	}
	return nil
}

func disableNotifications(_ context.Context, o *Orchestrator, _ *Event) error {
	o.mu.Lock()
	o.disabledUntil = o.clock.Now().Add(o.cfg.DisableFor)
	o.mu.Unlock()
	return nil
}

func restoreFromBackup(context.Context, *Orchestrator, *Event) error {
	return errRestoreNotImplemented
}

func requestManualIntervention(_ context.Context, _ *Orchestrator, ev *Event) error {
	ev.ManualIntervention = true
	return nil
}
