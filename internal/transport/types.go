package transport

import (
	"context"
	"errors"
	"time"

	"notifyrelay/internal/model"
)

// Emitter sends one event to one live channel. Implementations must fail
// fast or time out; the core never waits for a client reply.
type Emitter interface {
	Emit(ctx context.Context, to model.ChannelID, event string, payload any) error
}

// Reconnector asks the transport to re-establish a single channel.
type Reconnector interface {
	Reconnect(ctx context.Context, ch model.ChannelID) error
}

// Restarter restarts the whole transport (all channels).
type Restarter interface {
	Restart(ctx context.Context) error
}

// Alert is an out-of-band notification used when realtime delivery is not
// available. Users empty means "everyone / operators".
type Alert struct {
	Title string
	Text  string
	Level string
	Users []int64
	At    time.Time
}

// FallbackNotifier delivers an Alert over a non-realtime channel.
type FallbackNotifier interface {
	Fallback(ctx context.Context, a Alert) error
}

// MultiFallback fans an Alert out to several notifiers. It succeeds when at
// least one notifier succeeds.
type MultiFallback []FallbackNotifier

func (m MultiFallback) Fallback(ctx context.Context, a Alert) error {
	if len(m) == 0 {
		return errors.New("no fallback notifiers configured")
	}
	var errs []error
	ok := false
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Fallback(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		ok = true
	}
	if ok {
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no fallback notifiers configured")
	}
	return errors.Join(errs...)
}
