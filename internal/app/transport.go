package app

import (
	"context"
	"fmt"

	"notifyrelay/internal/core"
	"notifyrelay/internal/transport"
	"notifyrelay/internal/transport/ws"
)

var _ core.Transport = unitTransport{}

// unitTransport is the websocket hub fronted by an external gateway unit.
// A transport restart restarts the unit first, then drops every socket so
// clients reconnect through the fresh gateway.
type unitTransport struct {
	*ws.Hub
	unit transport.Restarter
}

func (t unitTransport) Restart(ctx context.Context) error {
	if err := t.unit.Restart(ctx); err != nil {
		return fmt.Errorf("restart gateway unit: %w", err)
	}
	return t.Hub.Restart(ctx)
}
