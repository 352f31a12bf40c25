//go:build linux

package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	logx "notifyrelay/pkg/logx"
)

// New connects to the system bus.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Unit, error) {
	if cfg.Unit == "" {
		return nil, fmt.Errorf("systemd: unit is required")
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return newUnit(cfg, conn, log), nil
}
