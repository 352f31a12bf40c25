// Package systemd restarts and probes the external unit that backs the
// realtime transport, over the systemd D-Bus API.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyrelay/internal/transport"
	logx "notifyrelay/pkg/logx"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

type Config struct {
	Unit    string
	Mode    string
	Timeout time.Duration
}

// unitConn is the subset of *dbus.Conn the unit uses.
type unitConn interface {
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

// Unit is a transport.Restarter for one systemd unit.
type Unit struct {
	cfg Config
	log logx.Logger

	mu   sync.RWMutex
	conn unitConn
}

var _ transport.Restarter = (*Unit)(nil)

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

func newUnit(cfg Config, conn unitConn, log logx.Logger) *Unit {
	cfg.Unit = unitName(cfg.Unit)
	if cfg.Mode == "" {
		cfg.Mode = "replace"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Unit{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "systemd"), logx.String("unit", cfg.Unit)),
		conn: conn,
	}
}

func (u *Unit) connection() (unitConn, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil, errors.New("systemd connection is closed")
	}
	return u.conn, nil
}

// Restart queues a restart job and waits for its result.
func (u *Unit) Restart(ctx context.Context) error {
	conn, err := u.connection()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, u.cfg.Unit, u.cfg.Mode, done); err != nil {
		return fmt.Errorf("failed to restart %s: %w", u.cfg.Unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", u.cfg.Unit, res)
		}
		u.log.Info("unit restarted")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("restart %s: %w", u.cfg.Unit, ctx.Err())
	}
}

// HealthCheck fails unless the unit is active.
func (u *Unit) HealthCheck(ctx context.Context) error {
	conn, err := u.connection()
	if err != nil {
		return err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, u.cfg.Unit)
	if err != nil {
		return fmt.Errorf("failed to get status for %s: %w", u.cfg.Unit, err)
	}
	load, _ := props["LoadState"].(string)
	if load == "not-found" {
		return fmt.Errorf("unit %s not found", u.cfg.Unit)
	}
	active, _ := props["ActiveState"].(string)
	if active != "active" {
		sub, _ := props["SubState"].(string)
		return fmt.Errorf("unit %s is %s (%s)", u.cfg.Unit, active, sub)
	}
	return nil
}

func (u *Unit) Close() error {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}
