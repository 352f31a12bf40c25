package app

import (
	"strings"
	"time"

	"notifyrelay/internal/config"
	"notifyrelay/internal/core"
	"notifyrelay/internal/emergency"
	"notifyrelay/internal/model"
	"notifyrelay/internal/observability/opsserver"
	"notifyrelay/internal/ops/sysprobe"
	"notifyrelay/internal/ops/systemd"
	"notifyrelay/internal/recovery"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/router"
	"notifyrelay/internal/transport/flash"
	"notifyrelay/internal/transport/telegram"
	"notifyrelay/internal/transport/ws"
	logx "notifyrelay/pkg/logx"
)

// Durations were validated when the config was decoded, so the mappers
// fall back to component defaults instead of returning errors.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapNamespaces(in []config.NamespaceConfig) []registry.NamespacePolicy {
	if len(in) == 0 {
		return nil
	}
	out := make([]registry.NamespacePolicy, 0, len(in))
	for _, ns := range in {
		p := registry.NamespacePolicy{
			Name:                  strings.TrimSpace(ns.Name),
			AdminOnly:             ns.AdminOnly,
			MaxConnectionsPerUser: ns.MaxConnectionsPerUser,
		}
		typ := registry.RoomGeneral
		if ns.AdminOnly {
			typ = registry.RoomAdmin
		}
		for _, room := range ns.Rooms {
			p.DefaultRooms = append(p.DefaultRooms, registry.RoomSpec{ID: room, Type: typ})
		}
		out = append(out, p)
	}
	return out
}

func mapCore(cfg *config.Config) core.Config {
	c := cfg.Core
	return core.Config{
		Namespaces: mapNamespaces(c.Namespaces),
		Router: router.Config{
			QueueCap:        c.Router.QueueCap,
			DeliveryTimeout: config.Dur(c.Router.DeliveryTimeout, 0),
			Retention:       config.Dur(c.Router.Retention, 0),
			BacklogAlert:    c.Router.BacklogAlert,
		},
		Recovery: recovery.Config{
			Thresholds: recovery.Thresholds{
				Latency:      config.Dur(c.Recovery.LatencyThreshold, 0),
				ErrorRate:    c.Recovery.ErrorRateThreshold,
				Inactivity:   config.Dur(c.Recovery.Inactivity, 0),
				FailureCount: c.Recovery.FailureCount,
			},
			MonitorInterval:  config.Dur(c.Recovery.MonitorInterval, 0),
			RecoveryInterval: config.Dur(c.Recovery.RecoveryInterval, 0),
			ReconnectTimeout: config.Dur(c.Recovery.ReconnectTimeout, 0),
		},
		Emergency: emergency.Config{
			MaxEvents:       c.Emergency.MaxEvents,
			Retention:       config.Dur(c.Emergency.Retention, 0),
			ProbeTimeout:    config.Dur(c.Emergency.ProbeTimeout, 0),
			ActionTimeout:   config.Dur(c.Emergency.ActionTimeout, 0),
			DisableFor:      config.Dur(c.Emergency.DisableFor, 0),
			FallbackHold:    config.Dur(c.Emergency.FallbackHold, 0),
			EscalationEvery: config.Dur(c.Emergency.EscalationEvery, 0),
			EscalationBurst: c.Emergency.EscalationBurst,
		},
		RetryInterval: config.Dur(c.RetryInterval, 0),
		StopTimeout:   config.Dur(c.StopTimeout, 0),
		Sweeps: core.Sweeps{
			RegistryCleanup: c.Sweeps.RegistryCleanup,
			DeliveryCleanup: c.Sweeps.DeliveryCleanup,
			EventTrim:       c.Sweeps.EventTrim,
		},
	}
}

func mapUsers(cfg *config.Config) router.StaticDirectory {
	out := make(router.StaticDirectory, len(cfg.Core.Users))
	for _, u := range cfg.Core.Users {
		out[u.ID] = model.ParseRole(u.Role)
	}
	return out
}

func mapWS(cfg *config.Config) ws.Config {
	w := cfg.WS
	return ws.Config{
		JWTSecret:      w.JWTSecret,
		Insecure:       w.Insecure,
		AllowedOrigins: w.AllowedOrigins,
		PingInterval:   config.Dur(w.PingInterval, 0),
		WriteTimeout:   config.Dur(w.WriteTimeout, 0),
		SendBuffer:     w.SendBuffer,
		EmitRate:       float64(w.EmitRatePerSec),
		EmitBurst:      w.EmitBurst,
	}
}

// mapPublic is the listener carrying the websocket and flash endpoints.
// Those authenticate per request, so the listener itself has no token.
func mapPublic(cfg *config.Config) opsserver.Config {
	addr := strings.TrimSpace(cfg.WS.Addr)
	if addr == "" {
		addr = ":8080"
	}
	return opsserver.Config{
		Name:          "public",
		Addr:          addr,
		AllowInsecure: true,
		ReadTimeout:   15 * time.Second,
		IdleTimeout:   120 * time.Second,
	}
}

func wsPath(cfg *config.Config) string {
	p := strings.TrimSpace(cfg.WS.Path)
	if p == "" {
		return "/ws"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func mapOps(cfg *config.Config) opsserver.Config {
	o := cfg.Ops
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = "127.0.0.1:6061"
	}
	return opsserver.Config{
		Name:          "ops",
		Addr:          addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   config.Dur(o.ReadTimeout, 10*time.Second),
		// pprof profile and trace stream for up to 30s by default.
		WriteTimeout: config.Dur(o.WriteTimeout, 60*time.Second),
		IdleTimeout:  config.Dur(o.IdleTimeout, 60*time.Second),
	}
}

func mapFlash(cfg *config.Config) flash.Config {
	return flash.Config{PerUser: cfg.Flash.PerUser, TTL: config.Dur(cfg.Flash.TTL, 0)}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	t := cfg.Telegram
	return telegram.Config{
		Token:       t.Token,
		ChatIDs:     t.ChatIDs,
		ThreadID:    t.ThreadID,
		SendTimeout: config.Dur(t.SendTimeout, 0),
	}
}

func mapCommands(cfg *config.Config) telegram.CommandsConfig {
	return telegram.CommandsConfig{
		Token:       cfg.Telegram.Token,
		Owners:      cfg.Telegram.Commands.OwnerIDs,
		PollTimeout: config.Dur(cfg.Telegram.Commands.PollTimeout, 0),
	}
}

func mapSystemd(cfg *config.Config) systemd.Config {
	s := cfg.Systemd
	return systemd.Config{Unit: s.Unit, Mode: s.Mode, Timeout: config.Dur(s.Timeout, 0)}
}

func mapSysprobe(cfg *config.Config) sysprobe.Config {
	return sysprobe.Config{MaxUsedPercent: cfg.Sysprobe.MaxMemPercent, MinAvailableMB: cfg.Sysprobe.MinAvailableMB}
}
