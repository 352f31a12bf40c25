package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, the JWT secret, the DSN)
// only ever appear as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Core, newCfg.Core) {
		changed = append(changed, "core")
		attrs = append(attrs,
			logx.Int("core.namespaces", len(newCfg.Core.Namespaces)),
			logx.String("core.retry_interval", strings.TrimSpace(newCfg.Core.RetryInterval)),
			logx.Bool("core.sweeps_changed", oldCfg.Core.Sweeps != newCfg.Core.Sweeps),
			logx.Bool("core.emergency_changed", oldCfg.Core.Emergency != newCfg.Core.Emergency),
		)
	}

	if !reflect.DeepEqual(oldCfg.WS, newCfg.WS) {
		changed = append(changed, "ws")
		attrs = append(attrs,
			logx.Bool("ws.enabled", newCfg.WS.Enabled),
			logx.String("ws.addr", strings.TrimSpace(newCfg.WS.Addr)),
			logx.Bool("ws.jwt_secret_set", newCfg.WS.JWTSecret != ""),
			logx.Int("ws.allowed_origins", len(newCfg.WS.AllowedOrigins)),
		)
	}

	if oldCfg.Flash != newCfg.Flash {
		changed = append(changed, "flash")
		attrs = append(attrs,
			logx.Bool("flash.enabled", newCfg.Flash.Enabled),
			logx.Int("flash.per_user", newCfg.Flash.PerUser),
		)
	}

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if oT.Enabled != nT.Enabled || oT.ThreadID != nT.ThreadID || oT.SendTimeout != nT.SendTimeout ||
		!reflect.DeepEqual(oT.ChatIDs, nT.ChatIDs) || oT.Token != nT.Token ||
		!reflect.DeepEqual(oT.Commands, nT.Commands) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Int("telegram.chat_count", len(nT.ChatIDs)),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
			logx.Bool("telegram.commands", nT.Commands.Enabled),
			logx.Int("telegram.owner_count", len(nT.Commands.OwnerIDs)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.enabled", newCfg.Systemd.Enabled),
			logx.String("systemd.unit", newCfg.Systemd.Unit),
		)
	}

	if oldCfg.Sysprobe != newCfg.Sysprobe {
		changed = append(changed, "sysprobe")
		attrs = append(attrs,
			logx.Bool("sysprobe.enabled", newCfg.Sysprobe.Enabled),
			logx.Float64("sysprobe.max_mem_percent", newCfg.Sysprobe.MaxMemPercent),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// RestartRequired reports which changed sections only take effect after a
// restart. Logging and the ops listener (addr, token, timeouts) are applied
// live; toggling ops.enabled or ops.pprof still needs a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s != "logging" && s != "ops" {
			out = append(out, s)
		}
	}
	return out
}
