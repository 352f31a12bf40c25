package core

import (
	"fmt"
	"strings"
	"time"

	"notifyrelay/internal/emergency"
	"notifyrelay/internal/recovery"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/router"

	"github.com/robfig/cron/v3"
)

// Sweeps are cron specs for the maintenance jobs. Seconds are optional and
// descriptors such as "@every 30s" are accepted.
type Sweeps struct {
	RegistryCleanup string `json:"registry_cleanup"`
	DeliveryCleanup string `json:"delivery_cleanup"`
	EventTrim       string `json:"event_trim"`
}

type Config struct {
	Namespaces    []registry.NamespacePolicy `json:"namespaces"`
	Router        router.Config              `json:"router"`
	Recovery      recovery.Config            `json:"recovery"`
	Emergency     emergency.Config           `json:"emergency"`
	RetryInterval time.Duration              `json:"retry_interval"`
	StopTimeout   time.Duration              `json:"stop_timeout"`
	Sweeps        Sweeps                     `json:"sweeps"`
}

var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c Config) withDefaults() Config {
	if len(c.Namespaces) == 0 {
		c.Namespaces = registry.DefaultNamespaces()
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Sweeps.RegistryCleanup) == "" {
		c.Sweeps.RegistryCleanup = "@every 1m"
	}
	if strings.TrimSpace(c.Sweeps.DeliveryCleanup) == "" {
		c.Sweeps.DeliveryCleanup = "@every 30s"
	}
	if strings.TrimSpace(c.Sweeps.EventTrim) == "" {
		c.Sweeps.EventTrim = "@every 1h"
	}
	return c
}

// Validate checks namespace names and sweep specs.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, ns := range c.Namespaces {
		name := strings.TrimSpace(ns.Name)
		if name == "" || !strings.HasPrefix(name, "/") {
			return fmt.Errorf("namespace %q: name must start with /", ns.Name)
		}
		if seen[name] {
			return fmt.Errorf("namespace %q: duplicate", name)
		}
		seen[name] = true
		if ns.MaxConnectionsPerUser < 0 {
			return fmt.Errorf("namespace %q: max_connections_per_user must be >= 0", name)
		}
	}
	for field, spec := range map[string]string{
		"sweeps.registry_cleanup": c.Sweeps.RegistryCleanup,
		"sweeps.delivery_cleanup": c.Sweeps.DeliveryCleanup,
		"sweeps.event_trim":       c.Sweeps.EventTrim,
	} {
		if spec == "" {
			continue
		}
		if _, err := sweepParser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid spec %q: %w", field, spec, err)
		}
	}
	return nil
}
