package core

import (
	"context"
	"fmt"
	"time"

	logx "notifyrelay/pkg/logx"

	"github.com/robfig/cron/v3"
)

// SweepResult reports one maintenance pass.
type SweepResult struct {
	Connections   int `json:"connections"`
	Rooms         int `json:"rooms"`
	ExpiredSends  int `json:"expired_sends"`
	TrimmedEvents int `json:"trimmed_events"`
}

// Sweep runs every maintenance job once.
func (c *Core) Sweep(ctx context.Context) SweepResult {
	res := c.Registry.Cleanup(ctx)
	return SweepResult{
		Connections:   res.Connections,
		Rooms:         res.Rooms,
		ExpiredSends:  c.Router.CleanupExpired(0),
		TrimmedEvents: c.Emergency.TrimEvents(),
	}
}

func (c *Core) newSweeps() (*cron.Cron, error) {
	cl := cronLogger{log: c.log.With(logx.String("comp", "sweeps"))}
	sched := cron.New(
		cron.WithParser(sweepParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range c.sweepJobs(c.sup.Context(), cl.log) {
		if _, err := sched.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("sweep %s: %w", j.name, err)
		}
	}
	return sched, nil
}

type sweepJob struct {
	name string
	spec string
	fn   func()
}

func (c *Core) sweepJobs(ctx context.Context, log logx.Logger) []sweepJob {
	return []sweepJob{
		// Registry.Cleanup logs its own results.
		{"registry_cleanup", c.cfg.Sweeps.RegistryCleanup, func() { c.Registry.Cleanup(ctx) }},
		{"delivery_cleanup", c.cfg.Sweeps.DeliveryCleanup, func() {
			if n := c.Router.CleanupExpired(0); n > 0 {
				log.Debug("deliveries expired", logx.Int("count", n))
			}
		}},
		{"event_trim", c.cfg.Sweeps.EventTrim, func() {
			if n := c.Emergency.TrimEvents(); n > 0 {
				log.Debug("emergency events trimmed", logx.Int("count", n))
			}
		}},
	}
}
// cronLogger adapts logx to cron.Logger. Cron's info chatter goes to debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
