package emergency

import (
	"context"
	"errors"
	"fmt"

	logx "notifyrelay/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// RunHealthCheck probes every collaborator concurrently. Each probe is
// bounded by ProbeTimeout and a panicking probe only marks its own
// component unhealthy. Two or more issues make the system critical, one
// makes it degraded.
func (o *Orchestrator) RunHealthCheck(ctx context.Context) HealthReport {
	d := o.depsSnapshot()
	probes := append([]Probe(nil), d.Probes...)
	if d.Store != nil {
		probes = append(probes, Probe{Name: "persistence", Check: pingCheck{d.Store}})
	}

	rep := HealthReport{CheckedAt: o.clock.Now()}
	if len(probes) == 0 {
		rep.Status = HealthError
		rep.Issues = []string{"no health probes configured"}
		return rep
	}

	rep.Components = make([]ComponentHealth, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			rep.Components[i] = o.probe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		rep.Status = HealthError
		rep.Issues = []string{"health check aborted: " + err.Error()}
		return rep
	}

	for _, c := range rep.Components {
		if !c.Healthy {
			rep.Issues = append(rep.Issues, c.Name+": "+c.Error)
		}
	}
	switch n := len(rep.Issues); {
	case n >= 2:
		rep.Status = HealthCritical
	case n == 1:
		rep.Status = HealthDegraded
	default:
		rep.Status = HealthHealthy
	}
	if rep.Status != HealthHealthy {
		o.log.Warn("health check found issues",
			logx.String("status", string(rep.Status)),
			logx.Int("issues", len(rep.Issues)),
		)
	}
	return rep
}

var errProbeTimeout = errors.New("probe timed out")

func (o *Orchestrator) probe(ctx context.Context, p Probe) ComponentHealth {
	res := ComponentHealth{Name: p.Name}
	if p.Check == nil {
		res.Error = "not configured"
		return res
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	start := o.clock.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- p.Check.HealthCheck(pctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = errProbeTimeout
	}
	res.Latency = o.clock.Now().Sub(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Healthy = true
	return res
}

type pingCheck struct{ p Pinger }

func (c pingCheck) HealthCheck(ctx context.Context) error { return c.p.Ping(ctx) }
