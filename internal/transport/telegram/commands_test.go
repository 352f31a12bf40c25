package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"notifyrelay/internal/emergency"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

type fakeOperator struct {
	active   bool
	by       string
	reason   string
	healthy  bool
	resolved []string
}

func (f *fakeOperator) Status() emergency.Status {
	return emergency.Status{EmergencyMode: f.active, Reason: f.reason, ActivatedBy: f.by, TotalEvents: 3, ActiveEvents: 1}
}

func (f *fakeOperator) RunHealthCheck(context.Context) emergency.HealthReport {
	rep := emergency.HealthReport{Status: emergency.HealthHealthy, Components: []emergency.ComponentHealth{
		{Name: "router", Healthy: true, Latency: 2 * time.Millisecond},
	}}
	if !f.healthy {
		rep.Status = emergency.HealthDegraded
		rep.Components = append(rep.Components, emergency.ComponentHealth{Name: "transport", Error: "hub <stopped>"})
	}
	return rep
}

func (f *fakeOperator) ActivateEmergencyMode(_ context.Context, reason, by string) error {
	f.active, f.reason, f.by = true, reason, by
	return nil
}

func (f *fakeOperator) DeactivateEmergencyMode(_ context.Context, by string) error {
	if !f.healthy {
		return emergency.ErrUnhealthy
	}
	f.active, f.by = false, by
	return nil
}

func (f *fakeOperator) Events(n int) []emergency.Event {
	evs := []emergency.Event{
		{ID: "01J0", Type: emergency.FailureWebSocket, Level: emergency.LevelHigh, Error: "dial <tcp>"},
		{ID: "01J1", Type: emergency.FailureWebSocket, Level: emergency.LevelLow, ResolvedAt: time.Unix(1, 0)},
	}
	return evs[:min(n, len(evs))]
}

func (f *fakeOperator) ResolveEvent(_ context.Context, id, _ string) bool {
	if id != "01J0" {
		return false
	}
	f.resolved = append(f.resolved, id)
	return true
}

type fakeSuspender map[model.ChannelID]string

func (f fakeSuspender) Suspend(id model.ChannelID, reason string) bool {
	if _, ok := f[id]; ok {
		return false
	}
	f[id] = reason
	return true
}

func (f fakeSuspender) Resume(id model.ChannelID) bool {
	if _, ok := f[id]; !ok {
		return false
	}
	delete(f, id)
	return true
}

func run(t *testing.T, c *Commands, from int64, text string) (string, error) {
	t.Helper()
	req, ok := parseCommand(text)
	if !ok {
		t.Fatalf("parseCommand(%q) rejected", text)
	}
	req.FromID, req.Username = from, "ops"
	return c.handle(context.Background(), req)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		cmd  string
		args int
		ok   bool
	}{
		{"/status", "status", 0, true},
		{"/Emergency@relay_bot on db down", "emergency", 3, true},
		{"  /events   5 ", "events", 1, true},
		{"hello", "", 0, false},
		{"/", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		req, ok := parseCommand(tt.text)
		if ok != tt.ok {
			t.Fatalf("%q: ok = %v", tt.text, ok)
		}
		if ok && (req.Command != tt.cmd || len(req.Args) != tt.args) {
			t.Fatalf("%q: got %+v", tt.text, req)
		}
	}
}

func TestCommandsOwnerOnly(t *testing.T) {
	t.Parallel()
	c := newCommands(CommandsConfig{Owners: []int64{1}}, &fakeOperator{}, fakeSuspender{}, logx.Nop())

	if reply, err := run(t, c, 2, "/status"); reply != "" || err != nil {
		t.Fatalf("non-owner got reply %q err %v", reply, err)
	}
	c.SetOwners([]int64{2})
	if reply, _ := run(t, c, 2, "/status"); !strings.Contains(reply, "emergency mode:") {
		t.Fatalf("owner after SetOwners got %q", reply)
	}
	if reply, _ := run(t, c, 1, "/status"); reply != "" {
		t.Fatalf("removed owner still answered: %q", reply)
	}
}

func TestCommandsEmergency(t *testing.T) {
	t.Parallel()
	op := &fakeOperator{}
	c := newCommands(CommandsConfig{Owners: []int64{1}}, op, fakeSuspender{}, logx.Nop())

	if _, err := run(t, c, 1, "/emergency on"); err == nil {
		t.Fatal("activation without reason accepted")
	}
	if _, err := run(t, c, 1, "/emergency on gateway flapping"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !op.active || op.reason != "gateway flapping" || op.by != "tg:@ops" {
		t.Fatalf("operator state = %+v", op)
	}
	if _, err := run(t, c, 1, "/emergency off"); !errors.Is(err, emergency.ErrUnhealthy) {
		t.Fatalf("unhealthy deactivate err = %v", err)
	}
	op.healthy = true
	if _, err := run(t, c, 1, "/emergency off"); err != nil || op.active {
		t.Fatalf("deactivate: err %v active %v", err, op.active)
	}
	if _, err := run(t, c, 1, "/emergency maybe"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func TestCommandsEscapeHTML(t *testing.T) {
	t.Parallel()
	c := newCommands(CommandsConfig{Owners: []int64{1}}, &fakeOperator{}, fakeSuspender{}, logx.Nop())

	health, _ := run(t, c, 1, "/health")
	if !strings.Contains(health, "hub &lt;stopped&gt;") || !strings.Contains(health, "degraded") {
		t.Fatalf("health = %q", health)
	}
	events, _ := run(t, c, 1, "/events 10")
	if !strings.Contains(events, "dial &lt;tcp&gt;") || !strings.Contains(events, "resolved") {
		t.Fatalf("events = %q", events)
	}
	if _, err := run(t, c, 1, "/events -1"); err == nil {
		t.Fatal("negative count accepted")
	}
}

func TestCommandsResolveSuspendResume(t *testing.T) {
	t.Parallel()
	op := &fakeOperator{}
	rec := fakeSuspender{}
	c := newCommands(CommandsConfig{Owners: []int64{1}}, op, rec, logx.Nop())

	if _, err := run(t, c, 1, "/resolve 01J0"); err != nil || len(op.resolved) != 1 {
		t.Fatalf("resolve: err %v resolved %v", err, op.resolved)
	}
	if _, err := run(t, c, 1, "/resolve nope"); err == nil {
		t.Fatal("unknown event resolved")
	}
	if _, err := run(t, c, 1, "/suspend ch-9 noisy client"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !strings.HasPrefix(rec["ch-9"], "noisy client") {
		t.Fatalf("suspend reason = %q", rec["ch-9"])
	}
	if _, err := run(t, c, 1, "/suspend ch-9"); err == nil {
		t.Fatal("double suspend accepted")
	}
	if _, err := run(t, c, 1, "/resume ch-9"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if reply, _ := run(t, c, 1, "/bogus"); !strings.Contains(reply, "/help") {
		t.Fatalf("unknown command reply = %q", reply)
	}
	if reply, _ := run(t, c, 1, "/help"); !strings.Contains(reply, "/suspend &lt;channel&gt;") {
		t.Fatalf("help = %q", reply)
	}
}

func TestCommandsRecoverPanics(t *testing.T) {
	t.Parallel()
	c := newCommands(CommandsConfig{Owners: []int64{1}}, nil, fakeSuspender{}, logx.Nop())
	if _, err := run(t, c, 1, "/status"); err == nil || err.Error() != "internal error" {
		t.Fatalf("err = %v", err)
	}
}
