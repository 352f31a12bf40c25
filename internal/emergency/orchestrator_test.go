package emergency

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport/transporttest"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

type fakeDelivery struct {
	mu        sync.Mutex
	ok        bool
	admin     []model.Message
	broadcast []model.Message
	direct    map[int64][]model.Message
}

func (d *fakeDelivery) RouteToUser(_ context.Context, user int64, msg model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.direct == nil {
		d.direct = map[int64][]model.Message{}
	}
	d.direct[user] = append(d.direct[user], msg)
	return d.ok
}

func (d *fakeDelivery) RouteAdminMessage(_ context.Context, msg model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admin = append(d.admin, msg)
	return d.ok
}

func (d *fakeDelivery) RouteSystemBroadcast(_ context.Context, msg model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast = append(d.broadcast, msg)
	return d.ok
}

func (d *fakeDelivery) counts() (admin, broadcast int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.admin), len(d.broadcast)
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func healthy() HealthCheckable { return checkFunc(func(context.Context) error { return nil }) }

type fixture struct {
	clk  *clock.FakeClock
	rs   *transporttest.Restarter
	fb   *transporttest.Fallback
	del  *fakeDelivery
	bus  eventbus.Bus
	o    *Orchestrator
	deps Deps
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clk: clock.Fake(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)),
		rs:  &transporttest.Restarter{},
		fb:  &transporttest.Fallback{},
		del: &fakeDelivery{ok: true},
		bus: eventbus.New(),
	}
	f.deps = Deps{
		Transport: f.rs,
		Delivery:  f.del,
		Fallback:  f.fb,
		Probes: []Probe{
			{Name: "transport", Check: healthy()},
			{Name: "router", Check: healthy()},
		},
	}
	f.o = New(cfg, f.deps, logx.Nop(), WithClock(f.clk), WithBus(f.bus))
	return f
}

func TestDetectAndRecoverTransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	sub, unsub := f.bus.Subscribe(4)
	defer unsub()

	ok := f.o.DetectAndRecover(context.Background(),
		errors.New("transport error: connection reset by peer"),
		FailureContext{Component: "transport", AffectedUsers: users(15)})
	if !ok {
		t.Fatalf("automatic recovery should succeed")
	}

	evs := f.o.Events(0)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Type != FailureWebSocket || ev.Level != LevelHigh {
		t.Fatalf("classified %s/%s, want WEBSOCKET/high", ev.Type, ev.Level)
	}
	if len(ev.Actions) != 2 ||
		ev.Actions[0].Action != ActionRestartTransport ||
		ev.Actions[1].Action != ActionFlashFallback {
		t.Fatalf("actions = %+v", ev.Actions)
	}
	for _, a := range ev.Actions {
		if !a.OK {
			t.Fatalf("action %s failed: %s", a.Action, a.Error)
		}
	}
	if f.rs.Calls() != 1 {
		t.Fatalf("restart calls = %d", f.rs.Calls())
	}
	alerts := f.fb.Alerts()
	if len(alerts) != 1 || len(alerts[0].Users) != 15 {
		t.Fatalf("fallback alerts = %+v", alerts)
	}
	if !f.o.FallbackActive() {
		t.Fatalf("flash fallback should be active")
	}
	if ev.ManualIntervention || ev.Escalated || ev.ResolvedBy != "auto" {
		t.Fatalf("successful high event should auto-resolve: %+v", ev)
	}
	if len(ev.ID) != 26 {
		t.Fatalf("event id %q is not a ulid", ev.ID)
	}

	select {
	case e := <-sub:
		if e.Type != eventbus.EmergencyDetected {
			t.Fatalf("event type = %s", e.Type)
		}
	default:
		t.Fatalf("no detection event published")
	}

	f.clk.Advance(16 * time.Minute)
	if f.o.FallbackActive() {
		t.Fatalf("flash fallback should lapse after the hold")
	}
}

func TestDetectAndRecoverNilError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if !f.o.DetectAndRecover(context.Background(), nil, FailureContext{}) {
		t.Fatalf("nil error is not a failure")
	}
	if len(f.o.Events(0)) != 0 {
		t.Fatalf("nil error must not record an event")
	}
}

func TestFailedActionEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.rs.Err = errors.New("unit restart refused")

	ok := f.o.DetectAndRecover(context.Background(), errors.New("websocket upgrade failed"), FailureContext{AffectedUsers: users(2)})
	if ok {
		t.Fatalf("expected failure when restart fails")
	}
	ev := f.o.Events(1)[0]
	if ev.Level != LevelMedium || ev.Success || !ev.ManualIntervention || !ev.Escalated {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Actions[0].OK || !ev.Actions[1].OK {
		t.Fatalf("actions = %+v", ev.Actions)
	}
	var escalation bool
	for _, a := range f.fb.Alerts() {
		if strings.HasPrefix(a.Title, "Emergency escalation") {
			escalation = true
		}
	}
	if !escalation {
		t.Fatalf("no escalation alert sent")
	}
	if admin, _ := f.del.counts(); admin != 1 {
		t.Fatalf("admin messages = %d, want 1", admin)
	}
	st := f.o.Status()
	if st.ActiveEvents != 1 || st.ManualIntervention != 1 || st.Escalations != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRestoreFromBackupIsAStub(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if f.o.DetectAndRecover(context.Background(), errors.New("database unavailable"), FailureContext{}) {
		t.Fatalf("database recovery cannot succeed while restore is a stub")
	}
	ev := f.o.Events(1)[0]
	last := ev.Actions[len(ev.Actions)-1]
	if last.Action != ActionRestoreFromBackup || last.OK || !strings.Contains(last.Error, "not implemented") {
		t.Fatalf("restore action = %+v", last)
	}
}

func TestCriticalOverload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{DisableFor: time.Minute})

	ok := f.o.DetectAndRecover(context.Background(), errors.New("something odd"), FailureContext{})
	if !ok {
		t.Fatalf("overload actions should all succeed")
	}
	ev := f.o.Events(1)[0]
	if ev.Type != FailureOverload || ev.Level != LevelCritical {
		t.Fatalf("event = %+v", ev)
	}
	if !ev.ManualIntervention || !ev.Escalated || !ev.ResolvedAt.IsZero() {
		t.Fatalf("critical events always need an operator: %+v", ev)
	}
	if f.o.NotificationsEnabled() {
		t.Fatalf("notifications should be disabled")
	}
	// Broadcast skipped the disabled normal path and used the fallback.
	if _, broadcast := f.del.counts(); broadcast != 0 {
		t.Fatalf("normal broadcast while disabled: %d", broadcast)
	}
	var disruption bool
	for _, a := range f.fb.Alerts() {
		if a.Title == "Service disruption" {
			disruption = true
		}
	}
	if !disruption {
		t.Fatalf("emergency broadcast did not reach the fallback")
	}

	f.clk.Advance(2 * time.Minute)
	if !f.o.NotificationsEnabled() {
		t.Fatalf("notifications should be enabled again")
	}
	if st := f.o.Status(); st.Overdue != 1 {
		t.Fatalf("overdue = %d, want 1", st.Overdue)
	}
}

func TestEscalationThrottled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{EscalationBurst: 1, EscalationEvery: time.Hour})
	for i := 0; i < 3; i++ {
		f.o.DetectAndRecover(context.Background(), errors.New("something odd"), FailureContext{})
	}
	st := f.o.Status()
	if st.Escalations != 1 || st.EscalationsThrottled != 2 {
		t.Fatalf("escalations = %d, throttled = %d", st.Escalations, st.EscalationsThrottled)
	}
	if st.TotalEvents != 3 || st.ManualIntervention != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEmergencyModeToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	var mu sync.Mutex
	probeErr := errors.New("socket hub down")
	f.deps.Probes = append(f.deps.Probes, Probe{Name: "ws", Check: checkFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return probeErr
	})})
	f.o.SetDeps(f.deps)
	ctx := context.Background()

	if err := f.o.ActivateEmergencyMode(ctx, "", ""); err == nil {
		t.Fatalf("activation needs an actor")
	}
	if err := f.o.ActivateEmergencyMode(ctx, "transport outage", "ops"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.o.ActivateEmergencyMode(ctx, "again", "ops"); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	st := f.o.Status()
	if !st.EmergencyMode || !st.FallbackActive || st.Reason != "transport outage" || len(st.Audit) != 1 {
		t.Fatalf("status after activate = %+v", st)
	}
	if admin, _ := f.del.counts(); admin != 1 {
		t.Fatalf("admins notified %d times, want 1", admin)
	}

	err := f.o.DeactivateEmergencyMode(ctx, "ops")
	if !errors.Is(err, ErrUnhealthy) || !strings.Contains(err.Error(), "socket hub down") {
		t.Fatalf("deactivate while unhealthy: %v", err)
	}
	if !f.o.EmergencyMode() {
		t.Fatalf("refused deactivation must keep the mode on")
	}

	mu.Lock()
	probeErr = nil
	mu.Unlock()
	if err := f.o.DeactivateEmergencyMode(ctx, "ops"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := f.o.DeactivateEmergencyMode(ctx, "ops"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	st = f.o.Status()
	if st.EmergencyMode || st.FallbackActive || len(st.Audit) != 2 || st.Audit[1].Active {
		t.Fatalf("status after deactivate = %+v", st)
	}
}

func TestRunHealthCheck(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	failing := checkFunc(func(context.Context) error { return errors.New("down") })
	panicking := checkFunc(func(context.Context) error { panic("probe bug") })
	hanging := checkFunc(func(context.Context) error { <-block; return nil })

	cases := []struct {
		name   string
		probes []Probe
		want   HealthStatus
		issues int
	}{
		{"none", nil, HealthError, 1},
		{"all healthy", []Probe{{"a", healthy()}, {"b", healthy()}}, HealthHealthy, 0},
		{"one failing", []Probe{{"a", healthy()}, {"b", failing}}, HealthDegraded, 1},
		{"panic and failure", []Probe{{"a", panicking}, {"b", failing}, {"c", healthy()}}, HealthCritical, 2},
		{"timeout", []Probe{{"a", hanging}}, HealthDegraded, 1},
		{"nil check", []Probe{{"a", nil}}, HealthDegraded, 1},
	}
	for _, tc := range cases {
		f := newFixture(t, Config{ProbeTimeout: 20 * time.Millisecond})
		f.deps.Probes = tc.probes
		f.o.SetDeps(f.deps)
		rep := f.o.RunHealthCheck(context.Background())
		if rep.Status != tc.want || len(rep.Issues) != tc.issues {
			t.Errorf("%s: status %s issues %v, want %s/%d", tc.name, rep.Status, rep.Issues, tc.want, tc.issues)
		}
	}
}

func TestRunHealthCheckCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if rep := f.o.RunHealthCheck(ctx); rep.Status != HealthError {
		t.Fatalf("status = %s, want error", rep.Status)
	}
}

func TestSendEmergencyNotification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, Config{})
	if !f.o.SendEmergencyNotification(ctx, "t", "m", nil) {
		t.Fatalf("normal path should succeed")
	}
	if len(f.fb.Alerts()) != 0 {
		t.Fatalf("fallback used although normal delivery worked")
	}

	f.del.ok = false
	if !f.o.SendEmergencyNotification(ctx, "t", "m", []int64{7, 8}) {
		t.Fatalf("fallback path should succeed")
	}
	alerts := f.fb.Alerts()
	if len(alerts) != 1 || len(alerts[0].Users) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}

	f.fb.Err = errors.New("bot offline")
	if f.o.SendEmergencyNotification(ctx, "t", "m", nil) {
		t.Fatalf("both paths failed, want false")
	}
}

func TestSendEmergencyNotificationDuringEmergencyMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	if err := f.o.ActivateEmergencyMode(ctx, "drill", "ops"); err != nil {
		t.Fatal(err)
	}
	before := len(f.fb.Alerts())
	if !f.o.SendEmergencyNotification(ctx, "t", "m", nil) {
		t.Fatalf("send failed")
	}
	if _, broadcast := f.del.counts(); broadcast != 1 {
		t.Fatalf("normal path should still be used")
	}
	if len(f.fb.Alerts()) != before+1 {
		t.Fatalf("fallback must be forced on in emergency mode")
	}
}

func TestEventsTrimAndResolve(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxEvents: 3, Retention: time.Hour})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.o.DetectAndRecover(ctx, errors.New("auth token expired"), FailureContext{})
		f.clk.Advance(time.Minute)
	}
	evs := f.o.Events(0)
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	if !evs[0].At.After(evs[1].At) {
		t.Fatalf("events not newest first")
	}
	if got := f.o.Events(2); len(got) != 2 || got[0].ID != evs[0].ID {
		t.Fatalf("Events(2) = %+v", got)
	}

	id := evs[1].ID
	if !f.o.ResolveEvent(ctx, id, "ops") {
		t.Fatalf("resolve failed")
	}
	if f.o.ResolveEvent(ctx, id, "ops") || f.o.ResolveEvent(ctx, "missing", "ops") {
		t.Fatalf("resolve must be single-shot and reject unknown ids")
	}
	if st := f.o.Status(); st.ActiveEvents != 2 {
		t.Fatalf("active = %d, want 2", st.ActiveEvents)
	}

	f.clk.Advance(2 * time.Hour)
	if n := f.o.TrimEvents(); n != 3 {
		t.Fatalf("trimmed %d, want 3", n)
	}
	if len(f.o.Events(0)) != 0 {
		t.Fatalf("retention should drop everything")
	}
}

func TestPersistenceAndHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay")
	st, err := storage.Open(ctx, storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	f := newFixture(t, Config{})
	f.deps.Store = st
	f.o.SetDeps(f.deps)
	f.o.DetectAndRecover(ctx, errors.New("websocket dropped"), FailureContext{AffectedUsers: users(3)})
	id := f.o.Events(1)[0].ID

	rep := f.o.RunHealthCheck(ctx)
	if rep.Status != HealthHealthy || len(rep.Components) != 3 {
		t.Fatalf("health with store = %+v", rep)
	}

	recs, err := st.RecentEvents(ctx, 10)
	if err != nil || len(recs) != 1 || recs[0].ID != id || !recs[0].Resolved {
		t.Fatalf("stored = %+v, %v", recs, err)
	}

	g := New(Config{}, Deps{Store: st}, logx.Nop(), WithClock(f.clk))
	n, err := g.LoadHistory(ctx)
	if err != nil || n != 1 {
		t.Fatalf("LoadHistory = %d, %v", n, err)
	}
	if got := g.Events(0); len(got) != 1 || got[0].ID != id || got[0].Type != FailureWebSocket {
		t.Fatalf("restored = %+v", got)
	}
	if n, _ := g.LoadHistory(ctx); n != 0 {
		t.Fatalf("second load duplicated %d events", n)
	}
}

func TestPanickingActionIsContained(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.deps.Transport = panicRestarter{}
	f.o.SetDeps(f.deps)
	if f.o.DetectAndRecover(context.Background(), errors.New("websocket gone"), FailureContext{}) {
		t.Fatalf("panicking action must count as failure")
	}
	ev := f.o.Events(1)[0]
	if !strings.Contains(ev.Actions[0].Error, "panicked") {
		t.Fatalf("action error = %q", ev.Actions[0].Error)
	}
}

type panicRestarter struct{}

func (panicRestarter) Restart(context.Context) error { panic("nil transport") }
