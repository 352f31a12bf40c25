package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/transport/transporttest"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

type harness struct {
	reg   *registry.Registry
	em    *transporttest.Emitter
	clk   *clock.FakeClock
	r     *Router
	users StaticDirectory
}

func newHarness(t *testing.T, users StaticDirectory) *harness {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	em := transporttest.NewEmitter()
	reg := registry.New(nil, logx.Nop(), registry.WithEmitter(em), registry.WithClock(clk))
	var opts []Option
	opts = append(opts, WithClock(clk))
	if users != nil {
		opts = append(opts, WithDirectory(users))
	}
	return &harness{reg: reg, em: em, clk: clk, r: New(Config{}, reg, logx.Nop(), opts...), users: users}
}

func (h *harness) connect(t *testing.T, user int64, role model.Role, ns string) model.ChannelID {
	t.Helper()
	id, err := h.reg.Register(user, role, ns, registry.AuthContext{SessionID: fmt.Sprint(user), Authenticated: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

func frames(t *testing.T, em *transporttest.Emitter, ch model.ChannelID) []Delivery {
	t.Helper()
	var out []Delivery
	for _, s := range em.SentTo(ch) {
		d, ok := s.Payload.(Delivery)
		if !ok {
			t.Fatalf("payload %T is not a Delivery", s.Payload)
		}
		out = append(out, d)
	}
	return out
}

func TestUnknownCategoryUsesSystemRule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	rule := h.r.Rule(model.Category("NOT_A_CATEGORY"))
	if rule.Category != model.CategorySystem || rule.Strategy != StrategyBroadcast {
		t.Fatalf("rule = %+v, want SYSTEM broadcast", rule)
	}

	ch := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	if !h.r.RouteToUser(context.Background(), 1, model.NewMessage("NOT_A_CATEGORY", "x", nil)) {
		t.Fatal("routing an unknown category should fall back and deliver")
	}
	if len(frames(t, h.em, ch)) != 1 {
		t.Fatal("expected one frame")
	}
}

func TestCaptionDirectDeliveryAndConfirm(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ch := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)

	msg := model.NewMessage(model.CategoryCaption, "caption", map[string]string{"text": "hi"})
	if !h.r.RouteToUser(context.Background(), 1, msg) {
		t.Fatal("RouteToUser = false, want true")
	}
	got := frames(t, h.em, ch)
	if len(got) != 1 || got[0].ID != msg.ID || got[0].Event != "caption" {
		t.Fatalf("frames = %+v", got)
	}

	atts := h.r.Attempts(msg.ID, 1)
	if len(atts) != 1 || atts[0].Status != StatusDelivered || !atts[0].ConfirmedAt.IsZero() {
		t.Fatalf("attempts before confirm = %+v", atts)
	}
	if !h.r.ConfirmDelivery(msg.ID, 1) {
		t.Fatal("ConfirmDelivery = false")
	}
	atts = h.r.Attempts(msg.ID, 1)
	if atts[0].Status != StatusDelivered || atts[0].ConfirmedAt.IsZero() {
		t.Fatalf("attempt after confirm = %+v", atts[0])
	}

	// Confirmed attempts never expire.
	h.clk.Advance(time.Minute)
	if n := h.r.CleanupExpired(0); n != 0 {
		t.Fatalf("CleanupExpired = %d, want 0", n)
	}
	if h.r.ConfirmDelivery("unknown", 1) {
		t.Fatal("confirming an unknown message should fail")
	}
}

func TestMultipleChannelsAnySuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	b := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	h.em.Fail(a, true)

	msg := model.NewMessage(model.CategoryUser, "dm", nil)
	if !h.r.RouteToUser(context.Background(), 1, msg) {
		t.Fatal("one working channel should be enough")
	}
	if len(frames(t, h.em, b)) != 1 {
		t.Fatal("working channel did not receive frame")
	}
	statuses := map[model.ChannelID]Status{}
	for _, att := range h.r.Attempts(msg.ID, 1) {
		statuses[att.Channel] = att.Status
	}
	if statuses[a] != StatusFailed || statuses[b] != StatusDelivered {
		t.Fatalf("statuses = %v", statuses)
	}
	if len(h.r.PendingFor(1)) != 0 {
		t.Fatal("delivered message must not be queued")
	}
}

func TestOfflineUserQueuedExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	msg := model.NewMessage(model.CategoryUser, "dm", nil)

	for i := 0; i < 3; i++ {
		if h.r.RouteToUser(context.Background(), 42, msg) {
			t.Fatal("offline user must not report delivery")
		}
	}
	pending := h.r.PendingFor(42)
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("pending = %+v, want exactly the one message", pending)
	}
	if st := h.r.Stats(); st.PendingRetries != 1 || st.QueuedUsers != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSystemBroadcastQueuesOfflineAndRetryDelivers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, StaticDirectory{1: model.RoleUser, 2: model.RoleUser})
	online := h.connect(t, 2, model.RoleUser, registry.NamespaceGeneral)

	first := model.NewMessage(model.CategorySystem, "maintenance", nil)
	second := model.NewMessage(model.CategorySystem, "maintenance", nil)
	for _, m := range []model.Message{first, second} {
		if !h.r.RouteSystemBroadcast(context.Background(), m) {
			t.Fatal("broadcast should reach the online user")
		}
	}
	if len(frames(t, h.em, online)) != 2 {
		t.Fatal("online user missed broadcast")
	}
	if got := h.r.PendingFor(1); len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("offline queue = %+v", got)
	}

	// Still offline: nothing retried, order kept.
	h.clk.Advance(11 * time.Second)
	if n := h.r.RetryFailedDeliveries(context.Background()); n != 0 {
		t.Fatalf("retried = %d while offline, want 0", n)
	}

	ch := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	if n := h.r.RetryFailedDeliveries(context.Background()); n != 2 {
		t.Fatalf("retried = %d, want 2", n)
	}
	got := frames(t, h.em, ch)
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("redelivered frames = %+v", got)
	}
	if len(h.r.PendingFor(1)) != 0 {
		t.Fatal("queue should be empty after redelivery")
	}
	if st := h.r.Stats(); st.RetrySucceeded != 2 {
		t.Fatalf("retry succeeded = %d, want 2", st.RetrySucceeded)
	}
}

func TestRetryQueueFIFOAndEviction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	var msgs []model.Message
	for i := 0; i < 55; i++ {
		m := model.NewMessage(model.CategoryUser, fmt.Sprintf("m%d", i), nil)
		msgs = append(msgs, m)
		h.r.RouteToUser(context.Background(), 9, m)
	}

	pending := h.r.PendingFor(9)
	if len(pending) != 50 {
		t.Fatalf("queue length = %d, want 50", len(pending))
	}
	for i, m := range pending {
		if m.ID != msgs[i+5].ID {
			t.Fatalf("pending[%d] = %s, want %s (oldest evicted first)", i, m.Event, msgs[i+5].Event)
		}
	}
	if st := h.r.Stats(); st.Evicted != 5 {
		t.Fatalf("evicted = %d, want 5", st.Evicted)
	}

	ch := h.connect(t, 9, model.RoleUser, registry.NamespaceGeneral)
	h.clk.Advance(5 * time.Second)
	if n := h.r.RetryFailedDeliveries(context.Background()); n != 50 {
		t.Fatalf("retried = %d, want 50", n)
	}
	got := frames(t, h.em, ch)
	for i, f := range got {
		if f.ID != msgs[i+5].ID {
			t.Fatalf("delivery %d out of order: %s", i, f.Event)
		}
	}
}

func TestRetryWaitsForDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.r.RouteToUser(context.Background(), 3, model.NewMessage(model.CategoryUser, "x", nil))
	h.connect(t, 3, model.RoleUser, registry.NamespaceGeneral)

	h.clk.Advance(time.Second)
	if n := h.r.RetryFailedDeliveries(context.Background()); n != 0 {
		t.Fatalf("retried = %d before delay elapsed, want 0", n)
	}
	if len(h.r.PendingFor(3)) != 1 {
		t.Fatal("entry must stay queued")
	}
}

func TestRetryDropsAfterMaxRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ch := h.connect(t, 4, model.RoleUser, registry.NamespaceGeneral)
	h.em.Fail(ch, true)

	msg := model.NewMessage(model.CategoryUser, "x", nil)
	if h.r.RouteToUser(context.Background(), 4, msg) {
		t.Fatal("failing channel should not deliver")
	}
	atts := h.r.Attempts(msg.ID, 4)
	if len(atts) != 1 || atts[0].Status != StatusRetrying {
		t.Fatalf("attempts = %+v, want one retrying", atts)
	}

	maxRetries := h.r.Rule(model.CategoryUser).MaxRetries
	for i := 0; i < maxRetries; i++ {
		h.clk.Advance(5 * time.Second)
		if n := h.r.RetryFailedDeliveries(context.Background()); n != 1 {
			t.Fatalf("round %d retried = %d, want 1", i, n)
		}
	}
	if len(h.r.PendingFor(4)) != 0 {
		t.Fatal("entry should be dropped after max retries")
	}
	if st := h.r.Stats(); st.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", st.Dropped)
	}
}

func TestAdminMessageRoleAndSecurityValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, StaticDirectory{1: model.RoleAdmin, 2: model.RoleUser})
	adminCh := h.connect(t, 1, model.RoleAdmin, registry.NamespaceAdmin)
	userCh := h.connect(t, 2, model.RoleUser, registry.NamespaceGeneral)

	msg := model.NewMessage(model.CategoryAdmin, "audit", nil)
	if !h.r.RouteAdminMessage(context.Background(), msg) {
		t.Fatal("admin message should reach admin")
	}
	if len(frames(t, h.em, adminCh)) != 1 || len(h.em.SentTo(userCh)) != 0 {
		t.Fatal("admin message reached the wrong audience")
	}

	if h.r.RouteToUser(context.Background(), 2, model.NewMessage(model.CategorySecurity, "alert", nil)) {
		t.Fatal("non-admin must be denied security messages")
	}

	bad := model.NewMessage(model.CategorySecurity, "alert", map[string]any{
		"security_event": map[string]any{"event_type": "login", "timestamp": 1},
	})
	bad.AdminOnly = true
	if h.r.RouteToUser(context.Background(), 1, bad) {
		t.Fatal("security_event without severity must be rejected")
	}

	good := bad
	good.Data = json.RawMessage(`{"security_event":{"event_type":"login","timestamp":1,"severity":"high"}}`)
	if !h.r.RouteToUser(context.Background(), 1, good) {
		t.Fatal("complete security_event should be delivered")
	}
	if st := h.r.Stats(); st.Denied != 2 {
		t.Fatalf("denied = %d, want 2", st.Denied)
	}
}

func TestSecurityValidationRequiresNamespaceSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, StaticDirectory{1: model.RoleAdmin})
	h.connect(t, 1, model.RoleAdmin, registry.NamespaceGeneral)
	if h.r.RouteToUser(context.Background(), 1, model.NewMessage(model.CategoryAdmin, "x", nil)) {
		t.Fatal("admin without /admin channel must be denied")
	}
	if len(h.r.PendingFor(1)) != 0 {
		t.Fatal("denied messages are not queued")
	}
}

func TestRoomBasedTranslation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	b := h.connect(t, 2, model.RoleUser, registry.NamespaceGeneral)

	msg := model.NewMessage(model.CategoryTranslation, "translation", nil)
	if !h.r.RouteToUser(context.Background(), 1, msg) {
		t.Fatal("translation should go through the translations room")
	}
	if len(h.em.SentTo(a)) != 1 || len(h.em.SentTo(b)) != 1 {
		t.Fatal("room members should all receive the frame")
	}
	env, ok := h.em.SentTo(a)[0].Payload.(registry.RoomEnvelope)
	if !ok || env.Room != "translations" {
		t.Fatalf("payload = %#v", h.em.SentTo(a)[0].Payload)
	}

	if err := h.reg.LeaveRoom(a, "translations"); err != nil {
		t.Fatal(err)
	}
	if h.r.RouteToUser(context.Background(), 1, model.NewMessage(model.CategoryTranslation, "translation", nil)) {
		t.Fatal("user outside every target room should fail")
	}
}

func TestCleanupExpiredAndPurge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	msg := model.NewMessage(model.CategoryUser, "x", nil)
	h.r.RouteToUser(context.Background(), 1, msg)

	h.clk.Advance(10 * time.Second)
	if n := h.r.CleanupExpired(0); n != 0 {
		t.Fatalf("expired too early: %d", n)
	}
	h.clk.Advance(25 * time.Second)
	if n := h.r.CleanupExpired(0); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if atts := h.r.Attempts(msg.ID, 1); len(atts) != 1 || atts[0].Status != StatusExpired {
		t.Fatalf("attempts = %+v", atts)
	}
	if h.r.ConfirmDelivery(msg.ID, 1) {
		t.Fatal("expired delivery cannot be confirmed")
	}

	h.clk.Advance(25 * time.Hour)
	h.r.CleanupExpired(0)
	if len(h.r.Attempts(msg.ID, 1)) != 0 {
		t.Fatal("attempt past retention should be purged")
	}
	if st := h.r.Stats(); st.Purged != 1 || st.Expired != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStatusTransitionsNeverGoBackward(t *testing.T) {
	t.Parallel()
	order := map[Status]int{StatusPending: 0, StatusDelivered: 1, StatusFailed: 1, StatusRetrying: 2, StatusExpired: 2}
	all := []Status{StatusPending, StatusDelivered, StatusFailed, StatusRetrying, StatusExpired}
	for _, from := range all {
		for _, to := range all {
			if canTransition(from, to) && order[to] <= order[from] {
				t.Fatalf("transition %s -> %s goes backward", from, to)
			}
		}
	}
	if !canTransition(StatusPending, StatusDelivered) || !canTransition(StatusFailed, StatusRetrying) {
		t.Fatal("expected forward transitions to be allowed")
	}
}

func TestDeliveryEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	clk := clock.Fake(time.Unix(0, 0))
	em := transporttest.NewEmitter()
	reg := registry.New(nil, logx.Nop(), registry.WithEmitter(em), registry.WithClock(clk))
	r := New(Config{}, reg, logx.Nop(), WithClock(clk), WithBus(bus))

	r.RouteToUser(context.Background(), 5, model.NewMessage(model.CategoryUser, "x", nil))
	select {
	case ev := <-events:
		if ev.Type != eventbus.DeliveryQueued {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.DeliveryQueued)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestHealthCheckBacklog(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(time.Unix(0, 0))
	reg := registry.New(nil, logx.Nop(), registry.WithEmitter(transporttest.NewEmitter()), registry.WithClock(clk))
	r := New(Config{BacklogAlert: 2}, reg, logx.Nop(), WithClock(clk))
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck = %v", err)
	}
	r.RouteToUser(context.Background(), 1, model.NewMessage(model.CategoryUser, "a", nil))
	r.RouteToUser(context.Background(), 2, model.NewMessage(model.CategoryUser, "b", nil))
	if err := r.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected backlog error")
	}
}

func TestUserDirectoryRemembersObservedUsers(t *testing.T) {
	t.Parallel()
	d := NewUserDirectory(StaticDirectory{7: model.RoleAdmin})
	d.Observe(3, model.RoleUser)
	d.Observe(3, model.RoleModerator)

	if r, ok := d.RoleOf(3); !ok || r != model.RoleModerator {
		t.Fatalf("RoleOf(3) = %q, %v", r, ok)
	}
	if r, ok := d.RoleOf(7); !ok || r != model.RoleAdmin {
		t.Fatalf("seeded RoleOf(7) = %q, %v", r, ok)
	}
	if _, ok := d.RoleOf(99); ok {
		t.Fatal("unknown user reported")
	}
	if d.Len() != 2 || len(d.Users()) != 2 {
		t.Fatalf("users = %v", d.Users())
	}
}

func TestConfirmDeliveryRejectsFailedAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ch := h.connect(t, 1, model.RoleUser, registry.NamespaceGeneral)
	h.em.Fail(ch, true)

	msg := model.NewMessage(model.CategoryCaption, "caption", nil)
	if h.r.RouteToUser(context.Background(), 1, msg) {
		t.Fatal("RouteToUser = true with a failing channel")
	}
	for _, att := range h.r.Attempts(msg.ID, 1) {
		if att.Status == StatusPending {
			t.Fatalf("pending attempt stored: %+v", att)
		}
	}
	if h.r.ConfirmDelivery(msg.ID, 1) {
		t.Fatal("a failed delivery was confirmed")
	}
	for _, att := range h.r.Attempts(msg.ID, 1) {
		if att.Status == StatusDelivered || !att.ConfirmedAt.IsZero() {
			t.Fatalf("failed attempt changed by confirm: %+v", att)
		}
	}
}
