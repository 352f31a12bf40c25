package emergency

import (
	"errors"
	"fmt"
	"testing"

	"notifyrelay/internal/fault"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		fc   FailureContext
		want FailureType
	}{
		{"websocket keyword", errors.New("websocket closed unexpectedly"), FailureContext{}, FailureWebSocket},
		{"transport component", errors.New("boom"), FailureContext{Component: "transport"}, FailureWebSocket},
		{"transport sentinel", fmt.Errorf("%w: reset", fault.ErrTransportFailure), FailureContext{}, FailureWebSocket},
		{"emit from router", fmt.Errorf("%w: emit", fault.ErrTransportFailure), FailureContext{Component: "router"}, FailureDelivery},
		{"delivery keyword", errors.New("emit failed for message"), FailureContext{}, FailureDelivery},
		{"expired", fault.ErrExpired, FailureContext{}, FailureDelivery},
		{"database", errors.New("database is locked"), FailureContext{}, FailureDatabase},
		{"database before connection", errors.New("database connection refused"), FailureContext{}, FailureDatabase},
		{"storage component", errors.New("write failed"), FailureContext{Component: "storage"}, FailureDatabase},
		{"auth sentinel", fault.ErrAuthorizationDenied, FailureContext{}, FailureAuthentication},
		{"auth keyword", errors.New("jwt signature invalid"), FailureContext{}, FailureAuthentication},
		{"socket before room", errors.New("websocket connection dropped while joining room captions"), FailureContext{}, FailureWebSocket},
		{"handshake before token", errors.New("socket handshake failed: invalid token"), FailureContext{}, FailureWebSocket},
		{"room alone is not routing", errors.New("room captions is full"), FailureContext{}, FailureOverload},
		{"send alone is not delivery", errors.New("send queue stalled"), FailureContext{}, FailureOverload},
		{"buffer overflow", errors.New("websocket send buffer overflow"), FailureContext{}, FailureMemory},
		{"namespace", errors.New("unknown namespace /x"), FailureContext{}, FailureRouting},
		{"not found", fmt.Errorf("%w: room", fault.ErrNotFound), FailureContext{}, FailureRouting},
		{"memory", errors.New("runtime: out of memory"), FailureContext{Component: "transport"}, FailureMemory},
		{"overflow", errors.New("queue overflow"), FailureContext{}, FailureMemory},
		{"rate limit", errors.New("429 too many requests"), FailureContext{}, FailureRateLimit},
		{"capacity", fault.ErrCapacityExceeded, FailureContext{}, FailureRateLimit},
		{"operation text", errors.New("boom"), FailureContext{Operation: "persist snapshot"}, FailureDatabase},
		{"unknown", errors.New("something odd"), FailureContext{}, FailureOverload},
		{"tagged", Classified(FailureAuthentication, errors.New("websocket")), FailureContext{Component: "transport"}, FailureAuthentication},
	}
	for _, tc := range cases {
		if got := Classify(tc.err, tc.fc); got != tc.want {
			t.Errorf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifiedIsTaxonomyMember(t *testing.T) {
	t.Parallel()
	inner := errors.New("disk full")
	err := Classified(FailureDatabase, inner)
	if !errors.Is(err, fault.ErrClassified) || !errors.Is(err, inner) {
		t.Fatalf("Classified must wrap both the taxonomy and the cause")
	}
	if got := fault.KindOf(err); got != "classified_system_failure" {
		t.Fatalf("KindOf = %q", got)
	}
}

func users(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestAssessLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		typ      FailureType
		affected int
		want     Level
	}{
		{FailureWebSocket, 0, LevelMedium},
		{FailureWebSocket, 10, LevelMedium},
		{FailureWebSocket, 11, LevelHigh},
		{FailureDatabase, 15, LevelHigh},
		{FailureDatabase, 3, LevelMedium},
		{FailureDelivery, 100, LevelMedium},
		{FailureRouting, 0, LevelMedium},
		{FailureAuthentication, 100, LevelLow},
		{FailureRateLimit, 100, LevelLow},
		{FailureMemory, 0, LevelCritical},
	}
	for _, tc := range cases {
		got := AssessLevel(tc.typ, FailureContext{AffectedUsers: users(tc.affected)})
		if got != tc.want {
			t.Errorf("AssessLevel(%s, %d) = %s, want %s", tc.typ, tc.affected, got, tc.want)
		}
	}
}

func TestOverloadAlwaysCritical(t *testing.T) {
	t.Parallel()
	for n := 0; n <= 200; n += 7 {
		if got := AssessLevel(FailureOverload, FailureContext{AffectedUsers: users(n)}); got != LevelCritical {
			t.Fatalf("affected=%d: level %s", n, got)
		}
	}
}

func TestEveryFailureTypeHasAPlan(t *testing.T) {
	t.Parallel()
	for _, ft := range []FailureType{
		FailureWebSocket, FailureDelivery, FailureDatabase, FailureAuthentication,
		FailureRouting, FailureMemory, FailureRateLimit, FailureOverload,
	} {
		p := Plan(ft)
		if len(p.Actions) == 0 || p.EscalationThreshold <= 0 {
			t.Errorf("%s: incomplete plan %+v", ft, p)
		}
		for _, a := range p.Actions {
			if _, ok := actions[a]; !ok {
				t.Errorf("%s: action %s has no implementation", ft, a)
			}
		}
	}
	if got := Plan("NOPE").Actions; len(got) != len(plans[FailureOverload].Actions) {
		t.Fatalf("unknown type should use overload plan")
	}
}
