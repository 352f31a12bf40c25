package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyrelay/internal/emergency"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

type fakeEmergency struct {
	mu       sync.Mutex
	health   emergency.HealthStatus
	active   bool
	by       string
	resolved []string
}

func (f *fakeEmergency) RunHealthCheck(context.Context) emergency.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return emergency.HealthReport{Status: f.health}
}

func (f *fakeEmergency) ActivateEmergencyMode(_ context.Context, _ string, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active, f.by = true, by
	return nil
}

func (f *fakeEmergency) DeactivateEmergencyMode(_ context.Context, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health != emergency.HealthHealthy {
		return fmt.Errorf("%w: status %s", emergency.ErrUnhealthy, f.health)
	}
	f.active, f.by = false, by
	return nil
}

func (f *fakeEmergency) Events(n int) []emergency.Event {
	return []emergency.Event{{ID: "ev-1", Type: emergency.FailureWebSocket}}[:min(n, 1)]
}

func (f *fakeEmergency) ResolveEvent(_ context.Context, id, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "ev-1" {
		return false
	}
	f.resolved = append(f.resolved, id)
	return true
}

type fakeRecovery struct{ suspended map[model.ChannelID]string }

func (f *fakeRecovery) Suspend(id model.ChannelID, reason string) bool {
	if _, ok := f.suspended[id]; ok || id == "missing" {
		return false
	}
	f.suspended[id] = reason
	return true
}

func (f *fakeRecovery) Resume(id model.ChannelID) bool {
	if _, ok := f.suspended[id]; !ok {
		return false
	}
	delete(f.suspended, id)
	return true
}

func newOps(t *testing.T) (*httptest.Server, *fakeEmergency, *fakeRecovery) {
	t.Helper()
	em := &fakeEmergency{health: emergency.HealthHealthy}
	rec := &fakeRecovery{suspended: map[model.ChannelID]string{}}
	h := Handler(Deps{
		Emergency: em,
		Recovery:  rec,
		Status:    func() any { return map[string]int{"connections": 3} },
	}, logx.Nop())
	srv := httptest.NewServer(withAuth("secret", h))
	t.Cleanup(srv.Close)
	return srv, em, rec
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAuth(t *testing.T) {
	t.Parallel()
	srv, _, _ := newOps(t)

	tests := []struct {
		name string
		url  string
		auth string
		want int
	}{
		{"no token", "/status", "", http.StatusUnauthorized},
		{"wrong bearer", "/status", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/status", "Bearer secret", http.StatusOK},
		{"query token", "/status?token=secret", "", http.StatusOK},
		{"wrong query wins over header", "/status?token=x", "Bearer secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.url, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHealthzStatusCode(t *testing.T) {
	t.Parallel()
	srv, em, _ := newOps(t)

	for _, tt := range []struct {
		health emergency.HealthStatus
		want   int
	}{
		{emergency.HealthHealthy, http.StatusOK},
		{emergency.HealthDegraded, http.StatusOK},
		{emergency.HealthCritical, http.StatusServiceUnavailable},
		{emergency.HealthError, http.StatusServiceUnavailable},
	} {
		em.mu.Lock()
		em.health = tt.health
		em.mu.Unlock()
		resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.health, resp.StatusCode, tt.want)
		}
		var rep emergency.HealthReport
		if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil || rep.Status != tt.health {
			t.Fatalf("%s: body = %+v, err %v", tt.health, rep, err)
		}
	}
}

func TestEmergencyMode(t *testing.T) {
	t.Parallel()
	srv, em, _ := newOps(t)

	if resp := do(t, http.MethodPost, srv.URL+"/emergency/activate", `{"reason":"hub down","by":"alice"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}
	if !em.active || em.by != "alice" {
		t.Fatalf("active=%v by=%q", em.active, em.by)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/emergency/activate", `{"unknown":1}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", resp.StatusCode)
	}

	em.mu.Lock()
	em.health = emergency.HealthDegraded
	em.mu.Unlock()
	if resp := do(t, http.MethodPost, srv.URL+"/emergency/deactivate?by=bob", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("unhealthy deactivate status = %d", resp.StatusCode)
	}

	em.mu.Lock()
	em.health = emergency.HealthHealthy
	em.mu.Unlock()
	if resp := do(t, http.MethodPost, srv.URL+"/emergency/deactivate?by=bob", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d", resp.StatusCode)
	}
	if em.active || em.by != "bob" {
		t.Fatalf("active=%v by=%q", em.active, em.by)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/emergency/activate", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET activate status = %d", resp.StatusCode)
	}
}

func TestEventsAndResolve(t *testing.T) {
	t.Parallel()
	srv, em, _ := newOps(t)

	resp := do(t, http.MethodGet, srv.URL+"/events?limit=5", "")
	var body struct {
		Events []emergency.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.Events) != 1 {
		t.Fatalf("events = %+v, err %v", body, err)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/events?limit=x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/events/ev-1/resolve", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/events/ev-9/resolve", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resolve unknown status = %d", resp.StatusCode)
	}
	if len(em.resolved) != 1 {
		t.Fatalf("resolved = %v", em.resolved)
	}
}

func TestSuspendResume(t *testing.T) {
	t.Parallel()
	srv, _, rec := newOps(t)

	if resp := do(t, http.MethodPost, srv.URL+"/recovery/ch-1/suspend?reason=flapping", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend status = %d", resp.StatusCode)
	}
	if rec.suspended["ch-1"] != "flapping" {
		t.Fatalf("suspended = %v", rec.suspended)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/recovery/ch-1/suspend", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double suspend status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/recovery/ch-1/resume", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/recovery/ch-1/resume", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double resume status = %d", resp.StatusCode)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	s := New(Config{Name: "test", Addr: "127.0.0.1:0"}, h, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after Stop")
	}
	s.Stop(stopCtx)
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err = %v", err)
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	base := Config{Addr: "127.0.0.1:1", Token: "a"}
	if needsRestart(base, base) {
		t.Fatal("identical configs need restart")
	}
	changed := base
	changed.Token = "b"
	if !needsRestart(base, changed) {
		t.Fatal("token change did not need restart")
	}
}
