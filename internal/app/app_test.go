package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"notifyrelay/internal/config"
	"notifyrelay/internal/model"
	"notifyrelay/internal/registry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapCore(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Core: config.CoreConfig{
		Namespaces: []config.NamespaceConfig{
			{Name: "/", MaxConnectionsPerUser: 2, Rooms: []string{"lobby"}},
			{Name: "/ops", AdminOnly: true, Rooms: []string{"pager"}},
		},
		RetryInterval: "2s",
		Router:        config.RouterConfig{QueueCap: 7, DeliveryTimeout: "bogus"},
		Recovery:      config.RecoveryConfig{LatencyThreshold: "750ms", ErrorRateThreshold: 0.2},
		Emergency:     config.EmergencyConfig{DisableFor: "1m"},
	}}

	got := mapCore(cfg)
	if got.RetryInterval != 2*time.Second || got.Router.QueueCap != 7 {
		t.Fatalf("retry=%v queue=%d", got.RetryInterval, got.Router.QueueCap)
	}
	if got.Router.DeliveryTimeout != 0 {
		t.Fatalf("invalid duration mapped to %v, want component default", got.Router.DeliveryTimeout)
	}
	if got.Recovery.Thresholds.Latency != 750*time.Millisecond || got.Recovery.Thresholds.ErrorRate != 0.2 {
		t.Fatalf("thresholds = %+v", got.Recovery.Thresholds)
	}
	if got.Emergency.DisableFor != time.Minute {
		t.Fatalf("disable_for = %v", got.Emergency.DisableFor)
	}
	if len(got.Namespaces) != 2 || got.Namespaces[1].DefaultRooms[0].Type != registry.RoomAdmin {
		t.Fatalf("namespaces = %+v", got.Namespaces)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		driver  string
		enabled bool
		wantErr bool
	}{
		{"absent", nil, "", false, false},
		{"none", &config.StorageConfig{Driver: "none"}, "", false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "x"}, "file", true, false},
		{"sqlite needs path", &config.StorageConfig{Driver: "sqlite"}, "", false, true},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite", true, false},
		{"postgres needs dsn", &config.StorageConfig{Driver: "pgx"}, "", false, true},
		{"postgres", &config.StorageConfig{Driver: "postgresql", DSN: "postgres://x"}, "postgres", true, false},
		{"unknown", &config.StorageConfig{Driver: "mongo"}, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr || enabled != tt.enabled || got.Driver != tt.driver {
				t.Fatalf("got %+v enabled=%v err=%v", got, enabled, err)
			}
		})
	}
}

func TestMapListeners(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{WS: config.WSConfig{Path: "stream"}, Ops: config.OpsConfig{Token: "t"}}
	if p := wsPath(cfg); p != "/stream" {
		t.Fatalf("wsPath = %q", p)
	}
	if pub := mapPublic(cfg); pub.Addr != ":8080" || !pub.AllowInsecure || pub.Token != "" {
		t.Fatalf("public = %+v", pub)
	}
	if ops := mapOps(cfg); ops.Addr != "127.0.0.1:6061" || ops.Token != "t" || ops.AllowInsecure {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestMapCommands(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Telegram: config.TelegramConfig{
		Token:    "123:abc",
		Commands: config.TelegramCommands{Enabled: true, OwnerIDs: []int64{42}, PollTimeout: "30s"},
	}}
	got := mapCommands(cfg)
	if got.Token != "123:abc" || len(got.Owners) != 1 || got.Owners[0] != 42 || got.PollTimeout != 30*time.Second {
		t.Fatalf("commands = %+v", got)
	}
	cfg.Telegram.Commands.PollTimeout = ""
	if got := mapCommands(cfg); got.PollTimeout != 0 {
		t.Fatalf("empty poll timeout mapped to %v", got.PollTimeout)
	}
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`{
		"logging": {"level": "error"},
		"storage": {"driver": "file", "path": %q},
		"ws": {"enabled": true, "insecure": true, "addr": "127.0.0.1:0"},
		"flash": {"enabled": true},
		"ops": {"enabled": true, "addr": "127.0.0.1:0", "token": "t0k"},
		"core": {"users": [{"id": 8, "role": "user"}]}
	}`, filepath.Join(dir, "relay")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, StopAppStop); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	for _, srv := range []interface{ Ready() <-chan struct{} }{a.public, a.ops} {
		select {
		case <-srv.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("listener never became ready")
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.public.Addr()+"/ws?user=7&role=user", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readEvent := func(want string) json.RawMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var f struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&f); err != nil {
				t.Fatalf("read %s: %v", want, err)
			}
			if f.Event == want {
				return f.Data
			}
		}
	}
	readEvent("connected")

	msg := model.NewMessage(model.CategoryUser, "user.notice", map[string]string{"text": "hi"})
	if !a.Core().Send(ctx, 7, msg) {
		t.Fatal("Send returned false for a connected user")
	}
	if data := readEvent("user.notice"); !strings.Contains(string(data), msg.ID) {
		t.Fatalf("frame data %s does not carry message id %s", data, msg.ID)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+a.ops.Addr()+"/status", nil)
	req.Header.Set("Authorization", "Bearer t0k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var st struct {
		Registry struct {
			Connections int `json:"connections"`
		} `json:"registry"`
		WS         map[string]any `json:"ws"`
		KnownUsers int            `json:"known_users"`
		Flash      map[string]any `json:"flash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Registry.Connections != 1 || st.WS == nil || st.Flash == nil || st.KnownUsers != 2 {
		t.Fatalf("status = %+v", st)
	}

	flashResp, err := http.Get("http://" + a.public.Addr() + "/flash?user=7")
	if err != nil {
		t.Fatalf("flash: %v", err)
	}
	_ = flashResp.Body.Close()
	if flashResp.StatusCode != http.StatusOK {
		t.Fatalf("flash status = %d", flashResp.StatusCode)
	}

	// Broadcasts keep queueing for users who went offline and for seeded
	// users who never connected.
	_ = conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for a.Core().Registry.Stats("").Connections != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.Core().Router.RouteSystemBroadcast(ctx, model.NewMessage(model.CategorySystem, "maintenance", nil))
	for _, user := range []int64{7, 8} {
		if got := a.Core().Router.PendingFor(user); len(got) != 1 {
			t.Fatalf("pending for user %d = %d, want 1", user, len(got))
		}
	}
}

func TestMapUsers(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Core: config.CoreConfig{Users: []config.UserConfig{{ID: 1, Role: "Admin"}, {ID: 2, Role: "user"}}}}
	got := mapUsers(cfg)
	if got[1] != model.RoleAdmin || got[2] != model.RoleUser || len(got) != 2 {
		t.Fatalf("users = %v", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"core": {"namespaces": [{"name": "nope"}]}}`)
	if _, err := New(context.Background(), path); err == nil {
		t.Fatal("New accepted a namespace without a leading slash")
	}
}
