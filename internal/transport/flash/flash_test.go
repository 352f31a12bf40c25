package flash

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notifyrelay/internal/transport"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

func newStore(cfg Config) (*Store, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	return New(cfg, logx.Nop(), clk), clk
}

func titles(fs []Flash) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Title
	}
	return out
}

func TestDrainMergesUserAndBroadcast(t *testing.T) {
	t.Parallel()
	s, _ := newStore(Config{})
	ctx := context.Background()
	_ = s.Fallback(ctx, transport.Alert{Title: "a", Users: []int64{1}})
	_ = s.Fallback(ctx, transport.Alert{Title: "all"})
	_ = s.Fallback(ctx, transport.Alert{Title: "b", Users: []int64{1, 2}})

	if n := s.Pending(1); n != 3 {
		t.Fatalf("pending = %d", n)
	}
	got := titles(s.Drain(1))
	want := []string{"a", "all", "b"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("drain = %v, want %v", got, want)
	}
	if n := len(s.Drain(1)); n != 0 {
		t.Fatalf("second drain returned %d", n)
	}
	if got := titles(s.Drain(2)); len(got) != 2 {
		t.Fatalf("user 2 drain = %v", got)
	}
}

func TestPerUserBoundEvictsOldest(t *testing.T) {
	t.Parallel()
	s, _ := newStore(Config{PerUser: 2})
	for _, title := range []string{"1", "2", "3"} {
		_ = s.Fallback(context.Background(), transport.Alert{Title: title, Users: []int64{9}})
	}
	got := titles(s.Drain(9))
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("drain = %v", got)
	}
	if s.Stats().Dropped != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestExpiredFlashesAreSkippedAndSwept(t *testing.T) {
	t.Parallel()
	s, clk := newStore(Config{TTL: time.Minute})
	ctx := context.Background()
	_ = s.Fallback(ctx, transport.Alert{Title: "old", Users: []int64{3}})
	clk.Advance(2 * time.Minute)
	_ = s.Fallback(ctx, transport.Alert{Title: "new", Users: []int64{4}})

	if n := s.Sweep(); n != 1 {
		t.Fatalf("swept = %d", n)
	}
	if got := s.Drain(3); len(got) != 0 {
		t.Fatalf("expired flash drained: %v", titles(got))
	}
	if got := titles(s.Drain(4)); len(got) != 1 || got[0] != "new" {
		t.Fatalf("drain = %v", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	s, _ := newStore(Config{})
	_ = s.Fallback(context.Background(), transport.Alert{Title: "Live updates interrupted", Users: []int64{5}})
	h := s.Handler(func(r *http.Request) (int64, error) {
		if r.Header.Get("X-User") != "5" {
			return 0, errors.New("nope")
		}
		return 5, nil
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flash", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/flash", nil)
	req.Header.Set("X-User", "5")
	h.ServeHTTP(rec, req)
	var body struct {
		Flashes []Flash `json:"flashes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || len(body.Flashes) != 1 || body.Flashes[0].Level != "info" {
		t.Fatalf("status %d body %+v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flash", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status = %d", rec.Code)
	}
}
