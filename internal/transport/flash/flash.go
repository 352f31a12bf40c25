// Package flash keeps short-lived per-user notices for clients whose live
// connection is interrupted. The web layer drains them on the next page
// load or poll.
package flash

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyrelay/internal/transport"
	"notifyrelay/pkg/clock"
	logx "notifyrelay/pkg/logx"
)

type Config struct {
	PerUser int
	TTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerUser <= 0 {
		c.PerUser = 20
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	return c
}

// Flash is one queued notice.
type Flash struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Text  string    `json:"text,omitempty"`
	Level string    `json:"level"`
	At    time.Time `json:"at"`

	seq uint64
}

// Store holds the flash queues. Alerts without users go to a shared
// broadcast queue that every user drains once.
type Store struct {
	cfg   Config
	log   logx.Logger
	clock clock.Clock

	mu        sync.Mutex
	seq       uint64
	users     map[int64][]Flash
	broadcast []Flash
	cursor    map[int64]uint64
	dropped   uint64
}

var _ transport.FallbackNotifier = (*Store)(nil)

func New(cfg Config, log logx.Logger, c clock.Clock) *Store {
	return &Store{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "flash")),
		clock:  clock.OrReal(c),
		users:  map[int64][]Flash{},
		cursor: map[int64]uint64{},
	}
}

func (s *Store) Fallback(ctx context.Context, a transport.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	at := a.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	level := a.Level
	if level == "" {
		level = "info"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	f := Flash{ID: uuid.NewString(), Title: a.Title, Text: a.Text, Level: level, At: at, seq: s.seq}
	if len(a.Users) == 0 {
		s.broadcast = s.push(s.broadcast, f)
		return nil
	}
	for _, u := range a.Users {
		s.users[u] = s.push(s.users[u], f)
	}
	return nil
}

// push appends f, evicting the oldest entries beyond PerUser.
func (s *Store) push(q []Flash, f Flash) []Flash {
	q = append(q, f)
	if over := len(q) - s.cfg.PerUser; over > 0 {
		s.dropped += uint64(over)
		q = append(q[:0:0], q[over:]...)
	}
	return q
}

// Drain returns and forgets the user's pending flashes, oldest first,
// including broadcasts the user has not seen yet. Expired entries are
// skipped.
func (s *Store) Drain(user int64) []Flash {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Flash
	for _, f := range s.broadcast {
		if f.seq > s.cursor[user] && now.Sub(f.At) <= s.cfg.TTL {
			out = append(out, f)
		}
	}
	s.cursor[user] = s.seq
	for _, f := range s.users[user] {
		if now.Sub(f.At) <= s.cfg.TTL {
			out = append(out, f)
		}
	}
	delete(s.users, user)

	// arrival order across both queues
	slices.SortFunc(out, func(a, b Flash) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

type Stats struct {
	Users     int    `json:"users"`
	Broadcast int    `json:"broadcast"`
	Dropped   uint64 `json:"dropped"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Users: len(s.users), Broadcast: len(s.broadcast), Dropped: s.dropped}
}

// Pending reports how many flashes wait for user.
func (s *Store) Pending(user int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.users[user])
	for _, f := range s.broadcast {
		if f.seq > s.cursor[user] {
			n++
		}
	}
	return n
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	keep := func(q []Flash) []Flash {
		out := q[:0]
		for _, f := range q {
			if now.Sub(f.At) <= s.cfg.TTL {
				out = append(out, f)
			} else {
				removed++
			}
		}
		return out
	}
	for u, q := range s.users {
		if q = keep(q); len(q) == 0 {
			delete(s.users, u)
		} else {
			s.users[u] = q
		}
	}
	s.broadcast = keep(s.broadcast)
	return removed
}

// Identify resolves the caller of a drain request.
type Identify func(r *http.Request) (int64, error)

var errMethod = errors.New("method not allowed")

// Handler serves GET requests with the caller's drained flashes as JSON.
func (s *Store) Handler(identify Identify) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, errMethod.Error(), http.StatusMethodNotAllowed)
			return
		}
		user, err := identify(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		out := s.Drain(user)
		if out == nil {
			out = []Flash{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(map[string]any{"flashes": out}); err != nil {
			s.log.Debug("flash response write failed", logx.Err(err))
		}
	})
}
