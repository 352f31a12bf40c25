package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

// RecordLatency stores the latest round-trip sample for a channel.
func (r *Registry) RecordLatency(id model.ChannelID, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[id]; c != nil {
		c.latency = d
		c.lastActivity = r.clock.Now()
	}
}

// Touch marks inbound activity on a channel.
func (r *Registry) Touch(id model.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[id]; c != nil {
		c.lastActivity = r.clock.Now()
	}
}

// SetConnected flips the live flag of a channel. It reports false for
// unknown channels.
func (r *Registry) SetConnected(id model.ChannelID, connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return false
	}
	c.connected = connected
	if connected {
		c.lastActivity = r.clock.Now()
	}
	return true
}

// ResetHealth clears the failure counters of a channel after a successful
// recovery.
func (r *Registry) ResetHealth(id model.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[id]; c != nil {
		c.failureCount = 0
		c.sent, c.errs = 0, 0
		c.latency = 0
		c.connected = true
		c.lastActivity = r.clock.Now()
	}
}

func (r *Registry) Connection(id model.ChannelID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.conns[id]
	if c == nil {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// Connections returns every registered channel ordered by establishment time.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EstablishedAt.Equal(out[j].EstablishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EstablishedAt.Before(out[j].EstablishedAt)
	})
	return out
}

// ChannelsFor lists the user's live channels in a namespace.
func (r *Registry) ChannelsFor(user int64, namespace string) []model.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ChannelID
	for id := range r.byUser[user] {
		if c := r.conns[id]; c != nil && c.connected && c.namespace == namespace {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsAuthenticated reports whether the user holds any registered channel in
// the namespace. Channels only exist after an authenticated handshake.
func (r *Registry) IsAuthenticated(user int64, namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byUser[user] {
		if c := r.conns[id]; c != nil && c.namespace == namespace {
			return true
		}
	}
	return false
}

// UserRooms returns the union of rooms joined by the user's channels in a
// namespace.
func (r *Registry) UserRooms(user int64, namespace string) []string {
	r.mu.RLock()
	seen := map[string]struct{}{}
	for id := range r.byUser[user] {
		c := r.conns[id]
		if c == nil || c.namespace != namespace {
			continue
		}
		for room := range c.rooms {
			seen[room] = struct{}{}
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Room(id string) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm := r.rooms[id]
	if rm == nil {
		return RoomInfo{}, false
	}
	return RoomInfo{RoomSpec: rm.spec, Members: len(rm.members), CreatedAt: rm.createdAt}, true
}

// UsersByRole returns the distinct users with at least one channel whose
// role is one of roles. No roles means every registered user.
func (r *Registry) UsersByRole(roles ...model.Role) []int64 {
	allowed := make(map[model.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	r.mu.RLock()
	seen := map[int64]struct{}{}
	for _, c := range r.conns {
		if len(allowed) > 0 {
			if _, ok := allowed[c.role]; !ok {
				continue
			}
		}
		seen[c.user] = struct{}{}
	}
	r.mu.RUnlock()
	out := make([]int64, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats summarizes one namespace. An empty name aggregates all namespaces.
func (r *Registry) Stats(namespace string) NamespaceStats {
	st := NamespaceStats{
		Namespace:   namespace,
		ByRole:      map[model.Role]int{},
		RoomsByType: map[RoomType]int{},
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := map[int64]struct{}{}
	for _, c := range r.conns {
		if namespace != "" && c.namespace != namespace {
			continue
		}
		st.Connections++
		st.ByRole[c.role]++
		users[c.user] = struct{}{}
	}
	st.Users = len(users)
	for _, rm := range r.rooms {
		if namespace != "" && rm.spec.Namespace != namespace {
			continue
		}
		st.Rooms++
		st.RoomsByType[rm.spec.Type]++
		st.Memberships += len(rm.members)
	}
	return st
}

// Cleanup removes connections whose session is no longer valid and rooms
// that are empty, not auto-join and not system rooms.
func (r *Registry) Cleanup(ctx context.Context) CleanupResult {
	var res CleanupResult
	r.mu.RLock()
	v := r.sessions
	sessions := map[model.ChannelID]string{}
	if v != nil {
		for id, c := range r.conns {
			sessions[id] = c.session
		}
	}
	r.mu.RUnlock()

	// Session checks may hit a backing store, so run them unlocked.
	var stale []model.ChannelID
	for id, session := range sessions {
		if ctx.Err() != nil {
			break
		}
		if !v.SessionValid(session) {
			stale = append(stale, id)
		}
	}

	r.mu.Lock()
	for _, id := range stale {
		if c := r.conns[id]; c != nil {
			r.removeLocked(c)
			res.Connections++
		}
	}
	for id, rm := range r.rooms {
		if rm.removable() {
			delete(r.rooms, id)
			res.Rooms++
		}
	}
	r.mu.Unlock()

	if res.Connections > 0 || res.Rooms > 0 {
		r.log.Info("registry cleanup", logx.Int("connections", res.Connections), logx.Int("rooms", res.Rooms))
	}
	return res
}

// HealthCheck reports an error when the registry has no transport to emit
// through.
func (r *Registry) HealthCheck(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.emitter == nil {
		return fmt.Errorf("registry: no emitter configured")
	}
	return nil
}

// RoleOf returns the role of the user's most recently established channel.
func (r *Registry) RoleOf(user int64) (model.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		role   model.Role
		latest time.Time
		found  bool
	)
	for id := range r.byUser[user] {
		c := r.conns[id]
		if c == nil {
			continue
		}
		if !found || c.establishedAt.After(latest) {
			role, latest, found = c.role, c.establishedAt, true
		}
	}
	return role, found
}
