package router

import (
	"sync"

	"notifyrelay/internal/model"
)

// UserDirectory is a Directory seeded from configuration that also learns
// every user seen at registration. A learned user stays known after their
// last connection closes, so broadcasts keep queueing for them.
type UserDirectory struct {
	mu    sync.RWMutex
	roles map[int64]model.Role
}

func NewUserDirectory(seed StaticDirectory) *UserDirectory {
	d := &UserDirectory{roles: make(map[int64]model.Role, len(seed))}
	for u, r := range seed {
		d.roles[u] = r
	}
	return d
}

// Observe records the role a user authenticated with. The latest role wins.
func (d *UserDirectory) Observe(user int64, role model.Role) {
	d.mu.Lock()
	d.roles[user] = role
	d.mu.Unlock()
}

func (d *UserDirectory) RoleOf(user int64) (model.Role, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.roles[user]
	return r, ok
}

func (d *UserDirectory) Users() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]int64, 0, len(d.roles))
	for u := range d.roles {
		out = append(out, u)
	}
	return out
}

func (d *UserDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.roles)
}
