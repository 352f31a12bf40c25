package registry

import (
	"context"
	"fmt"

	"notifyrelay/internal/fault"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

// Emit sends one event to one channel and records the outcome on the
// connection. The transport is called without holding the registry lock.
func (r *Registry) Emit(ctx context.Context, id model.ChannelID, event string, payload any) error {
	r.mu.RLock()
	em := r.emitter
	_, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: channel %s", fault.ErrNotFound, id)
	}
	if em == nil {
		r.recordEmit(id, false)
		return fmt.Errorf("%w: no emitter configured", fault.ErrTransportFailure)
	}
	if err := em.Emit(ctx, id, event, payload); err != nil {
		r.recordEmit(id, false)
		return fmt.Errorf("%w: emit %s to %s: %v", fault.ErrTransportFailure, event, id, err)
	}
	r.recordEmit(id, true)
	return nil
}

func (r *Registry) recordEmit(id model.ChannelID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return
	}
	c.sent++
	if ok {
		c.failureCount = 0
		c.lastActivity = r.clock.Now()
		return
	}
	c.errs++
	c.failureCount++
}

// BroadcastRoom emits to every member of a room except the excluded
// channels. The payload is wrapped in a RoomEnvelope. It returns the number
// of successful emits; an empty target set is not an error, a target set
// where every emit failed is.
func (r *Registry) BroadcastRoom(ctx context.Context, roomID, event string, payload any, exclude ...model.ChannelID) (int, error) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return 0, fmt.Errorf("%w: room %q", fault.ErrNotFound, roomID)
	}
	skip := make(map[model.ChannelID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	targets := make([]model.ChannelID, 0, len(rm.members))
	for id := range rm.members {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if c := r.conns[id]; c != nil && c.connected {
			targets = append(targets, id)
		}
	}
	env := RoomEnvelope{Room: roomID, MemberCount: len(rm.members), Data: payload}
	r.mu.RUnlock()

	return r.fanOut(ctx, targets, event, env, logx.String("room", roomID))
}

// BroadcastNamespace emits to every connected channel of a namespace,
// optionally restricted to the given roles.
func (r *Registry) BroadcastNamespace(ctx context.Context, namespace, event string, payload any, roles ...model.Role) (int, error) {
	r.mu.RLock()
	if _, ok := r.namespaces[namespace]; !ok {
		r.mu.RUnlock()
		return 0, fmt.Errorf("%w: namespace %q", fault.ErrNotFound, namespace)
	}
	allowed := make(map[model.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	var targets []model.ChannelID
	for id, c := range r.conns {
		if c.namespace != namespace || !c.connected {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[c.role]; !ok {
				continue
			}
		}
		targets = append(targets, id)
	}
	r.mu.RUnlock()

	env := NamespaceEnvelope{Namespace: namespace, Data: payload}
	return r.fanOut(ctx, targets, event, env, logx.String("namespace", namespace))
}

func (r *Registry) fanOut(ctx context.Context, targets []model.ChannelID, event string, payload any, scope logx.Field) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	sent := 0
	var lastErr error
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := r.Emit(ctx, id, event, payload); err != nil {
			lastErr = err
			r.log.Debug("broadcast emit failed", scope, logx.String("channel", string(id)), logx.Err(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, fmt.Errorf("%w: all %d emits failed: %v", fault.ErrTransportFailure, len(targets), lastErr)
	}
	return sent, nil
}
