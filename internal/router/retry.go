package router

import (
	"context"
	"errors"
	"sort"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

var errMaxRetries = errors.New("max retries exceeded")

// enqueue appends msg to the user's retry queue unless it is already
// queued. The oldest entry is evicted once the queue is full.
func (r *Router) enqueue(user int64, msg model.Message, rule RoutingRule) {
	now := r.clock.Now()
	var evicted *retryEntry

	r.mu.Lock()
	r.markRetryingLocked(msg)
	q := r.queues[user]
	for _, e := range q {
		if e.msg.ID == msg.ID {
			e.lastAttempt = now
			r.mu.Unlock()
			return
		}
	}
	q = append(q, &retryEntry{msg: msg, rule: rule, lastAttempt: now})
	if len(q) > r.cfg.QueueCap {
		evicted = q[0]
		q = q[1:]
		r.stats.Evicted++
	}
	r.queues[user] = q
	r.stats.Queued++
	r.mu.Unlock()

	r.publish(eventbus.DeliveryQueued, msg, "", nil)
	if evicted != nil {
		r.log.Warn("retry queue full, evicted oldest",
			logx.Int64("user_id", user),
			logx.String("message_id", evicted.msg.ID),
			logx.Int("cap", r.cfg.QueueCap),
		)
		r.publish(eventbus.DeliveryEvicted, evicted.msg, "", nil)
	}
}

// RetryFailedDeliveries re-attempts due entries of every user's retry queue
// in FIFO order. Processing of a user's queue stops at the first entry that
// is not yet due or when the user has no live channel, so order is kept.
// It returns the number of delivery attempts made.
func (r *Router) RetryFailedDeliveries(ctx context.Context) int {
	r.mu.Lock()
	taken := r.queues
	r.queues = map[int64][]*retryEntry{}
	r.mu.Unlock()

	users := make([]int64, 0, len(taken))
	for u := range taken {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	retried := 0
	for _, user := range users {
		entries := taken[user]
		var keep []*retryEntry
		i := 0
		for ; i < len(entries); i++ {
			if ctx.Err() != nil {
				break
			}
			e := entries[i]
			now := r.clock.Now()
			if now.Sub(e.lastAttempt) < e.rule.RetryDelay {
				break
			}
			ok, online := r.deliverDirect(ctx, user, e.msg, e.rule, e.retries+1)
			if !online {
				break
			}
			retried++
			r.mu.Lock()
			r.stats.Retried++
			if ok {
				r.stats.RetrySucceeded++
				r.mu.Unlock()
				continue
			}
			e.retries++
			e.lastAttempt = now
			if e.retries >= e.rule.MaxRetries {
				r.stats.Dropped++
				r.mu.Unlock()
				r.log.Warn("delivery dropped after max retries",
					logx.Int64("user_id", user),
					logx.String("message_id", e.msg.ID),
					logx.Int("retries", e.retries),
				)
				r.publish(eventbus.DeliveryFailed, e.msg, "", errMaxRetries)
				continue
			}
			r.markRetryingLocked(e.msg)
			r.mu.Unlock()
			keep = append(keep, e)
		}
		keep = append(keep, entries[i:]...)
		r.requeue(user, keep)
	}
	return retried
}

// requeue puts survivors back in front of anything queued meanwhile.
func (r *Router) requeue(user int64, survivors []*retryEntry) {
	if len(survivors) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(survivors))
	for _, e := range survivors {
		seen[e.msg.ID] = struct{}{}
	}
	merged := append([]*retryEntry(nil), survivors...)
	for _, e := range r.queues[user] {
		if _, dup := seen[e.msg.ID]; !dup {
			merged = append(merged, e)
		}
	}
	if over := len(merged) - r.cfg.QueueCap; over > 0 {
		merged = merged[over:]
		r.stats.Evicted += uint64(over)
	}
	r.queues[user] = merged
}

// PendingFor returns the user's queued messages in retry order.
func (r *Router) PendingFor(user int64) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[user]
	out := make([]model.Message, 0, len(q))
	for _, e := range q {
		out = append(out, e.msg)
	}
	return out
}
