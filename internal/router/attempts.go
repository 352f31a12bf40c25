package router

import (
	"time"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

// record stores the attempts of one delivery round. A new attempt on the
// same channel or room supersedes the previous one.
func (r *Router) record(msg model.Message, records []*DeliveryAttempt) {
	key := attemptKey{message: msg.ID, user: msg.UserID}
	delivered := false

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.attempts[key]
	for _, att := range records {
		if att.Status == StatusDelivered {
			delivered = true
		}
		replaced := false
		for i, old := range list {
			if old.Channel == att.Channel && old.Room == att.Room {
				list[i] = att
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, att)
		}
	}
	r.attempts[key] = list
	if delivered {
		r.stats.Delivered++
	} else {
		r.stats.Failed++
	}
}

// markRetrying moves failed attempts of a queued message to retrying.
// Caller holds r.mu.
func (r *Router) markRetryingLocked(msg model.Message) {
	for _, att := range r.attempts[attemptKey{message: msg.ID, user: msg.UserID}] {
		if canTransition(att.Status, StatusRetrying) {
			att.Status = StatusRetrying
		}
	}
}

// ConfirmDelivery records the client's acknowledgement of a message.
// Attempts are stored once the emit has returned, so a confirmed attempt is
// Delivered with ConfirmedAt set; pending never reaches the table. It returns
// false for unknown, failed or already expired deliveries.
func (r *Router) ConfirmDelivery(messageID string, user int64) bool {
	r.mu.Lock()
	list := r.attempts[attemptKey{message: messageID, user: user}]
	now := r.clock.Now()
	confirmed := false
	for _, att := range list {
		if att.Status != StatusDelivered {
			continue
		}
		if att.ConfirmedAt.IsZero() {
			att.ConfirmedAt = now
		}
		confirmed = true
	}
	if confirmed {
		r.stats.Confirmed++
	}
	r.mu.Unlock()

	if confirmed {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.DeliveryConfirmed,
			Time: now,
			Data: DeliveryEvent{MessageID: messageID, UserID: user, At: now},
		})
	}
	return confirmed
}

// CleanupExpired expires delivered attempts left unconfirmed for longer
// than timeout and purges records older than the retention window. A
// non-positive timeout uses the configured delivery timeout. It returns the
// number of attempts that expired.
func (r *Router) CleanupExpired(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = r.cfg.DeliveryTimeout
	}
	now := r.clock.Now()
	expired, purged := 0, 0

	r.mu.Lock()
	for key, list := range r.attempts {
		kept := list[:0]
		for _, att := range list {
			if now.Sub(att.At) > r.cfg.Retention {
				purged++
				continue
			}
			if att.ConfirmedAt.IsZero() && att.Status == StatusDelivered && now.Sub(att.At) > timeout {
				att.Status = StatusExpired
				expired++
			}
			kept = append(kept, att)
		}
		if len(kept) == 0 {
			delete(r.attempts, key)
		} else {
			r.attempts[key] = kept
		}
	}
	r.stats.Expired += uint64(expired)
	r.stats.Purged += uint64(purged)
	r.mu.Unlock()

	if expired > 0 || purged > 0 {
		r.log.Debug("delivery cleanup", logx.Int("expired", expired), logx.Int("purged", purged))
		r.bus.Publish(eventbus.Event{Type: eventbus.DeliveryExpired, Time: now, Data: map[string]int{"expired": expired, "purged": purged}})
	}
	return expired
}

// Attempts returns copies of the tracked attempts for a message and user.
func (r *Router) Attempts(messageID string, user int64) []DeliveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.attempts[attemptKey{message: messageID, user: user}]
	out := make([]DeliveryAttempt, 0, len(list))
	for _, att := range list {
		out = append(out, *att)
	}
	return out
}
