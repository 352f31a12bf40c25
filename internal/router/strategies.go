package router

import (
	"context"
	"errors"
	"fmt"

	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/fault"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

type strategyFunc func(ctx context.Context, r *Router, user int64, msg model.Message, rule RoutingRule) bool

// strategies delivers an addressed message. Broadcast and role-based rules
// were already fanned out into per-user messages, so they go direct here.
var strategies = map[Strategy]strategyFunc{
	StrategyDirect:    routeDirect,
	StrategyBroadcast: routeDirect,
	StrategyRoleBased: routeDirect,
	StrategyRoomBased: routeRoom,
}

const defaultEvent = "notification"

func frameFor(msg model.Message, r *Router) (string, Delivery) {
	event := msg.Event
	if event == "" {
		event = defaultEvent
	}
	return event, Delivery{
		ID:       msg.ID,
		Category: msg.Category,
		Event:    event,
		Priority: msg.Priority,
		Data:     msg.Data,
		SentAt:   r.clock.Now(),
	}
}

func routeDirect(ctx context.Context, r *Router, user int64, msg model.Message, rule RoutingRule) bool {
	delivered, online := r.deliverDirect(ctx, user, msg, rule, 0)
	if delivered {
		return true
	}
	r.enqueue(user, msg, rule)
	if !online {
		r.log.Debug("user offline, queued for retry",
			logx.String("message_id", msg.ID),
			logx.Int64("user_id", user),
			logx.String("namespace", rule.Namespace),
		)
	}
	return false
}

// deliverDirect emits to every live channel of the user in the rule's
// namespace. online is false when the user has no live channel; nothing is
// recorded in that case.
func (r *Router) deliverDirect(ctx context.Context, user int64, msg model.Message, rule RoutingRule, retry int) (delivered, online bool) {
	chans := r.ch.ChannelsFor(user, rule.Namespace)
	if len(chans) == 0 {
		return false, false
	}
	event, frame := frameFor(msg, r)

	records := make([]*DeliveryAttempt, 0, len(chans))
	for _, ch := range chans {
		att := &DeliveryAttempt{
			MessageID:  msg.ID,
			UserID:     user,
			Namespace:  rule.Namespace,
			Channel:    ch,
			At:         r.clock.Now(),
			Status:     StatusPending,
			RetryCount: retry,
		}
		err := r.ch.Emit(ctx, ch, event, frame)
		if err != nil {
			att.Status = StatusFailed
			att.Error = err.Error()
			r.publish(eventbus.DeliveryFailed, msg, ch, err)
		} else {
			att.Status = StatusDelivered
			delivered = true
			r.publish(eventbus.DeliverySent, msg, ch, nil)
		}
		records = append(records, att)
	}
	r.record(msg, records)
	return delivered, true
}

// routeRoom delivers through the first of the rule's rooms the user has
// joined.
func routeRoom(ctx context.Context, r *Router, user int64, msg model.Message, rule RoutingRule) bool {
	joined := map[string]struct{}{}
	for _, room := range r.ch.UserRooms(user, rule.Namespace) {
		joined[room] = struct{}{}
	}
	target := ""
	for _, room := range rule.Rooms {
		if _, ok := joined[room]; ok {
			target = room
			break
		}
	}

	att := &DeliveryAttempt{
		MessageID: msg.ID,
		UserID:    user,
		Namespace: rule.Namespace,
		Room:      target,
		At:        r.clock.Now(),
		Status:    StatusPending,
	}
	var err error
	if target == "" {
		err = fmt.Errorf("%w: user %d is in none of %v", fault.ErrNotFound, user, rule.Rooms)
	} else {
		event, frame := frameFor(msg, r)
		var n int
		n, err = r.ch.BroadcastRoom(ctx, target, event, frame)
		if err == nil && n == 0 {
			err = errors.New("room has no live members")
		}
	}
	if err != nil {
		att.Status = StatusFailed
		att.Error = err.Error()
		r.publish(eventbus.DeliveryFailed, msg, "", err)
	} else {
		att.Status = StatusDelivered
		r.publish(eventbus.DeliverySent, msg, "", nil)
	}
	r.record(msg, []*DeliveryAttempt{att})
	return err == nil
}
