package router

import (
	"context"
	"encoding/json"
	"time"

	"notifyrelay/internal/model"
)

// Strategy selects how a routing rule reaches its recipients.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyBroadcast Strategy = "broadcast"
	StrategyRoleBased Strategy = "role_based"
	StrategyRoomBased Strategy = "room_based"
)

// RoutingRule is the static delivery policy of one message category.
type RoutingRule struct {
	Category           model.Category `json:"category"`
	Namespace          string         `json:"namespace"`
	Rooms              []string       `json:"rooms,omitempty"`
	RequiredRoles      []model.Role   `json:"required_roles,omitempty"`
	Strategy           Strategy       `json:"strategy"`
	SecurityValidation bool           `json:"security_validation"`
	MaxRetries         int            `json:"max_retries"`
	RetryDelay         time.Duration  `json:"retry_delay"`
}

func (r RoutingRule) allows(role model.Role) bool {
	if len(r.RequiredRoles) == 0 {
		return true
	}
	for _, want := range r.RequiredRoles {
		if want == role {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a DeliveryAttempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusExpired   Status = "expired"
)

// transitions lists the allowed forward moves. Status never goes backward.
var transitions = map[Status][]Status{
	StatusPending:   {StatusDelivered, StatusFailed},
	StatusDelivered: {StatusExpired},
	StatusFailed:    {StatusRetrying, StatusExpired},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DeliveryAttempt is one try to deliver a message to one channel.
//
// A delivered attempt waits for the client to confirm it. ConfirmedAt is
// set by ConfirmDelivery; unconfirmed attempts expire after the delivery
// timeout.
type DeliveryAttempt struct {
	MessageID   string          `json:"message_id"`
	UserID      int64           `json:"user_id"`
	Namespace   string          `json:"namespace"`
	Channel     model.ChannelID `json:"channel,omitempty"`
	Room        string          `json:"room,omitempty"`
	At          time.Time       `json:"at"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	ConfirmedAt time.Time       `json:"confirmed_at,omitzero"`
}

// Delivery is the frame emitted to a client. Clients acknowledge it by id.
type Delivery struct {
	ID       string          `json:"id"`
	Category model.Category  `json:"category"`
	Event    string          `json:"event"`
	Priority model.Priority  `json:"priority"`
	Data     json.RawMessage `json:"data,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// Directory resolves user roles for recipients that may be offline.
type Directory interface {
	RoleOf(user int64) (model.Role, bool)
	Users() []int64
}

// StaticDirectory is a fixed user to role map.
type StaticDirectory map[int64]model.Role

func (d StaticDirectory) RoleOf(user int64) (model.Role, bool) {
	r, ok := d[user]
	return r, ok
}

func (d StaticDirectory) Users() []int64 {
	out := make([]int64, 0, len(d))
	for u := range d {
		out = append(out, u)
	}
	return out
}

// Channels is the part of the registry the router needs.
type Channels interface {
	ChannelsFor(user int64, namespace string) []model.ChannelID
	IsAuthenticated(user int64, namespace string) bool
	UserRooms(user int64, namespace string) []string
	Emit(ctx context.Context, id model.ChannelID, event string, payload any) error
	BroadcastRoom(ctx context.Context, room, event string, payload any, exclude ...model.ChannelID) (int, error)
	RoleOf(user int64) (model.Role, bool)
	UsersByRole(roles ...model.Role) []int64
}

// registryDirectory uses live registry state when no directory is given.
// Offline users are invisible to it.
type registryDirectory struct{ ch Channels }

func (d registryDirectory) RoleOf(user int64) (model.Role, bool) { return d.ch.RoleOf(user) }
func (d registryDirectory) Users() []int64                       { return d.ch.UsersByRole() }

// Stats are cumulative router counters plus current gauges.
type Stats struct {
	Routed         uint64                    `json:"routed"`
	Delivered      uint64                    `json:"delivered"`
	Failed         uint64                    `json:"failed"`
	Denied         uint64                    `json:"denied"`
	Queued         uint64                    `json:"queued"`
	Evicted        uint64                    `json:"evicted"`
	Retried        uint64                    `json:"retried"`
	RetrySucceeded uint64                    `json:"retry_succeeded"`
	Dropped        uint64                    `json:"dropped"`
	Confirmed      uint64                    `json:"confirmed"`
	Expired        uint64                    `json:"expired"`
	Purged         uint64                    `json:"purged"`
	ByCategory     map[model.Category]uint64 `json:"by_category"`

	PendingRetries  int `json:"pending_retries"`
	QueuedUsers     int `json:"queued_users"`
	TrackedAttempts int `json:"tracked_attempts"`
}

// DeliveryEvent is published on the event bus for delivery lifecycle changes.
type DeliveryEvent struct {
	MessageID string          `json:"message_id"`
	UserID    int64           `json:"user_id"`
	Category  model.Category  `json:"category"`
	Channel   model.ChannelID `json:"channel,omitempty"`
	At        time.Time       `json:"at"`
	Error     string          `json:"error,omitempty"`
}
