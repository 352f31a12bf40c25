package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the authorization role attached to a user after authentication.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// ParseRole normalizes a role claim. Unknown values map to RoleGuest.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleModerator:
		return RoleModerator
	case RoleUser:
		return RoleUser
	default:
		return RoleGuest
	}
}

// ChannelID identifies one live transport channel (one socket).
type ChannelID string

// Category selects the routing rule for a message.
type Category string

const (
	CategoryCaption     Category = "CAPTION"
	CategoryTranslation Category = "TRANSLATION"
	CategorySystem      Category = "SYSTEM"
	CategoryUser        Category = "USER"
	CategoryAdmin       Category = "ADMIN"
	CategorySecurity    Category = "SECURITY"
	CategoryEmergency   Category = "EMERGENCY"
)

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 7
	PriorityCritical Priority = 9
)

// Message is a notification to be routed.
//
// UserID is the recipient; it is set by the router when a broadcast is
// materialized into per-user messages.
type Message struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Event     string          `json:"event"`
	UserID    int64           `json:"user_id,omitempty"`
	Priority  Priority        `json:"priority"`
	AdminOnly bool            `json:"admin_only,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMessage builds a message with a fresh id. data is marshaled to JSON;
// marshal failures leave Data empty.
func NewMessage(category Category, event string, data any) Message {
	m := Message{
		ID:        uuid.NewString(),
		Category:  category,
		Event:     event,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
	if data != nil {
		if raw, ok := data.(json.RawMessage); ok {
			m.Data = raw
		} else if b, err := json.Marshal(data); err == nil {
			m.Data = b
		}
	}
	return m
}

// ForUser returns a copy of m addressed to user.
func (m Message) ForUser(user int64) Message {
	m.UserID = user
	return m
}
