package registry

import (
	"errors"
	"time"

	"notifyrelay/internal/model"
)

var ErrRoomExists = errors.New("room already exists")

const (
	NamespaceGeneral = "/"
	NamespaceAdmin   = "/admin"
)

type RoomType string

const (
	RoomGeneral  RoomType = "general"
	RoomPrivate  RoomType = "private"
	RoomAdmin    RoomType = "admin"
	RoomSecurity RoomType = "security"
	RoomSystem   RoomType = "system"
)

// MetaRequiredRole is the room metadata key that restricts joins to one role
// (admins always pass).
const MetaRequiredRole = "required_role"

// RoomSpec describes a room to create.
//
// AutoJoin rooms are namespace defaults; System rooms were created by the
// registry itself. Neither kind is destroyed when it empties.
type RoomSpec struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Type      RoomType          `json:"type"`
	Creator   int64             `json:"creator"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	AutoJoin  bool              `json:"auto_join,omitempty"`
	System    bool              `json:"system,omitempty"`
}

// NamespacePolicy is the authorization and sizing policy of one namespace.
type NamespacePolicy struct {
	Name                  string     `json:"name"`
	AdminOnly             bool       `json:"admin_only"`
	MaxConnectionsPerUser int        `json:"max_connections_per_user"`
	DefaultRooms          []RoomSpec `json:"default_rooms,omitempty"`
}

// DefaultNamespaces returns the general and admin namespace policies.
func DefaultNamespaces() []NamespacePolicy {
	return []NamespacePolicy{
		{
			Name:                  NamespaceGeneral,
			MaxConnectionsPerUser: 5,
			DefaultRooms: []RoomSpec{
				{ID: "general", Type: RoomGeneral},
				{ID: "system", Type: RoomSystem},
				{ID: "captions", Type: RoomGeneral},
				{ID: "translations", Type: RoomGeneral},
			},
		},
		{
			Name:                  NamespaceAdmin,
			AdminOnly:             true,
			MaxConnectionsPerUser: 3,
			DefaultRooms: []RoomSpec{
				{ID: "admin", Type: RoomAdmin},
				{ID: "security", Type: RoomSecurity},
			},
		},
	}
}

// AuthContext is what the transport handshake learned about the client.
// Token verification happens before the registry is involved.
type AuthContext struct {
	SessionID     string
	Authenticated bool
	RemoteAddr    string
}

// SessionValidator reports whether the session backing a connection is still
// valid. Cleanup removes connections whose session is gone.
type SessionValidator interface {
	SessionValid(sessionID string) bool
}

// Connection is a point-in-time copy of one registered channel.
type Connection struct {
	ID            model.ChannelID `json:"id"`
	UserID        int64           `json:"user_id"`
	Role          model.Role      `json:"role"`
	Namespace     string          `json:"namespace"`
	SessionID     string          `json:"-"`
	Rooms         []string        `json:"rooms"`
	EstablishedAt time.Time       `json:"established_at"`
	LastActivity  time.Time       `json:"last_activity"`
	Connected     bool            `json:"connected"`
	FailureCount  int             `json:"failure_count"`
	Latency       time.Duration   `json:"latency"`
	ErrorRate     float64         `json:"error_rate"`
}

// RoomInfo is a point-in-time copy of one room.
type RoomInfo struct {
	RoomSpec
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomEnvelope wraps a room broadcast payload with room metadata.
type RoomEnvelope struct {
	Room        string `json:"room"`
	MemberCount int    `json:"member_count"`
	Data        any    `json:"data"`
}

// NamespaceEnvelope wraps a namespace broadcast payload.
type NamespaceEnvelope struct {
	Namespace string `json:"namespace"`
	Data      any    `json:"data"`
}

// NamespaceStats summarizes one namespace.
type NamespaceStats struct {
	Namespace   string             `json:"namespace"`
	Connections int                `json:"connections"`
	Users       int                `json:"users"`
	ByRole      map[model.Role]int `json:"by_role"`
	Rooms       int                `json:"rooms"`
	RoomsByType map[RoomType]int   `json:"rooms_by_type"`
	Memberships int                `json:"memberships"`
}

// CleanupResult reports what a Cleanup sweep removed.
type CleanupResult struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}
