package models

import (
	"fmt"
	"time"
)

type AccountType string

const (
	AccountDriver AccountType = "driver"
	AccountParent AccountType = "parent"
	AccountAdmin  AccountType = "admin"
)

// Admin permission grants consulted by the room authorization resolver.
// Driver support and parent support are distinct grants.
const (
	PermChatWithDrivers = "chat_with_drivers"
	PermChatWithParents = "chat_with_parents"
)

// Identity is resolved once at handshake time and is immutable for the
// lifetime of the connection that carries it.
type Identity struct {
	UserID      string
	AccountType AccountType

	// Role-specific capabilities. Only the fields matching AccountType
	// are populated.
	DriverID    string
	ParentID    string
	AdminRole   string
	Permissions []string
}

func (id Identity) HasPermission(p string) bool {
	for _, have := range id.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// AccountDetails is the relational snapshot the connection gate hydrates
// an Identity from.
type AccountDetails struct {
	UserID      string
	AccountType AccountType
	Verified    bool

	DriverID       string
	DriverApproved bool

	ParentID       string
	ParentApproved bool

	AdminRole   string
	Permissions []string
}

// DeviceMeta is what the presence registry stores per live connection.
type DeviceMeta struct {
	AccountType AccountType `json:"account_type"`
	ConnectedAt time.Time   `json:"connected_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// ConnRef is the reverse-index value mapping a connection id back to its
// owning user.
type ConnRef struct {
	UserID      string      `json:"user_id"`
	AccountType AccountType `json:"account_type"`
}

// LocationSample is ephemeral: overwritten on every update, expiring after
// a short TTL. No history is kept.
type LocationSample struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"ts"`
}

// Ride instance statuses. Ended is terminal.
const (
	RideStarted = "started"
	RideActive  = "active"
	RideEnded   = "ended"
)

type RideInstance struct {
	ID       string
	DriverID string
	GroupID  string
	Status   string
}

// RideRoomIdentity is the composite key of a live tracking room. It is
// computed on demand from the current ride instance and never persisted.
type RideRoomIdentity struct {
	DriverID   string
	GroupID    string
	InstanceID string
}

func (r RideRoomIdentity) RoomID() string {
	return fmt.Sprintf("ride:%s:%s:%s", r.DriverID, r.GroupID, r.InstanceID)
}

type RoomCategory string

const (
	RoomRideGroup       RoomCategory = "ride_group"
	RoomCustomerSupport RoomCategory = "customer_support"
	RoomPrivate         RoomCategory = "private"
)

type Participant struct {
	UserID      string
	AccountType AccountType
}

// Room is a read-only view of a chat room row; membership facts are
// re-queried on every join, never cached.
type Room struct {
	ID           string
	Category     RoomCategory
	RideGroupID  string
	Participants []Participant
}

// Notification is handed to durable storage before any delivery attempt.
type Notification struct {
	ID          string            `json:"id,omitempty"`
	RecipientID string            `json:"recipient_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsRead      bool              `json:"is_read"`
	CreatedAt   time.Time         `json:"created_at"`
}
