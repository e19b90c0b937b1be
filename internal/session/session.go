// Package session holds per-connection state. The session record is created
// by the connection gate and passed by handle to every handler; nothing is
// hung off the raw socket.
package session

import (
	"sync"
	"time"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

type Session struct {
	ConnID      string
	Identity    models.Identity
	ConnectedAt time.Time

	mu         sync.Mutex
	rideRoom   string
	instanceID string
}

func New(connID string, identity models.Identity) *Session {
	return &Session{ConnID: connID, Identity: identity, ConnectedAt: time.Now()}
}

// AttachRideRoom records the ride room this connection tracks. A connection
// tracks at most one ride room; a second join replaces the first
// (last-writer-wins) and the caller is expected to detach from the old
// transport room.
func (s *Session) AttachRideRoom(roomID, instanceID string) (prevRoom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevRoom = s.rideRoom
	s.rideRoom = roomID
	s.instanceID = instanceID
	return prevRoom
}

func (s *Session) DetachRideRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rideRoom = ""
	s.instanceID = ""
}

// RideRoom returns the tracked ride room, if any.
func (s *Session) RideRoom() (roomID, instanceID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rideRoom, s.instanceID, s.rideRoom != ""
}
