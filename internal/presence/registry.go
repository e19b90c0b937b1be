package presence

import (
	"context"
	"sync"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// Registry tracks live connections per user with device metadata. A user
// may hold many simultaneous connections across devices; the forward and
// reverse indexes are written together and removed together.
//
// Registry writes are best-effort: presence is an optimization for fan-out,
// not a correctness requirement for room messaging. Callers log failures
// and continue.
type Registry interface {
	Register(ctx context.Context, userID, connID string, meta models.DeviceMeta) error
	ListConnections(ctx context.Context, userID string) (map[string]models.DeviceMeta, error)
	Remove(ctx context.Context, connID string) error
	Touch(ctx context.Context, userID, connID string) error
}

// Memory is the in-process implementation used in tests and as a local-dev
// fallback. Both indexes live under one mutex, so the pair is updated
// atomically.
type Memory struct {
	mu    sync.RWMutex
	users map[string]map[string]models.DeviceMeta // userID -> connID -> meta
	conns map[string]models.ConnRef               // connID -> owner
}

func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]map[string]models.DeviceMeta),
		conns: make(map[string]models.ConnRef),
	}
}

func (m *Memory) Register(_ context.Context, userID, connID string, meta models.DeviceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]models.DeviceMeta)
	}
	m.users[userID][connID] = meta
	m.conns[connID] = models.ConnRef{UserID: userID, AccountType: meta.AccountType}
	return nil
}

func (m *Memory) ListConnections(_ context.Context, userID string) (map[string]models.DeviceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.DeviceMeta, len(m.users[userID]))
	for id, meta := range m.users[userID] {
		out[id] = meta
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.conns[connID]
	if !ok {
		return nil
	}
	delete(m.conns, connID)
	if conns, ok := m.users[ref.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.users, ref.UserID)
		}
	}
	return nil
}

func (m *Memory) Touch(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, ok := m.users[userID]; ok {
		if meta, ok := conns[connID]; ok {
			meta.LastSeenAt = now()
			conns[connID] = meta
		}
	}
	return nil
}
