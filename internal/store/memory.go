package store

import (
	"context"
	"sync"
	"time"

	"watchparty/internal/playback"
)

// Memory is a process-local Backend, used in tests and with DATABASE_URL=memory:.
type Memory struct {
	*Hub

	mu     sync.Mutex
	states map[string]playback.State
	now    func() time.Time
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		Hub:    NewHub(),
		states: make(map[string]playback.State),
		now:    time.Now,
	}
}

func (m *Memory) Upsert(ctx context.Context, roomID string, p playback.Patch) (playback.State, error) {
	if err := checkWrite(roomID, p); err != nil {
		return playback.State{}, err
	}
	if err := ctx.Err(); err != nil {
		return playback.State{}, unavailable("upsert", roomID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[roomID]
	if !ok {
		cur = playback.State{RoomID: roomID}
	}
	next := p.Apply(cur)
	next.UpdatedAt = m.now()
	next.Version = cur.Version + 1
	m.states[roomID] = next
	// Broadcast under the lock so feed order matches commit order.
	m.Broadcast(next)
	return next, nil
}

func (m *Memory) Get(ctx context.Context, roomID string) (playback.State, error) {
	if err := ctx.Err(); err != nil {
		return playback.State{}, unavailable("get", roomID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[roomID]
	if !ok {
		return playback.State{}, ErrNotFound
	}
	return st, nil
}

func (m *Memory) Close() error {
	m.Hub.Close()
	return nil
}
