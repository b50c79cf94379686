package store

import (
	"context"
	"sort"
	"sync"

	"watchparty/internal/playback"
)

// Hub fans room updates out to subscribers. Each subscriber has its own
// queue and goroutine, so a slow consumer never blocks a writer and every
// subscriber sees a room's updates in broadcast order.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*subscriber]struct{})}
}

type subscriber struct {
	hub      *Hub
	roomID   string
	onChange func(playback.State)

	mu     sync.Mutex
	queue  []playback.State
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers onChange for roomID until Unsubscribe or ctx is done.
func (h *Hub) Subscribe(ctx context.Context, roomID string, onChange func(playback.State)) (playback.Subscription, error) {
	sub := &subscriber{
		hub:      h,
		roomID:   roomID,
		onChange: onChange,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*subscriber]struct{})
	}
	h.rooms[roomID][sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Broadcast queues st for every subscriber of st.RoomID. It never blocks.
func (h *Hub) Broadcast(st playback.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[st.RoomID] {
		sub.enqueue(st)
	}
}

// Subscribers returns the number of live subscriptions for roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// Rooms lists the rooms that have at least one subscriber.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	var subs []*subscriber
	for _, room := range h.rooms {
		for sub := range room {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if room := s.hub.rooms[s.roomID]; room != nil {
			delete(room, s)
			if len(room) == 0 {
				delete(s.hub.rooms, s.roomID)
			}
		}
		s.hub.mu.Unlock()
		close(s.done)
	})
}

func (s *subscriber) enqueue(st playback.State) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, st := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.onChange(st)
		}
	}
}
