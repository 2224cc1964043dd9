package songgen

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/melodia-app/melodia/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind loses intermediate snapshots rather than stalling
// the publisher; a resync on reconnect recovers the latest state.
const subscriberBuffer = 16

// Hub fans task snapshots out to in-process subscribers. One Hub exists per
// process, created at startup. Publishing never blocks.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan models.TaskSnapshot
}

// Subscription is a live snapshot feed for one task. Cancel releases it and
// closes C; Cancel is idempotent and safe from any goroutine.
type Subscription struct {
	C      <-chan models.TaskSnapshot
	cancel func()
	once   sync.Once
}

// Cancel removes the subscription from the hub and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*subscriber]struct{})}
}

// Subscribe registers for snapshots of one task. Snapshots published after
// Subscribe returns are delivered in publish order until Cancel.
func (h *Hub) Subscribe(taskID uuid.UUID) *Subscription {
	sub := &subscriber{ch: make(chan models.TaskSnapshot, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	s := &Subscription{C: sub.ch}
	s.cancel = func() { h.unsubscribe(taskID, sub) }
	return s
}

func (h *Hub) unsubscribe(taskID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[taskID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, taskID)
	}
	// Safe to close here: Publish only sends while holding the read lock,
	// so no send can race this close.
	close(sub.ch)
}

// Publish delivers a snapshot to every subscriber of the task. With no
// subscribers it is a no-op. Sends are non-blocking: a full subscriber
// buffer drops the snapshot for that subscriber only.
func (h *Hub) Publish(snap models.TaskSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[snap.TaskID] {
		select {
		case sub.ch <- snap:
		default:
			slog.Warn("dropping task snapshot for slow subscriber",
				"task_id", snap.TaskID,
				"status", snap.Status,
			)
		}
	}
}

// Subscribers reports how many subscribers a task currently has.
func (h *Hub) Subscribers(taskID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}
