package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

type subscriber struct {
	id    string
	runID string
	send  chan domain.RunEvent
}

// Hub is an in-process Broadcaster.
type Hub struct {
	// runs maps run_id to its subscribers indexed by subscriber ID.
	runs map[string]map[string]*subscriber

	// onDrop is called when a subscriber is disconnected for being slow.
	onDrop func(ctx context.Context, runID string)

	mu sync.Mutex
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{runs: make(map[string]map[string]*subscriber)}
}

// OnDrop sets a callback invoked when a slow subscriber is disconnected.
func (h *Hub) OnDrop(fn func(ctx context.Context, runID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Subscribe registers a subscriber for runID.
func (h *Hub) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	sub := &subscriber{
		id:    uuid.New().String(),
		runID: runID,
		send:  make(chan domain.RunEvent, SubscriberBuffer),
	}

	h.mu.Lock()
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[string]*subscriber)
	}
	h.runs[runID][sub.id] = sub
	h.mu.Unlock()
	log.Debugf(ctx, "subscriber %s registered for run %s", sub.id, runID)

	stop := context.AfterFunc(ctx, func() { h.remove(sub) })
	return &Subscription{
		RunID: runID,
		C:     sub.send,
		cancel: func() {
			stop()
			h.remove(sub)
		},
	}, nil
}

// remove unregisters sub and closes its channel if it is still registered.
func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	subs, ok := h.runs[sub.runID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.runs, sub.runID)
	}
	close(sub.send)
}

// Publish delivers ev to every subscriber of its run. After a terminal event
// all subscribers of the run are closed.
func (h *Hub) Publish(ctx context.Context, ev domain.RunEvent) error {
	var dropped int
	h.mu.Lock()
	for _, sub := range h.runs[ev.RunID] {
		select {
		case sub.send <- ev:
		default:
			// Buffer full, close the subscriber
			log.Warn(ctx, log.KV{K: "msg", V: "subscriber buffer full, closing"},
				log.KV{K: "run_id", V: ev.RunID}, log.KV{K: "subscriber", V: sub.id})
			h.removeLocked(sub)
			dropped++
		}
	}
	if ev.IsTerminal() {
		for _, sub := range h.runs[ev.RunID] {
			h.removeLocked(sub)
		}
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop(ctx, ev.RunID)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscribers of runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs[runID])
}

// RunCount returns the number of runs with at least one subscriber.
func (h *Hub) RunCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}
