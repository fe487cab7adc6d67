// Package broadcast republishes stored run events to live subscribers.
//
// A broadcaster is not a durable queue. Subscribers that connect late, or
// whose buffer overflows, must read the missing events from the store.
package broadcast

import (
	"context"
	"sync"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// SubscriberBuffer is the number of events buffered per subscriber. A
// subscriber that falls further behind is disconnected.
const SubscriberBuffer = 256

// Broadcaster fans run events out to live subscribers.
type Broadcaster interface {
	// Publish delivers ev to the run's current subscribers.
	Publish(ctx context.Context, ev domain.RunEvent) error
	// Subscribe registers a subscriber for runID. The subscription is live
	// once Subscribe returns. Its channel closes after a terminal event, when
	// the subscriber falls behind, or when ctx is done.
	Subscribe(ctx context.Context, runID string) (*Subscription, error)
}

// Subscription is one live listener of a run.
type Subscription struct {
	RunID string
	C     <-chan domain.RunEvent

	once   sync.Once
	cancel func()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}
