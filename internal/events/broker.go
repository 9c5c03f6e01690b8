// Package events fans build log lines out to live subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/stellar-build/stellar/internal/build"
)

// DefaultBuffer is the channel size used for a non-positive buffer.
const DefaultBuffer = 256

// Broker implements build.Sink. Publish never blocks: an event which does not
// fit into a subscriber's buffer is dropped for that subscriber only.
type Broker struct {
	mx      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscription delivers events on C until Close is called.
type Subscription struct {
	C <-chan build.Event

	ch     chan build.Event
	jobID  build.JobID
	broker *Broker
	once   sync.Once
}

// Subscribe registers a subscriber for one job, or for all jobs when jobID
// is empty.
func (b *Broker) Subscribe(jobID build.JobID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan build.Event, buffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		jobID:  jobID,
		broker: b,
	}
	b.mx.Lock()
	b.subs[sub] = struct{}{}
	b.mx.Unlock()
	return sub
}

func (b *Broker) Publish(e build.Event) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != e.JobID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost on full subscriber buffers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of active subscriptions.
func (b *Broker) Len() int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs)
}

// Close unregisters the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mx.Lock()
		delete(s.broker.subs, s)
		close(s.ch)
		s.broker.mx.Unlock()
	})
}
