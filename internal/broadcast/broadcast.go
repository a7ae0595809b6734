// Package broadcast implements the realtime broadcaster interface: a
// best-effort fan-out of commit events to subscribers, with echo
// suppression by source-instance id. It is advisory only — nothing in the
// sync engine depends on a broadcast actually arriving; correctness always
// comes from the next pull.
//
// Grounded on the subscriber-registry/broadcast-with-slow-consumer-eviction
// shape of an events fan-out manager seen in the wider example pack (a
// realtime event manager keeping a set of live subscriber channels and
// closing any that can't keep up), adapted away from its original
// Postgres/CBOR-specific persistence layer since this interface is
// dialect-agnostic by design.
package broadcast

import (
	"sync"

	"github.com/marcus/tdsync/internal/wire"
)

// Broadcaster is the capability set the sync engine core depends on.
// Concrete implementations (in-process, Redis pub/sub, a message broker)
// plug in without the core knowing their shape.
type Broadcaster interface {
	// Publish fans a commit event out to current subscribers. Never blocks
	// on a slow subscriber; never returns an error a caller should retry.
	Publish(evt wire.RealtimeEvent)
	// Subscribe registers a new listener and returns a channel of events
	// plus a cancel function. Events whose SourceInstanceID equals
	// instanceID are not delivered back to that subscription (echo
	// suppression) — pass the publishing instance's own id.
	Subscribe(instanceID string) (events <-chan wire.RealtimeEvent, cancel func())
	// Close shuts down the broadcaster and closes every subscriber channel.
	Close()
}

const subscriberBuffer = 64

type subscriber struct {
	instanceID string
	ch         chan wire.RealtimeEvent
}

// InMemory is a single-process Broadcaster: every Subscribe call registers
// a buffered channel, and Publish fans out synchronously to all of them. A
// subscriber whose channel is full (it isn't draining fast enough) is
// dropped rather than blocking the publisher.
type InMemory struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewInMemory creates an in-process broadcaster.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[*subscriber]struct{})}
}

func (b *InMemory) Publish(evt wire.RealtimeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if evt.SourceInstanceID != "" && evt.SourceInstanceID == s.instanceID {
			continue // echo suppression
		}
		select {
		case s.ch <- evt:
		default:
			// Slow consumer: drop it rather than block the publisher or
			// the commit path that triggered this broadcast.
			close(s.ch)
			delete(b.subs, s)
		}
	}
}

func (b *InMemory) Subscribe(instanceID string) (<-chan wire.RealtimeEvent, func()) {
	s := &subscriber{instanceID: instanceID, ch: make(chan wire.RealtimeEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan wire.RealtimeEvent)
		close(ch)
		return ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

func (b *InMemory) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
