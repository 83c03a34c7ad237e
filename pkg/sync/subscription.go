package sync

import (
	"encoding/json"
	gosync "sync"
)

// Subscription is the consumer side of a topic subscription: an unbounded,
// non-restartable stream starting from the first item ever published to the
// topic.
//
// The consumer must drain C promptly or size its capacity adequately: the
// background task is single-threaded, so a full subscription channel stalls
// every other in-flight command and subscription until the consumer drains.
type Subscription struct {
	// C receives each published item, in service order, as raw JSON. It
	// closes when the subscription ends: consumer cancel, a service error,
	// or the session ending.
	C <-chan json.RawMessage

	topic string
	out   chan json.RawMessage
	done  chan struct{}
	once  gosync.Once

	err error
}

func newSubscription(topic string, capacity int) *Subscription {
	out := make(chan json.RawMessage, capacity)
	return &Subscription{
		C:     out,
		topic: topic,
		out:   out,
		done:  make(chan struct{}),
	}
}

// Topic returns the short (uncontextualized) topic name.
func (s *Subscription) Topic() string { return s.topic }

// Cancel disengages the consumer. This is the only supported form of
// unsubscribing: no request is sent to the service, and any further items
// for this subscription are dropped by the background task.
func (s *Subscription) Cancel() {
	s.once.Do(func() { close(s.done) })
}

// Err reports why the stream ended. It must only be called after C is
// closed. A nil result means the consumer cancelled; ErrDisconnected means
// the session ended.
func (s *Subscription) Err() error { return s.err }

// canceled is the capability check the background task performs before
// every delivery attempt.
func (s *Subscription) canceled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver blocks until the consumer accepts the payload or cancels,
// reporting whether the item was accepted. Blocking here is the deliberate
// backpressure trade-off: it suspends the background task's event loop.
func (s *Subscription) deliver(payload json.RawMessage) bool {
	select {
	case s.out <- payload:
		return true
	case <-s.done:
		return false
	}
}

// finish terminates the stream. Called exactly once, by the background
// task, after which the entry no longer routes.
func (s *Subscription) finish(err error) {
	s.err = err
	close(s.out)
}
