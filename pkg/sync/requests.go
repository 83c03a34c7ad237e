package sync

// Request is one outbound frame to the sync service. Exactly one of the
// variant pointers is populated.
type Request struct {
	// ID correlates responses back to this request. Assigned by the
	// background task: monotonically increasing per connection, never
	// reused.
	ID string `json:"id"`

	// IsCancel is reserved. The service does not implement cancellation, so
	// it is always false.
	IsCancel bool `json:"is_cancel"`

	SignalEntry *SignalEntryRequest `json:"signal_entry,omitempty"`
	Barrier     *BarrierRequest     `json:"barrier,omitempty"`
	Publish     *PublishRequest     `json:"publish,omitempty"`
	Subscribe   *SubscribeRequest   `json:"subscribe,omitempty"`
}

// SignalEntryRequest increments the counter of a state.
type SignalEntryRequest struct {
	State string `json:"state"`
}

// BarrierRequest waits until the counter of a state reaches target. The
// comparison happens service-side; the client only waits for the
// acknowledgment.
type BarrierRequest struct {
	State  string `json:"state"`
	Target int64  `json:"target"`
}

// PublishRequest appends an item to a topic.
//
// Payload is one of three shapes, disambiguated structurally on the wire: a
// plain string, a lifecycle *runtime.Event (an object with a single
// "*_event" key), or a *network.Config (an object with a "network" key).
// Keeping those shapes mutually exclusive is a tested invariant.
type PublishRequest struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// SubscribeRequest starts streaming every item of a topic, from position 0.
// There is no unsubscribe request; a subscription ends only client-side.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}
