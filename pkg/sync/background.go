package sync

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/testbed-project/sdk-go/pkg/network"
	"github.com/testbed-project/sdk-go/pkg/runtime"
)

type cmdKind int

const (
	cmdSignalEntry cmdKind = iota
	cmdBarrier
	cmdPublish
	cmdPublishEvent
	cmdNetworkShape
	cmdSubscribe
)

// result is what a one-shot command resolves to. seq is meaningless for
// barriers.
type result struct {
	seq int64
	err error
}

// command travels from a Client handle to the background task. res must be
// buffered with capacity 1 so the task never blocks on delivery, even when
// the caller has lost interest.
type command struct {
	kind cmdKind

	state  string
	target int64

	topic   string
	payload interface{}

	event  *runtime.Event
	config *network.Config

	res chan result
	sub *Subscription
}

type pendingKind int

const (
	oneShotSeq pendingKind = iota // publish and signal-entry: resolves to a seq
	oneShotBarrier                // barrier: resolves to a bare ack
	streaming                     // subscribe: re-armed after every delivery
)

func (k pendingKind) String() string {
	switch k {
	case oneShotSeq:
		return "publish-or-signal"
	case oneShotBarrier:
		return "barrier"
	case streaming:
		return "subscribe"
	}
	return "unknown"
}

// pendingEntry is the record of an in-flight request. One-shot entries own a
// result channel and are removed on their first terminal result; streaming
// entries own the subscription and stay registered until the consumer
// cancels or an error arrives.
type pendingEntry struct {
	kind pendingKind
	res  chan result
	sub  *Subscription
}

// backgroundTask is the session's single point of serialization: one
// goroutine that owns the connection and the pending-request table for the
// lifetime of the client. All protocol state is mutated only here, so no
// locks are needed around it.
type backgroundTask struct {
	conn *serviceConn
	rp   *runtime.RunParams

	cmdCh <-chan *command
	stop  <-chan struct{}

	next    uint64
	pending map[string]*pendingEntry

	// done closes when the loop has exited and every outstanding entry has
	// been failed over.
	done chan struct{}
}

func newBackgroundTask(conn *serviceConn, rp *runtime.RunParams, cmdCh <-chan *command, stop <-chan struct{}) *backgroundTask {
	return &backgroundTask{
		conn:    conn,
		rp:      rp,
		cmdCh:   cmdCh,
		stop:    stop,
		pending: make(map[string]*pendingEntry),
		done:    make(chan struct{}),
	}
}

func contextualizeState(rp *runtime.RunParams, state string) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:states:%s", rp.TestRun, rp.TestPlan, rp.TestCase, state)
}

func contextualizeTopic(rp *runtime.RunParams, topic string) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:topics:%s", rp.TestRun, rp.TestPlan, rp.TestCase, topic)
}

func eventTopic(rp *runtime.RunParams) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:run_events", rp.TestRun, rp.TestPlan, rp.TestCase)
}

func (b *backgroundTask) nextID() string {
	id := strconv.FormatUint(b.next, 10)
	b.next++
	return id
}

// run is the event loop: it waits on the next inbound frame and the next
// command, processing exactly one event at a time in arrival order. It exits
// when the inbound sequence ends, the command channel is stopped, or the
// client is closed.
func (b *backgroundTask) run() {
	defer b.shutdown()
	for {
		select {
		case frame, ok := <-b.conn.inbound:
			if !ok {
				log.Debug().Msg("sync service inbound stream ended")
				return
			}
			b.handleFrame(frame)
		case cmd := <-b.cmdCh:
			b.handleCommand(cmd)
		case <-b.stop:
			return
		}
	}
}

func (b *backgroundTask) handleCommand(cmd *command) {
	id := b.nextID()

	switch cmd.kind {
	case cmdSignalEntry:
		req := &Request{ID: id, SignalEntry: &SignalEntryRequest{
			State: contextualizeState(b.rp, cmd.state),
		}}
		b.sendOneShot(id, req, oneShotSeq, cmd.res)

	case cmdBarrier:
		target := cmd.target
		if target == 0 {
			target = int64(b.rp.TestInstanceCount)
		}
		req := &Request{ID: id, Barrier: &BarrierRequest{
			State:  contextualizeState(b.rp, cmd.state),
			Target: target,
		}}
		b.sendOneShot(id, req, oneShotBarrier, cmd.res)

	case cmdPublish:
		req := &Request{ID: id, Publish: &PublishRequest{
			Topic:   contextualizeTopic(b.rp, cmd.topic),
			Payload: cmd.payload,
		}}
		b.sendOneShot(id, req, oneShotSeq, cmd.res)

	case cmdPublishEvent:
		req := &Request{ID: id, Publish: &PublishRequest{
			Topic:   eventTopic(b.rp),
			Payload: cmd.event,
		}}
		b.sendOneShot(id, req, oneShotSeq, cmd.res)

	case cmdNetworkShape:
		req := &Request{ID: id, Publish: &PublishRequest{
			Topic:   contextualizeTopic(b.rp, "network:"+b.rp.Hostname),
			Payload: cmd.config,
		}}
		b.sendOneShot(id, req, oneShotSeq, cmd.res)

	case cmdSubscribe:
		req := &Request{ID: id, Subscribe: &SubscribeRequest{
			Topic: contextualizeTopic(b.rp, cmd.topic),
		}}
		if err := b.conn.send(req); err != nil {
			cmd.sub.finish(err)
			return
		}
		b.pending[id] = &pendingEntry{kind: streaming, sub: cmd.sub}
	}
}

// sendOneShot encodes and sends the request. A send failure resolves the
// caller immediately and registers nothing; on success the pending entry is
// installed under the request id.
func (b *backgroundTask) sendOneShot(id string, req *Request, kind pendingKind, res chan result) {
	if err := b.conn.send(req); err != nil {
		res <- result{err: err}
		return
	}
	b.pending[id] = &pendingEntry{kind: kind, res: res}
}

func (b *backgroundTask) handleFrame(frame []byte) {
	res, err := decodeResponse(frame)
	if err != nil {
		// One bad frame must not take down operations tied to other ids.
		log.Error().Err(err).Msg("skipping malformed frame from sync service")
		return
	}

	entry, ok := b.pending[res.ID]
	if !ok {
		// Expected for operations that already completed or unsubscribed.
		log.Trace().Str("id", res.ID).Msg("dropping response with no pending request")
		return
	}
	delete(b.pending, res.ID)

	switch {
	case res.Kind == KindError:
		serr := &ServiceError{Reason: res.Reason}
		if entry.kind == streaming {
			entry.sub.finish(serr)
		} else {
			entry.res <- result{err: serr}
		}

	case entry.kind == oneShotSeq && (res.Kind == KindSignalEntry || res.Kind == KindPublish):
		entry.res <- result{seq: res.Seq}

	case entry.kind == oneShotBarrier && res.Kind == KindBarrierAck:
		entry.res <- result{}

	case entry.kind == streaming && res.Kind == KindSubscribe:
		if entry.sub.canceled() {
			// Implicit unsubscribe: the consumer disengaged, so the entry
			// is not re-armed and later items for this id are dropped.
			entry.sub.finish(nil)
			return
		}
		if entry.sub.deliver(res.Payload) {
			b.pending[res.ID] = entry
		} else {
			entry.sub.finish(nil)
		}

	default:
		verr := &ProtocolViolationError{ID: res.ID, Entry: entry.kind.String(), Outcome: res.Kind.String()}
		log.Error().Str("id", res.ID).Msg(verr.Error())
		if entry.kind == streaming {
			entry.sub.finish(verr)
		} else {
			entry.res <- result{err: verr}
		}
	}
}

// shutdown fails every outstanding entry so waiting callers observe the
// disconnection: one-shot result channels are closed, streams end with
// ErrDisconnected.
func (b *backgroundTask) shutdown() {
	b.conn.close()
	for id, entry := range b.pending {
		delete(b.pending, id)
		if entry.kind == streaming {
			entry.sub.finish(ErrDisconnected)
		} else {
			close(entry.res)
		}
	}
	close(b.done)
}
