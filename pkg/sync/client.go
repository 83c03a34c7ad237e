package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/testbed-project/sdk-go/pkg/metrics"
	"github.com/testbed-project/sdk-go/pkg/network"
	"github.com/testbed-project/sdk-go/pkg/runtime"
)

const (
	networkInitializedState = "network-initialized"

	influxDatabase      = "testbed"
	influxBatchLength   = 128
	influxBatchInterval = time.Second
)

// Client is the public surface of the synchronization SDK: signals,
// barriers, topic publish/subscribe, network shaping and lifecycle events,
// all multiplexed over one connection owned by a background task.
//
// A Client is a lightweight handle and is safe to share across goroutines.
type Client struct {
	rp *runtime.RunParams

	cmdCh chan *command
	bg    *backgroundTask

	stop     chan struct{}
	stopOnce gosync.Once

	emitter *runtime.EventEmitter

	influxdb client.Client
	batcher  metrics.Batcher

	// GlobalSeq and GroupSeq are the unique ordinals claimed by this
	// instance during the startup rendezvous. Zero until then.
	GlobalSeq int64
	GroupSeq  int64
}

// NewClient connects to the sync service and starts the background task. It
// does not run the startup rendezvous; most callers want
// NewInitializedClient instead.
func NewClient(ctx context.Context, rp *runtime.RunParams) (*Client, error) {
	conn, err := dialService(ctx, rp.SyncServiceEndpoint)
	if err != nil {
		return nil, err
	}

	c := &Client{
		rp:      rp,
		cmdCh:   make(chan *command),
		stop:    make(chan struct{}),
		emitter: runtime.NewEventEmitter(rp),
	}

	if !rp.TestDisableMetrics && rp.InfluxDBURL != "" {
		cli, err := metrics.NewInfluxClient(rp.InfluxDBURL)
		if err != nil {
			conn.close()
			return nil, errors.Wrap(err, "configuring metrics backend")
		}
		c.influxdb = cli
		c.batcher = metrics.NewBatcher(cli, influxDatabase, influxBatchLength, influxBatchInterval,
			retry.Attempts(5), retry.Delay(500*time.Millisecond))
	}

	c.bg = newBackgroundTask(conn, rp, c.cmdCh, c.stop)
	go c.bg.run()

	return c, nil
}

// NewInitializedClient connects and runs the startup rendezvous: it records
// the network-initialized stage transitions, waits for the sidecar (when
// the run has one), and claims this instance's global and group-scoped
// sequence numbers.
func NewInitializedClient(ctx context.Context, rp *runtime.RunParams) (*Client, error) {
	c, err := NewClient(ctx, rp)
	if err != nil {
		return nil, err
	}

	if err := c.WaitNetworkInitialized(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	globalSeq, err := c.SignalAndWait(ctx, "initialized_global", int64(rp.TestInstanceCount))
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	groupSeq, err := c.SignalAndWait(ctx, "initialized_group_"+rp.TestGroupID, int64(rp.TestGroupInstanceCount))
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.GlobalSeq = globalSeq
	c.GroupSeq = groupSeq

	if err := c.RecordMessage(ctx, "claimed sequence numbers; global=%d, group(%s)=%d",
		globalSeq, rp.TestGroupID, groupSeq); err != nil {
		log.Warn().Err(err).Msg("failed to record sequence claim message")
	}

	return c, nil
}

// RunParams returns the run parameters this client was built with.
func (c *Client) RunParams() *runtime.RunParams { return c.rp }

func (c *Client) enqueue(ctx context.Context, cmd *command) error {
	select {
	case c.cmdCh <- cmd:
		return nil
	case <-c.bg.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await(ctx context.Context, res chan result) (int64, error) {
	select {
	case r, ok := <-res:
		if !ok {
			return 0, ErrDisconnected
		}
		return r.seq, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) roundTrip(ctx context.Context, cmd *command) (int64, error) {
	cmd.res = make(chan result, 1)
	if err := c.enqueue(ctx, cmd); err != nil {
		return 0, err
	}
	return await(ctx, cmd.res)
}

// Publish publishes an item on the supplied topic, returning the sequence
// number of the new item in the ordered topic, starting with 1.
func (c *Client) Publish(ctx context.Context, topic string, payload interface{}) (int64, error) {
	return c.roundTrip(ctx, &command{kind: cmdPublish, topic: topic, payload: payload})
}

// Subscribe subscribes to a topic, consuming ordered items from position 0
// onward. capacity sizes the consumer-side buffer; see Subscription for the
// backpressure contract.
func (c *Client) Subscribe(ctx context.Context, topic string, capacity int) (*Subscription, error) {
	sub := newSubscription(topic, capacity)
	if err := c.enqueue(ctx, &command{kind: cmdSubscribe, topic: topic, sub: sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

// SignalEntry increments the counter of the named state, returning its new
// value.
func (c *Client) SignalEntry(ctx context.Context, state string) (int64, error) {
	return c.roundTrip(ctx, &command{kind: cmdSignalEntry, state: state})
}

// Barrier blocks until the service reports the named state has reached
// target (or any higher value). A target of zero waits for every instance
// in the run.
func (c *Client) Barrier(ctx context.Context, state string, target int64) error {
	_, err := c.roundTrip(ctx, &command{kind: cmdBarrier, state: state, target: target})
	return err
}

// SignalAndWait composes SignalEntry and Barrier on the same state,
// returning the sequence number obtained from the signal.
func (c *Client) SignalAndWait(ctx context.Context, state string, target int64) (int64, error) {
	seq, err := c.SignalEntry(ctx, state)
	if err != nil {
		return 0, err
	}
	if err := c.Barrier(ctx, state, target); err != nil {
		return 0, err
	}
	return seq, nil
}

// WaitNetworkInitialized records the network-initialized stage transitions
// and, when the run has a sidecar, waits until every instance's network has
// been configured. Without a sidecar the wait is satisfied immediately.
func (c *Client) WaitNetworkInitialized(ctx context.Context) error {
	if err := c.publishEvent(ctx, runtime.NewStageStartEvent(networkInitializedState, c.rp.TestGroupID)); err != nil {
		return err
	}

	if c.rp.TestSidecar {
		if err := c.Barrier(ctx, networkInitializedState, int64(c.rp.TestInstanceCount)); err != nil {
			return errors.Wrap(err, "waiting for network to initialize")
		}
	}

	return c.publishEvent(ctx, runtime.NewStageEndEvent(networkInitializedState, c.rp.TestGroupID))
}

// ConfigureNetwork asks the sidecar to apply cfg to this host, then waits
// until cfg.CallbackTarget instances (every instance, when nil) have
// reached the callback state.
func (c *Client) ConfigureNetwork(ctx context.Context, cfg *network.Config) error {
	if !c.rp.TestSidecar {
		return ErrSidecarUnavailable
	}
	if cfg.CallbackState == "" {
		return errors.New("network configuration must declare a callback state")
	}

	if _, err := c.roundTrip(ctx, &command{kind: cmdNetworkShape, config: cfg}); err != nil {
		return err
	}

	var target int64
	if cfg.CallbackTarget != nil {
		target = int64(*cfg.CallbackTarget)
	}
	return c.Barrier(ctx, cfg.CallbackState, target)
}

// publishEvent mirrors the event on the local side channels, then publishes
// it to the run's event topic. The side channels are best-effort and never
// affect the outcome.
func (c *Client) publishEvent(ctx context.Context, ev *runtime.Event) error {
	c.emitter.Emit(ev)
	_, err := c.roundTrip(ctx, &command{kind: cmdPublishEvent, event: ev})
	return err
}

// RecordMessage records an informational message on the run event stream.
func (c *Client) RecordMessage(ctx context.Context, format string, args ...interface{}) error {
	return c.publishEvent(ctx, runtime.NewMessageEvent(fmt.Sprintf(format, args...)))
}

// RecordSuccess declares this instance succeeded.
func (c *Client) RecordSuccess(ctx context.Context) error {
	return c.publishEvent(ctx, runtime.NewSuccessEvent(c.rp.TestGroupID))
}

// RecordFailure declares this instance failed.
func (c *Client) RecordFailure(ctx context.Context, reason string) error {
	return c.publishEvent(ctx, runtime.NewFailureEvent(c.rp.TestGroupID, reason))
}

// RecordCrash declares this instance crashed.
func (c *Client) RecordCrash(ctx context.Context, reason, stacktrace string) error {
	return c.publishEvent(ctx, runtime.NewCrashEvent(c.rp.TestGroupID, reason, stacktrace))
}

// RecordMetric forwards a pre-built point to the metrics backend. The write
// is asynchronous; delivery failures are logged, not returned.
func (c *Client) RecordMetric(p *client.Point) error {
	if c.batcher == nil {
		return ErrMetricsDisabled
	}
	c.batcher.WritePoint(p)
	return nil
}

// Close stops the background task and releases all resources. In-flight
// operations observe ErrDisconnected.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.bg.done

	var result *multierror.Error
	result = multierror.Append(result, c.emitter.Close())
	if c.batcher != nil {
		result = multierror.Append(result, c.batcher.Close())
	}
	if c.influxdb != nil {
		result = multierror.Append(result, c.influxdb.Close())
	}
	return result.ErrorOrNil()
}
