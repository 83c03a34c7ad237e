package metrics

import (
	"io"
	"time"

	"github.com/avast/retry-go"
	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rs/zerolog/log"
)

// Batcher accumulates pre-built InfluxDB points and ships them to the
// backend in the background.
type Batcher interface {
	io.Closer

	WritePoint(p *client.Point)
}

// NewInfluxClient builds an HTTP client for the configured InfluxDB URL.
func NewInfluxClient(url string) (client.Client, error) {
	return client.NewHTTPClient(client.HTTPConfig{Addr: url})
}

type batcher struct {
	client    client.Client
	database  string
	length    int
	interval  time.Duration
	retryOpts []retry.Option

	writeCh chan *client.Point
	flushCh chan struct{}
	sendRes chan error
	doneCh  chan struct{}
	doneErr chan error

	pending []*client.Point
	sending []*client.Point
}

// NewBatcher batches points and flushes them whenever length points have
// accumulated or interval has elapsed, whichever comes first. Flushes are
// retried with the supplied options; failed batches stay pending.
func NewBatcher(cli client.Client, database string, length int, interval time.Duration, retryOpts ...retry.Option) Batcher {
	b := &batcher{
		client:    cli,
		database:  database,
		length:    length,
		interval:  interval,
		retryOpts: retryOpts,

		writeCh: make(chan *client.Point),
		flushCh: make(chan struct{}, 1),
		sendRes: make(chan error, 1),
		doneCh:  make(chan struct{}),
		doneErr: make(chan error),
	}

	go b.background()

	return b
}

func (b *batcher) background() {
	tick := time.NewTicker(b.interval)
	defer tick.Stop()

	attemptFlush := func() {
		if b.sending != nil {
			// a flush is already taking place.
			return
		}
		select {
		case b.flushCh <- struct{}{}:
		default:
			// a flush is already queued.
		}
	}

	for {
		select {
		case p := <-b.writeCh:
			b.pending = append(b.pending, p)
			if len(b.pending) >= b.length {
				attemptFlush()
			}

		case err := <-b.sendRes:
			if err == nil {
				b.pending = b.pending[len(b.sending):]
				log.Trace().Int("points", len(b.sending)).Msg("influxdb: uploaded points")
			} else {
				log.Warn().Err(err).Int("points", len(b.sending)).Msg("influxdb: failed to upload points")
			}
			b.sending = nil
			if len(b.pending) >= b.length {
				attemptFlush()
			}

		case <-tick.C:
			attemptFlush()

		case <-b.flushCh:
			if b.sending != nil {
				continue
			}
			l := len(b.pending)
			if l == 0 {
				continue
			}
			if l > b.length {
				l = b.length
			}
			b.sending = b.pending[:l]
			go b.send()

		case <-b.doneCh:
			if b.sending != nil {
				// wait for the in-flight send to finish first.
				if err := <-b.sendRes; err == nil {
					b.pending = b.pending[len(b.sending):]
				} else {
					log.Warn().Err(err).Int("points", len(b.sending)).Msg("influxdb: failed to upload points")
				}
				b.sending = nil
			}

			var err error
			if len(b.pending) > 0 {
				// ship everything that remains in one batch.
				b.sending = b.pending
				go b.send()
				err = <-b.sendRes
				if err != nil {
					log.Warn().Err(err).Int("points", len(b.sending)).Msg("influxdb: failed to upload final points")
				}
				b.sending = nil
			}
			b.doneErr <- err
			return
		}
	}
}

func (b *batcher) WritePoint(p *client.Point) {
	b.writeCh <- p
}

// Close flushes any remaining points and returns the error of the final
// flush, if any.
func (b *batcher) Close() error {
	close(b.doneCh)
	return <-b.doneErr
}

func (b *batcher) send() {
	points, err := client.NewBatchPoints(client.BatchPointsConfig{Database: b.database})
	if err != nil {
		b.sendRes <- err
		return
	}

	for _, p := range b.sending {
		points.AddPoint(p)
	}

	b.sendRes <- retry.Do(func() error { return b.client.Write(points) }, b.retryOpts...)
}

// nilBatcher writes each point through immediately. Used when batching is
// not wanted, e.g. in tests.
type nilBatcher struct {
	cli      client.Client
	database string
}

// NewImmediateWriter returns a Batcher that performs one write per point.
func NewImmediateWriter(cli client.Client, database string) Batcher {
	return &nilBatcher{cli: cli, database: database}
}

func (n *nilBatcher) WritePoint(p *client.Point) {
	bp, _ := client.NewBatchPoints(client.BatchPointsConfig{Database: n.database})
	bp.AddPoint(p)
	if err := n.cli.Write(bp); err != nil {
		log.Warn().Err(err).Msg("influxdb: failed to write point")
	}
}

func (n *nilBatcher) Close() error {
	return nil
}

var _ Batcher = (*nilBatcher)(nil)
