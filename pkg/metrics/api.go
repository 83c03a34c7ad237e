package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog/log"
)

// Type aliases to hide the go-metrics implementation in the API.
type (
	Counter   = metrics.Counter
	EWMA      = metrics.EWMA
	Gauge     = metrics.GaugeFloat64
	Histogram = metrics.Histogram
	Meter     = metrics.Meter
	Sample    = metrics.Sample
	Timer     = metrics.Timer
)

// Api records measurements under a go-metrics registry and periodically
// materializes them into InfluxDB points on the batcher.
//
// Metric names are comma-separated lists where the first element is the
// metric name and the rest are optional key=value tags, e.g.
//
//	requests_received,group=consumers
type Api struct {
	reg     metrics.Registry
	batcher Batcher

	// prefix and tags identify the run in the time-series backend.
	prefix string
	tags   map[string]string

	freq         time.Duration
	freqChangeCh chan time.Duration
	doneCh       chan struct{}
	wg           sync.WaitGroup
}

// NewApi periodically flushes all registered measurements to batcher under
// measurement names prefixed with prefix, tagged with tags.
func NewApi(batcher Batcher, prefix string, tags map[string]string, freq time.Duration) *Api {
	a := &Api{
		reg:          metrics.NewRegistry(),
		batcher:      batcher,
		prefix:       prefix,
		tags:         tags,
		freq:         freq,
		freqChangeCh: make(chan time.Duration),
		doneCh:       make(chan struct{}),
	}

	a.wg.Add(1)
	go a.background()
	return a
}

func (a *Api) background() {
	defer a.wg.Done()

	tick := time.NewTicker(a.freq)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			a.reg.Each(a.materialize)
		case f := <-a.freqChangeCh:
			a.freq = f
			tick.Reset(f)
		case <-a.doneCh:
			// final harvest so short-lived runs still report.
			a.reg.Each(a.materialize)
			return
		}
	}
}

// materialize converts one registered metric into a point.
func (a *Api) materialize(name string, obj interface{}) {
	var (
		typ    string
		fields map[string]interface{}
	)

	switch m := obj.(type) {
	case metrics.Counter:
		typ, fields = "counter", map[string]interface{}{"count": m.Count()}
	case metrics.GaugeFloat64:
		typ, fields = "gauge", map[string]interface{}{"value": m.Value()}
	case metrics.Histogram:
		s := m.Snapshot()
		ps := s.Percentiles([]float64{0.5, 0.75, 0.95, 0.99})
		typ = "histogram"
		fields = map[string]interface{}{
			"count": s.Count(),
			"min":   s.Min(),
			"max":   s.Max(),
			"mean":  s.Mean(),
			"p50":   ps[0],
			"p75":   ps[1],
			"p95":   ps[2],
			"p99":   ps[3],
		}
	case metrics.Meter:
		s := m.Snapshot()
		typ = "meter"
		fields = map[string]interface{}{
			"count": s.Count(),
			"m1":    s.Rate1(),
			"m5":    s.Rate5(),
			"m15":   s.Rate15(),
			"mean":  s.RateMean(),
		}
	case metrics.Timer:
		s := m.Snapshot()
		ps := s.Percentiles([]float64{0.5, 0.95, 0.99})
		typ = "timer"
		fields = map[string]interface{}{
			"count": s.Count(),
			"min":   s.Min(),
			"max":   s.Max(),
			"mean":  s.Mean(),
			"p50":   ps[0],
			"p95":   ps[1],
			"p99":   ps[2],
			"m1":    s.Rate1(),
		}
	case metrics.EWMA:
		typ, fields = "ewma", map[string]interface{}{"rate": m.Snapshot().Rate()}
	default:
		return
	}

	a.writePoint(name, typ, fields, time.Now())
}

func (a *Api) writePoint(name, typ string, fields map[string]interface{}, ts time.Time) {
	base := name
	tags := a.tags

	if vals := strings.Split(name, ","); len(vals) > 1 {
		base = vals[0]
		tags = make(map[string]string, len(a.tags)+len(vals)-1)
		for k, v := range a.tags {
			tags[k] = v
		}
		for _, t := range vals[1:] {
			kv := strings.SplitN(t, "=", 2)
			if len(kv) != 2 {
				log.Warn().Str("metric", name).Str("tag", t).Msg("skipping invalid metric tag")
				continue
			}
			tags[kv[0]] = kv[1]
		}
	}

	p, err := client.NewPoint(fmt.Sprintf("%s.%s.%s", a.prefix, base, typ), tags, fields, ts)
	if err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to build point")
		return
	}
	a.batcher.WritePoint(p)
}

// RecordPoint records a single float64 observation, shipped on the next
// flush.
func (a *Api) RecordPoint(name string, value float64) {
	a.writePoint(name, "point", map[string]interface{}{"value": value}, time.Now())
}

func (a *Api) Counter(name string) Counter {
	return a.reg.GetOrRegister(name, metrics.NewCounter()).(metrics.Counter)
}

func (a *Api) EWMA(name string, alpha float64) EWMA {
	return a.reg.GetOrRegister(name, metrics.NewEWMA(alpha)).(metrics.EWMA)
}

func (a *Api) Gauge(name string) Gauge {
	return a.reg.GetOrRegister(name, metrics.NewGaugeFloat64()).(metrics.GaugeFloat64)
}

func (a *Api) GaugeF(name string, f func() float64) Gauge {
	return a.reg.GetOrRegister(name, metrics.NewFunctionalGaugeFloat64(f)).(metrics.GaugeFloat64)
}

func (a *Api) Histogram(name string, s Sample) Histogram {
	return a.reg.GetOrRegister(name, metrics.NewHistogram(s)).(metrics.Histogram)
}

func (a *Api) Meter(name string) Meter {
	return a.reg.GetOrRegister(name, metrics.NewMeter()).(metrics.Meter)
}

func (a *Api) Timer(name string) Timer {
	return a.reg.GetOrRegister(name, metrics.NewTimer()).(metrics.Timer)
}

func (a *Api) NewExpDecaySample(reservoirSize int, alpha float64) Sample {
	return metrics.NewExpDecaySample(reservoirSize, alpha)
}

// SetFrequency changes how often measurements are materialized.
func (a *Api) SetFrequency(freq time.Duration) {
	a.freqChangeCh <- freq
}

func (a *Api) Close() error {
	close(a.doneCh)
	a.wg.Wait()
	return nil
}
