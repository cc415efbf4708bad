//go:build linux || darwin

// Package prommetrics exports the counters of a [selectloop.Loop] as
// Prometheus metrics.
//
// The collector reads a snapshot on each scrape, so it is safe to register
// it with a registry served from another goroutine.
package prommetrics

import (
	"github.com/joeycumines/go-selectloop/selectloop"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// MetricsSource is implemented by *selectloop.Loop.
	MetricsSource interface {
		Metrics() selectloop.Metrics
	}

	collector struct {
		src   MetricsSource
		descs []counterDesc
	}

	counterDesc struct {
		desc  *prometheus.Desc
		value func(m *selectloop.Metrics) uint64
	}
)

var _ prometheus.Collector = (*collector)(nil)

// NewCollector returns a prometheus.Collector exposing the counters of src,
// each named <namespace>_<name>_total. The namespace may be empty.
func NewCollector(src MetricsSource, namespace string) prometheus.Collector {
	if src == nil {
		panic(`prommetrics: nil source`)
	}
	c := &collector{src: src}
	add := func(name, help string, value func(m *selectloop.Metrics) uint64) {
		c.descs = append(c.descs, counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, ``, name), help, nil, nil),
			value: value,
		})
	}
	add(`polls_total`, `Select calls that returned without error.`,
		func(m *selectloop.Metrics) uint64 { return m.Polls })
	add(`poll_timeouts_total`, `Select calls that returned with nothing ready.`,
		func(m *selectloop.Metrics) uint64 { return m.Timeouts })
	add(`poll_interrupts_total`, `Select calls interrupted by a signal.`,
		func(m *selectloop.Metrics) uint64 { return m.Interrupts })
	add(`dispatches_total`, `Callbacks invoked for descriptor readiness.`,
		func(m *selectloop.Metrics) uint64 { return m.Dispatches })
	add(`redirects_total`, `Readiness events dispatched to the opposite direction's callback.`,
		func(m *selectloop.Metrics) uint64 { return m.Redirects })
	add(`pending_drained_total`, `Read callbacks invoked for application buffered data.`,
		func(m *selectloop.Metrics) uint64 { return m.PendingDrained })
	add(`ticks_total`, `Heartbeat deadlines reached.`,
		func(m *selectloop.Metrics) uint64 { return m.Ticks })
	add(`call_again_total`, `Callbacks that asked to be called again.`,
		func(m *selectloop.Metrics) uint64 { return m.CallAgain })
	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.src.Metrics()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(&m)))
	}
}
