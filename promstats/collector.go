// Package promstats exports [runtimectx.Stats] as Prometheus metrics.
package promstats

import (
	"github.com/joeycumines/go-dbruntime/runtimectx"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Source provides the statistics, e.g. [runtimectx.Context].
	Source interface {
		Stats() runtimectx.Stats
	}

	// Collector is a [prometheus.Collector], which snapshots its source on
	// every scrape. Instances must be initialized using [NewCollector].
	Collector struct {
		source  Source
		metrics []metric
	}

	// Option configures a [Collector], see [NewCollector].
	Option func(*options)

	options struct {
		namespace   string
		constLabels prometheus.Labels
	}

	metric struct {
		desc      *prometheus.Desc
		valueType prometheus.ValueType
		value     func(*runtimectx.Stats) float64
	}
)

var _ prometheus.Collector = (*Collector)(nil)

// WithNamespace sets the metric namespace. Defaults to "rtsched".
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

// WithConstLabels sets labels attached to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(o *options) { o.constLabels = labels }
}

// NewCollector initializes a collector for source.
func NewCollector(source Source, opts ...Option) *Collector {
	if source == nil {
		panic(`promstats: nil source`)
	}

	cfg := options{namespace: `rtsched`}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(cfg.namespace, subsystem, name), help, nil, cfg.constLabels)
	}

	return &Collector{
		source: source,
		metrics: []metric{
			{
				desc:      desc(`runtime`, `timers`, `Number of registered timers.`),
				valueType: prometheus.GaugeValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Timers) },
			},
			{
				desc:      desc(`eventloop`, `members`, `Number of events attached to the main loop.`),
				valueType: prometheus.GaugeValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Loop.Members) },
			},
			{
				desc:      desc(`eventloop`, `dispatches_total`, `Event actions invoked by the main loop.`),
				valueType: prometheus.CounterValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Loop.Dispatches) },
			},
			{
				desc:      desc(`eventloop`, `requests_total`, `Mailbox requests applied by the main loop.`),
				valueType: prometheus.CounterValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Loop.Requests) },
			},
			{
				desc:      desc(`eventloop`, `polls_total`, `Backend polls completed by the main loop.`),
				valueType: prometheus.CounterValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Loop.Polls) },
			},
			{
				desc:      desc(`eventloop`, `removals_total`, `Events removed from the main loop.`),
				valueType: prometheus.CounterValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Loop.Removals) },
			},
			{
				desc:      desc(`taskpool`, `workers`, `Number of task pool workers.`),
				valueType: prometheus.GaugeValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Pool.Workers) },
			},
			{
				desc:      desc(`taskpool`, `idle_workers`, `Number of idle task pool workers.`),
				valueType: prometheus.GaugeValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Pool.Idle) },
			},
			{
				desc:      desc(`taskpool`, `queued_tasks`, `Number of tasks waiting for a worker.`),
				valueType: prometheus.GaugeValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Pool.Queued) },
			},
			{
				desc:      desc(`taskpool`, `tags`, `Number of task queues, by tag.`),
				valueType: prometheus.GaugeValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Pool.Tags) },
			},
			{
				desc:      desc(`taskpool`, `completed_total`, `Tasks run to completion, including panics.`),
				valueType: prometheus.CounterValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Pool.Completed) },
			},
			{
				desc:      desc(`taskpool`, `panics_total`, `Tasks that panicked.`),
				valueType: prometheus.CounterValue,
				value:     func(s *runtimectx.Stats) float64 { return float64(s.Pool.Panics) },
			},
		},
	}
}

// Describe implements [prometheus.Collector].
func (x *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range x.metrics {
		ch <- m.desc
	}
}

// Collect implements [prometheus.Collector], reading a single snapshot of
// the source's stats.
func (x *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := x.source.Stats()
	for _, m := range x.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(&stats))
	}
}
