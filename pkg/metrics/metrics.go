// Package metrics implements the engine-wide metrics taps of spec.md
// §4.10: per-topic published/delivered event and byte counters, plus
// rolling max/capped-average latencies for correlated waits and
// publish-to-delivery delay. Grounded on the original's
// MessageBrokerMetrics, adapted from its per-process SkipMap registry to
// Prometheus collectors exposed through the teacher's /metrics endpoint.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fragtale"

// Taps holds every collector the engine reports through, plus the raw
// max/sum/count accumulators the gauge vecs are refreshed from on
// Collect so repeated scrapes observe max/avg reset to zero, matching
// the original's "reset on read" semantics for these two metrics.
type Taps struct {
	publishedEvents *prometheus.CounterVec
	publishedBytes  *prometheus.CounterVec
	deliveredEvents *prometheus.CounterVec
	deliveredBytes  *prometheus.CounterVec

	correlatedWaitMax *resettingMaxVec
	correlatedWaitAvg *resettingAvgVec
	deliveryLatMax    *resettingMaxVec
	deliveryLatAvg    *resettingAvgVec
}

// New builds a Taps instance. appVersion is not used: no collector
// reports a build-info or version value.
func New(appVersion string) *Taps {
	return &Taps{
		publishedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mb",
			Name:      "published_events_total",
			Help:      "Published events.",
		}, []string{"topic"}),
		publishedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mb",
			Name:      "published_bytes_total",
			Help:      "Published event document bytes.",
		}, []string{"topic"}),
		deliveredEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mb",
			Name:      "delivered_events_total",
			Help:      "Delivered events.",
		}, []string{"topic"}),
		deliveredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mb",
			Name:      "delivered_bytes_total",
			Help:      "Delivered event document bytes.",
		}, []string{"topic"}),
		correlatedWaitMax: newResettingMaxVec(namespace, "mb", "correlated_wait_max_micros",
			"Max latency between publishing an event and the correlated event response delivery."),
		correlatedWaitAvg: newResettingAvgVec(namespace, "mb", "correlated_wait_avg_millis",
			"Average latency between publishing an event and the correlated event response delivery."),
		deliveryLatMax: newResettingMaxVec(namespace, "mb", "delivery_latency_max_micros",
			"Max latency between publishing an event and the start of delivery to a waiting consumer."),
		deliveryLatAvg: newResettingAvgVec(namespace, "mb", "delivery_latency_avg_millis",
			"Average latency between publishing an event and the start of delivery to a waiting consumer."),
	}
}

// Collectors returns every collector Taps owns, for registration against
// a prometheus.Registerer at startup.
func (t *Taps) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		t.publishedEvents, t.publishedBytes,
		t.deliveredEvents, t.deliveredBytes,
		t.correlatedWaitMax, t.correlatedWaitAvg,
		t.deliveryLatMax, t.deliveryLatAvg,
	}
}

// IncPublished records one published event and its document size.
func (t *Taps) IncPublished(topicID string, documentBytes int) {
	t.publishedEvents.WithLabelValues(topicID).Inc()
	t.publishedBytes.WithLabelValues(topicID).Add(float64(documentBytes))
}

// IncDelivered records one delivered event and its document size.
func (t *Taps) IncDelivered(topicID string, documentBytes int) {
	t.deliveredEvents.WithLabelValues(topicID).Inc()
	t.deliveredBytes.WithLabelValues(topicID).Add(float64(documentBytes))
}

// ReportCorrelatedWait records how long a by_correlation_token call
// blocked before the matching event arrived.
func (t *Taps) ReportCorrelatedWait(topicID string, durationMicros uint64) {
	t.correlatedWaitMax.observe(topicID, durationMicros)
	t.correlatedWaitAvg.observe(topicID, durationMicros/1000)
}

// ReportPublishToDeliveryLatency records how long after publish an event
// started delivery to a waiting consumer.
func (t *Taps) ReportPublishToDeliveryLatency(topicID string, latencyMicros uint64) {
	t.deliveryLatMax.observe(topicID, latencyMicros)
	t.deliveryLatAvg.observe(topicID, latencyMicros/1000)
}

// resettingMaxVec is a per-topic gauge that reports (and clears) the
// largest value observed since the previous Collect, matching the
// original's AtomicU64 "swap(0)" read.
type resettingMaxVec struct {
	desc *prometheus.Desc

	mu  sync.Mutex
	max map[string]uint64
}

func newResettingMaxVec(namespace, subsystem, name, help string) *resettingMaxVec {
	return &resettingMaxVec{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, []string{"topic"}, nil),
		max:  make(map[string]uint64),
	}
}

func (v *resettingMaxVec) observe(topicID string, value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if value > v.max[topicID] {
		v.max[topicID] = value
	}
}

func (v *resettingMaxVec) Describe(ch chan<- *prometheus.Desc) { ch <- v.desc }

func (v *resettingMaxVec) Collect(ch chan<- prometheus.Metric) {
	v.mu.Lock()
	snapshot := v.max
	v.max = make(map[string]uint64, len(snapshot))
	v.mu.Unlock()
	if len(snapshot) == 0 {
		ch <- prometheus.MustNewConstMetric(v.desc, prometheus.GaugeValue, 0)
		return
	}
	for topicID, value := range snapshot {
		ch <- prometheus.MustNewConstMetric(v.desc, prometheus.GaugeValue, float64(value), topicID)
	}
}

// resettingAvgVec is a per-topic gauge reporting (and clearing) the
// average of values observed since the previous Collect.
type resettingAvgVec struct {
	desc *prometheus.Desc

	mu    sync.Mutex
	sum   map[string]uint64
	count map[string]uint64
}

func newResettingAvgVec(namespace, subsystem, name, help string) *resettingAvgVec {
	return &resettingAvgVec{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, []string{"topic"}, nil),
		sum:   make(map[string]uint64),
		count: make(map[string]uint64),
	}
}

func (v *resettingAvgVec) observe(topicID string, value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sum[topicID] += value
	v.count[topicID]++
}

func (v *resettingAvgVec) Describe(ch chan<- *prometheus.Desc) { ch <- v.desc }

func (v *resettingAvgVec) Collect(ch chan<- prometheus.Metric) {
	v.mu.Lock()
	sum := v.sum
	count := v.count
	v.sum = make(map[string]uint64, len(sum))
	v.count = make(map[string]uint64, len(count))
	v.mu.Unlock()
	if len(count) == 0 {
		ch <- prometheus.MustNewConstMetric(v.desc, prometheus.GaugeValue, 0)
		return
	}
	for topicID, n := range count {
		avg := float64(sum[topicID]) / float64(n)
		ch <- prometheus.MustNewConstMetric(v.desc, prometheus.GaugeValue, avg, topicID)
	}
}
