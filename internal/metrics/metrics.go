package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meter_tariff"

var queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Entries waiting in the ingestion queue",
})

var enqueuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "entries_enqueued_total",
	Help:      "Readings and tariff charges pushed onto the ingestion queue",
}, []string{"kind"})

var sinkWriteCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sink_writes_total",
	Help:      "Sink write attempts by entry kind and outcome",
}, []string{"kind", "outcome"})

var rejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "readings_rejected_total",
	Help:      "Readings dropped before the queue by reason",
}, []string{"reason"})

var pollerCycleCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "poller_cycles_total",
	Help:      "Poller query cycles by poller and outcome",
}, []string{"poller", "outcome"})

var decodeErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "decode_errors_total",
	Help:      "Malformed device frames discarded",
}, []string{"poller"})

var unitsAliveGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "units_alive",
	Help:      "Pollers and writers currently running",
})

func ObserveQueueDepth(depth int) {
	queueDepthGauge.Set(float64(depth))
}

func ObserveEnqueued(kind string) {
	enqueuedCounter.With(prometheus.Labels{"kind": kind}).Inc()
}

func ObserveSinkWrite(kind, outcome string) {
	sinkWriteCounter.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

func ObserveRejected(reason string) {
	if len(reason) == 0 {
		return
	}
	rejectedCounter.With(prometheus.Labels{"reason": reason}).Inc()
}

func ObservePollerCycle(poller, outcome string) {
	pollerCycleCounter.With(prometheus.Labels{"poller": poller, "outcome": outcome}).Inc()
}

func ObserveDecodeError(poller string) {
	decodeErrorCounter.With(prometheus.Labels{"poller": poller}).Inc()
}

func ObserveUnitsAlive(count int) {
	unitsAliveGauge.Set(float64(count))
}
