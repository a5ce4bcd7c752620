package eventbus

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	appended   prometheus.Counter
	delivered  *prometheus.CounterVec
	panics     prometheus.Counter
	queueDepth prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Subsystem: "bus",
			Name:      "events_appended_total",
			Help:      "Events appended to the ledger.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover",
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Events delivered, per subscriber.",
		}, []string{"subscriber"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Subsystem: "bus",
			Name:      "subscriber_panics_total",
			Help:      "Panics recovered inside subscriber callbacks.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drover",
			Subsystem: "bus",
			Name:      "dispatch_queue_depth",
			Help:      "Events waiting in the dispatch queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.appended, m.delivered, m.panics, m.queueDepth)
	}
	return m
}
