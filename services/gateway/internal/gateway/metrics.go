package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Clients     prometheus.Gauge
	Connections prometheus.Counter
	Ingested    prometheus.Counter
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	BytesSent   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "toolvisor_gateway_clients",
			Help: "Currently connected stream subscribers.",
		}),
		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "toolvisor_gateway_connections_total",
			Help: "Subscriber connections accepted.",
		}),
		Ingested: f.NewCounter(prometheus.CounterOpts{
			Name: "toolvisor_gateway_events_ingested_total",
			Help: "Events accepted on the ingest surface.",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "toolvisor_gateway_events_delivered_total",
			Help: "Events written to subscribers, replays included.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "toolvisor_gateway_events_dropped_total",
			Help: "Events lost to subscribers whose queue overflowed.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "toolvisor_gateway_bytes_sent_total",
			Help: "Stream bytes written to subscribers.",
		}),
	}
}
