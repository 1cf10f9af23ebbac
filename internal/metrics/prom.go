package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stately"

// Register exposes m on reg. Values are read from the atomics at scrape time.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	start := time.Now()
	counters := []struct {
		name string
		help string
		v    func() uint64
	}{
		{"broadcast_sent_total", "Own-state broadcasts handed to the transport.", m.broadcastSent.Load},
		{"broadcast_throttled_total", "Periodic ticks suppressed by the interval gate.", m.broadcastThrottled.Load},
		{"send_fail_total", "Transport send failures.", m.sendFail.Load},
		{"relayed_total", "Inbound broadcasts forwarded one hop further.", m.relayed.Load},
		{"drop_malformed_total", "Inbound blobs that failed to open or decode.", m.dropMalformed.Load},
		{"drop_type_total", "Inbound packets of a type other than state update.", m.dropType.Load},
		{"drop_self_total", "Inbound echoes of our own broadcasts.", m.dropSelf.Load},
		{"drop_duplicate_total", "Inbound broadcasts already relayed or with ttl 0.", m.dropDuplicate.Load},
		{"upsert_applied_total", "Peer states accepted by the store.", m.upsertApplied.Load},
		{"upsert_stale_total", "Peer states rejected as not newer.", m.upsertStale.Load},
		{"swept_states_total", "Expired peer states removed.", m.sweptStates.Load},
		{"swept_relay_total", "Relay window entries removed.", m.sweptRelay.Load},
	}
	collectors := make([]prometheus.Collector, 0, len(counters)+3)
	for _, c := range counters {
		load := c.v
		collectors = append(collectors, prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Name: c.name, Help: c.help},
			func() float64 { return float64(load()) },
		))
	}
	collectors = append(collectors,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "neighbors", Help: "Currently connected neighbors."},
			func() float64 { return float64(m.neighbors.Load()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "known_peers", Help: "Peer states held by the store."},
			func() float64 { return float64(m.knownPeers.Load()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Time since metrics were registered."},
			func() float64 { return time.Since(start).Seconds() },
		),
	)
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves a fresh registry holding m. Mount it at /metrics.
func (m *Metrics) Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
