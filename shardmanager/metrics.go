package shardmanager

import (
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsShardStatuses = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "shardgate_shards_status",
	Help: "Shard statuses",
}, []string{"status"})

var metricsTotalShards = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "shardgate_shards_total",
	Help: "Total number of shards run by this manager",
})

var metricsEventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shardgate_events_forwarded_total",
	Help: "Dispatched events forwarded to the merged channel",
})

var metricsEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardgate_events_dropped_total",
	Help: "Dispatched events dropped by the manager",
}, []string{"reason"})

var metricsReplacements = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardgate_replacements_total",
	Help: "Shard replacements by result",
}, []string{"result"})

var metricsManagerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardgate_manager_events_total",
	Help: "Shard manager events by type",
}, []string{"type"})

func metricsStatusLabel(state gateway.ConnState, down bool) string {
	if down {
		return "DOWN"
	}

	switch state {
	case gateway.StateConnecting, gateway.StateAwaitingHello, gateway.StateIdentifying, gateway.StateResuming:
		return "LOADING"
	case gateway.StateConnected:
		return "READY"
	default:
		return "DISCONNECTED"
	}
}

func (m *Manager) updateShardMetrics() {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.shards))
	downs := make([]bool, 0, len(m.shards))
	for _, inst := range m.shards {
		insts = append(insts, inst)
		downs = append(downs, inst.down)
	}
	m.mu.Unlock()

	statuses := map[string]int{
		"LOADING":      0,
		"READY":        0,
		"DISCONNECTED": 0,
		"DOWN":         0,
	}

	for i, inst := range insts {
		statuses[metricsStatusLabel(inst.shard.State(), downs[i])]++
	}

	for k, v := range statuses {
		metricsShardStatuses.With(prometheus.Labels{"status": k}).Set(float64(v))
	}

	metricsTotalShards.Set(float64(len(insts)))
}
