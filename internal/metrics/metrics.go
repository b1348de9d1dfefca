// Package metrics exposes collabdoc's Prometheus instrumentation, mirroring
// cuemby-warren's pkg/metrics package-level-vars-plus-registry pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collabdoc_sessions_active",
			Help: "Number of live WebSocket sessions per room.",
		},
		[]string{"room_id"},
	)

	UpdatesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabdoc_updates_appended_total",
			Help: "Total CRDT updates appended to the store, per room.",
		},
		[]string{"room_id"},
	)

	SnapshotsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabdoc_snapshots_written_total",
			Help: "Total snapshots persisted, per room.",
		},
		[]string{"room_id"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabdoc_rate_limit_rejections_total",
			Help: "Connect attempts rejected by the rate limiter, by key kind.",
		},
		[]string{"key_kind"},
	)

	PermissionTierHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabdoc_permission_tier_hits_total",
			Help: "Handshake access-level resolutions, by resulting access level; the tier that produced the decision is not recorded.",
		},
		[]string{"tier"},
	)

	WriteRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabdoc_write_rejections_total",
			Help: "Mutation frames rejected for insufficient access, per room.",
		},
		[]string{"room_id"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		UpdatesAppended,
		SnapshotsWritten,
		RateLimitRejections,
		PermissionTierHits,
		WriteRejections,
	)
}

// Handler returns the promhttp handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
