// Package metrics exposes the proposer's internal counters to Prometheus,
// answering spec.md §9's open question about surfacing the unresolved
// timelineStartLsn mismatch as an observable signal rather than silence.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the proposer updates. Construct one with
// NewRegistry and register it with a prometheus.Registerer (cmd/walproposer
// uses a dedicated prometheus.NewRegistry served on /metrics).
type Registry struct {
	ElectionsStarted   prometheus.Counter
	ElectionsWon       prometheus.Counter
	FatalAborts        prometheus.Counter
	Reconnects         prometheus.Counter
	TimelineMismatches prometheus.Counter

	CommitLsn       prometheus.Gauge
	TruncateLsn     prometheus.Gauge
	AvailableLsn    prometheus.Gauge
	Backpressure    prometheus.Gauge
	ConnectedAcceptors prometheus.Gauge
}

// NewRegistry constructs a Registry with every metric namespaced under
// "walproposer_".
func NewRegistry() *Registry {
	const ns = "walproposer"
	return &Registry{
		ElectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "elections_started_total",
			Help: "Number of election attempts started.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "elections_won_total",
			Help: "Number of elections that reached quorum.",
		}),
		FatalAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "fatal_aborts_total",
			Help: "Number of fatal safety-violation aborts (spec §7 class 3).",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "reconnects_total",
			Help: "Number of acceptor reconnect attempts issued.",
		}),
		TimelineMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "timeline_start_lsn_mismatches_total",
			Help: "Number of elections where acceptors disagreed on timelineStartLsn.",
		}),
		CommitLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "commit_lsn",
			Help: "Last broadcast quorum commit LSN.",
		}),
		TruncateLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "truncate_lsn",
			Help: "Current truncateLsn.",
		}),
		AvailableLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "available_lsn",
			Help: "Last observed host availableLsn.",
		}),
		Backpressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "backpressure",
			Help: "Shared-state backpressure counter value.",
		}),
		ConnectedAcceptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "connected_acceptors",
			Help: "Number of acceptors currently not Offline.",
		}),
	}
}

// MustRegister registers every metric in r with reg, panicking on a
// duplicate-registration error (a programmer error, not a runtime one).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.ElectionsStarted, r.ElectionsWon, r.FatalAborts, r.Reconnects, r.TimelineMismatches,
		r.CommitLsn, r.TruncateLsn, r.AvailableLsn, r.Backpressure, r.ConnectedAcceptors,
	)
}
