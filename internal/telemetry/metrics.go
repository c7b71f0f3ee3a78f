package telemetry

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "scscf",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Admin HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ChallengesIssuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "auth",
		Name:      "challenges_issued_total",
		Help:      "Total number of Digest/AKA challenges issued.",
	},
	[]string{"scheme", "method"},
)

var AuthOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "auth",
		Name:      "outcomes_total",
		Help:      "Total number of authentication verification outcomes.",
	},
	[]string{"outcome"},
)

var RegistrationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "registrar",
		Name:      "registrations_total",
		Help:      "Total number of successful REGISTER transactions by kind.",
	},
	[]string{"kind"}, // initial, refresh, dereg
)

var ActiveBindingsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scscf",
		Subsystem: "registrar",
		Name:      "active_bindings",
		Help:      "Current number of unexpired UE bindings across all AoRs.",
	},
)

var NotifyDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "subscription",
		Name:      "notify_dispatched_total",
		Help:      "Total number of reg-event NOTIFYs dispatched.",
	},
	[]string{"result"},
)

var ASHopOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "proxytsx",
		Name:      "as_hop_outcomes_total",
		Help:      "Total number of AS hop invocations by outcome.",
	},
	[]string{"outcome"}, // success, unreachable, skipped
)

var ForksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "proxytsx",
		Name:      "forks_total",
		Help:      "Total number of terminating forks, by outcome.",
	},
	[]string{"outcome"}, // success, busy, unavailable
)

var StoreContentionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "store",
		Name:      "cas_contention_total",
		Help:      "Total number of CAS write retries due to contention, by table.",
	},
	[]string{"table"},
)

var ACRRecordsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scscf",
		Subsystem: "acr",
		Name:      "records_total",
		Help:      "Total number of ACR billing records emitted, by cause.",
	},
	[]string{"cause"},
)

// All returns every S-CSCF metric for registration against a Prometheus
// registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ChallengesIssuedTotal,
		AuthOutcomesTotal,
		RegistrationsTotal,
		ActiveBindingsGauge,
		NotifyDispatchedTotal,
		ASHopOutcomesTotal,
		ForksTotal,
		StoreContentionTotal,
		ACRRecordsTotal,
	}
}
