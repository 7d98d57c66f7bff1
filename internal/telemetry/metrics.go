package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yangwenmai/fmucheck/internal/launcher"
	"github.com/yangwenmai/fmucheck/internal/poller"
	"github.com/yangwenmai/fmucheck/internal/resultcache"
	"github.com/yangwenmai/fmucheck/internal/worker"
)

var (
	_ resultcache.Observer = (*Metrics)(nil)
	_ launcher.Hooks       = (*Metrics)(nil)
	_ poller.Hooks         = (*Metrics)(nil)
	_ worker.ReapHooks     = (*Metrics)(nil)
)

const namespace = "fmucheck"

// Metrics holds the service's Prometheus collectors on a private registry.
// It implements the observer hooks of resultcache, launcher, poller and
// worker.Reaper.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	jobsClaimed   prometheus.Counter
	jobsSpawned   prometheus.Counter
	jobsCrashed   prometheus.Counter
	jobsReaped    *prometheus.CounterVec
	resultsStored *prometheus.CounterVec
	polls         *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Artifacts submitted, by whether the digest was new.",
		}, []string{"kind"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Job claims won in the ledger.",
		}),
		jobsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_spawned_total",
			Help:      "Worker processes started.",
		}),
		jobsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_crashed_total",
			Help:      "Worker processes that exited without publishing a result.",
		}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Expired jobs resolved by the reaper, by action.",
		}, []string{"action"}),
		resultsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_written_total",
			Help:      "Result records published, by outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Status polls, by observed state.",
		}, []string{"state"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_lookups_total",
			Help:      "Result cache reads, by whether the decoded record was in memory.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions, m.jobsClaimed, m.jobsSpawned, m.jobsCrashed,
		m.jobsReaped, m.resultsStored, m.polls, m.cacheLookups,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SubmissionReceived(created bool) {
	kind := "duplicate"
	if created {
		kind = "new"
	}
	m.submissions.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobClaimed() { m.jobsClaimed.Inc() }
func (m *Metrics) JobSpawned() { m.jobsSpawned.Inc() }
func (m *Metrics) JobCrashed() { m.jobsCrashed.Inc() }

func (m *Metrics) JobReaped(action string) { m.jobsReaped.WithLabelValues(action).Inc() }

func (m *Metrics) ResultWritten(outcome string) { m.resultsStored.WithLabelValues(outcome).Inc() }

func (m *Metrics) Polled(state string) { m.polls.WithLabelValues(state).Inc() }

func (m *Metrics) CacheHit()  { m.cacheLookups.WithLabelValues("hit").Inc() }
func (m *Metrics) CacheMiss() { m.cacheLookups.WithLabelValues("miss").Inc() }
