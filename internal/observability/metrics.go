package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchSucceededCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "health_sync",
		Subsystem: "batch",
		Name:      "users_succeeded_total",
		Help:      "Users synced successfully across scheduled batch runs.",
	})
	batchFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "health_sync",
		Subsystem: "batch",
		Name:      "users_failed_total",
		Help:      "Users whose sync failed across scheduled batch runs.",
	})
	lastBatchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "health_sync",
		Subsystem: "batch",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recent batch run.",
	})
	daysImportedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "health_sync",
		Subsystem: "worker",
		Name:      "days_imported_total",
		Help:      "Daily metric records written by the sync worker.",
	})
	backfillFinishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "health_sync",
		Subsystem: "worker",
		Name:      "backfills_finished_total",
		Help:      "Backfills that reached the historical floor.",
	})
	reauthFlaggedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "health_sync",
		Subsystem: "worker",
		Name:      "reauth_flagged_total",
		Help:      "Connections flagged for re-authorization after a provider auth failure.",
	})
	metricsPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "health_sync",
		Subsystem: "persistence",
		Name:      "last_metrics_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent daily metric batch persisted to Postgres.",
	})
)

func init() {
	prometheus.MustRegister(
		batchSucceededCounter,
		batchFailedCounter,
		lastBatchGauge,
		daysImportedCounter,
		backfillFinishedCounter,
		reauthFlaggedCounter,
		metricsPersistGauge,
	)
}

// RecordBatchRun tallies the outcome of one scheduled batch run.
func RecordBatchRun(succeeded, failed int) {
	batchSucceededCounter.Add(float64(succeeded))
	batchFailedCounter.Add(float64(failed))
	lastBatchGauge.SetToCurrentTime()
}

// RecordDaysImported counts daily metric records written by one sync step.
func RecordDaysImported(days int) {
	if days > 0 {
		daysImportedCounter.Add(float64(days))
	}
}

// RecordBackfillFinished counts a backfill reaching its floor.
func RecordBackfillFinished() {
	backfillFinishedCounter.Inc()
}

// RecordReauthFlagged counts a connection flagged for re-authorization.
func RecordReauthFlagged() {
	reauthFlaggedCounter.Inc()
}

// RecordMetricsPersisted updates the persistence watermark gauge.
func RecordMetricsPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	metricsPersistGauge.Set(float64(ts.Unix()))
}
