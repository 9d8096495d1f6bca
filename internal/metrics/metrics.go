// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StatusQueries counts getstatus lookups by result: cached, online, offline.
	StatusQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "q3portal_status_queries_total",
		Help: "Game server status lookups by result",
	}, []string{"result"})

	// RconCommands counts rcon round trips by result: ok, error.
	RconCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "q3portal_rcon_commands_total",
		Help: "RCON commands sent by result",
	}, []string{"result"})

	// BackupOperations counts backup engine operations by kind and result.
	BackupOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "q3portal_backup_operations_total",
		Help: "Backup, restore and upload operations by result",
	}, []string{"operation", "result"})

	// BackupDuration observes how long backup engine operations take.
	BackupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "q3portal_backup_duration_seconds",
		Help:    "Duration of backup engine operations",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"operation"})

	// LastBackupTimestamp is the unix time of the last successful backup.
	LastBackupTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "q3portal_last_backup_timestamp_seconds",
		Help: "Unix time of the last successful backup",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(StatusQueries, RconCommands, BackupOperations, BackupDuration, LastBackupTimestamp)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an ok flag to a label value.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
