package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	instancesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "instances",
			Help:      "Number of orchestrated instances by status.",
		}, []string{"status"},
	)
	instanceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage for supervised processes.",
		}, []string{"issue_id"},
	)
	instanceMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Memory usage in MB for supervised processes.",
		}, []string{"issue_id"},
	)
	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health check results by check name and status.",
		}, []string{"check", "status"},
	)
	recoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "success"},
	)
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "alerts_total",
			Help:      "Alerts raised by level.",
		}, []string{"level"},
	)
)

// Register registers all collectors with r, tolerating re-registration.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		instancesByStatus,
		instanceCPUPercent,
		instanceMemoryMB,
		healthChecksTotal,
		recoveryAttemptsTotal,
		alertsTotal,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func SetInstancesByStatus(status string, n int) {
	instancesByStatus.WithLabelValues(status).Set(float64(n))
}

func SetProcessSample(issueID string, cpu, memMB float64) {
	instanceCPUPercent.WithLabelValues(issueID).Set(cpu)
	instanceMemoryMB.WithLabelValues(issueID).Set(memMB)
}

func DropProcessSample(issueID string) {
	instanceCPUPercent.DeleteLabelValues(issueID)
	instanceMemoryMB.DeleteLabelValues(issueID)
}

func ObserveHealthCheck(check, status string) {
	healthChecksTotal.WithLabelValues(check, status).Inc()
}

func ObserveRecovery(strategy string, success bool) {
	outcome := "false"
	if success {
		outcome = "true"
	}
	recoveryAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

func ObserveAlert(level string) {
	alertsTotal.WithLabelValues(level).Inc()
}
