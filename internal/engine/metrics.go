package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность прохода валидатора
	ValidationPassDuration prometheus.Histogram

	// Traffic: исходы проверки записей (VALIDATED, FLAGGED, QUARANTINED, failed)
	RecordsValidated *prometheus.CounterVec

	// Errors: классификация отказов чтения и привилегированных операций
	ErrorTotal *prometheus.CounterVec

	// Saturation: записи, ожидающие проверки на момент последнего прохода
	ValidationBacklog prometheus.Gauge

	// Saturation: состояние Circuit Breaker канала ключей (0 - ок, 1 - полуоткрыт, 2 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Transfer: исходы приема записей от других инсталляций
	TransfersTotal *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ValidationPassDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "trustvault_validation_pass_duration_seconds",
			Help:    "Histogram of background validation pass latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		RecordsValidated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trustvault_records_validated_total",
			Help: "Total number of records processed by the validator, by outcome.",
		}, []string{"outcome"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trustvault_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: quarantined, needs_validation, permission, integrity, transfer

		ValidationBacklog: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "trustvault_validation_backlog",
			Help: "UNTRUSTED records picked up by the last validation pass.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "trustvault_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"peer"}),

		TransfersTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trustvault_transfers_total",
			Help: "Total number of received record transfers, by result.",
		}, []string{"result"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "trustvault_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
