// Package metrics provides the Prometheus MetricsRecorder adapter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openimis/msystems/internal/core/ports"
)

// PrometheusMetricsRecorder records metrics using Prometheus.
type PrometheusMetricsRecorder struct {
	loginAttemptsTotal         *prometheus.CounterVec
	reconciliationsTotal       *prometheus.CounterVec
	unknownRolesTotal          *prometheus.CounterVec
	envelopeVerificationsTotal *prometheus.CounterVec
	soapOperationsTotal        *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder creates a new Prometheus metrics recorder
// using the default Prometheus registry.
func NewPrometheusMetricsRecorder() *PrometheusMetricsRecorder {
	return NewPrometheusMetricsRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsRecorderWithRegistry creates a new Prometheus metrics
// recorder with a custom registry. Use this for testing.
func NewPrometheusMetricsRecorderWithRegistry(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	loginAttemptsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msystems_login_attempts_total",
		Help: "Total federated login attempts",
	}, []string{"result"})

	reconciliationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msystems_reconciliations_total",
		Help: "Total identity reconciliation transactions",
	}, []string{"result"})

	unknownRolesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msystems_unknown_roles_total",
		Help: "Total asserted role names with no local mapping",
	}, []string{"role"})

	envelopeVerificationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msystems_envelope_verifications_total",
		Help: "Total WS-Security envelope verification attempts",
	}, []string{"integration", "result"})

	soapOperationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msystems_soap_operations_total",
		Help: "Total SOAP operations served or called",
	}, []string{"operation", "result"})

	reg.MustRegister(
		loginAttemptsTotal,
		reconciliationsTotal,
		unknownRolesTotal,
		envelopeVerificationsTotal,
		soapOperationsTotal,
	)

	return &PrometheusMetricsRecorder{
		loginAttemptsTotal:         loginAttemptsTotal,
		reconciliationsTotal:       reconciliationsTotal,
		unknownRolesTotal:          unknownRolesTotal,
		envelopeVerificationsTotal: envelopeVerificationsTotal,
		soapOperationsTotal:        soapOperationsTotal,
	}
}

var _ ports.MetricsRecorder = (*PrometheusMetricsRecorder)(nil)

// RecordLoginAttempt records a federated login attempt and its outcome.
func (p *PrometheusMetricsRecorder) RecordLoginAttempt(success bool) {
	p.loginAttemptsTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordReconciliation records one reconciliation transaction outcome.
func (p *PrometheusMetricsRecorder) RecordReconciliation(success bool) {
	p.reconciliationsTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordUnknownRole records an asserted role name with no local mapping.
func (p *PrometheusMetricsRecorder) RecordUnknownRole(role string) {
	p.unknownRolesTotal.WithLabelValues(role).Inc()
}

// RecordEnvelopeVerification records an envelope verification result for the
// named integration.
func (p *PrometheusMetricsRecorder) RecordEnvelopeVerification(integration string, success bool) {
	p.envelopeVerificationsTotal.WithLabelValues(integration, resultLabel(success)).Inc()
}

// RecordSOAPOperation records one inbound or outbound SOAP operation.
func (p *PrometheusMetricsRecorder) RecordSOAPOperation(operation string, success bool) {
	p.soapOperationsTotal.WithLabelValues(operation, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
