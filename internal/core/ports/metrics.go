package ports

// MetricsRecorder is the port interface for recording metrics.
// Implementations are adapters (Prometheus for production, Noop for
// disabled/testing).
type MetricsRecorder interface {
	// RecordLoginAttempt records a federated login attempt and its outcome.
	RecordLoginAttempt(success bool)

	// RecordReconciliation records one reconciliation transaction outcome.
	RecordReconciliation(success bool)

	// RecordUnknownRole records an asserted role name with no local mapping.
	RecordUnknownRole(role string)

	// RecordEnvelopeVerification records an envelope verification result for
	// the named integration ("mpay", "mconnect").
	RecordEnvelopeVerification(integration string, success bool)

	// RecordSOAPOperation records one inbound or outbound SOAP operation.
	RecordSOAPOperation(operation string, success bool)
}

// NoopMetricsRecorder is a no-op implementation for when metrics are
// disabled. All methods are safe to call and do nothing.
type NoopMetricsRecorder struct{}

// NewNoopMetricsRecorder creates a new no-op metrics recorder.
func NewNoopMetricsRecorder() *NoopMetricsRecorder {
	return &NoopMetricsRecorder{}
}

// RecordLoginAttempt is a no-op.
func (n *NoopMetricsRecorder) RecordLoginAttempt(success bool) {}

// RecordReconciliation is a no-op.
func (n *NoopMetricsRecorder) RecordReconciliation(success bool) {}

// RecordUnknownRole is a no-op.
func (n *NoopMetricsRecorder) RecordUnknownRole(role string) {}

// RecordEnvelopeVerification is a no-op.
func (n *NoopMetricsRecorder) RecordEnvelopeVerification(integration string, success bool) {}

// RecordSOAPOperation is a no-op.
func (n *NoopMetricsRecorder) RecordSOAPOperation(operation string, success bool) {}
