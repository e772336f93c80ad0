package health

// Status represents the health status of a probed target
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// FailureKind classifies why a probe failed
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureUnexpectedStatus FailureKind = "unexpected_status"
	FailureTransport        FailureKind = "transport"
)
