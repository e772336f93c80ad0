package events

import (
	"sync"
	"time"

	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// Type identifies a kind of event on the bus.
type Type string

// Event types published by the reliability core.
const (
	CircuitStateChanged Type = "circuit.state_changed"
	CircuitOpened       Type = "circuit.opened"
	CircuitClosed       Type = "circuit.closed"
	CircuitHalfOpen     Type = "circuit.half_open"
	CircuitRejected     Type = "circuit.rejected"
	CircuitSuccess      Type = "circuit.success"
	CircuitFailure      Type = "circuit.failure"

	RetryAttempt         Type = "retry.attempt"
	RetrySuccess         Type = "retry.success"
	RetryExhausted       Type = "retry.exhausted"
	RetryBudgetExhausted Type = "retry.budget_exhausted"

	HealthChecked   Type = "health.checked"
	HealthDegraded  Type = "health.degraded"
	HealthRecovered Type = "health.recovered"
	HealthAlert     Type = "health.alert"

	RegionAdded            Type = "region.added"
	RegionRemoved          Type = "region.removed"
	RegionStatusChanged    Type = "region.status_changed"
	RegionRoleChanged      Type = "region.role_changed"
	RegionUnhealthy        Type = "region.unhealthy"
	RegionRecovered        Type = "region.recovered"
	RoutingDecision        Type = "region.routing_decision"
	SyncBatchSent          Type = "region.sync_batch_sent"
	SyncBatchAcked         Type = "region.sync_batch_acked"
	ConflictDetected       Type = "region.conflict_detected"
	ConflictResolved       Type = "region.conflict_resolved"
	FailoverInitiated      Type = "region.failover_initiated"
	FailoverCompleted      Type = "region.failover_completed"
	FailoverFailed         Type = "region.failover_failed"
	FailoverRolledBack     Type = "region.failover_rolled_back"
	ReplicationLagWarning  Type = "region.replication_lag_warning"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type      Type                   `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Handler receives published events. Handlers must not block;
// slow consumers should hand off to their own goroutine.
type Handler func(Event)

// Bus is an explicit subscriber-list event dispatcher. Publishers mutate
// state first and publish after, so subscribers always observe committed
// state. Publish must never be called while holding a component's mutex.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	logger   *logging.Logger
}

// NewBus creates an event bus.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event synchronously to all matching handlers.
// A panicking handler is recovered and logged so one subscriber cannot
// take down the publisher.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[e.Type]))
	copy(typed, b.handlers[e.Type])
	all := make([]Handler, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, h := range typed {
		b.dispatch(h, e)
	}
	for _, h := range all {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"event_type", string(e.Type),
				"source", e.Source,
				"panic", r,
			)
		}
	}()
	h(e)
}
