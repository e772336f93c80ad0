package region

import (
	"context"
	"time"
)

// Role is a region's replication role.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
)

// Status is a region's operational status.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
	StatusDraining Status = "draining"
)

// Location places a region geographically for geo routing.
type Location struct {
	Country string  `json:"country"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Region is one deployment region in the table.
type Region struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Status    Status            `json:"status"`
	Location  Location          `json:"location"`
	Endpoints map[string]string `json:"endpoints"`
	Weight    int               `json:"weight"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Health is the latest health reading for a region, overwritten each cycle.
type Health struct {
	RegionID     string    `json:"region_id"`
	Timestamp    time.Time `json:"timestamp"`
	Status       Status    `json:"status"`
	LatencyMs    int64     `json:"latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	Availability float64   `json:"availability"`
	CPUPercent   float64   `json:"cpu_percent,omitempty"`
	MemPercent   float64   `json:"mem_percent,omitempty"`
}

// SyncOperation is one replicated write, enqueued per target region and
// removed on acknowledgement.
type SyncOperation struct {
	ID           string                 `json:"id"`
	SourceRegion string                 `json:"source_region"`
	Collection   string                 `json:"collection"`
	DocumentID   string                 `json:"document_id"`
	Payload      map[string]interface{} `json:"payload"`
	Timestamp    time.Time              `json:"timestamp"`
}

// ReplicationStatus tracks one ordered source→target pair.
type ReplicationStatus struct {
	SourceRegion      string    `json:"source_region"`
	TargetRegion      string    `json:"target_region"`
	LagMs             int64     `json:"lag_ms"`
	PendingOperations int       `json:"pending_operations"`
	BytesReplicated   int64     `json:"bytes_replicated"`
	LastSyncedAt      time.Time `json:"last_synced_at"`
	Errors            int       `json:"errors"`
}

// Conflict records divergent versions of the same document across two
// regions. Once resolved it is immutable history.
type Conflict struct {
	ID            string      `json:"id"`
	Collection    string      `json:"collection"`
	DocumentID    string      `json:"document_id"`
	SourceRegion  string      `json:"source_region"`
	TargetRegion  string      `json:"target_region"`
	SourceVersion interface{} `json:"source_version"`
	TargetVersion interface{} `json:"target_version"`
	DetectedAt    time.Time   `json:"detected_at"`
	Resolution    string      `json:"resolution,omitempty"`
	ResolvedValue interface{} `json:"resolved_value,omitempty"`
	ResolvedAt    time.Time   `json:"resolved_at,omitempty"`
}

// Resolved reports whether the conflict has been resolved.
func (c *Conflict) Resolved() bool {
	return c.Resolution != ""
}

// FailoverStatus is the lifecycle state of a failover event.
type FailoverStatus string

const (
	FailoverInitiated  FailoverStatus = "initiated"
	FailoverCompleted  FailoverStatus = "completed"
	FailoverFailed     FailoverStatus = "failed"
	FailoverRolledBack FailoverStatus = "rolled_back"
)

// FailoverEvent is one entry in the bounded append-only failover audit trail.
type FailoverEvent struct {
	ID         string         `json:"id"`
	Trigger    string         `json:"trigger"`
	FromRegion string         `json:"from_region"`
	ToRegion   string         `json:"to_region"`
	Reason     string         `json:"reason"`
	Status     FailoverStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
}

// RoutingStrategy selects the fallback region-selection policy.
type RoutingStrategy string

const (
	StrategyLatency    RoutingStrategy = "latency"
	StrategyGeo        RoutingStrategy = "geo"
	StrategyFailover   RoutingStrategy = "failover"
	StrategyRoundRobin RoutingStrategy = "round_robin"
	StrategyWeighted   RoutingStrategy = "weighted"
)

// ConditionField is what a routing predicate inspects.
type ConditionField string

const (
	FieldGeo    ConditionField = "geo"
	FieldHeader ConditionField = "header"
	FieldPath   ConditionField = "path"
)

// ConditionOp is a routing predicate operator.
type ConditionOp string

const (
	OpEq         ConditionOp = "eq"
	OpNeq        ConditionOp = "neq"
	OpContains   ConditionOp = "contains"
	OpStartsWith ConditionOp = "starts_with"
	OpIn         ConditionOp = "in"
)

// Condition is one predicate inside a routing rule. All conditions of a
// rule must match.
type Condition struct {
	Field  ConditionField `json:"field"`
	Key    string         `json:"key,omitempty"`
	Op     ConditionOp    `json:"op"`
	Value  string         `json:"value,omitempty"`
	Values []string       `json:"values,omitempty"`
}

// RoutingRule routes matching requests to a fixed region. Rules are
// evaluated in ascending priority order; the first enabled match wins.
type RoutingRule struct {
	ID           string      `json:"id"`
	Priority     int         `json:"priority"`
	Enabled      bool        `json:"enabled"`
	TargetRegion string      `json:"target_region"`
	Conditions   []Condition `json:"conditions"`
}

// RouteRequest carries the request attributes routing predicates inspect.
type RouteRequest struct {
	ClientCountry string            `json:"client_country,omitempty"`
	Path          string            `json:"path,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// RouteDecision is the outcome of routing one request.
type RouteDecision struct {
	RegionID  string          `json:"region_id"`
	Strategy  RoutingStrategy `json:"strategy"`
	RuleID    string          `json:"rule_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store abstracts the persistence backing the replication queues, the
// conflict log, and the failover audit trail. Implementations live in
// internal/store; coordination logic only sees this interface.
type Store interface {
	EnqueueSyncOp(ctx context.Context, target string, op SyncOperation) error
	// PeekSyncOps returns up to limit pending operations for the target
	// without removing them.
	PeekSyncOps(ctx context.Context, target string, limit int) ([]SyncOperation, error)
	// AckSyncOps removes acknowledged operations from the target's queue.
	AckSyncOps(ctx context.Context, target string, ids []string) error
	PendingSyncOps(ctx context.Context, target string) (int, error)

	SaveConflict(ctx context.Context, conflict Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]Conflict, error)

	SaveFailoverEvent(ctx context.Context, event FailoverEvent) error
	ListFailoverEvents(ctx context.Context, limit int) ([]FailoverEvent, error)
}

// Transport delivers replication batches to a target region. The concrete
// wire protocol is injected by the embedding application.
type Transport interface {
	SendBatch(ctx context.Context, target string, ops []SyncOperation) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, target string, ops []SyncOperation) error

func (f TransportFunc) SendBatch(ctx context.Context, target string, ops []SyncOperation) error {
	return f(ctx, target, ops)
}
