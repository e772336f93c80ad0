package region

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/health"
	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// Config holds multi-region coordination settings.
type Config struct {
	// RoutingStrategy is the fallback used when no routing rule matches
	RoutingStrategy RoutingStrategy
	// SyncInterval is the period between replication flushes
	SyncInterval time.Duration
	// BatchSize caps the operations flushed per target per cycle
	BatchSize int
	// LagCritical is the replication lag beyond which a warning is emitted
	LagCritical time.Duration
	// FailoverThreshold is the number of consecutive unhealthy checks a
	// primary must accrue before automatic failover triggers
	FailoverThreshold int
	// AutoFailover enables automatic failover on sustained primary failure
	AutoFailover bool
	// RollbackOnFailure restores the demoted source's primary role when
	// the promotion step of a failover fails
	RollbackOnFailure bool
	// MaxFailoverEvents bounds the in-memory audit trail
	MaxFailoverEvents int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RoutingStrategy:   StrategyLatency,
		SyncInterval:      5 * time.Second,
		BatchSize:         100,
		LagCritical:       30 * time.Second,
		FailoverThreshold: 3,
		AutoFailover:      true,
		RollbackOnFailure: true,
		MaxFailoverEvents: 100,
	}
}

// Manager owns the region table, routing, the replication queues, the
// conflict log, and failover orchestration. All shared state is mutated
// through its methods under one mutex; events are published after the
// state change is committed.
type Manager struct {
	config Config

	mu              sync.Mutex
	regions         map[string]*Region
	healthByRegion  map[string]*Health
	latencies       map[string]time.Duration
	rules           []RoutingRule
	replication     map[string]*ReplicationStatus // keyed by source->target pair
	unhealthyStreak map[string]int
	failoverEvents  []FailoverEvent
	rrCounter       uint64

	store     Store
	transport Transport
	checker   *health.Checker

	running atomic.Bool
	cancel  context.CancelFunc
	stopped chan struct{}
	syncing atomic.Bool

	// test seam: invoked before each failover step when non-nil
	failoverStepHook func(step string, regionID string) error

	bus    *events.Bus
	logger *logging.Logger
}

// NewManager creates a multi-region manager. The store is required; the
// transport defaults to a no-op sink and the checker is optional.
func NewManager(config Config, store Store, transport Transport, checker *health.Checker, bus *events.Bus, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if transport == nil {
		transport = TransportFunc(func(ctx context.Context, target string, ops []SyncOperation) error {
			return nil
		})
	}

	defaults := DefaultConfig()
	if config.RoutingStrategy == "" {
		config.RoutingStrategy = defaults.RoutingStrategy
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.LagCritical <= 0 {
		config.LagCritical = defaults.LagCritical
	}
	if config.FailoverThreshold <= 0 {
		config.FailoverThreshold = defaults.FailoverThreshold
	}
	if config.MaxFailoverEvents <= 0 {
		config.MaxFailoverEvents = defaults.MaxFailoverEvents
	}

	return &Manager{
		config:          config,
		regions:         make(map[string]*Region),
		healthByRegion:  make(map[string]*Health),
		latencies:       make(map[string]time.Duration),
		replication:     make(map[string]*ReplicationStatus),
		unhealthyStreak: make(map[string]int),
		store:           store,
		transport:       transport,
		checker:         checker,
		bus:             bus,
		logger:          logger,
	}
}

// AddRegion adds a region to the table. At most one region may hold the
// primary role.
func (m *Manager) AddRegion(region Region) error {
	if region.ID == "" {
		return apperrors.NewValidationError("region id is required")
	}
	if region.Role == "" {
		region.Role = RoleStandby
	}
	if region.Status == "" {
		region.Status = StatusActive
	}

	now := time.Now()
	region.CreatedAt = now
	region.UpdatedAt = now

	m.mu.Lock()
	if _, exists := m.regions[region.ID]; exists {
		m.mu.Unlock()
		return apperrors.NewConflictError(fmt.Sprintf("region %s already exists", region.ID))
	}
	if region.Role == RolePrimary {
		for _, existing := range m.regions {
			if existing.Role == RolePrimary {
				m.mu.Unlock()
				return apperrors.NewConflictError(
					fmt.Sprintf("region %s is already primary", existing.ID))
			}
		}
	}
	copied := region
	m.regions[region.ID] = &copied
	m.mu.Unlock()

	if m.checker != nil {
		if url, ok := region.Endpoints["health"]; ok {
			m.checker.AddRegion(region.ID, url)
		}
	}

	m.logger.Info("Region added", "region", region.ID, "role", string(region.Role))
	m.bus.Publish(events.Event{
		Type:   events.RegionAdded,
		Source: "multiregion",
		Fields: map[string]interface{}{"region": region.ID, "role": string(region.Role)},
	})
	return nil
}

// RemoveRegion removes a region from the table.
func (m *Manager) RemoveRegion(regionID string) error {
	m.mu.Lock()
	if _, exists := m.regions[regionID]; !exists {
		m.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("region %s", regionID))
	}
	delete(m.regions, regionID)
	delete(m.healthByRegion, regionID)
	delete(m.latencies, regionID)
	delete(m.unhealthyStreak, regionID)
	m.mu.Unlock()

	if m.checker != nil {
		m.checker.RemoveRegion(regionID)
	}

	m.bus.Publish(events.Event{
		Type:   events.RegionRemoved,
		Source: "multiregion",
		Fields: map[string]interface{}{"region": regionID},
	})
	return nil
}

// UpdateRegionStatus transitions a region's status and emits the change.
func (m *Manager) UpdateRegionStatus(regionID string, status Status) error {
	m.mu.Lock()
	region, exists := m.regions[regionID]
	if !exists {
		m.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("region %s", regionID))
	}
	prev := region.Status
	if prev == status {
		m.mu.Unlock()
		return nil
	}
	region.Status = status
	region.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:   events.RegionStatusChanged,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"region": regionID,
			"from":   string(prev),
			"to":     string(status),
		},
	})
	return nil
}

// GetRegion returns a copy of the region.
func (m *Manager) GetRegion(regionID string) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	region, exists := m.regions[regionID]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("region %s", regionID))
	}
	copied := *region
	return &copied, nil
}

// Regions returns a copy of the region table.
func (m *Manager) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Region, 0, len(m.regions))
	for _, region := range m.regions {
		out = append(out, *region)
	}
	return out
}

// Primary returns the current primary region, if any.
func (m *Manager) Primary() (*Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaryLocked()
}

func (m *Manager) primaryLocked() (*Region, bool) {
	for _, region := range m.regions {
		if region.Role == RolePrimary {
			copied := *region
			return &copied, true
		}
	}
	return nil, false
}

// ObserveLatency records a client-observed latency for a region; the
// latency routing strategy selects on these readings.
func (m *Manager) ObserveLatency(regionID string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.regions[regionID]; exists {
		m.latencies[regionID] = latency
	}
}

// RegionHealth returns the latest health reading for a region.
func (m *Manager) RegionHealth(regionID string) (*Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.healthByRegion[regionID]
	if !exists {
		return nil, false
	}
	copied := *h
	return &copied, true
}

// ApplyHealthResult folds one health probe result into the region table:
// it refreshes the region's health record, tracks the unhealthy streak,
// and triggers automatic failover when the thresholds line up. Region
// failures surface as events, never as errors out of the coordinator.
func (m *Manager) ApplyHealthResult(ctx context.Context, result *health.CheckResult) {
	if result == nil {
		return
	}

	m.mu.Lock()
	region, exists := m.regions[result.RegionID]
	if !exists {
		m.mu.Unlock()
		return
	}

	status := StatusActive
	if !result.Healthy {
		status = StatusDegraded
	}
	m.healthByRegion[result.RegionID] = &Health{
		RegionID:  result.RegionID,
		Timestamp: result.Timestamp,
		Status:    status,
		LatencyMs: result.Latency.Milliseconds(),
	}

	var pending []events.Event
	var failoverFrom, failoverTo string

	if result.Healthy {
		recovered := m.unhealthyStreak[result.RegionID] >= m.config.FailoverThreshold
		m.unhealthyStreak[result.RegionID] = 0
		if region.Status == StatusDegraded {
			region.Status = StatusActive
			region.UpdatedAt = time.Now()
			pending = append(pending, events.Event{
				Type:   events.RegionStatusChanged,
				Source: "multiregion",
				Fields: map[string]interface{}{
					"region": result.RegionID,
					"from":   string(StatusDegraded),
					"to":     string(StatusActive),
				},
			})
		}
		if recovered {
			pending = append(pending, events.Event{
				Type:   events.RegionRecovered,
				Source: "multiregion",
				Fields: map[string]interface{}{"region": result.RegionID},
			})
		}
	} else {
		m.unhealthyStreak[result.RegionID]++
		streak := m.unhealthyStreak[result.RegionID]

		if streak == m.config.FailoverThreshold {
			pending = append(pending, events.Event{
				Type:   events.RegionUnhealthy,
				Source: "multiregion",
				Fields: map[string]interface{}{
					"region": result.RegionID,
					"streak": streak,
				},
			})

			if region.Status == StatusActive {
				region.Status = StatusDegraded
				region.UpdatedAt = time.Now()
				pending = append(pending, events.Event{
					Type:   events.RegionStatusChanged,
					Source: "multiregion",
					Fields: map[string]interface{}{
						"region": result.RegionID,
						"from":   string(StatusActive),
						"to":     string(StatusDegraded),
					},
				})
			}

			// Automatic failover needs the failing region to hold primary
			// and a healthy standby to exist; otherwise degradation is
			// reported only.
			if m.config.AutoFailover && region.Role == RolePrimary {
				if standby, ok := m.healthyStandbyLocked(result.RegionID); ok {
					failoverFrom = result.RegionID
					failoverTo = standby.ID
				}
			}
		}
	}
	m.mu.Unlock()

	for _, e := range pending {
		m.bus.Publish(e)
	}

	if failoverFrom != "" {
		reason := fmt.Sprintf("region %s unhealthy for %d consecutive checks",
			failoverFrom, m.config.FailoverThreshold)
		if _, err := m.InitiateFailover(ctx, failoverFrom, failoverTo, "auto", reason); err != nil {
			m.logger.Error("Automatic failover failed",
				"from", failoverFrom,
				"to", failoverTo,
				"error", err,
			)
		}
	}
}

// healthyStandbyLocked finds an active standby that is not on an
// unhealthy streak.
func (m *Manager) healthyStandbyLocked(excludeID string) (*Region, bool) {
	for _, region := range m.regions {
		if region.ID == excludeID || region.Role != RoleStandby {
			continue
		}
		if region.Status != StatusActive {
			continue
		}
		if m.unhealthyStreak[region.ID] > 0 {
			continue
		}
		copied := *region
		return &copied, true
	}
	return nil, false
}

// Start runs the replication flush loop and, when a checker is attached,
// the health consumption loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})

	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.config.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.syncing.CompareAndSwap(false, true) {
					m.logger.Warn("Replication flush still running, skipping cycle")
					continue
				}
				if m.checker != nil {
					for _, result := range m.checker.CheckAllRegions(ctx) {
						m.ApplyHealthResult(ctx, result)
					}
				}
				m.FlushReplication(ctx)
				m.syncing.Store(false)
			}
		}
	}()
}

// Stop halts the coordination loop and waits for it to exit.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	<-m.stopped
}
