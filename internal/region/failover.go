package region

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
)

// Failover steps, in execution order.
const (
	stepDrain   = "drain"
	stepDemote  = "demote"
	stepPromote = "promote"
)

// InitiateFailover moves the primary role from one region to another:
// pending replication toward the target is drained, the source is
// demoted, then the target is promoted. A promotion failure restores the
// source's primary role when rollback is enabled, so the table never
// ends up with zero primaries by accident.
func (m *Manager) InitiateFailover(ctx context.Context, fromRegion, toRegion, trigger, reason string) (*FailoverEvent, error) {
	m.mu.Lock()
	source, exists := m.regions[fromRegion]
	if !exists {
		m.mu.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("region %s", fromRegion))
	}
	target, exists := m.regions[toRegion]
	if !exists {
		m.mu.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("region %s", toRegion))
	}
	if source.Role != RolePrimary {
		m.mu.Unlock()
		return nil, apperrors.NewFailoverError(fromRegion, toRegion,
			fmt.Sprintf("region %s is not primary", fromRegion))
	}
	if target.Role != RoleStandby {
		m.mu.Unlock()
		return nil, apperrors.NewFailoverError(fromRegion, toRegion,
			fmt.Sprintf("region %s is not a standby", toRegion))
	}
	if target.Status == StatusOffline {
		m.mu.Unlock()
		return nil, apperrors.NewFailoverError(fromRegion, toRegion,
			fmt.Sprintf("region %s is offline", toRegion))
	}
	m.mu.Unlock()

	event := FailoverEvent{
		ID:         uuid.New().String(),
		Trigger:    trigger,
		FromRegion: fromRegion,
		ToRegion:   toRegion,
		Reason:     reason,
		Status:     FailoverInitiated,
		StartedAt:  time.Now(),
	}

	m.logger.Warn("Failover initiated",
		"failover", event.ID,
		"from", fromRegion,
		"to", toRegion,
		"trigger", trigger,
		"reason", reason,
	)
	m.bus.Publish(events.Event{
		Type:   events.FailoverInitiated,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"failover": event.ID,
			"from":     fromRegion,
			"to":       toRegion,
			"trigger":  trigger,
			"reason":   reason,
		},
	})

	err := m.runFailover(ctx, fromRegion, toRegion)
	event.Duration = time.Since(event.StartedAt)

	if err != nil {
		event.Error = err.Error()
		if m.config.RollbackOnFailure && m.rollbackFailover(fromRegion) {
			event.Status = FailoverRolledBack
		} else {
			event.Status = FailoverFailed
		}
	} else {
		event.Status = FailoverCompleted
	}

	m.recordFailoverEvent(ctx, event)

	switch event.Status {
	case FailoverCompleted:
		m.logger.Info("Failover completed",
			"failover", event.ID,
			"from", fromRegion,
			"to", toRegion,
			"duration", event.Duration,
		)
		m.bus.Publish(events.Event{
			Type:   events.FailoverCompleted,
			Source: "multiregion",
			Fields: map[string]interface{}{
				"failover":    event.ID,
				"from":        fromRegion,
				"to":          toRegion,
				"duration_ms": event.Duration.Milliseconds(),
			},
		})
		return &event, nil
	case FailoverRolledBack:
		m.bus.Publish(events.Event{
			Type:   events.FailoverRolledBack,
			Source: "multiregion",
			Fields: map[string]interface{}{
				"failover": event.ID,
				"from":     fromRegion,
				"to":       toRegion,
				"error":    event.Error,
			},
		})
	default:
		m.bus.Publish(events.Event{
			Type:   events.FailoverFailed,
			Source: "multiregion",
			Fields: map[string]interface{}{
				"failover": event.ID,
				"from":     fromRegion,
				"to":       toRegion,
				"error":    event.Error,
			},
		})
	}
	return &event, apperrors.NewFailoverError(fromRegion, toRegion, event.Error)
}

func (m *Manager) runFailover(ctx context.Context, fromRegion, toRegion string) error {
	// Drain pending replication toward the new primary so promotion does
	// not lose acknowledged writes.
	if err := m.step(stepDrain, toRegion); err != nil {
		return err
	}
	m.flushTarget(ctx, toRegion)

	// Demotion drains the old primary out of the routable set; promotion
	// marks the new primary active so routing picks it up immediately.
	if err := m.step(stepDemote, fromRegion); err != nil {
		return err
	}
	m.setRole(fromRegion, RoleStandby)
	if err := m.UpdateRegionStatus(fromRegion, StatusDraining); err != nil {
		return err
	}

	if err := m.step(stepPromote, toRegion); err != nil {
		return err
	}
	m.setRole(toRegion, RolePrimary)
	if err := m.UpdateRegionStatus(toRegion, StatusActive); err != nil {
		return err
	}
	m.resetStreak(toRegion)
	return nil
}

func (m *Manager) step(name, regionID string) error {
	if m.failoverStepHook == nil {
		return nil
	}
	return m.failoverStepHook(name, regionID)
}

// rollbackFailover restores the source's primary role and active status
// after a failed promotion. It reports false when the source no longer
// exists.
func (m *Manager) rollbackFailover(fromRegion string) bool {
	m.mu.Lock()
	source, exists := m.regions[fromRegion]
	if !exists {
		m.mu.Unlock()
		return false
	}
	prevRole := source.Role
	prevStatus := source.Status
	source.Role = RolePrimary
	source.Status = StatusActive
	source.UpdatedAt = time.Now()
	m.mu.Unlock()

	if prevRole != RolePrimary {
		m.publishRoleChange(fromRegion, prevRole, RolePrimary)
	}
	if prevStatus != StatusActive {
		m.bus.Publish(events.Event{
			Type:   events.RegionStatusChanged,
			Source: "multiregion",
			Fields: map[string]interface{}{
				"region": fromRegion,
				"from":   string(prevStatus),
				"to":     string(StatusActive),
			},
		})
	}
	return true
}

func (m *Manager) setRole(regionID string, role Role) {
	m.mu.Lock()
	region, exists := m.regions[regionID]
	if !exists {
		m.mu.Unlock()
		return
	}
	prev := region.Role
	region.Role = role
	region.UpdatedAt = time.Now()
	m.mu.Unlock()

	if prev != role {
		m.publishRoleChange(regionID, prev, role)
	}
}

func (m *Manager) resetStreak(regionID string) {
	m.mu.Lock()
	m.unhealthyStreak[regionID] = 0
	m.mu.Unlock()
}

func (m *Manager) publishRoleChange(regionID string, from, to Role) {
	m.bus.Publish(events.Event{
		Type:   events.RegionRoleChanged,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"region": regionID,
			"from":   string(from),
			"to":     string(to),
		},
	})
}

func (m *Manager) recordFailoverEvent(ctx context.Context, event FailoverEvent) {
	if err := m.store.SaveFailoverEvent(ctx, event); err != nil {
		m.logger.Error("Save failover event failed", "failover", event.ID, "error", err)
	}

	m.mu.Lock()
	m.failoverEvents = append(m.failoverEvents, event)
	if len(m.failoverEvents) > m.config.MaxFailoverEvents {
		m.failoverEvents = m.failoverEvents[len(m.failoverEvents)-m.config.MaxFailoverEvents:]
	}
	m.mu.Unlock()
}

// FailoverHistory returns the in-memory audit trail, newest last.
func (m *Manager) FailoverHistory() []FailoverEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FailoverEvent, len(m.failoverEvents))
	copy(out, m.failoverEvents)
	return out
}
