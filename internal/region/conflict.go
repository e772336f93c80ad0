package region

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
)

// Conflict resolution strategies.
const (
	ResolveSourceWins    = "source_wins"
	ResolveTargetWins    = "target_wins"
	ResolveLastWriteWins = "last_write_wins"
	ResolveManual        = "manual"
)

// DetectConflict records divergent versions of one document observed
// during replication and emits a detection event. The conflict is
// persisted before anything is published.
func (m *Manager) DetectConflict(ctx context.Context, collection, documentID, sourceRegion, targetRegion string, sourceVersion, targetVersion interface{}) (*Conflict, error) {
	if collection == "" || documentID == "" {
		return nil, apperrors.NewValidationError("collection and document id are required")
	}
	if sourceRegion == targetRegion {
		return nil, apperrors.NewValidationError("conflict requires two distinct regions")
	}

	conflict := Conflict{
		ID:            uuid.New().String(),
		Collection:    collection,
		DocumentID:    documentID,
		SourceRegion:  sourceRegion,
		TargetRegion:  targetRegion,
		SourceVersion: sourceVersion,
		TargetVersion: targetVersion,
		DetectedAt:    time.Now(),
	}

	if err := m.store.SaveConflict(ctx, conflict); err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("save conflict: %v", err))
	}

	m.logger.Warn("Replication conflict detected",
		"conflict", conflict.ID,
		"collection", collection,
		"document", documentID,
		"source", sourceRegion,
		"target", targetRegion,
	)
	m.bus.Publish(events.Event{
		Type:   events.ConflictDetected,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"conflict":   conflict.ID,
			"collection": collection,
			"document":   documentID,
			"source":     sourceRegion,
			"target":     targetRegion,
		},
	})
	return &conflict, nil
}

// ResolveConflict applies a resolution strategy to a recorded conflict.
// Resolving an already-resolved conflict with the same strategy is a
// no-op returning the stored result; a different strategy is rejected
// because resolved conflicts are immutable history.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID, resolution string, manualValue interface{}) (*Conflict, error) {
	switch resolution {
	case ResolveSourceWins, ResolveTargetWins, ResolveLastWriteWins, ResolveManual:
	default:
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("unknown resolution strategy %q", resolution))
	}

	conflict, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("conflict %s", conflictID))
	}

	if conflict.Resolved() {
		if conflict.Resolution == resolution {
			return conflict, nil
		}
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("conflict %s already resolved with %s", conflictID, conflict.Resolution))
	}

	switch resolution {
	case ResolveSourceWins:
		conflict.ResolvedValue = conflict.SourceVersion
	case ResolveTargetWins:
		conflict.ResolvedValue = conflict.TargetVersion
	case ResolveLastWriteWins:
		conflict.ResolvedValue = lastWrite(conflict)
	case ResolveManual:
		if manualValue == nil {
			return nil, apperrors.NewValidationError("manual resolution requires a value")
		}
		conflict.ResolvedValue = manualValue
	}
	conflict.Resolution = resolution
	conflict.ResolvedAt = time.Now()

	if err := m.store.SaveConflict(ctx, *conflict); err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("save conflict: %v", err))
	}

	m.bus.Publish(events.Event{
		Type:   events.ConflictResolved,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"conflict":   conflict.ID,
			"resolution": resolution,
		},
	})
	return conflict, nil
}

// lastWrite picks the version carrying the later embedded timestamp.
// Versions without a comparable timestamp fall back to the source
// version, which is the writer that replicated last.
func lastWrite(conflict *Conflict) interface{} {
	st, sok := versionTime(conflict.SourceVersion)
	tt, tok := versionTime(conflict.TargetVersion)
	if sok && tok && tt.After(st) {
		return conflict.TargetVersion
	}
	if !sok && tok {
		return conflict.TargetVersion
	}
	return conflict.SourceVersion
}

func versionTime(version interface{}) (time.Time, bool) {
	doc, ok := version.(map[string]interface{})
	if !ok {
		return time.Time{}, false
	}
	for _, key := range []string{"updated_at", "timestamp"} {
		switch v := doc[key].(type) {
		case time.Time:
			return v, true
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Conflicts lists recorded conflicts, optionally only unresolved ones.
func (m *Manager) Conflicts(ctx context.Context, unresolvedOnly bool) ([]Conflict, error) {
	return m.store.ListConflicts(ctx, unresolvedOnly)
}
