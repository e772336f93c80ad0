package store

import (
	"context"
	"fmt"

	"github.com/polaris-platform/polaris-core/internal/region"
	"github.com/polaris-platform/polaris-core/pkg/config"
	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
)

// Closer is implemented by stores holding external connections.
type Closer interface {
	Close() error
}

// HealthChecker is implemented by stores that can verify their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// New builds the store selected by the storage backend setting.
func New(cfg *config.Config) (region.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(&cfg.Redis)
	case "postgres":
		return NewPostgresStore(&cfg.Storage)
	default:
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend))
	}
}
