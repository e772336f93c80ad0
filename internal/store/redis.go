package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polaris-platform/polaris-core/internal/region"
	"github.com/polaris-platform/polaris-core/pkg/config"
	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
)

const (
	syncIDsKeyPrefix  = "polaris:sync:ids:"
	syncOpsKeyPrefix  = "polaris:sync:ops:"
	conflictsKey      = "polaris:conflicts"
	conflictOrderKey  = "polaris:conflicts:order"
	failoverEventsKey = "polaris:failovers"

	// failoverHistoryCap bounds the persisted audit trail.
	failoverHistoryCap = 1000
)

// RedisStore persists the replication queues, the conflict log, and the
// failover audit trail in Redis. Each target's queue is an ID list plus
// an ID-to-payload hash so acknowledgement can remove individual
// operations without scanning values.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, apperrors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health verifies the Redis connection.
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

func (s *RedisStore) EnqueueSyncOp(ctx context.Context, target string, op region.SyncOperation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal sync operation").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, syncIDsKeyPrefix+target, op.ID)
	pipe.HSet(ctx, syncOpsKeyPrefix+target, op.ID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewInternalError("failed to enqueue sync operation").WithCause(err)
	}
	return nil
}

func (s *RedisStore) PeekSyncOps(ctx context.Context, target string, limit int) ([]region.SyncOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.LRange(ctx, syncIDsKeyPrefix+target, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read sync queue").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, syncOpsKeyPrefix+target, ids...).Result()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read sync operations").WithCause(err)
	}

	ops := make([]region.SyncOperation, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// ID without a payload, cleaned up on ack
			continue
		}
		var op region.SyncOperation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal sync operation").WithCause(err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *RedisStore) AckSyncOps(ctx context.Context, target string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.LRem(ctx, syncIDsKeyPrefix+target, 1, id)
	}
	pipe.HDel(ctx, syncOpsKeyPrefix+target, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewInternalError("failed to ack sync operations").WithCause(err)
	}
	return nil
}

func (s *RedisStore) PendingSyncOps(ctx context.Context, target string) (int, error) {
	n, err := s.client.LLen(ctx, syncIDsKeyPrefix+target).Result()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to count sync operations").WithCause(err)
	}
	return int(n), nil
}

func (s *RedisStore) SaveConflict(ctx context.Context, conflict region.Conflict) error {
	payload, err := json.Marshal(conflict)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal conflict").WithCause(err)
	}

	exists, err := s.client.HExists(ctx, conflictsKey, conflict.ID).Result()
	if err != nil {
		return apperrors.NewInternalError("failed to check conflict").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	if !exists {
		pipe.RPush(ctx, conflictOrderKey, conflict.ID)
	}
	pipe.HSet(ctx, conflictsKey, conflict.ID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewInternalError("failed to save conflict").WithCause(err)
	}
	return nil
}

func (s *RedisStore) GetConflict(ctx context.Context, id string) (*region.Conflict, error) {
	raw, err := s.client.HGet(ctx, conflictsKey, id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read conflict").WithCause(err)
	}

	var conflict region.Conflict
	if err := json.Unmarshal([]byte(raw), &conflict); err != nil {
		return nil, apperrors.NewInternalError("failed to unmarshal conflict").WithCause(err)
	}
	return &conflict, nil
}

func (s *RedisStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]region.Conflict, error) {
	ids, err := s.client.LRange(ctx, conflictOrderKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list conflicts").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, conflictsKey, ids...).Result()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read conflicts").WithCause(err)
	}

	conflicts := make([]region.Conflict, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var conflict region.Conflict
		if err := json.Unmarshal([]byte(raw), &conflict); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal conflict").WithCause(err)
		}
		if unresolvedOnly && conflict.Resolved() {
			continue
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

func (s *RedisStore) SaveFailoverEvent(ctx context.Context, event region.FailoverEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal failover event").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, failoverEventsKey, payload)
	pipe.LTrim(ctx, failoverEventsKey, -failoverHistoryCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewInternalError("failed to save failover event").WithCause(err)
	}
	return nil
}

func (s *RedisStore) ListFailoverEvents(ctx context.Context, limit int) ([]region.FailoverEvent, error) {
	if limit <= 0 {
		limit = failoverHistoryCap
	}

	values, err := s.client.LRange(ctx, failoverEventsKey, int64(-limit), -1).Result()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list failover events").WithCause(err)
	}

	out := make([]region.FailoverEvent, 0, len(values))
	for _, raw := range values {
		var event region.FailoverEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal failover event").WithCause(err)
		}
		out = append(out, event)
	}
	return out, nil
}
