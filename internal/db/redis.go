package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// GoalUpdateChannel carries reload notifications between relay instances.
const GoalUpdateChannel = "project-goal-updates"

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func (r *RedisStore) ready() error {
	if r == nil || r.Client == nil {
		return ErrNilStore
	}
	return nil
}

// Get returns the value stored under key.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := r.ready(); err != nil {
		return "", false, err
	}
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value under key with an optional TTL.
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.Client.Set(ctx, key, value, ttl).Err()
}

// SetIfAbsent claims key with SETNX so concurrent checkouts for the same
// visitor cannot both observe the key as missing.
func (r *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	return r.Client.SetNX(ctx, key, value, ttl).Result()
}

// IncrByFloat atomically adds delta to the float stored under key.
func (r *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	return r.Client.IncrByFloat(ctx, key, delta).Result()
}

// PublishGoalUpdate notifies other instances that project goals changed.
func (r *RedisStore) PublishGoalUpdate(ctx context.Context, payload []byte) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.Client.Publish(ctx, GoalUpdateChannel, payload).Err()
}

// SubscribeGoalUpdates invokes fn for every goal update notification until
// ctx is cancelled.
func (r *RedisStore) SubscribeGoalUpdates(ctx context.Context, fn func(payload string)) error {
	if err := r.ready(); err != nil {
		return err
	}
	sub := r.Client.Subscribe(ctx, GoalUpdateChannel)
	defer func() {
		_ = sub.Close()
	}()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.Client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
