package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mongocdc:cursor:"

// RedisStore keeps cursor positions in Redis, for deployments where the task
// may be rescheduled across hosts and a local state directory is not durable.
type RedisStore struct {
	client *redis.Client
}

type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
}

func (c *RedisStoreConfig) validate() error {
	var errGrp []error
	if c.Address == "" {
		errGrp = append(errGrp, errors.New("redis address cannot be empty"))
	}
	return errors.Join(errGrp...)
}

func NewRedisStore(cfg *RedisStoreConfig) (*RedisStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Load(ctx context.Context, taskID string) (*Position, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cursor from redis: %w", err)
	}

	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("failed to decode cursor from redis: %w", err)
	}
	return &pos, nil
}

func (s *RedisStore) Save(ctx context.Context, taskID string, pos Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+taskID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save cursor to redis: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
