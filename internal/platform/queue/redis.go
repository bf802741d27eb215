package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code_exec_service/internal/platform/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ConnectRedis opens a client and verifies it with PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis")
	return rdb, nil
}

// RedisQueue is a FIFO of execution ids backed by a Redis list.
// Producers LPUSH, consumers BRPOP.
type RedisQueue struct {
	rdb  *redis.Client
	name string
}

func NewRedisQueue(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if err := q.rdb.LPush(ctx, q.name, id).Err(); err != nil {
		return fmt.Errorf("enqueue %s onto %s: %w", id, q.name, err)
	}
	return nil
}

// Dequeue blocks for at most timeout. It returns ("", nil) when nothing
// arrived in time so callers can re-check their context.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	// res is [queueName, value]
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
