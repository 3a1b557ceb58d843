package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"helmsman/internal/domain"
)

// Compile-time interface check.
var _ Bus = (*RedisBus)(nil)

// RedisBus implements Bus over a Redis list. Producers LPUSH onto the queue
// key and the engine consumes with BRPOP, so commands are delivered oldest
// first and survive engine restarts.
type RedisBus struct {
	client *redis.Client
	queue  string
	logger *slog.Logger
}

// RedisOptions configures the Redis connection for the command bus.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(opts RedisOptions, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("redis command bus connected", "addr", opts.Addr, "queue", opts.Queue)
	return &RedisBus{client: client, queue: opts.Queue, logger: logger}, nil
}

// Publish enqueues a command onto the queue.
func (b *RedisBus) Publish(ctx context.Context, cmd *domain.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command %s: %w", cmd.ID, err)
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return domain.E(domain.KindTransient, fmt.Errorf("publishing command %s: %w", cmd.ID, err))
	}
	return nil
}

// Consume blocks popping commands from the queue until ctx is cancelled.
func (b *RedisBus) Consume(ctx context.Context, handle func(*domain.Command)) error {
	for {
		// A finite block timeout keeps ctx cancellation responsive even
		// with older server versions that ignore client-side interrupts.
		res, err := b.client.BRPop(ctx, 2*time.Second, b.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("command bus pop failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		var cmd domain.Command
		if err := json.Unmarshal([]byte(res[1]), &cmd); err != nil {
			b.logger.Warn("dropping malformed command message", "error", err)
			continue
		}
		handle(&cmd)
	}
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
