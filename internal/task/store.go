package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/schema"
)

// Store persists tasks. *db.DB implements it; UpdateTask must refuse to
// rewrite a final task with syncerr.ErrTaskFinal.
type Store interface {
	CreateTask(ctx context.Context, task *schema.Task) (bool, error)
	UpdateTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, token string) (*schema.Task, error)
}

// Mirror shares task state with other processes. It is optional and only
// ever a cache: the store stays authoritative.
type Mirror interface {
	Publish(ctx context.Context, task *schema.Task) error
	Get(ctx context.Context, token string) (*schema.Task, bool, error)
}

const (
	redisKeyPrefix   = "tracksync:task:"
	redisChannel     = "tracksync:tasks"
	defaultMirrorTTL = 24 * time.Hour
)

// RedisMirror keeps the latest state of each task under a key and
// publishes every change on a channel.
type RedisMirror struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMirror returns a mirror writing keys that expire after ttl
// (24h when zero).
func NewRedisMirror(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger.Named("task-mirror")}
}

// RedisKey returns the key holding the task with token.
func RedisKey(token string) string {
	return redisKeyPrefix + token
}

func (m *RedisMirror) Publish(ctx context.Context, task *schema.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, RedisKey(task.Token), data, m.ttl)
	pipe.Publish(ctx, redisChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror task %s: %w", task.Token, err)
	}
	return nil
}

func (m *RedisMirror) Get(ctx context.Context, token string) (*schema.Task, bool, error) {
	data, err := m.client.Get(ctx, RedisKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read mirrored task %s: %w", token, err)
	}

	var task schema.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, false, fmt.Errorf("failed to decode mirrored task %s: %w", token, err)
	}
	return &task, true, nil
}

// Watch calls fn for every task change published by any process until ctx
// ends.
func (m *RedisMirror) Watch(ctx context.Context, fn func(*schema.Task)) error {
	sub := m.client.Subscribe(ctx, redisChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", redisChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var task schema.Task
			if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
				m.logger.Warn("skipping undecodable task message", zap.Error(err))
				continue
			}
			fn(&task)
		}
	}
}
