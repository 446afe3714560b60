package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nadmax/clipmill/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	tasksKey   = "clipmill:tasks"
	createdKey = "clipmill:tasks_by_created"
)

// RedisStore keeps every task as a JSON hash field so that several API
// processes can serve progress for batches running elsewhere.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Save(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tasksKey, t.ID, taskJSON)
		pipe.ZAddNX(ctx, createdKey, redis.Z{
			Score:  float64(t.CreatedAt.UnixNano()),
			Member: t.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := s.client.HGet(ctx, tasksKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return task.TaskFromJSON(taskJSON)
}

func (s *RedisStore) List(ctx context.Context) ([]*task.Task, error) {
	ids, err := s.client.ZRange(ctx, createdKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	values, err := s.client.HMGet(ctx, tasksKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(values))
	for i, v := range values {
		taskJSON, ok := v.(string)
		if !ok {
			continue
		}
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			slog.Warn("skipping undecodable task", "task_id", ids[i], "error", err)
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
