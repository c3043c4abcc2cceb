package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Jobs are pushed on the left of pendingKey and popped from the right, so
// the list is FIFO. A popped job sits in its worker's processing list until
// the worker completes or fails it.
const (
	pendingKey    = "nerine:jobs"
	processingKey = "nerine:processing"

	// dequeueWait bounds each BRPOPLPUSH so workers notice shutdown.
	dequeueWait = time.Second
)

func processingList(workerID string) string {
	return processingKey + ":" + workerID
}

// Queue is the shared deploy/destroy job list used when several nerine
// processes run against one Redis.
type Queue struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

type QueueConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewQueue connects to Redis and fails if it cannot be pinged.
func NewQueue(cfg QueueConfig, logger *zap.SugaredLogger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}

	logger.Infof("Job queue on redis %s (db %d)", cfg.Addr, cfg.DB)
	return &Queue{client: client, logger: logger}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.logger.Debugf("Queued %s job for deployment %d", job.Type, job.DeploymentID)
	return nil
}

// Dequeue moves the oldest job into workerID's processing list and returns
// it. When nothing arrives within dequeueWait it returns
// context.DeadlineExceeded and the caller polls again. Payloads that do not
// decode are dropped.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	list := processingList(workerID)
	payload, err := q.client.BRPopLPush(ctx, pendingKey, list, dequeueWait).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, context.DeadlineExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job, err := UnmarshalJob([]byte(payload))
	if err != nil {
		q.logger.Warnf("Dropping undecodable job %q: %v", payload, err)
		if rmErr := q.client.LRem(ctx, list, 1, payload).Err(); rmErr != nil {
			q.logger.Errorf("Failed to drop undecodable job from %s: %v", list, rmErr)
		}
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.payload = payload
	return job, nil
}

// release removes job from workerID's processing list. It matches the bytes
// Dequeue popped, so jobs written by other producers are found even when
// re-encoding them would differ.
func (q *Queue) release(ctx context.Context, workerID string, job *Job) error {
	payload := job.payload
	if payload == "" {
		data, err := job.Marshal()
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		payload = string(data)
	}
	if err := q.client.LRem(ctx, processingList(workerID), 1, payload).Err(); err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, workerID string, job *Job) error {
	if err := q.release(ctx, workerID, job); err != nil {
		return err
	}
	q.logger.Debugf("Finished %s job for deployment %d", job.Type, job.DeploymentID)
	return nil
}

// Requeue puts job back at the head of the queue with its retry count bumped.
func (q *Queue) Requeue(ctx context.Context, workerID string, job *Job) error {
	if err := q.release(ctx, workerID, job); err != nil {
		q.logger.Warnf("Requeueing %s without releasing it: %v", job.ID, err)
	}
	job.Retries++
	job.payload = ""
	return q.Enqueue(ctx, job)
}

// Fail drops job for good.
func (q *Queue) Fail(ctx context.Context, workerID string, job *Job) error {
	return q.release(ctx, workerID, job)
}

// Recover pushes back whatever a crashed process left in workerID's
// processing list and returns how many jobs it moved.
func (q *Queue) Recover(ctx context.Context, workerID string) (int, error) {
	list := processingList(workerID)
	n := 0
	for {
		err := q.client.RPopLPush(ctx, list, pendingKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", list, err)
		}
		n++
	}
}

// QueueLength reports how many jobs are waiting. It feeds the queue depth gauge.
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, pendingKey).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
