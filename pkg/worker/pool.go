package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/ctf-gg/nerine/pkg/errors"
	"github.com/ctf-gg/nerine/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// defaultMaxRetries bounds requeues of destroy jobs on transient errors
	defaultMaxRetries = 3
	// jobTimeout is the maximum time a job can run before being cancelled
	jobTimeout = 10 * time.Minute
)

// Pool runs jobs from the Redis queue on a fixed number of workers
type Pool struct {
	queue        *Queue
	handler      Handler
	logger       *zap.SugaredLogger
	numWorkers   int
	maxRetries   int
	retryBackoff time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers   int
	MaxRetries   int
	RetryBackoff time.Duration
	Queue        *Queue
	Handler      Handler
	Logger       *zap.SugaredLogger
}

// NewPool creates a new worker pool
func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 10 // default
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &Pool{
		queue:        cfg.Queue,
		handler:      cfg.Handler,
		logger:       cfg.Logger,
		numWorkers:   numWorkers,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
	}
}

func (p *Pool) DispatchDeploy(ctx context.Context, id int64) error {
	return p.queue.Enqueue(ctx, NewDeployJob(id))
}

func (p *Pool) DispatchDestroy(ctx context.Context, id int64) error {
	return p.queue.Enqueue(ctx, NewDestroyJob(id))
}

// Start launches the worker pool
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting worker pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		if n, err := p.queue.Recover(ctx, workerID); err != nil {
			p.logger.Warnf("Worker %s: %v", workerID, err)
		} else if n > 0 {
			p.logger.Infof("Worker %s: recovered %d unfinished jobs", workerID, n)
		}
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop gracefully shuts down the worker pool
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// runWorker is the main loop for a single worker
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Debugf("Worker %s started", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debugf("Worker %s shutting down", workerID)
			return
		default:
		}

		// Dequeue has a 1s internal timeout
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debugf("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			time.Sleep(1 * time.Second) // Back off on error
			continue
		}

		metrics.JobQueueWaitSeconds.WithLabelValues(string(job.Type)).Observe(time.Since(job.CreatedAt).Seconds())
		p.processJob(ctx, workerID, job)
	}
}

// processJob handles a single job. Deploy jobs are never retried: a failed
// deploy has already rolled back and removed its record.
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Infof("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	// Jobs run to completion even while the pool is stopping.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
	defer cancel()
	queueCtx := context.WithoutCancel(ctx)

	var err error
	switch job.Type {
	case JobTypeDeploy:
		err = p.handler.DeployID(jobCtx, job.DeploymentID)
	case JobTypeDestroy:
		err = p.handler.Destroy(jobCtx, job.DeploymentID)
	default:
		p.logger.Errorf("Unknown job type: %s", job.Type)
		_ = p.queue.Fail(queueCtx, workerID, job)
		return
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Errorf("Worker %s: job %s timed out after %v", workerID, job.ID, jobTimeout)
		err = fmt.Errorf("job timed out after %v", jobTimeout)
	}

	if err != nil {
		if job.Type == JobTypeDestroy && job.Retries < p.maxRetries {
			if transient, pattern := pkgerrors.IsTransient(err); transient {
				p.logger.Warnf("Worker %s: transient error %q for job %s, requeueing: %v", workerID, pattern, job.ID, err)
				metrics.JobRetriesTotal.WithLabelValues(string(job.Type)).Inc()
				time.Sleep(time.Duration(job.Retries+1) * p.retryBackoff)
				if requeueErr := p.queue.Requeue(queueCtx, workerID, job); requeueErr != nil {
					p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
				}
				return
			}
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		metrics.JobPermanentFailuresTotal.WithLabelValues(string(job.Type)).Inc()
		_ = p.queue.Fail(queueCtx, workerID, job)
		return
	}

	if err := p.queue.Complete(queueCtx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}
