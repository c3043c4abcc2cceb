package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler executes deployment work. It is satisfied by *engine.Engine.
type Handler interface {
	DeployID(ctx context.Context, id int64) error
	Destroy(ctx context.Context, id int64) error
}

// Dispatcher hands deployment work off to run asynchronously.
type Dispatcher interface {
	DispatchDeploy(ctx context.Context, deploymentID int64) error
	DispatchDestroy(ctx context.Context, deploymentID int64) error
}

var (
	_ Dispatcher = (*Local)(nil)
	_ Dispatcher = (*Pool)(nil)
)

// Local runs each job on its own goroutine inside the API process. It is
// used when no Redis is configured.
type Local struct {
	handler Handler
	timeout time.Duration
	logger  *zap.SugaredLogger
	wg      sync.WaitGroup // tracks in-flight jobs
}

func NewLocal(handler Handler, logger *zap.SugaredLogger) *Local {
	return &Local{handler: handler, timeout: jobTimeout, logger: logger}
}

func (l *Local) DispatchDeploy(ctx context.Context, id int64) error {
	l.run(ctx, JobTypeDeploy, id, l.handler.DeployID)
	return nil
}

func (l *Local) DispatchDestroy(ctx context.Context, id int64) error {
	l.run(ctx, JobTypeDestroy, id, l.handler.Destroy)
	return nil
}

// run detaches from the request context: the job outlives the HTTP response.
func (l *Local) run(ctx context.Context, t JobType, id int64, fn func(context.Context, int64) error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		if err := fn(jobCtx, id); err != nil {
			l.logger.Errorf("%s job for deployment %d failed: %v", t, id, err)
		}
	}()
}

// Wait blocks until all in-flight jobs finish or ctx is done.
func (l *Local) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
