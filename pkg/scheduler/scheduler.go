package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ctf-gg/nerine/pkg/metrics"
	"github.com/ctf-gg/nerine/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const DefaultLookahead = 1 * time.Minute

// Destroyer tears down a deployment by id. It is satisfied by *engine.Engine.
type Destroyer interface {
	Destroy(ctx context.Context, id int64) error
}

// ExpiryScheduler destroys instanced deployments once their expired_at passes.
// The database is the schedule: the window of upcoming expiries is reloaded on
// start, on every tick and on NotifyChange, so nothing is lost across restarts.
type ExpiryScheduler struct {
	db             *gorm.DB
	destroyer      Destroyer
	timer          *time.Timer
	mu             sync.Mutex
	lookahead      time.Duration
	upcoming       []models.Deployment
	inflight       map[int64]bool
	retryAt        map[int64]time.Time // failed teardowns wait before the next attempt
	rescheduleChan chan struct{}
	wg             sync.WaitGroup // track ongoing terminations
	ctx            context.Context
	l              *zap.SugaredLogger
}

func NewExpiryScheduler(db *gorm.DB, destroyer Destroyer, lookahead time.Duration, logger *zap.SugaredLogger) *ExpiryScheduler {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &ExpiryScheduler{
		db:             db,
		destroyer:      destroyer,
		lookahead:      lookahead,
		inflight:       make(map[int64]bool),
		retryAt:        make(map[int64]time.Time),
		rescheduleChan: make(chan struct{}, 1),
		ctx:            context.Background(),
		l:              logger,
	}
}

// Start runs the scheduler until ctx is cancelled, then waits for in-flight
// teardowns.
func (s *ExpiryScheduler) Start(ctx context.Context) {
	s.l.Debug("starting expiry scheduler")
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.fetchNextExpiries()

	ticker := time.NewTicker(s.lookahead / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopTimer()
			s.mu.Unlock()
			s.wg.Wait() // wait for ongoing terminations
			return

		case <-ticker.C:
			s.fetchNextExpiries()

		case <-s.rescheduleChan:
			s.fetchNextExpiries()
		}
	}
}

func (s *ExpiryScheduler) fetchNextExpiries() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimer()

	deployments, err := models.GetExpiringDeployments(s.db, time.Now().UTC().Add(s.lookahead))
	if err != nil {
		s.l.Errorf("failed to fetch upcoming expirations: %v", err)
		return
	}

	s.upcoming = deployments

	// Backoffs only matter for rows still due; anything destroyed or
	// extended meanwhile is forgotten.
	due := make(map[int64]struct{}, len(deployments))
	for _, d := range deployments {
		due[d.ID] = struct{}{}
	}
	for id := range s.retryAt {
		if _, ok := due[id]; !ok {
			delete(s.retryAt, id)
		}
	}

	var (
		id   int64
		next time.Time
	)
	for _, d := range deployments {
		if s.inflight[d.ID] {
			continue
		}
		at := *d.ExpiredAt
		if r, ok := s.retryAt[d.ID]; ok && r.After(at) {
			at = r
		}
		if id == 0 || at.Before(next) {
			id, next = d.ID, at
		}
	}
	if id == 0 {
		return
	}

	s.l.Debugf("scheduling expiry for deployment %d at %s", id, next)
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	// Counted before the timer exists so Start's shutdown Wait cannot miss it.
	s.wg.Add(1)
	s.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.handleExpiry(id)
	})
}

// stopTimer cancels the pending timer. Caller holds mu.
func (s *ExpiryScheduler) stopTimer() {
	if s.timer == nil {
		return
	}
	if s.timer.Stop() {
		// The callback will never run to release its count.
		s.wg.Done()
	}
	s.timer = nil
}

func (s *ExpiryScheduler) handleExpiry(deploymentID int64) {
	s.l.Debugf("handling expiry for deployment %d", deploymentID)
	s.mu.Lock()
	s.removeFromUpcoming(deploymentID)
	s.inflight[deploymentID] = true
	ctx := s.ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, deploymentID)
		s.mu.Unlock()
	}()

	// Schedule the next expiry before this teardown completes.
	s.triggerReschedule()

	// The destroyer re-fetches the record: extended or already destroyed
	// deployments are left alone.
	d, err := models.GetDeployment(s.db, deploymentID, false)
	if err != nil {
		s.l.Errorf("failed to load expiring deployment %d: %v", deploymentID, err)
		return
	}
	if d.DestroyedAt != nil || d.ExpiredAt == nil || time.Now().UTC().Before(*d.ExpiredAt) {
		s.l.Debugf("deployment %d no longer due, skipping", deploymentID)
		return
	}
	if err := s.destroyer.Destroy(context.WithoutCancel(ctx), deploymentID); err != nil {
		s.l.Errorf("failed to destroy expired deployment %d: %v", deploymentID, err)
		s.mu.Lock()
		s.retryAt[deploymentID] = time.Now().Add(s.lookahead / 2)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.retryAt, deploymentID)
	s.mu.Unlock()
	metrics.ExpiriesTotal.Inc()
}

func (s *ExpiryScheduler) removeFromUpcoming(deploymentID int64) {
	for i, d := range s.upcoming {
		if d.ID == deploymentID {
			s.upcoming = append(s.upcoming[:i], s.upcoming[i+1:]...)
			return
		}
	}
}

func (s *ExpiryScheduler) triggerReschedule() {
	select {
	case s.rescheduleChan <- struct{}{}:
	default:
	}
}

// NotifyChange reloads the expiry window after a deployment's expiry was set
// or changed.
func (s *ExpiryScheduler) NotifyChange(deploymentID int64) {
	s.l.Debugf("expiry changed for deployment %d", deploymentID)
	s.triggerReschedule()
}
