package engine

import (
	"context"
	"time"

	"github.com/ctf-gg/nerine/pkg/metrics"
	"go.uber.org/zap"
)

const compensationTimeout = 2 * time.Minute

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga records the side effects of a deploy so they can be undone in reverse
// order when a later step fails.
type saga struct {
	log   *zap.SugaredLogger
	steps []compensation
}

func (s *saga) add(step string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{step: step, undo: undo})
}

// rollback runs every compensation even if some fail. It runs detached from
// ctx so a cancelled request still cleans up.
func (s *saga) rollback(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		if err := c.undo(ctx); err != nil {
			metrics.CompensationFailuresTotal.WithLabelValues(c.step).Inc()
			s.log.Errorf("Rollback step %s failed: %v", c.step, err)
			continue
		}
		s.log.Debugf("Rolled back %s", c.step)
	}
	s.steps = nil
}
