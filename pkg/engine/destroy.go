package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	perrors "github.com/ctf-gg/nerine/pkg/errors"
	"github.com/ctf-gg/nerine/pkg/metrics"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Destroy tears down a deployment. The record is taken out of service in its
// own committed write before any resource is touched. It keeps counting as
// the active deployment for its challenge and team until teardown succeeds
// and it is marked destroyed. If teardown fails the record is put back in
// service so a later attempt sees it unchanged. Destroying a record that is
// missing, freshly pending or already destroyed is a no-op; a stalled one is
// recovered.
func (e *Engine) Destroy(ctx context.Context, id int64) error {
	log := zap.S().With("op", uuid.NewString(), "deployment", id)
	start := time.Now()

	d, err := models.GetDeployment(e.db, id, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Debug("Nothing to destroy: deployment does not exist")
			return nil
		}
		return perrors.E(perrors.KindDatabase, "load deployment", err)
	}
	slug, _ := models.GetChallengePublicID(e.db, d.ChallengeID)
	if slug == "" {
		slug = "unknown"
	}

	if d.DestroyedAt != nil {
		log.Debug("Nothing to destroy: deployment already destroyed")
		metrics.DestroyOpsTotal.WithLabelValues(slug, "noop").Inc()
		return nil
	}
	if !d.Deployed {
		if e.stalled(d) {
			return e.recoverStalled(ctx, log, d)
		}
		log.Debug("Nothing to destroy: deployment is in progress")
		metrics.DestroyOpsTotal.WithLabelValues(slug, "noop").Inc()
		return nil
	}
	data, err := d.DecodeData()
	if err != nil {
		metrics.DestroyOpsTotal.WithLabelValues(slug, string(perrors.KindSerialization)).Inc()
		return perrors.E(perrors.KindSerialization, "decode deployment data", err)
	}
	if data == nil {
		log.Debug("Nothing to destroy: deployment has no data")
		metrics.DestroyOpsTotal.WithLabelValues(slug, "noop").Inc()
		return nil
	}

	clients, err := e.hosts.Clients(hostOf(data))
	if err != nil {
		return perrors.E(perrors.KindConfiguration, "resolve host", err)
	}

	if err := models.MarkTearingDown(e.db, d); err != nil {
		if errors.Is(err, models.ErrStale) {
			log.Debug("Deployment is being destroyed concurrently")
			metrics.DestroyOpsTotal.WithLabelValues(slug, "noop").Inc()
			return nil
		}
		return perrors.E(perrors.KindDatabase, "mark tearing down", err)
	}

	if err := e.teardown(ctx, clients.Proxy, clients.Runtime, data); err != nil {
		log.Errorf("Teardown failed, restoring record: %v", err)
		if rErr := models.RestoreDeployment(e.db, d); rErr != nil {
			log.Errorf("Failed to restore deployment after teardown failure: %v", rErr)
			err = errors.Join(err, perrors.E(perrors.KindDatabase, "restore deployment", rErr))
		}
		metrics.DestroyOpsTotal.WithLabelValues(slug, string(perrors.KindOf(err))).Inc()
		return err
	}
	if err := models.MarkDestroyed(e.db, d, e.now()); err != nil {
		metrics.DestroyOpsTotal.WithLabelValues(slug, string(perrors.KindDatabase)).Inc()
		return perrors.E(perrors.KindDatabase, "mark destroyed", err)
	}

	metrics.DestroyDurationSeconds.WithLabelValues(slug).Observe(time.Since(start).Seconds())
	metrics.DestroyOpsTotal.WithLabelValues(slug, "success").Inc()
	metrics.DeploymentLifetimeSeconds.WithLabelValues(slug).Observe(e.now().Sub(d.CreatedAt).Seconds())
	log.Infof("Destroyed %s (%s)", data.ContainerName, slug)
	return nil
}

func hostOf(data *models.DeploymentData) *string {
	if data.Host == "" {
		return nil
	}
	return &data.Host
}

type routeDeleter interface {
	DeleteRoute(ctx context.Context, id string) error
}

type containerRemover interface {
	RemoveContainer(ctx context.Context, nameOrID string) error
}

// teardown deletes every HTTP route concurrently, then removes the container.
func (e *Engine) teardown(ctx context.Context, proxy routeDeleter, runtime containerRemover, data *models.DeploymentData) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range data.HTTPMappings() {
		routeID := m.RouteID()
		g.Go(func() error {
			if err := proxy.DeleteRoute(gctx, routeID); err != nil {
				return fmt.Errorf("route %s: %w", routeID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return perrors.E(perrors.KindProxy, "delete routes", err)
	}
	if err := runtime.RemoveContainer(ctx, data.ContainerName); err != nil {
		return perrors.E(perrors.KindRuntime, "remove container", err)
	}
	return nil
}
