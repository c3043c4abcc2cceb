package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ctf-gg/nerine/internal/challenge"
	perrors "github.com/ctf-gg/nerine/pkg/errors"
	"github.com/ctf-gg/nerine/pkg/metrics"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stalled reports whether an active, undeployed record has outlived any
// worker that could still be acting on it.
func (e *Engine) stalled(d *models.Deployment) bool {
	return !d.Deployed && d.DestroyedAt == nil && e.now().Sub(d.UpdatedAt) >= e.stallTimeout()
}

// Reconcile recovers every stalled record: deploys whose worker died before
// marking them deployed, and teardowns that never reached MarkDestroyed.
// It returns how many records were recovered.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	stalled, err := models.GetStalledDeployments(e.db, e.now().Add(-e.stallTimeout()))
	if err != nil {
		return 0, perrors.E(perrors.KindDatabase, "list stalled deployments", err)
	}
	var (
		n    int
		errs []error
	)
	for i := range stalled {
		d := &stalled[i]
		log := zap.S().With("op", uuid.NewString(), "deployment", d.ID)
		if err := e.recoverStalled(ctx, log, d); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RunReconciler calls Reconcile now and then on every tick until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = e.stallTimeout() / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := e.Reconcile(ctx)
		if err != nil {
			zap.S().Errorf("Failed to recover stalled deployments: %v", err)
		}
		if n > 0 {
			zap.S().Infof("Recovered %d stalled deployments", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recoverStalled finishes a stalled teardown, or undoes a stalled deploy and
// deletes its row. Resources of an unfinished deploy are found by their
// deterministic container name and route ids.
func (e *Engine) recoverStalled(ctx context.Context, log *zap.SugaredLogger, d *models.Deployment) error {
	data, err := d.DecodeData()
	if err != nil {
		return perrors.E(perrors.KindSerialization, "decode deployment data", err)
	}

	if data != nil {
		log.Warnf("Finishing stalled teardown of %s", data.ContainerName)
		clients, err := e.hosts.Clients(hostOf(data))
		if err != nil {
			return perrors.E(perrors.KindConfiguration, "resolve host", err)
		}
		if err := e.teardown(ctx, clients.Proxy, clients.Runtime, data); err != nil {
			return err
		}
		if err := models.MarkDestroyed(e.db, d, e.now()); err != nil && !errors.Is(err, models.ErrStale) {
			return perrors.E(perrors.KindDatabase, "mark destroyed", err)
		}
		metrics.StalledRecoveredTotal.WithLabelValues("teardown").Inc()
		return nil
	}

	leftover, err := e.leftovers(d)
	if err != nil {
		return err
	}
	if leftover != nil {
		log.Warnf("Removing leftovers of stalled deploy %s", leftover.ContainerName)
		clients, err := e.hosts.Clients(leftover.hostID)
		if err != nil {
			return perrors.E(perrors.KindConfiguration, "resolve host", err)
		}
		if err := e.teardown(ctx, clients.Proxy, clients.Runtime, &leftover.DeploymentData); err != nil {
			return err
		}
	}
	if err := models.DeleteDeployment(e.db, d); err != nil {
		return perrors.E(perrors.KindDatabase, "delete stalled deployment", err)
	}
	metrics.StalledRecoveredTotal.WithLabelValues("deploy").Inc()
	return nil
}

type leftoverResources struct {
	models.DeploymentData
	hostID *string
}

// leftovers derives what an unfinished deploy of d may have created. It
// returns nil when the deploy could not have reached the runtime.
func (e *Engine) leftovers(d *models.Deployment) (*leftoverResources, error) {
	slug, err := models.GetChallengePublicID(e.db, d.ChallengeID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.E(perrors.KindDatabase, "resolve challenge", err)
	}
	chall, err := e.catalog.Get(slug)
	if err != nil || chall.Container == nil {
		return nil, nil
	}

	var teamPublicID string
	if d.TeamID != nil {
		teamPublicID, err = models.GetTeamPublicID(e.db, *d.TeamID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, perrors.E(perrors.KindDatabase, "resolve team", err)
		}
	}

	res := &leftoverResources{
		DeploymentData: models.DeploymentData{
			ContainerName: ContainerName(slug, d.TeamID),
			Ports:         make(map[uint16]models.HostMapping),
		},
		hostID: chall.Container.Host,
	}
	for port, kind := range chall.Container.Expose {
		if kind == challenge.ExposeHTTP {
			res.Ports[port] = models.SubdomainMapping(Subdomain(slug, teamPublicID, port), "")
		}
	}
	return res, nil
}
