package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/ctf-gg/nerine/internal/caddy"
	"github.com/ctf-gg/nerine/internal/challenge"
	"github.com/ctf-gg/nerine/internal/docker"
	perrors "github.com/ctf-gg/nerine/pkg/errors"
	"github.com/ctf-gg/nerine/pkg/hosts"
	"github.com/ctf-gg/nerine/pkg/metrics"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrMissingContainer = errors.New("challenge has no container")

// DeployID loads a pending deployment and provisions it.
func (e *Engine) DeployID(ctx context.Context, id int64) error {
	d, err := models.GetDeployment(e.db, id, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return perrors.E(perrors.KindNotFound, "load deployment", fmt.Errorf("deployment %d: %w", id, err))
		}
		return perrors.E(perrors.KindDatabase, "load deployment", err)
	}
	return e.Deploy(ctx, d)
}

// Deploy provisions the container and routes for a pending deployment record
// and marks it deployed. On any failure the side effects performed so far are
// compensated in reverse order and the pending record is deleted.
func (e *Engine) Deploy(ctx context.Context, d *models.Deployment) error {
	log := zap.S().With("op", uuid.NewString(), "deployment", d.ID)
	start := time.Now()

	s := &saga{log: log}
	slug, err := e.deploy(ctx, log, s, d)
	if slug == "" {
		slug = "unknown"
	}
	if err != nil {
		log.Errorf("Deploy failed: %v", err)
		s.rollback(ctx)
		if delErr := models.DeleteDeployment(e.db, d); delErr != nil {
			log.Errorf("Failed to delete pending deployment: %v", delErr)
		}
		metrics.DeployOpsTotal.WithLabelValues(slug, string(perrors.KindOf(err))).Inc()
		return err
	}

	strategy := string(challenge.StrategyStatic)
	if !d.Static() {
		strategy = string(challenge.StrategyInstanced)
	}
	metrics.DeployDurationSeconds.WithLabelValues(slug, strategy).Observe(time.Since(start).Seconds())
	metrics.DeployOpsTotal.WithLabelValues(slug, "success").Inc()
	log.Infof("Deployed %s in %s", slug, time.Since(start).Round(time.Millisecond))

	if !d.Static() && e.notifier != nil {
		e.notifier.NotifyChange(d.ID)
	}
	return nil
}

// deploy returns the challenge slug as soon as it is known so the caller can
// label metrics even on failure.
func (e *Engine) deploy(ctx context.Context, log *zap.SugaredLogger, s *saga, d *models.Deployment) (string, error) {
	slug, err := models.GetChallengePublicID(e.db, d.ChallengeID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", perrors.E(perrors.KindNotFound, "resolve challenge", err)
		}
		return "", perrors.E(perrors.KindDatabase, "resolve challenge", err)
	}

	chall, err := e.catalog.Get(slug)
	if err != nil {
		return slug, perrors.E(perrors.KindNotFound, "lookup challenge", err)
	}
	spec := chall.Container
	if spec == nil {
		return slug, perrors.E(perrors.KindConfiguration, "lookup challenge", fmt.Errorf("%w: %s", ErrMissingContainer, slug))
	}
	if spec.Instanced() != (d.TeamID != nil) {
		return slug, perrors.Ef(perrors.KindInvalidRequest, "check strategy",
			"challenge %s is %s but team_id is %s", slug, spec.Strategy, teamDesc(d.TeamID))
	}

	var teamPublicID string
	if d.TeamID != nil {
		teamPublicID, err = models.GetTeamPublicID(e.db, *d.TeamID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return slug, perrors.E(perrors.KindNotFound, "resolve team", err)
			}
			return slug, perrors.E(perrors.KindDatabase, "resolve team", err)
		}
	}

	clients, err := e.hosts.Clients(spec.Host)
	if err != nil {
		return slug, perrors.E(perrors.KindConfiguration, "resolve host", err)
	}
	kc := clients.Keychain
	log = log.With("host", kc.ID, "challenge", slug)

	name := ContainerName(slug, d.TeamID)
	ports, err := e.mappings(slug, teamPublicID, kc, spec)
	if err != nil {
		return slug, err
	}

	ref := kc.Docker.ImageRef(slug)
	log.Debugf("Pulling %s", ref)
	if err := clients.Runtime.PullImage(ctx, ref); err != nil {
		return slug, perrors.E(perrors.KindRuntime, "pull image", err)
	}

	containerSpec := docker.ContainerSpec{
		Name:       name,
		Image:      ref,
		Env:        spec.Env,
		Privileged: spec.Privileged,
		Labels: map[string]string{
			docker.LabelChallenge: slug,
		},
		TCPBindings: make(map[uint16]uint16),
	}
	if d.TeamID != nil {
		containerSpec.Labels[docker.LabelTeam] = teamPublicID
	}
	if spec.Limits != nil {
		if spec.Limits.CPU != nil {
			containerSpec.NanoCPUs = int64(*spec.Limits.CPU) * 1_000_000
		}
		if spec.Limits.Mem != nil {
			containerSpec.MemoryBytes = int64(*spec.Limits.Mem) << 20
		}
	}
	for port, m := range ports {
		if m.TCP != nil {
			containerSpec.TCPBindings[port] = *m.TCP
		}
	}

	id, err := clients.Runtime.CreateContainer(ctx, containerSpec)
	if err != nil {
		return slug, perrors.E(perrors.KindRuntime, "create container", err)
	}
	s.add("remove container "+name, func(ctx context.Context) error {
		return clients.Runtime.RemoveContainer(ctx, id)
	})

	if err := clients.Runtime.StartContainer(ctx, id); err != nil {
		return slug, perrors.E(perrors.KindRuntime, "start container", err)
	}
	ip, err := clients.Runtime.ContainerIP(ctx, id)
	if err != nil {
		return slug, perrors.E(perrors.KindRuntime, "inspect container", err)
	}

	if err := e.publishRoutes(ctx, s, clients.Proxy, ip, ports); err != nil {
		return slug, perrors.E(perrors.KindProxy, "publish routes", err)
	}

	var expiredAt *time.Time
	if !d.Static() {
		t := e.now().Add(e.instanceTTL())
		expiredAt = &t
	}
	data := &models.DeploymentData{
		ContainerName: name,
		Host:          kc.ID,
		Ports:         ports,
	}
	if err := models.MarkDeployed(e.db, d, data, expiredAt); err != nil {
		return slug, perrors.E(perrors.KindDatabase, "mark deployed", err)
	}
	return slug, nil
}

func (e *Engine) mappings(slug, teamPublicID string, kc *hosts.Keychain, spec *challenge.Container) (map[uint16]models.HostMapping, error) {
	ports := make(map[uint16]models.HostMapping, len(spec.Expose))
	for port, kind := range spec.Expose {
		switch kind {
		case challenge.ExposeTCP:
			hostPort, err := e.allocPort()
			if err != nil {
				return nil, perrors.E(perrors.KindRuntime, "allocate port", err)
			}
			ports[port] = models.TCPMapping(hostPort)
		case challenge.ExposeHTTP:
			ports[port] = models.SubdomainMapping(Subdomain(slug, teamPublicID, port), kc.Caddy.Base)
		default:
			return nil, perrors.Ef(perrors.KindConfiguration, "map ports", "unknown expose type %q", kind)
		}
	}
	return ports, nil
}

// publishRoutes replaces any stale route with the same id before inserting
// the new one, in port order.
func (e *Engine) publishRoutes(ctx context.Context, s *saga, proxy caddy.Proxy, ip string, ports map[uint16]models.HostMapping) error {
	order := make([]uint16, 0, len(ports))
	for port := range ports {
		order = append(order, port)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, port := range order {
		m := ports[port].HTTP
		if m == nil {
			continue
		}
		routeID := m.RouteID()
		if err := proxy.DeleteRoute(ctx, routeID); err != nil {
			return err
		}
		err := proxy.AddRoute(ctx, caddy.Route{
			ID:       routeID,
			Host:     m.Host(),
			Upstream: net.JoinHostPort(ip, strconv.Itoa(int(port))),
		})
		if err != nil {
			return err
		}
		s.add("delete route "+routeID, func(ctx context.Context) error {
			return proxy.DeleteRoute(ctx, routeID)
		})
	}
	return nil
}

func teamDesc(teamID *int64) string {
	if teamID == nil {
		return "null"
	}
	return strconv.FormatInt(*teamID, 10)
}
