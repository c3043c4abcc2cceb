package pkg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/ctf-gg/nerine/internal/challenge"
	"github.com/ctf-gg/nerine/pkg/api"
	"github.com/ctf-gg/nerine/pkg/config"
	perrors "github.com/ctf-gg/nerine/pkg/errors"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/ctf-gg/nerine/pkg/scheduler"
	"github.com/ctf-gg/nerine/pkg/utils"
	"github.com/ctf-gg/nerine/pkg/worker"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

// Server implements api.ServerInterface
type Server struct {
	db         *gorm.DB
	catalog    challenge.Catalog
	confProv   config.Provider
	dispatcher worker.Dispatcher
	kmu        keymutex.KeyMutex
	wg         sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	DB             *gorm.DB
	Catalog        challenge.Catalog
	ConfigProvider config.Provider
	Dispatcher     worker.Dispatcher
	KeyMutex       keymutex.KeyMutex
}

var _ api.ServerInterface = (*Server)(nil)

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// DB, Catalog and Dispatcher are mandatory. KeyMutex defaults to a hashed key
// mutex.
func NewServerWithOpts(opts ServerOpts) *Server {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	confProv := opts.ConfigProvider
	if confProv == nil {
		confProv = config.GlobalProvider{}
	}
	return &Server{
		db:         opts.DB,
		catalog:    opts.Catalog,
		confProv:   confProv,
		dispatcher: opts.Dispatcher,
		kmu:        kmu,
	}
}

// StartScheduler launches the expiry scheduler in a background goroutine.
// The caller is responsible for cancelling ctx when shutdown begins.
func (s *Server) StartScheduler(ctx context.Context, sched *scheduler.ExpiryScheduler) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sched.Start(ctx)
	}()
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorJSON(ctx echo.Context, status int, kind perrors.Kind, msg *string) error {
	return ctx.JSON(status, api.Error{Error: string(kind), Message: msg})
}

// deploymentKey identifies the (challenge, team) pair guarded by the key mutex.
func deploymentKey(challengeID int64, teamID *int64) string {
	team := "static"
	if teamID != nil {
		team = strconv.FormatInt(*teamID, 10)
	}
	return strconv.FormatInt(challengeID, 10) + "/" + team
}

func bindRequest(ctx echo.Context) (*api.DeployRequest, error) {
	var req api.DeployRequest
	if err := ctx.Bind(&req); err != nil {
		return nil, err
	}
	if req.ChallengeId <= 0 {
		return nil, errors.New("challenge_id must be a positive integer")
	}
	if req.TeamId != nil && *req.TeamId <= 0 {
		return nil, errors.New("team_id must be a positive integer or null")
	}
	return &req, nil
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) DeployChallenge(ctx echo.Context) error {
	req, err := bindRequest(ctx)
	if err != nil {
		deployRequests.WithLabelValues("invalid").Inc()
		return errorJSON(ctx, 400, perrors.KindInvalidRequest, utils.Ptr("Invalid request: "+err.Error()))
	}
	zap.S().Infof("Deploy request received for challenge %d team %s", req.ChallengeId, teamLabel(req.TeamId))

	key := deploymentKey(req.ChallengeId, req.TeamId)
	s.kmu.LockKey(key)
	_, err = models.GetActiveDeployment(s.db, req.ChallengeId, req.TeamId, false)
	if err == nil {
		_ = s.kmu.UnlockKey(key)
		deployRequests.WithLabelValues("conflict").Inc()
		return errorJSON(ctx, 409, perrors.KindConflict, utils.Ptr("Challenge already deployed"))
	}
	if !errors.Is(err, models.ErrNotFound) {
		_ = s.kmu.UnlockKey(key)
		zap.S().Errorf("Failed to check existing deployments: %v", err)
		deployRequests.WithLabelValues("error").Inc()
		return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to check existing deployments: %v", err)))
	}

	deployment, err := models.CreateDeployment(s.db, req.ChallengeId, req.TeamId)
	_ = s.kmu.UnlockKey(key)
	if err != nil {
		// Another replica won the race; the unique index caught it.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			deployRequests.WithLabelValues("conflict").Inc()
			return errorJSON(ctx, 409, perrors.KindConflict, utils.Ptr("Challenge already deployed"))
		}
		zap.S().Errorf("Failed to create deployment record: %v", err)
		deployRequests.WithLabelValues("error").Inc()
		return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to create deployment record: %v", err)))
	}

	if err := s.dispatcher.DispatchDeploy(ctx.Request().Context(), deployment.ID); err != nil {
		zap.S().Errorf("Failed to dispatch deploy of deployment %d: %v", deployment.ID, err)
		dispatchFailures.Inc()
		deployRequests.WithLabelValues("error").Inc()
		if delErr := models.DeleteDeployment(s.db, deployment); delErr != nil {
			zap.S().Errorf("Failed to delete undispatched deployment %d: %v", deployment.ID, delErr)
		}
		return errorJSON(ctx, 500, perrors.KindInternal, utils.HTTP500Debug(fmt.Sprintf("Failed to dispatch deployment: %v", err)))
	}

	deployRequests.WithLabelValues("accepted").Inc()
	return ctx.JSON(202, api.DeployResponse{Id: deployment.ID})
}

func (s *Server) DestroyChallenge(ctx echo.Context) error {
	req, err := bindRequest(ctx)
	if err != nil {
		destroyRequests.WithLabelValues("invalid").Inc()
		return errorJSON(ctx, 400, perrors.KindInvalidRequest, utils.Ptr("Invalid request: "+err.Error()))
	}
	zap.S().Infof("Destroy request received for challenge %d team %s", req.ChallengeId, teamLabel(req.TeamId))

	deployment, err := models.GetActiveDeployment(s.db, req.ChallengeId, req.TeamId, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			destroyRequests.WithLabelValues("noop").Inc()
			return ctx.JSON(200, api.DestroyResponse{})
		}
		destroyRequests.WithLabelValues("error").Inc()
		return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to get deployment: %v", err)))
	}

	if err := s.dispatcher.DispatchDestroy(ctx.Request().Context(), deployment.ID); err != nil {
		zap.S().Errorf("Failed to dispatch destroy of deployment %d: %v", deployment.ID, err)
		dispatchFailures.Inc()
		destroyRequests.WithLabelValues("error").Inc()
		return errorJSON(ctx, 500, perrors.KindInternal, utils.HTTP500Debug(fmt.Sprintf("Failed to dispatch destroy: %v", err)))
	}

	destroyRequests.WithLabelValues("accepted").Inc()
	return ctx.JSON(202, api.DestroyResponse{Id: &deployment.ID})
}

func (s *Server) GetDeployment(ctx echo.Context, params api.GetDeploymentParams) error {
	deployment, err := models.GetActiveDeployment(s.db, params.ChallengeId, params.TeamId, false)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return errorJSON(ctx, 404, perrors.KindNotFound, utils.Ptr("No deployment found"))
		}
		return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to get deployment: %v", err)))
	}
	resp, err := toResponse(deployment)
	if err != nil {
		zap.S().Errorf("Deployment %d has unreadable data: %v", deployment.ID, err)
		return errorJSON(ctx, 500, perrors.KindSerialization, utils.HTTP500Debug(err.Error()))
	}
	return ctx.JSON(200, resp)
}

func toResponse(d *models.Deployment) (*api.DeploymentResponse, error) {
	resp := &api.DeploymentResponse{
		Id:          d.ID,
		ChallengeId: d.ChallengeID,
		TeamId:      d.TeamID,
		Deployed:    d.Deployed,
		CreatedAt:   d.CreatedAt,
		ExpiredAt:   d.ExpiredAt,
	}
	data, err := d.DecodeData()
	if err != nil || data == nil {
		return resp, err
	}
	resp.Ports = make(map[string]api.PortMapping, len(data.Ports))
	for port, m := range data.Ports {
		var pm api.PortMapping
		switch {
		case m.TCP != nil:
			pm.Tcp = utils.Ptr(int(*m.TCP))
		case m.HTTP != nil:
			pm.Host = utils.Ptr(m.HTTP.Host())
		}
		resp.Ports[strconv.Itoa(int(port))] = pm
	}
	return resp, nil
}

func teamLabel(teamID *int64) string {
	if teamID == nil {
		return "<static>"
	}
	return strconv.FormatInt(*teamID, 10)
}

// statusFor maps an error kind to the HTTP status used when it reaches a client.
func statusFor(kind perrors.Kind) int {
	switch kind {
	case perrors.KindInvalidRequest:
		return http.StatusBadRequest
	case perrors.KindNotFound:
		return http.StatusNotFound
	case perrors.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// HTTPErrorHandler renders echo errors (auth, rate limit, routing) with the
// same body shape as handler errors.
func HTTPErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	kind := perrors.KindOf(err)
	msg := "Internal Server Error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
		switch status {
		case http.StatusBadRequest:
			kind = perrors.KindInvalidRequest
		case http.StatusNotFound:
			kind = perrors.KindNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = "unauthorized"
		case http.StatusTooManyRequests:
			kind = "rate_limited"
		}
	} else if kind != perrors.KindInternal {
		status = statusFor(kind)
		msg = err.Error()
		if status >= 500 {
			msg = *utils.HTTP500Debug(msg)
		}
	}
	if err := errorJSON(ctx, status, kind, &msg); err != nil {
		zap.S().Errorf("Failed to write error response: %v", err)
	}
}
