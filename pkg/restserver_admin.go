package pkg

import (
	"errors"
	"fmt"

	"github.com/ctf-gg/nerine/internal/auth"
	"github.com/ctf-gg/nerine/pkg/api"
	perrors "github.com/ctf-gg/nerine/pkg/errors"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/ctf-gg/nerine/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// requireAdmin writes a 401/403 response and returns false unless the caller
// holds an admin token.
func requireAdmin(ctx echo.Context) (bool, error) {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		zap.S().Debugf("Failed to get claims: %v", err)
		return false, errorJSON(ctx, 401, "unauthorized", utils.Ptr("Unauthorized"))
	}
	if claims.Role != auth.RoleAdmin {
		return false, errorJSON(ctx, 403, "unauthorized", utils.Ptr("Forbidden - Admin access required"))
	}
	return true, nil
}

// ListDeployments returns every deployment that has not been destroyed,
// pending ones included.
func (s *Server) ListDeployments(ctx echo.Context) error {
	deployments, err := models.GetActiveDeployments(s.db)
	if err != nil {
		zap.S().Errorf("Failed to list deployments: %v", err)
		return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to list deployments: %v", err)))
	}
	resp := make([]api.DeploymentResponse, 0, len(deployments))
	for i := range deployments {
		r, err := toResponse(&deployments[i])
		if err != nil {
			zap.S().Warnf("Deployment %d has unreadable data: %v", deployments[i].ID, err)
		}
		resp = append(resp, *r)
	}
	return ctx.JSON(200, resp)
}

// DeployAllStatic deploys every static challenge in the catalog that is known
// to the platform and not already deployed.
func (s *Server) DeployAllStatic(ctx echo.Context) error {
	if ok, err := requireAdmin(ctx); !ok {
		return err
	}

	challs := s.catalog.All()
	zap.S().Infof("Admin deploy-static request received, %d challenges indexed", len(challs))

	ids := make([]int64, 0)
	for _, chall := range challs {
		if chall.Container == nil || chall.Container.Instanced() {
			continue
		}
		challengeID, err := models.GetChallengeID(s.db, chall.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				zap.S().Debugf("Challenge %s is not registered on the platform, skipping", chall.ID)
				continue
			}
			return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to resolve challenge %s: %v", chall.ID, err)))
		}

		key := deploymentKey(challengeID, nil)
		s.kmu.LockKey(key)
		if _, err := models.GetActiveDeployment(s.db, challengeID, nil, false); err == nil {
			_ = s.kmu.UnlockKey(key)
			zap.S().Debugf("Challenge %s already deployed, skipping", chall.ID)
			continue
		}
		deployment, err := models.CreateDeployment(s.db, challengeID, nil)
		_ = s.kmu.UnlockKey(key)
		if err != nil {
			zap.S().Errorf("Failed to create deployment record for %s: %v", chall.ID, err)
			continue
		}

		if err := s.dispatcher.DispatchDeploy(ctx.Request().Context(), deployment.ID); err != nil {
			zap.S().Errorf("Failed to dispatch deploy of %s: %v", chall.ID, err)
			dispatchFailures.Inc()
			if delErr := models.DeleteDeployment(s.db, deployment); delErr != nil {
				zap.S().Errorf("Failed to delete undispatched deployment %d: %v", deployment.ID, delErr)
			}
			continue
		}
		ids = append(ids, deployment.ID)
	}

	return ctx.JSON(202, api.BulkOperationResponse{
		Message: fmt.Sprintf("Deploying %d static challenges", len(ids)),
		Count:   len(ids),
		Ids:     ids,
	})
}

// DestroyAllStatic tears down every live static deployment.
func (s *Server) DestroyAllStatic(ctx echo.Context) error {
	if ok, err := requireAdmin(ctx); !ok {
		return err
	}

	deployments, err := models.GetActiveDeployments(s.db)
	if err != nil {
		zap.S().Errorf("Failed to list deployments: %v", err)
		return errorJSON(ctx, 500, perrors.KindDatabase, utils.HTTP500Debug(fmt.Sprintf("Failed to list deployments: %v", err)))
	}

	ids := make([]int64, 0)
	for _, d := range deployments {
		if !d.Static() || !d.Deployed {
			continue
		}
		if err := s.dispatcher.DispatchDestroy(ctx.Request().Context(), d.ID); err != nil {
			zap.S().Errorf("Failed to dispatch destroy of deployment %d: %v", d.ID, err)
			dispatchFailures.Inc()
			continue
		}
		ids = append(ids, d.ID)
	}
	zap.S().Infof("Admin destroy-static request dispatched %d teardowns", len(ids))

	return ctx.JSON(202, api.BulkOperationResponse{
		Message: fmt.Sprintf("Destroying %d static deployments", len(ids)),
		Count:   len(ids),
		Ids:     ids,
	})
}
