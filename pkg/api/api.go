// Package api holds the control API request/response types and the route
// table binding them to a ServerInterface implementation.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	BearerAuthScopes = "bearerAuth.Scopes"
)

// Error is the body of every non-2xx response.
type Error struct {
	Error   string  `json:"error"`
	Message *string `json:"message,omitempty"`
}

// DeployRequest identifies a (challenge, team) pair. A null team_id addresses
// the static deployment of the challenge.
type DeployRequest struct {
	ChallengeId int64  `json:"challenge_id"`
	TeamId      *int64 `json:"team_id"`
}

type DestroyRequest = DeployRequest

type DeployResponse struct {
	Id int64 `json:"id"`
}

type DestroyResponse struct {
	Id *int64 `json:"id,omitempty"`
}

// PortMapping describes where one exposed container port can be reached.
type PortMapping struct {
	Tcp  *int    `json:"tcp,omitempty"`
	Host *string `json:"host,omitempty"`
}

type DeploymentResponse struct {
	Id          int64                  `json:"id"`
	ChallengeId int64                  `json:"challenge_id"`
	TeamId      *int64                 `json:"team_id"`
	Deployed    bool                   `json:"deployed"`
	Ports       map[string]PortMapping `json:"ports,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiredAt   *time.Time             `json:"expired_at"`
}

// BulkOperationResponse summarizes an admin operation over many deployments.
type BulkOperationResponse struct {
	Message string  `json:"message"`
	Count   int     `json:"count"`
	Ids     []int64 `json:"ids"`
}

type GetDeploymentParams struct {
	ChallengeId int64  `form:"challenge_id" json:"challenge_id"`
	TeamId      *int64 `form:"team_id,omitempty" json:"team_id,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (POST /deploy_challenge)
	DeployChallenge(ctx echo.Context) error
	// (GET /deployment)
	GetDeployment(ctx echo.Context, params GetDeploymentParams) error
	// (GET /deployments)
	ListDeployments(ctx echo.Context) error
	// (POST /destroy_challenge)
	DestroyChallenge(ctx echo.Context) error
	// (GET /health)
	GetHealth(ctx echo.Context) error
	// (POST /admin/deploy_static)
	DeployAllStatic(ctx echo.Context) error
	// (POST /admin/destroy_static)
	DestroyAllStatic(ctx echo.Context) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (w *ServerInterfaceWrapper) DeployChallenge(ctx echo.Context) error {
	ctx.Set(BearerAuthScopes, []string{})
	return w.Handler.DeployChallenge(ctx)
}

func (w *ServerInterfaceWrapper) GetDeployment(ctx echo.Context) error {
	ctx.Set(BearerAuthScopes, []string{})

	var params GetDeploymentParams
	raw := ctx.QueryParam("challenge_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query argument challenge_id is required, but not found")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter challenge_id: "+err.Error())
	}
	params.ChallengeId = id

	if raw := ctx.QueryParam("team_id"); raw != "" {
		team, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter team_id: "+err.Error())
		}
		params.TeamId = &team
	}

	return w.Handler.GetDeployment(ctx, params)
}

func (w *ServerInterfaceWrapper) ListDeployments(ctx echo.Context) error {
	ctx.Set(BearerAuthScopes, []string{})
	return w.Handler.ListDeployments(ctx)
}

func (w *ServerInterfaceWrapper) DestroyChallenge(ctx echo.Context) error {
	ctx.Set(BearerAuthScopes, []string{})
	return w.Handler.DestroyChallenge(ctx)
}

func (w *ServerInterfaceWrapper) GetHealth(ctx echo.Context) error {
	return w.Handler.GetHealth(ctx)
}

func (w *ServerInterfaceWrapper) DeployAllStatic(ctx echo.Context) error {
	ctx.Set(BearerAuthScopes, []string{})
	return w.Handler.DeployAllStatic(ctx)
}

func (w *ServerInterfaceWrapper) DestroyAllStatic(ctx echo.Context) error {
	ctx.Set(BearerAuthScopes, []string{})
	return w.Handler.DestroyAllStatic(ctx)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.POST(baseURL+"/deploy_challenge", wrapper.DeployChallenge)
	router.GET(baseURL+"/deployment", wrapper.GetDeployment)
	router.GET(baseURL+"/deployments", wrapper.ListDeployments)
	router.POST(baseURL+"/destroy_challenge", wrapper.DestroyChallenge)
	router.GET(baseURL+"/health", wrapper.GetHealth)
	router.POST(baseURL+"/admin/deploy_static", wrapper.DeployAllStatic)
	router.POST(baseURL+"/admin/destroy_static", wrapper.DestroyAllStatic)
}
