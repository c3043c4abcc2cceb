package auth

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	RolePlatform = "platform"
	RoleAdmin    = "admin"
)

// Claims matches the JWT structure issued by the platform backend.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func GetClaims(ctx echo.Context) (*Claims, error) {
	token, ok := ctx.Get("user").(*jwt.Token)
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// RequireRole rejects requests whose token role is not one of roles. Skipped
// requests (no token in the context) pass through untouched.
func RequireRole(skipper func(echo.Context) bool, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			claims, err := GetClaims(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			if !slices.Contains(roles, claims.Role) {
				return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
			}
			return next(c)
		}
	}
}
