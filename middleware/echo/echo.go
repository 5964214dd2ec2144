// Package echo provides Echo middleware for entitlement gating
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Checker answers entitlement questions. *entitlement.Service satisfies it.
type Checker interface {
	HasFeature(ctx context.Context, workspaceID, feature string) (bool, error)
	UsageExceeded(ctx context.Context, workspaceID, meter string) (bool, error)
}

// WorkspaceIDExtractor extracts the workspace ID from an Echo context
// Return empty string if the caller is not authenticated
type WorkspaceIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker is the entitlement lookup (required)
	Checker Checker

	// GetWorkspaceID extracts workspace ID from context (required)
	GetWorkspaceID WorkspaceIDExtractor

	// Feature must be listed in the workspace's plan. Skipped when empty.
	Feature string

	// Meter must not be over its limit. Skipped when empty.
	Meter string

	// FailOpen lets requests through when the lookup fails.
	FailOpen bool

	// DeniedStatusCode is returned when the workspace is not entitled
	// Default: 402 (Payment Required)
	DeniedStatusCode int

	// OnDenied is called when the workspace is not entitled
	// If nil, responds with DeniedStatusCode and a JSON reason
	OnDenied func(c echo.Context, feature, meter string) error

	// OnUnauthorized is called when no workspace could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the lookup fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// RequireFeature creates an Echo middleware that gates a route on the
// workspace's entitlements.
func RequireFeature(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("middleware/echo: Config.Checker is required")
	}
	if cfg.GetWorkspaceID == nil {
		panic("middleware/echo: Config.GetWorkspaceID is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			workspaceID := cfg.GetWorkspaceID(c)
			if workspaceID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			feature, meter, err := denial(c.Request().Context(), cfg, workspaceID)
			if err != nil {
				if cfg.FailOpen {
					return next(c)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
			}
			if feature != "" || meter != "" {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, feature, meter)
				}
				return defaultDenied(c, cfg.DeniedStatusCode, workspaceID, feature, meter)
			}

			return next(c)
		}
	}
}

// denial returns the feature or meter that blocks workspaceID, both empty
// when the request may proceed.
func denial(ctx context.Context, cfg Config, workspaceID string) (feature, meter string, err error) {
	if cfg.Feature != "" {
		ok, err := cfg.Checker.HasFeature(ctx, workspaceID, cfg.Feature)
		if err != nil {
			return "", "", err
		}
		if !ok {
			return cfg.Feature, "", nil
		}
	}
	if cfg.Meter != "" {
		exceeded, err := cfg.Checker.UsageExceeded(ctx, workspaceID, cfg.Meter)
		if err != nil {
			return "", "", err
		}
		if exceeded {
			return "", cfg.Meter, nil
		}
	}
	return "", "", nil
}

func defaultDenied(c echo.Context, code int, workspaceID, feature, meter string) error {
	body := map[string]string{"workspace_id": workspaceID}
	if feature != "" {
		body["error"] = "Feature not included in plan"
		body["feature"] = feature
	} else {
		body["error"] = "Usage limit exceeded"
		body["meter"] = meter
	}
	return c.JSON(code, body)
}

// Convenience extractors for Workspace ID

// FromContext returns a WorkspaceIDExtractor that gets workspace ID from Echo context values
//
// Example:
//
//	// In your auth middleware:
//	c.Set("WorkspaceID", workspaceID)
//
//	// In the gating middleware config:
//	GetWorkspaceID: echo.FromContext("WorkspaceID")
func FromContext(key string) WorkspaceIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a WorkspaceIDExtractor that gets workspace ID from a header
func FromHeader(headerName string) WorkspaceIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a WorkspaceIDExtractor that gets workspace ID from a route parameter
func FromParam(paramName string) WorkspaceIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a WorkspaceIDExtractor that gets workspace ID from a query parameter
func FromQuery(queryName string) WorkspaceIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
