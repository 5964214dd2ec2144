// Package gin provides Gin middleware for entitlement gating
package gin

import (
	"context"
	"net/http"

	gongin "github.com/gin-gonic/gin"
)

// Checker answers entitlement questions. *entitlement.Service satisfies it.
type Checker interface {
	HasFeature(ctx context.Context, workspaceID, feature string) (bool, error)
	UsageExceeded(ctx context.Context, workspaceID, meter string) (bool, error)
}

// WorkspaceIDExtractor extracts the workspace ID from a Gin context
// Return empty string if the caller is not authenticated
type WorkspaceIDExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, feature, meter string)

	// OnUnauthorized is called when no workspace could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the lookup fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// RequireFeature creates a Gin middleware that gates a route on the
// workspace's entitlements.
func RequireFeature(cfg Config) gongin.HandlerFunc {
	if cfg.Checker == nil {
		panic("middleware/gin: Config.Checker is required")
	}
	if cfg.GetWorkspaceID == nil {
		panic("middleware/gin: Config.GetWorkspaceID is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		workspaceID := cfg.GetWorkspaceID(c)
		if workspaceID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		allowed, feature, meter, err := check(ctx, cfg, workspaceID)
		if err != nil {
			if cfg.FailOpen {
				c.Next()
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
			}
			c.Abort()
			return
		}
		if !allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, feature, meter)
			} else {
				defaultDenied(c, cfg.DeniedStatusCode, workspaceID, feature, meter)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// check returns the feature or meter that denied the request.
func check(ctx context.Context, cfg Config, workspaceID string) (allowed bool, feature, meter string, err error) {
	if cfg.Feature != "" {
		ok, err := cfg.Checker.HasFeature(ctx, workspaceID, cfg.Feature)
		if err != nil {
			return false, "", "", err
		}
		if !ok {
			return false, cfg.Feature, "", nil
		}
	}
	if cfg.Meter != "" {
		exceeded, err := cfg.Checker.UsageExceeded(ctx, workspaceID, cfg.Meter)
		if err != nil {
			return false, "", "", err
		}
		if exceeded {
			return false, "", cfg.Meter, nil
		}
	}
	return true, "", "", nil
}

func defaultDenied(c *gongin.Context, code int, workspaceID, feature, meter string) {
	body := gongin.H{"workspace_id": workspaceID}
	if feature != "" {
		body["error"] = "Feature not included in plan"
		body["feature"] = feature
	} else {
		body["error"] = "Usage limit exceeded"
		body["meter"] = meter
	}
	c.JSON(code, body)
}

// Convenience extractors for Workspace ID

// FromContext returns a WorkspaceIDExtractor that gets workspace ID from Gin context values
//
// Example:
//
//	// In your auth middleware:
//	c.Set("WorkspaceID", workspaceID)
//
//	// In the gating middleware config:
//	GetWorkspaceID: gin.FromContext("WorkspaceID")
func FromContext(key string) WorkspaceIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a WorkspaceIDExtractor that gets workspace ID from a header
func FromHeader(headerName string) WorkspaceIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a WorkspaceIDExtractor that gets workspace ID from a route parameter
func FromParam(paramName string) WorkspaceIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
