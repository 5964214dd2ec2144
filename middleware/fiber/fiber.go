// Package fiber provides Fiber middleware for entitlement gating
package fiber

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// Checker answers entitlement questions. *entitlement.Service satisfies it.
type Checker interface {
	HasFeature(ctx context.Context, workspaceID, feature string) (bool, error)
	UsageExceeded(ctx context.Context, workspaceID, meter string) (bool, error)
}

// WorkspaceIDExtractor extracts the workspace ID from a Fiber context
// Return empty string if the caller is not authenticated
type WorkspaceIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, feature, meter string) error

	// OnUnauthorized is called when no workspace could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the lookup fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// RequireFeature creates a Fiber middleware that gates a route on the
// workspace's entitlements.
func RequireFeature(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("middleware/fiber: Config.Checker is required")
	}
	if cfg.GetWorkspaceID == nil {
		panic("middleware/fiber: Config.GetWorkspaceID is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		workspaceID := cfg.GetWorkspaceID(c)
		if workspaceID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		feature, meter, err := denial(c.UserContext(), cfg, workspaceID)
		if err != nil {
			if cfg.FailOpen {
				return c.Next()
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
		}
		if feature != "" || meter != "" {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, feature, meter)
			}
			return defaultDenied(c, cfg.DeniedStatusCode, workspaceID, feature, meter)
		}

		return c.Next()
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

func defaultDenied(c *fiber.Ctx, code int, workspaceID, feature, meter string) error {
	body := fiber.Map{"workspace_id": workspaceID}
	if feature != "" {
		body["error"] = "Feature not included in plan"
		body["feature"] = feature
	} else {
		body["error"] = "Usage limit exceeded"
		body["meter"] = meter
	}
	return c.Status(code).JSON(body)
}

// Convenience extractors for Workspace ID

// FromContext returns a WorkspaceIDExtractor that gets workspace ID from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("WorkspaceID", workspaceID)
//
//	// In the gating middleware config:
//	GetWorkspaceID: fiber.FromContext("WorkspaceID")
func FromContext(key string) WorkspaceIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a WorkspaceIDExtractor that gets workspace ID from a header
func FromHeader(headerName string) WorkspaceIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a WorkspaceIDExtractor that gets workspace ID from a route parameter
func FromParam(paramName string) WorkspaceIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a WorkspaceIDExtractor that gets workspace ID from a query parameter
func FromQuery(queryName string) WorkspaceIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
