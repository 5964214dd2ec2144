// Package http provides HTTP middleware for entitlement gating
package http

import (
	"context"
	"net/http"

	"github.com/vikram2000b/sage-billing-engine/internal/httputil"
)

// Checker answers entitlement questions. *entitlement.Service satisfies it.
type Checker interface {
	HasFeature(ctx context.Context, workspaceID, feature string) (bool, error)
	UsageExceeded(ctx context.Context, workspaceID, meter string) (bool, error)
}

// WorkspaceIDExtractor extracts the workspace ID from an HTTP request
// Return empty string if the caller is not authenticated
type WorkspaceIDExtractor func(r *http.Request) string

// Denial describes why a request was refused.
type Denial struct {
	WorkspaceID string `json:"workspace_id"`
	Feature     string `json:"feature,omitempty"`
	Meter       string `json:"meter,omitempty"`
	Reason      string `json:"error"`
}

// Denial reasons.
const (
	ReasonFeatureNotIncluded = "feature not included in plan"
	ReasonQuotaExceeded      = "usage limit exceeded"
)

// Config holds middleware configuration
type Config struct {
	// Checker is the entitlement lookup (required)
	Checker Checker

	// GetWorkspaceID extracts workspace ID from request (required)
	GetWorkspaceID WorkspaceIDExtractor

	// Feature must be listed in the workspace's plan. Skipped when empty.
	Feature string

	// Meter must not be over its limit. Skipped when empty.
	Meter string

	// FailOpen lets requests through when the lookup fails.
	// Default: false (503 Service Unavailable)
	FailOpen bool

	// OnDenied is called when the workspace is not entitled
	// If nil, returns 402 Payment Required
	OnDenied func(w http.ResponseWriter, r *http.Request, d Denial)

	// OnUnauthorized is called when no workspace could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the lookup fails and FailOpen is false
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireFeature creates an HTTP middleware that gates a route on the
// workspace's entitlements.
func RequireFeature(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("middleware/http: Config.Checker is required")
	}
	if config.GetWorkspaceID == nil {
		panic("middleware/http: Config.GetWorkspaceID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID := config.GetWorkspaceID(r)
			if workspaceID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			denial, err := check(r.Context(), config, workspaceID)
			if err != nil {
				if config.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					httputil.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable")
				}
				return
			}
			if denial != nil {
				if config.OnDenied != nil {
					config.OnDenied(w, r, *denial)
				} else {
					_ = httputil.WriteJSON(w, http.StatusPaymentRequired, denial)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func check(ctx context.Context, config Config, workspaceID string) (*Denial, error) {
	if config.Feature != "" {
		ok, err := config.Checker.HasFeature(ctx, workspaceID, config.Feature)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Denial{WorkspaceID: workspaceID, Feature: config.Feature, Reason: ReasonFeatureNotIncluded}, nil
		}
	}
	if config.Meter != "" {
		exceeded, err := config.Checker.UsageExceeded(ctx, workspaceID, config.Meter)
		if err != nil {
			return nil, err
		}
		if exceeded {
			return &Denial{WorkspaceID: workspaceID, Meter: config.Meter, Reason: ReasonQuotaExceeded}, nil
		}
	}
	return nil, nil
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// WorkspaceIDKey is the context key for workspace ID
	WorkspaceIDKey ContextKey = "billing:workspaceID"
)

// FromContext returns a WorkspaceIDExtractor that gets workspace ID from request context
func FromContext(key ContextKey) WorkspaceIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a WorkspaceIDExtractor that gets workspace ID from a header
func FromHeader(headerName string) WorkspaceIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithWorkspaceID adds workspace ID to request context
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}
