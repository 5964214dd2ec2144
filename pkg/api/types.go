package api

// FeatureCheckResponse answers a single feature gate.
type FeatureCheckResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Feature     string `json:"feature"`
	HasAccess   bool   `json:"has_access"`
}

// UsageExceededResponse answers a single meter limit check.
type UsageExceededResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Meter       string `json:"meter"`
	Exceeded    bool   `json:"exceeded"`
}

// PublishResponse is returned for an event accepted onto the usage queue.
type PublishResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// StatusResponse is a bare acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}

// CancelRequest is the body of POST /subscriptions/cancel.
type CancelRequest struct {
	WorkspaceID       string `json:"workspace_id"`
	CancelImmediately bool   `json:"cancel_immediately"`
}

// ChangePlanRequest is the body of POST /subscriptions/{workspace}/change-plan.
type ChangePlanRequest struct {
	NewPriceID        string `json:"new_price_id"`
	ProrationBehavior string `json:"proration_behavior"`
}
