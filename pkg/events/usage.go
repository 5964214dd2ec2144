// Package events defines the typed messages carried on the usage, billing
// and payment queues.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned when a message is missing required fields or
// carries invalid values. Malformed messages are dropped, never retried.
var ErrMalformed = errors.New("malformed event")

// UsageEventType names a metered activity. It doubles as the local counter name.
type UsageEventType string

const (
	UsageAICredits       UsageEventType = "ai_credits"
	UsageWhatsAppMessage UsageEventType = "whatsapp_message"
	UsageEmailSend       UsageEventType = "email_send"
	UsageSMSSend         UsageEventType = "sms_send"
)

// UsageEventTypes lists every known usage type, in a stable order.
func UsageEventTypes() []UsageEventType {
	return []UsageEventType{UsageAICredits, UsageWhatsAppMessage, UsageEmailSend, UsageSMSSend}
}

// Meters returns the usage types as counter meter names.
func Meters() []string {
	types := UsageEventTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// UsageEvent is one unit of metered activity for a workspace.
type UsageEvent struct {
	WorkspaceID    string                 `json:"workspace_id"`
	EventType      UsageEventType         `json:"event_type"`
	Value          float64                `json:"value"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timestamp      *time.Time             `json:"timestamp,omitempty"`
}

// Validate checks the required fields.
func (e *UsageEvent) Validate() error {
	switch {
	case e.WorkspaceID == "":
		return fmt.Errorf("%w: missing workspace_id", ErrMalformed)
	case e.EventType == "":
		return fmt.Errorf("%w: missing event_type", ErrMalformed)
	case math.IsNaN(e.Value) || math.IsInf(e.Value, 0) || e.Value <= 0:
		return fmt.Errorf("%w: value must be positive, got %v", ErrMalformed, e.Value)
	}
	return nil
}

// ParseUsageEvent decodes and validates a usage message.
func ParseUsageEvent(body []byte) (*UsageEvent, error) {
	var e UsageEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
