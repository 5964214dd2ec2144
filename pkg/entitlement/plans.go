package entitlement

import "github.com/vikram2000b/sage-billing-engine/pkg/billing"

// PlanFeatures is the fallback plan-to-feature table used when a product
// carries no features metadata.
var PlanFeatures = map[billing.PlanTier][]string{
	billing.PlanFree: {
		"ai_chat",
	},
	billing.PlanStarter: {
		"ai_chat",
		"whatsapp",
		"email_campaigns",
	},
	billing.PlanGrowth: {
		"ai_chat",
		"whatsapp",
		"email_campaigns",
		"automations",
		"custom_actions",
	},
	billing.PlanEnterprise: {
		"ai_chat",
		"whatsapp",
		"email_campaigns",
		"automations",
		"custom_actions",
		"dedicated_support",
		"sla",
		"custom_integrations",
	},
}

// FeaturesFor returns a copy of the fallback features for tier.
func FeaturesFor(tier billing.PlanTier) []string {
	return append([]string(nil), PlanFeatures[tier]...)
}

// DefaultLimitKeys maps local counter meters to the product metadata prefix
// of their limit: metadata "<prefix>_limit" bounds counter "<meter>".
func DefaultLimitKeys() map[string]string {
	return map[string]string{
		"ai_credits":       "ai_credits",
		"whatsapp_message": "whatsapp_messages",
		"email_send":       "email_sends",
		"sms_send":         "sms_sends",
	}
}
