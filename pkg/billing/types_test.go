package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlanTier(t *testing.T) {
	tests := []struct {
		in   string
		want PlanTier
	}{
		{"free", PlanFree},
		{"starter", PlanStarter},
		{"growth", PlanGrowth},
		{"enterprise", PlanEnterprise},
		{" Growth ", PlanGrowth},
		{"", PlanStarter},
		{"platinum", PlanStarter},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePlanTier(tt.in))
		})
	}
}

func TestParseSubscriptionStatus(t *testing.T) {
	assert.Equal(t, StatusPastDue, ParseSubscriptionStatus("past_due"))
	assert.Equal(t, StatusTrialing, ParseSubscriptionStatus("trialing"))
	assert.Equal(t, StatusPaused, ParseSubscriptionStatus("paused"))
	assert.Equal(t, StatusActive, ParseSubscriptionStatus("something_new"))
	assert.Equal(t, StatusActive, ParseSubscriptionStatus(""))
}

func TestProduct_Features(t *testing.T) {
	p := &Product{Metadata: map[string]string{MetadataFeatures: "ai_chat, whatsapp,,sla "}}
	assert.Equal(t, []string{"ai_chat", "whatsapp", "sla"}, p.Features())

	assert.Nil(t, (&Product{}).Features())
	assert.Nil(t, (*Product)(nil).Features())
}

func TestProduct_Tier(t *testing.T) {
	assert.Equal(t, PlanEnterprise, (&Product{Metadata: map[string]string{"tier": "enterprise"}}).Tier())
	assert.Equal(t, PlanStarter, (&Product{}).Tier())
	assert.Equal(t, PlanStarter, (*Product)(nil).Tier())
}

func TestSubscriptionView_Accessors(t *testing.T) {
	var nilSub *SubscriptionView
	assert.Empty(t, nilSub.WorkspaceID())
	assert.Nil(t, nilSub.PrimaryProduct())

	prod := &Product{ID: "prod_1"}
	sub := &SubscriptionView{
		Metadata: map[string]string{MetadataWorkspaceID: "ws_1"},
		Items:    []SubscriptionItem{{ID: "si_1", Product: prod}, {ID: "si_2"}},
	}
	assert.Equal(t, "ws_1", sub.WorkspaceID())
	assert.Same(t, prod, sub.PrimaryProduct())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", ErrCustomerNotFound)))
	assert.True(t, IsNotFound(ErrSubscriptionNotFound))
	assert.True(t, IsNotFound(ErrInvoiceNotFound))
	assert.False(t, IsNotFound(ErrProviderAPIError))
	assert.False(t, IsNotFound(errors.New("boom")))
}
