package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// workspaceQuery builds the Search API query matching a workspace tag.
func workspaceQuery(workspaceID string) string {
	escaped := strings.ReplaceAll(workspaceID, "'", "\\'")
	return fmt.Sprintf("metadata['%s']:'%s'", billing.MetadataWorkspaceID, escaped)
}

// GetCustomerByWorkspace looks up the customer tagged with workspaceID.
// The Search API is eventually consistent, so a customer created moments ago
// may not be visible yet.
func (p *Provider) GetCustomerByWorkspace(ctx context.Context, workspaceID string) (*billing.Customer, error) {
	var found *billing.Customer
	err := p.call(ctx, "customers.search", func(ctx context.Context) error {
		params := &stripe.CustomerSearchParams{}
		params.Query = workspaceQuery(workspaceID)
		params.Limit = stripe.Int64(1)

		for cust, err := range p.client.V1Customers.Search(ctx, params) {
			if err != nil {
				return err
			}
			// Search can return partial matches
			if cust.Metadata[billing.MetadataWorkspaceID] == workspaceID {
				found = customerFromStripe(cust)
				return nil
			}
		}
		return billing.ErrCustomerNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetOrCreateCustomer finds the workspace's customer or creates one tagged
// with the workspace id.
func (p *Provider) GetOrCreateCustomer(ctx context.Context, params billing.CustomerParams) (*billing.Customer, error) {
	existing, err := p.GetCustomerByWorkspace(ctx, params.WorkspaceID)
	if err == nil {
		return existing, nil
	}
	if !billing.IsNotFound(err) {
		return nil, err
	}

	var created *billing.Customer
	err = p.call(ctx, "customers.create", func(ctx context.Context) error {
		create := &stripe.CustomerCreateParams{}
		if params.Email != "" {
			create.Email = stripe.String(params.Email)
		}
		if params.Name != "" {
			create.Name = stripe.String(params.Name)
		}
		for k, v := range params.Metadata {
			create.AddMetadata(k, v)
		}
		create.AddMetadata(billing.MetadataWorkspaceID, params.WorkspaceID)

		cust, err := p.client.V1Customers.Create(ctx, create)
		if err != nil {
			return err
		}
		created = customerFromStripe(cust)
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("created stripe customer",
		logging.Workspace(params.WorkspaceID), logging.F("customer_id", created.ID))
	return created, nil
}
