package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

const meterIDPrefix = "mtr_"

// ReportMeterEvent pushes a usage value to the meter listening on
// event.EventName. Identifier, when set, lets Stripe drop duplicates.
func (p *Provider) ReportMeterEvent(ctx context.Context, event billing.MeterEvent) (string, error) {
	params := &stripe.BillingMeterEventCreateParams{
		EventName: stripe.String(event.EventName),
		Payload: map[string]string{
			"value":              formatValue(event.Value),
			"stripe_customer_id": event.CustomerID,
		},
	}
	if event.Identifier != "" {
		params.Identifier = stripe.String(event.Identifier)
	}
	if !event.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(event.Timestamp.Unix())
	}

	var identifier string
	err := p.call(ctx, "billing_meter_events.create", func(ctx context.Context) error {
		created, err := p.client.V1BillingMeterEvents.Create(ctx, params)
		if err != nil {
			return err
		}
		identifier = created.Identifier
		return nil
	})
	if err != nil {
		return "", err
	}
	p.metrics.RecordMeterEvent(providerName, event.EventName, event.Value)
	return identifier, nil
}

// MeterSummary sums the meter's event summaries for a customer over
// [start, end). Stripe requires minute-aligned bounds.
func (p *Provider) MeterSummary(ctx context.Context, meterName, customerID string, start, end time.Time) (float64, error) {
	meterID, err := p.meterID(ctx, meterName)
	if err != nil {
		return 0, err
	}

	var total float64
	err = p.call(ctx, "billing_meter_event_summaries.list", func(ctx context.Context) error {
		params := &stripe.BillingMeterEventSummaryListParams{
			ID:        stripe.String(meterID),
			Customer:  stripe.String(customerID),
			StartTime: stripe.Int64(start.Truncate(time.Minute).Unix()),
			EndTime:   stripe.Int64(end.Truncate(time.Minute).Unix()),
		}
		for summary, err := range p.client.V1BillingMeterEventSummaries.List(ctx, params) {
			if err != nil {
				return err
			}
			total += summary.AggregatedValue
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// meterID resolves a meter event name to its meter id, caching the result.
// Values that already look like meter ids are returned unchanged.
func (p *Provider) meterID(ctx context.Context, meterName string) (string, error) {
	if strings.HasPrefix(meterName, meterIDPrefix) {
		return meterName, nil
	}
	if id, ok := p.meterIDs.Load(meterName); ok {
		return id.(string), nil
	}

	var found string
	err := p.call(ctx, "billing_meters.list", func(ctx context.Context) error {
		params := &stripe.BillingMeterListParams{Status: stripe.String("active")}
		for meter, err := range p.client.V1BillingMeters.List(ctx, params) {
			if err != nil {
				return err
			}
			p.meterIDs.Store(meter.EventName, meter.ID)
			if meter.EventName == meterName {
				found = meter.ID
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrMeterNotFound, meterName)
	}
	return found, nil
}
