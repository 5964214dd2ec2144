package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSubscriptionNotFound is returned when a customer has no matching subscription
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrInvoiceNotFound is returned when an invoice id does not resolve
	ErrInvoiceNotFound = errors.New("invoice not found in billing provider")

	// ErrMeterNotFound is returned when no provider meter matches a meter event name
	ErrMeterNotFound = errors.New("meter not found in billing provider")
)

// IsNotFound reports whether err is one of the provider not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrMeterNotFound)
}
