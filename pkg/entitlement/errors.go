package entitlement

import "errors"

var (
	// ErrNotFound is returned by a Store when a key is absent or expired
	ErrNotFound = errors.New("key not found")

	// ErrStoreUnavailable is returned when the backing store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidWorkspace is returned for an empty workspace id
	ErrInvalidWorkspace = errors.New("invalid workspace id")

	// ErrInvalidMeter is returned for an empty meter name
	ErrInvalidMeter = errors.New("invalid meter")
)
