package tenant

import "errors"

// Sentinel errors for tenant resolution. Check with errors.Is.
var (
	// ErrInvalidCredentials is returned for any credential failure:
	// unknown key, revoked key, or disabled tenant. The reasons are
	// deliberately indistinguishable to callers.
	ErrInvalidCredentials = errors.New("invalid API credentials")

	// ErrNotFound is returned when a tenant ID does not exist.
	ErrNotFound = errors.New("tenant not found")
)
