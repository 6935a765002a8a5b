package minibot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no row matched the active lookup key.
	ErrNotFound = errors.New("not found")

	// ErrTagExists indicates a tag already exists under the active
	// uniqueness key.
	ErrTagExists = errors.New("tag already exists")

	// ErrForbidden indicates the requesting user is neither the tag's
	// author nor the configured bot owner.
	ErrForbidden = errors.New("forbidden")

	// ErrStoreUnavailable wraps infrastructure-level database failures.
	// Callers surface this to the end user as a generic failure message
	// rather than crashing.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConfiguration indicates a configuration value an operation
	// depends on is missing or malformed.
	ErrConfiguration = errors.New("configuration error")

	// ErrReconciliationRunning indicates a reconciliation pass was
	// triggered while another one was still in progress. The trigger is
	// dropped, not queued.
	ErrReconciliationRunning = errors.New("reconciliation already in progress")

	// ErrCityNotFound indicates the GeoNames search returned no place for
	// the given city name.
	ErrCityNotFound = errors.New("city not recognized")
)

// storeErr tags a database error as ErrStoreUnavailable while keeping the
// underlying error in the chain.
func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
