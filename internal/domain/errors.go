package domain

import (
	"github.com/cockroachdb/errors"
)

// Error taxonomy shared by the lifecycle controller, the stores and the API.
// Use errors.Is against these sentinels; wrap them to add context.
var (
	// ErrValidation marks requests rejected before any state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks callers lacking the capability for an operation.
	ErrUnauthorized = errors.New("not authorized")

	// ErrJobNotFound is returned when a job key is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrConflict is returned when a compare-and-set update lost a race.
	ErrConflict = errors.New("job was modified concurrently")

	// ErrJobExists is returned when inserting a key that is already stored.
	ErrJobExists = errors.New("job already exists")

	// ErrStaleProcess is internal to the watchdog: a job recorded as running
	// whose supervising process is gone. It is recovered, never surfaced.
	ErrStaleProcess = errors.New("stale worker process")
)

// Validationf builds a validation error carrying a user-facing message.
func Validationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// Unauthorizedf builds an authorization error naming the missing capability.
func Unauthorizedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnauthorized)
}

// NotFound wraps ErrJobNotFound with the unknown key.
func NotFound(key string) error {
	return errors.Wrapf(ErrJobNotFound, "key %q", key)
}
