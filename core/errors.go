package core

import "errors"

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// dimension established for its model version. It is never coerced.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmbeddingUnavailable is returned when the embedding provider keeps
	// failing after retries.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrGenerationUnavailable is returned when the generation provider keeps
	// failing after retries.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrMalformedResponse marks a provider response that failed validation.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrInvalidInput marks malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// IsUnavailable reports whether err is a provider failure that should be
// shown to users as a degraded response rather than an internal error.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) || errors.Is(err, ErrGenerationUnavailable)
}
