// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrUnauthenticated indicates a missing, invalid or superseded identity binding.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized indicates the caller is not a party to the referenced conversation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidRequest indicates missing or malformed required fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable indicates the persistence layer failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRateLimited indicates temporary lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrTargetGone indicates the fan-out target connection is no longer reachable.
	ErrTargetGone = errors.New("target gone")
)

// Stable machine-readable codes shared by the HTTP and WS transports.
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeUnauthorized     = "unauthorized"
	CodeInvalidRequest   = "invalid_request"
	CodeNotFound         = "not_found"
	CodeStoreUnavailable = "store_unavailable"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Kind maps an error chain to its stable code.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
