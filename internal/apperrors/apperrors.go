// Package apperrors defines the sentinel error kinds shared across imgpub's
// service packages and the HTTP status mapping internal/server applies to
// them. Callers wrap a sentinel with fmt.Errorf("...: %w", ErrNotFound) so
// errors.Is still matches through any number of wrapping layers.
package apperrors

import "errors"

var (
	// ErrNotFound means the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput means the caller-supplied input failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized means the request lacks valid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is authenticated but not permitted.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict means the operation could not complete due to a concurrent
	// state change (e.g. an image was moved by another request mid-publish).
	ErrConflict = errors.New("conflict")

	// ErrUpstream means a dependency (storage backend, AI vendor, publish
	// channel, orchestrator) returned an error imgpub could not recover from.
	ErrUpstream = errors.New("upstream error")

	// ErrUpstreamTimeout means a dependency call exceeded its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrRateLimited means a dependency or imgpub itself is throttling.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable means a feature is disabled or not configured for the
	// resolved tenant (e.g. admin password login when none is configured).
	ErrUnavailable = errors.New("unavailable")
)

// Kind classifies an error for status-code mapping and logging, without
// requiring every caller to know the full sentinel list.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case err == nil:
		return ""
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to a response status code; internal/server's
// httpErrorFromErr uses it to pick the status of every error it writes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrInvalidInput):
		return 400
	case errors.Is(err, ErrUnauthorized):
		return 401
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrRateLimited):
		return 429
	case errors.Is(err, ErrUnavailable):
		return 503
	case errors.Is(err, ErrUpstreamTimeout):
		return 504
	case errors.Is(err, ErrUpstream):
		return 502
	default:
		return 500
	}
}
