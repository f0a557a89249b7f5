package bridge

import (
	"errors"
	"net/http"
)

// Pipeline error taxonomy. Components wrap these sentinels with fmt.Errorf
// ("%w: detail") so callers can classify failures with errors.Is.
var (
	// ErrAuth marks bad or missing credentials (HTTP 401).
	ErrAuth = errors.New("unauthorized")
	// ErrValidation marks a malformed request (HTTP 400).
	ErrValidation = errors.New("invalid request")
	// ErrDecrypt marks an undecryptable inbound envelope, fatal for that
	// request (HTTP 500).
	ErrDecrypt = errors.New("decrypt failed")
	// ErrUpstream marks a platform API failure. Enrichment callers degrade to
	// placeholder data instead of propagating it.
	ErrUpstream = errors.New("upstream platform error")
	// ErrDelivery marks a gateway forward or platform send failure. Logged,
	// never retried, never surfaced to the event source.
	ErrDelivery = errors.New("delivery failed")
	// ErrNotReady marks an adapter whose platform session is not established
	// yet (HTTP 503).
	ErrNotReady = errors.New("session not ready")
	// ErrNotFound marks a send target that does not exist in the platform
	// session (HTTP 404).
	ErrNotFound = errors.New("target not found")
)

// HTTPStatus maps a pipeline error to the HTTP status code handlers respond
// with. Unclassified errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
