package remote

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx answer from the sync service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("service responded %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("service responded %d: %s", e.Status, e.Message)
}

// TransportError wraps a failure to reach the service at all (DNS,
// connect, timeout). Always transient from the caller's point of view.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("service unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying later: network
// failures, rate limiting, and server-side errors. Entries held in the
// durable queue are retried only for transient failures.
func IsTransient(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Status == 429 || api.Status >= 500
	}
	return false
}

// IsAuthInvalid reports whether err means the credential is no longer
// usable and the user must re-authenticate. Never retried automatically.
func IsAuthInvalid(err error) bool {
	var api *APIError
	if errors.As(err, &api) {
		if api.Code == CodeReauthRequired {
			return true
		}
		return api.Status == 401 || api.Status == 403
	}
	return false
}
