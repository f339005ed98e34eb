package activitypub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/rox/domain"
)

var (
	// ErrAuthentication covers missing, malformed, expired or invalid signatures.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization means the signer does not own what it tries to change.
	ErrAuthorization = errors.New("authorization mismatch")
	// ErrMalformed marks inbound payloads that do not fit the vocabulary.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnresolvable means a referenced remote object could not be fetched.
	ErrUnresolvable = errors.New("unresolvable object")
	// ErrDeliveryExhausted is recorded when a job runs out of attempts.
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
)

// RemoteError is a non-2xx answer from a peer.
type RemoteError struct {
	URL    string
	Status int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
}

// Permanent reports whether retrying cannot help: any 4xx except 429.
func (e *RemoteError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

func authError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// StatusFor maps an inbox processing error to the HTTP status returned to
// the sending server.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnresolvable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
