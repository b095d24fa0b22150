// Package remote defines the network collaborator contract consumed by
// the query pipeline, together with the error taxonomy the retry layer
// classifies against. The concrete HTTP client, its transport and auth
// headers live outside the core; callers hand the pipeline anything that
// satisfies Client.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"echopin/internal/geo"
)

// Client fetches location-tagged records from the backend.
//
// Both calls may fail with transient connection/DNS/timeout-class errors
// (retryable) or permanent request errors (not retryable).
type Client interface {
	// ListNearby returns the records within radiusMeters of center.
	ListNearby(ctx context.Context, center geo.LatLng, radiusMeters float64) ([]geo.LocatedRecord, error)

	// GetDetail resolves the full record, including precise coordinates,
	// for a single record id.
	GetDetail(ctx context.Context, id string) (geo.LocatedRecord, error)
}

// TransientError marks a failure as connection-class and worth retrying.
type TransientError struct {
	Err error
}

// Error implements error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("remote: transient: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: malformed
// request, not-found, or a server-side business rejection.
type PermanentError struct {
	Err error
}

// Error implements error.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("remote: permanent: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient classifies an error as retryable. Explicit taxonomy
// wrappers win; otherwise the connection/DNS/timeout classes of the net
// and os packages count as transient and everything else does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}

	// Timeouts, including context deadlines surfaced by transports.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// DNS failures.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// Connection-level failures.
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
