// Package fault defines the error taxonomy shared by the delivery core.
//
// Components wrap these sentinels with context (fmt.Errorf("%w: ...")) and
// callers branch on them with errors.Is.
package fault

import "errors"

var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNotFound            = errors.New("not found")
	ErrTransportFailure    = errors.New("transport failure")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrExpired             = errors.New("expired")
	// ErrClassified marks an error already converted into an emergency event.
	ErrClassified = errors.New("classified system failure")
)

// KindOf names the taxonomy member err belongs to, or "" if none.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrClassified):
		return "classified_system_failure"
	default:
		return ""
	}
}
