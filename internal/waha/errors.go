// Package waha – typed gateway faults.
package waha

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway fault so callers can branch without parsing
// message strings.
type Kind string

// Fault kinds.
const (
	// KindNotFound: the session (or resource) is unknown to the gateway,
	// or is not in a state where the resource exists (e.g. QR when paired).
	KindNotFound Kind = "not_found"
	// KindAuth: the gateway rejected our API key.
	KindAuth Kind = "auth"
	// KindValidation: the gateway rejected the request payload.
	KindValidation Kind = "validation"
	// KindRemote: transport failure or a 5xx from the gateway.
	KindRemote Kind = "remote"
)

// APIError is the typed fault returned by every client method.
type APIError struct {
	Kind    Kind
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("waha: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("waha: %s: %s", e.Kind, e.Message)
}

// IsNotFound reports whether err is a gateway not-found fault.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsAuth reports whether err is a gateway authentication fault.
func IsAuth(err error) bool { return hasKind(err, KindAuth) }

// IsValidation reports whether err is a gateway validation fault.
func IsValidation(err error) bool { return hasKind(err, KindValidation) }

func hasKind(err error, k Kind) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// kindForStatus maps an HTTP status from the gateway to a fault kind.
func kindForStatus(status int) Kind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 401 || status == 403:
		return KindAuth
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindRemote
	}
}
