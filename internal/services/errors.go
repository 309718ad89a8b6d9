// Package services implements the business logic of the backend: gateway
// session synchronization, webhook ingestion, and the session lifecycle
// orchestrator. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer; the
// handler layer translates them into HTTP status codes. Remote gateway
// failures keep their *waha.APIError identity and can additionally be
// matched against ErrGatewayFault via errors.Is.
package services

import "errors"

// Session-related errors.
var (
	// ErrSessionNotFound indicates that the requested gateway session does
	// not exist or does not belong to the caller's organization. The two
	// cases are deliberately indistinguishable.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionConflict is returned when a lifecycle operation is invalid
	// for the session's current state, e.g. starting a session that is
	// already connected and authenticated.
	ErrSessionConflict = errors.New("session already running")

	// ErrSessionExists is returned when creating a session whose name is
	// already taken within the organization.
	ErrSessionExists = errors.New("session name already in use")

	// ErrQRNotAvailable is returned when the gateway cannot produce a QR
	// code for the session even after the bounded restart-and-retry cycle.
	ErrQRNotAvailable = errors.New("qr code not available")
)

// Webhook-related errors.
var (
	// ErrInvalidPayload is returned when an inbound webhook body matches
	// neither the standard nor the legacy payload shape, or carries no
	// extractable message.
	ErrInvalidPayload = errors.New("unrecognized webhook payload")

	// ErrInvalidSignature is returned when signature validation is enabled
	// and the caller-supplied signature does not match the request body.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// ErrGatewayFault wraps remote gateway failures at service boundaries so
// handlers can map them to a 502-equivalent without inspecting the
// underlying *waha.APIError.
var ErrGatewayFault = errors.New("gateway request failed")

// Chat-related errors.
var (
	// ErrChatSessionNotFound indicates that the requested conversation
	// thread does not exist or is not accessible to the organization.
	ErrChatSessionNotFound = errors.New("chat session not found")
)
