// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses via the `fail()` helper. The codes give clients a stable,
// machine-readable error taxonomy alongside the human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless noted.
//   - Generic codes (bad_request, unauthorized, conflict, …) mirror common
//     HTTP status semantics.
//   - Domain-specific codes (gateway_error, qr_unavailable, sync_failed) are
//     reserved for business outcomes that a status code alone cannot convey.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeGatewayError     = "gateway_error"
	ErrCodeQRUnavailable    = "qr_unavailable"
	ErrCodeSyncFailed       = "sync_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
