// Package domain – session status vocabulary.
//
// This file defines the local session status and health enums and the pure
// mapping functions from the gateway's raw status strings. The mapping is
// total: any unrecognized remote value degrades to StatusConnecting rather
// than failing, because the gateway adds statuses between releases.
package domain

// SessionStatus is the local session state stored on WahaSession.
type SessionStatus string

// Local session states.
const (
	StatusConnecting   SessionStatus = "connecting"
	StatusWorking      SessionStatus = "working"
	StatusDisconnected SessionStatus = "disconnected"
	StatusError        SessionStatus = "error"
)

// HealthStatus is the derived session health stored on WahaSession.
type HealthStatus string

// Health states.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Remote status strings as reported by the gateway.
const (
	RemoteWorking    = "WORKING"
	RemoteNotWorking = "NOT_WORKING"
	RemoteStarting   = "STARTING"
	RemoteScanQR     = "SCAN_QR_CODE"
	RemoteStopped    = "STOPPED"
	RemoteFailed     = "FAILED"
)

// MapWahaStatus converts a raw gateway status into the local enum.
// It never fails: unknown values map to StatusConnecting.
func MapWahaStatus(remote string) SessionStatus {
	switch remote {
	case RemoteWorking:
		return StatusWorking
	case RemoteNotWorking, RemoteStopped:
		return StatusDisconnected
	case RemoteStarting, RemoteScanQR:
		return StatusConnecting
	case RemoteFailed:
		return StatusError
	default:
		return StatusConnecting
	}
}

// IsConnectedStatus reports whether a remote status means the session has a
// live connection to WhatsApp.
func IsConnectedStatus(remote string) bool {
	return remote == RemoteWorking
}

// IsAuthenticatedStatus reports whether a remote status implies the device
// pairing is authenticated. SCAN_QR_CODE explicitly means it is not.
func IsAuthenticatedStatus(remote string) bool {
	return remote == RemoteWorking
}

// lowBatteryThreshold is the battery percentage below which a working
// session is flagged as warning instead of healthy.
const lowBatteryThreshold = 20

// DeriveHealthStatus computes session health from the remote status and an
// optional battery level (nil when the gateway did not report one).
func DeriveHealthStatus(remote string, battery *int) HealthStatus {
	switch remote {
	case RemoteWorking:
		if battery != nil && *battery < lowBatteryThreshold {
			return HealthWarning
		}
		return HealthHealthy
	case RemoteNotWorking, RemoteFailed:
		return HealthCritical
	default:
		return HealthUnknown
	}
}
