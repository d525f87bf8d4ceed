package errors

import (
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Error codes used by the exporter.
const (
	CodeProtocolDecode    = "PROTOCOL_DECODE_ERROR"
	CodeUnknownNode       = "UNKNOWN_NODE_REFERENCE"
	CodeConnectionFailure = "CONNECTION_FAILURE"
	CodeConnectionClosed  = "CONNECTION_CLOSED"
	CodeConfiguration     = "CONFIGURATION_ERROR"
	CodeHandshakeRejected = "HANDSHAKE_REJECTED"
)

// Sentinels for errors.Is comparisons. Matching is done on the code only.
var (
	ErrProtocolDecode    = &AppError{Type: ErrorTypeProtocol, Code: CodeProtocolDecode}
	ErrUnknownNode       = &AppError{Type: ErrorTypeNotFound, Code: CodeUnknownNode}
	ErrConnectionFailure = &AppError{Type: ErrorTypeNetwork, Code: CodeConnectionFailure}
	ErrConnectionClosed  = &AppError{Type: ErrorTypeNetwork, Code: CodeConnectionClosed}
	ErrHandshakeRejected = &AppError{Type: ErrorTypeConfiguration, Code: CodeHandshakeRejected}
)

// ProtocolDecodeError creates an error for a frame or payload that does not
// follow the feed protocol.
func ProtocolDecodeError(reason string, cause error) *AppError {
	var appErr *AppError
	if cause != nil {
		appErr = Wrap(cause, ErrorTypeProtocol, CodeProtocolDecode, fmt.Sprintf("Feed decode failed: %s", reason))
	} else {
		appErr = New(ErrorTypeProtocol, CodeProtocolDecode, fmt.Sprintf("Feed decode failed: %s", reason))
	}
	return appErr.WithSeverity(SeverityLow)
}

// UnknownNodeReference creates an error for an update addressed to a node id
// that is not in the chain's roster.
func UnknownNodeReference(action string, nodeID uint64) *AppError {
	return New(ErrorTypeNotFound, CodeUnknownNode, fmt.Sprintf("%s references unknown node", action)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Node ID: %d", nodeID))
}

// ConnectionFailure creates an error for a transport that gave up reconnecting.
func ConnectionFailure(address string, attempts int, cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, CodeConnectionFailure,
		fmt.Sprintf("Telemetry connection to %s failed after %d attempts", address, attempts)).
		WithSeverity(SeverityHigh)
}

// HandshakeRejected creates an error for a feed server that refused the
// WebSocket upgrade with a status no retry will change, such as a wrong path.
func HandshakeRejected(address string, status int, cause error) *AppError {
	return Wrap(cause, ErrorTypeConfiguration, CodeHandshakeRejected,
		fmt.Sprintf("Telemetry feed %s rejected the handshake", address)).
		WithSeverity(SeverityCritical).
		WithDetails(fmt.Sprintf("HTTP status: %d", status))
}

// ConnectionClosed classifies a dropped feed connection.
func ConnectionClosed(cause error) *AppError {
	var severity ErrorSeverity
	var details string

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		severity = SeverityLow
		details = "closed normally"
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		severity = SeverityMedium
		details = "closed abnormally"
	case isTimeout(cause):
		severity = SeverityMedium
		details = "read timed out"
	case isTemporaryNetError(cause):
		severity = SeverityMedium
		details = "temporary network error"
	default:
		severity = SeverityMedium
		details = "connection error"
	}

	appErr := Wrap(cause, ErrorTypeNetwork, CodeConnectionClosed, "Telemetry connection closed").
		WithSeverity(severity)
	if cause != nil {
		appErr.Details = fmt.Sprintf("%s: %s", details, cause.Error())
	} else {
		appErr.Details = details
	}
	return appErr
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeConfiguration, CodeConfiguration, fmt.Sprintf("Configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork:
		return appErr.Severity != SeverityCritical
	case ErrorTypeProtocol, ErrorTypeNotFound:
		// The offending frame is dropped; the stream itself is fine.
		return true
	case ErrorTypeConfiguration:
		return false
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	}
	return false
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// isTemporaryNetError checks if a network error is temporary
// This replaces the deprecated netErr.Temporary() method
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	}

	for _, pattern := range temporaryPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
