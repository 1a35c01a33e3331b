// Package errors provides standardized error codes for livesync.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (protocol, session, sync, transport, ...)
//   - error: The specific error type within that domain
//
// Codes travel over the wire inside error envelopes, so they are stable.
// Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Protocol domain - malformed or unexpected envelopes. Absorbed locally.
	CodeProtocolMalformed  = "protocol.malformed"  // Message could not be parsed
	CodeProtocolUnexpected = "protocol.unexpected" // Valid message in the wrong place (e.g. first message not role-identification)

	// Session domain - session registry and lifecycle
	CodeSessionConflict        = "session.conflict"         // Second host for an existing session id
	CodeSessionNotFound        = "session.not_found"        // Guest join for an unknown session id
	CodeSessionInvalidID       = "session.invalid_id"       // Session id missing or malformed
	CodeSessionNotActive       = "session.not_active"       // Operation requires an active session
	CodeSessionBusy            = "session.busy"             // Endpoint already connecting or active
	CodeSessionHandshakeFailed = "session.handshake_failed" // No usable handshake reply
	CodeSessionKicked          = "session.kicked"           // Removed by the host

	// Permission domain
	CodePermissionDenied = "permission.denied" // Guest action not allowed by policy

	// Participant domain
	CodeParticipantBlocked = "participant.blocked" // Participant id was kicked earlier in this session

	// Sync domain - delta protocol drops and apply failures
	CodeSyncStale        = "sync.stale"         // Sequence not newer than last applied for sender
	CodeSyncDuplicate    = "sync.duplicate"     // Message id already accepted
	CodeSyncEcho         = "sync.echo"          // Own message reflected back
	CodeSyncNoDocument   = "sync.no_document"   // Target document not open locally
	CodeSyncApplyFailed  = "sync.apply_failed"  // Editor integration rejected the delta
	CodeSyncApplyTimeout = "sync.apply_timeout" // No local confirmation after a remote apply

	// Transport domain
	CodeTransportClosed     = "transport.closed"      // Connection closed
	CodeTransportDialFailed = "transport.dial_failed" // Could not open connection

	// Directory domain - cross-broker session ownership
	CodeDirectoryUnavailable = "directory.unavailable" // Directory backend failed

	// Storage domain - broker metrics database
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.conflict")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to wire error envelopes.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsDrop reports whether err is one of the silent delta-protocol drops
// (stale, duplicate, echo). Drops are never surfaced to the user.
func IsDrop(err error) bool {
	switch GetCode(err) {
	case CodeSyncStale, CodeSyncDuplicate, CodeSyncEcho:
		return true
	}
	return false
}

// SessionConflict creates a "session.conflict" error.
// The message text is what the broker sends back on the wire.
func SessionConflict(sessionID string) *CodedError {
	return &CodedError{Code: CodeSessionConflict, Message: "Session already exists", Cause: fmt.Errorf("session %s", sessionID)}
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(sessionID string) *CodedError {
	return &CodedError{Code: CodeSessionNotFound, Message: "Session not found", Cause: fmt.Errorf("session %s", sessionID)}
}

// InvalidSessionID creates a "session.invalid_id" error.
func InvalidSessionID(raw string) *CodedError {
	if raw == "" {
		return New(CodeSessionInvalidID, "missing session identifier")
	}
	return New(CodeSessionInvalidID, fmt.Sprintf("invalid session identifier %q", raw))
}

// NotActive creates a "session.not_active" error.
func NotActive(op string) *CodedError {
	return New(CodeSessionNotActive, fmt.Sprintf("%s requires an active session", op))
}

// Busy creates a "session.busy" error.
func Busy(state string) *CodedError {
	return New(CodeSessionBusy, fmt.Sprintf("endpoint is %s", state))
}

// HandshakeFailed creates a "session.handshake_failed" error.
func HandshakeFailed(reason string, cause error) *CodedError {
	return Wrap(CodeSessionHandshakeFailed, reason, cause)
}

// Kicked creates a "session.kicked" error.
func Kicked(reason string) *CodedError {
	msg := "removed from session by host"
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return New(CodeSessionKicked, msg)
}

// Malformed creates a "protocol.malformed" error.
func Malformed(reason string, cause error) *CodedError {
	return Wrap(CodeProtocolMalformed, reason, cause)
}

// Unexpected creates a "protocol.unexpected" error.
func Unexpected(reason string) *CodedError {
	return New(CodeProtocolUnexpected, reason)
}

// PermissionDenied creates a "permission.denied" error.
func PermissionDenied(permission string) *CodedError {
	return New(CodePermissionDenied, fmt.Sprintf("permission %q not granted", permission))
}

// Blocked creates a "participant.blocked" error.
func Blocked(participantID string) *CodedError {
	return New(CodeParticipantBlocked, fmt.Sprintf("participant %s was removed from this session", participantID))
}

// Stale creates a "sync.stale" error.
func Stale(path, sender string, seq, last uint64) *CodedError {
	return New(CodeSyncStale, fmt.Sprintf("%s from %s: sequence %d <= %d", path, sender, seq, last))
}

// Duplicate creates a "sync.duplicate" error.
func Duplicate(messageID string) *CodedError {
	return New(CodeSyncDuplicate, fmt.Sprintf("message %s already accepted", messageID))
}

// Echo creates a "sync.echo" error.
func Echo(messageID string) *CodedError {
	return New(CodeSyncEcho, fmt.Sprintf("message %s originated locally", messageID))
}

// NoDocument creates a "sync.no_document" error.
func NoDocument(path string) *CodedError {
	return New(CodeSyncNoDocument, fmt.Sprintf("document %s is not open", path))
}

// ApplyFailed creates a "sync.apply_failed" error.
func ApplyFailed(path string, cause error) *CodedError {
	return Wrap(CodeSyncApplyFailed, fmt.Sprintf("apply to %s failed", path), cause)
}

// ApplyTimeout creates a "sync.apply_timeout" error.
func ApplyTimeout(path, messageID string) *CodedError {
	return New(CodeSyncApplyTimeout, fmt.Sprintf("no change confirmation for %s after applying %s", path, messageID))
}

// TransportClosed creates a "transport.closed" error.
func TransportClosed(cause error) *CodedError {
	return Wrap(CodeTransportClosed, "connection closed", cause)
}

// DialFailed creates a "transport.dial_failed" error.
func DialFailed(url string, cause error) *CodedError {
	return Wrap(CodeTransportDialFailed, fmt.Sprintf("dial %s failed", url), cause)
}

// DirectoryUnavailable creates a "directory.unavailable" error.
func DirectoryUnavailable(op string, cause error) *CodedError {
	return Wrap(CodeDirectoryUnavailable, fmt.Sprintf("directory %s failed", op), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
