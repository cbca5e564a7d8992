// Package apperror implements the hub's fixed error taxonomy and the
// classification carried by every admin-facing error frame.
package apperror

import (
	"fmt"
	"time"
)

// Code is one kind from the fixed taxonomy. Kinds, not numeric codes: the
// wire value is the string itself.
type Code string

const (
	// Authentication
	CodeInvalidCredentials  Code = "invalid_credentials"
	CodeTokenExpired        Code = "token_expired"
	CodeTokenInvalid        Code = "token_invalid"
	CodeRefreshTokenExpired Code = "refresh_token_expired"
	CodeUserNotFound        Code = "user_not_found"
	CodeUserDisabled        Code = "user_disabled"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeRateLimited         Code = "rate_limited"
	CodeAccountLocked       Code = "account_locked"

	// Authorization
	CodeAccessDenied            Code = "access_denied"
	CodeSessionNotOwned         Code = "session_not_owned"
	CodeInsufficientPermissions Code = "insufficient_permissions"
	CodeOperationNotAllowed     Code = "operation_not_allowed"

	// Session
	CodeSessionNotFound      Code = "session_not_found"
	CodeSessionAlreadyExists Code = "session_already_exists"
	CodeInvalidConfig        Code = "invalid_config"
	CodeSessionCreateFailed  Code = "session_creation_failed"
	CodeSessionUpdateFailed  Code = "session_update_failed"
	CodeSessionDeleteFailed  Code = "session_delete_failed"
	CodeClientLimitReached   Code = "client_limit_reached"

	// Admin identity
	CodeAdminNotFound      Code = "admin_not_found"
	CodeAdminCreateFailed  Code = "admin_creation_failed"
	CodeAdminCorruptedData Code = "admin_corrupted_data"

	// System
	CodeInternalError           Code = "internal_error"
	CodeStorageError            Code = "storage_error"
	CodeNetworkError            Code = "network_error"
	CodeMaintenanceMode         Code = "maintenance_mode"
	CodeConnectionLimitExceeded Code = "connection_limit_exceeded"

	// Validation
	CodeInvalidInput         Code = "invalid_input"
	CodeMissingRequiredField Code = "missing_required_field"
	CodeInvalidSessionID     Code = "invalid_session_id"
	CodeInvalidLanguage      Code = "invalid_language"
)

// nonRetryable lists codes that must never be retried automatically.
var nonRetryable = map[Code]bool{
	CodeAccessDenied:            true,
	CodeSessionNotOwned:         true,
	CodeInsufficientPermissions: true,
	CodeOperationNotAllowed:     true,
	CodeInvalidCredentials:      true,
	CodeUserDisabled:            true,
	CodeInvalidInput:            true,
	CodeMissingRequiredField:    true,
	CodeInvalidSessionID:        true,
	CodeInvalidLanguage:         true,
	CodeInvalidConfig:           true,
	CodeSessionAlreadyExists:    true,
	CodeSessionNotFound:         true,
	CodeAdminNotFound:           true,
	CodeAdminCorruptedData:      true,
}

// Retryable reports whether operations failing with code may be retried by
// the client without further intervention.
func Retryable(code Code) bool {
	return !nonRetryable[code]
}

// Error is the hub's classified error type. Every boundary (C1, C4, C2/C3
// via the router) maps foreign errors into one of these before they reach a
// client.
type Error struct {
	Code        Code
	Message     string // stable technical phrase for logs
	UserMessage string // phrase safe for end-user UI
	RetryAfter  time.Duration
	SessionID   string
	AdminID     string
	Operation   string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with a stable message and a generic,
// client-safe user message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, UserMessage: defaultUserMessage(code)}
}

// Wrap classifies an underlying error under code, preserving it for
// server-side logs only.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithRetryAfter attaches a retry-after duration, returning the receiver for
// chaining.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithDetails attaches optional context fields, returning the receiver.
func (e *Error) WithDetails(sessionID, adminID, operation string) *Error {
	e.SessionID = sessionID
	e.AdminID = adminID
	e.Operation = operation
	return e
}

func defaultUserMessage(code Code) string {
	switch code {
	case CodeInvalidCredentials:
		return "Incorrect username or password."
	case CodeTokenExpired:
		return "Your session has expired. Please sign in again."
	case CodeTokenInvalid:
		return "Your session is no longer valid. Please sign in again."
	case CodeRefreshTokenExpired:
		return "Please sign in again."
	case CodeUserNotFound:
		return "Account not found."
	case CodeUserDisabled:
		return "This account has been disabled."
	case CodeProviderUnavailable:
		return "Sign-in is temporarily unavailable. Please try again shortly."
	case CodeRateLimited:
		return "Too many attempts. Please wait before trying again."
	case CodeAccountLocked:
		return "Too many failed attempts. Please wait before trying again."
	case CodeAccessDenied, CodeSessionNotOwned:
		return "You don't have permission to do that."
	case CodeInsufficientPermissions:
		return "Your account doesn't have permission to do that."
	case CodeOperationNotAllowed:
		return "That action isn't allowed right now."
	case CodeSessionNotFound:
		return "Session not found."
	case CodeSessionAlreadyExists:
		return "A session with that ID already exists."
	case CodeInvalidConfig:
		return "That configuration isn't valid."
	case CodeClientLimitReached:
		return "This session has reached its listener limit."
	case CodeInvalidSessionID:
		return "That session ID isn't valid."
	case CodeInvalidLanguage:
		return "That language isn't enabled for this session."
	case CodeMissingRequiredField, CodeInvalidInput:
		return "Please check your input and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
