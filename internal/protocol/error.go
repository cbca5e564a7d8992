package protocol

import "github.com/livetranslate/hub/internal/apperror"

// ErrorDetails carries optional context on an admin-error frame.
type ErrorDetails struct {
	SessionID        string   `json:"sessionId,omitempty"`
	AdminID          string   `json:"adminId,omitempty"`
	Operation        string   `json:"operation,omitempty"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
}

// AdminError is the structured error frame every admin-facing failure is
// surfaced through.
type AdminError struct {
	Type        MessageType   `json:"type"`
	ErrorCode   apperror.Code `json:"errorCode"`
	Message     string        `json:"message"`
	UserMessage string        `json:"userMessage"`
	Retryable   bool          `json:"retryable"`
	RetryAfter  int64         `json:"retryAfter,omitempty"` // seconds
	Details     *ErrorDetails `json:"details,omitempty"`
	Timestamp   string        `json:"timestamp"`
}

// AdminErrorFrom converts a classified error into its wire frame. The
// underlying cause never crosses the wire; it stays in server logs.
func AdminErrorFrom(e *apperror.Error) AdminError {
	frame := AdminError{
		Type:        TypeAdminError,
		ErrorCode:   e.Code,
		Message:     e.Message,
		UserMessage: e.UserMessage,
		Retryable:   apperror.Retryable(e.Code),
		Timestamp:   Now(),
	}
	if e.RetryAfter > 0 {
		frame.RetryAfter = int64(e.RetryAfter.Seconds())
	}
	if e.SessionID != "" || e.AdminID != "" || e.Operation != "" {
		frame.Details = &ErrorDetails{
			SessionID: e.SessionID,
			AdminID:   e.AdminID,
			Operation: e.Operation,
		}
	}
	return frame
}

// ListenerErrorFrom converts a classified error into the simple legacy
// error form used on listener connections.
func ListenerErrorFrom(e *apperror.Error) ErrorFrame {
	return ErrorFrame{
		Type:      TypeError,
		Code:      string(e.Code),
		Message:   e.UserMessage,
		Timestamp: Now(),
	}
}
