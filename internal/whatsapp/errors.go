package whatsapp

import (
	"errors"
	"fmt"
)

// Stable codes surfaced to callers.
const (
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeNotConnected         = "NOT_CONNECTED"
	CodeDuplicateConnection  = "DUPLICATE_CONNECTION"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeSendFailed           = "SEND_FAILED"
	CodePairingExpired       = "PAIRING_EXPIRED"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
)

// Error is a tagged failure carrying a stable code. The wrapped cause is kept
// for logs only.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so errors.Is(err, ErrNotConnected) works for wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrQuotaExceeded        = &Error{Code: CodeQuotaExceeded, Message: "owner reached the connected session limit"}
	ErrNotConnected         = &Error{Code: CodeNotConnected, Message: "session is not connected"}
	ErrDuplicateConnection  = &Error{Code: CodeDuplicateConnection, Message: "phone already connected for this owner"}
	ErrSessionNotFound      = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrPairingExpired       = &Error{Code: CodePairingExpired, Message: "pairing window expired"}
	ErrConversationNotFound = &Error{Code: CodeConversationNotFound, Message: "conversation not found"}
)

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func invalidRequest(message string) *Error {
	return newError(CodeInvalidRequest, message, nil)
}

// CodeOf returns the stable code of err, or "" for untagged errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
