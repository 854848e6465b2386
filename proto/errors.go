package proto

import "fmt"

// ErrorCode is the closed set of router-level error codes (spec §4.1).
type ErrorCode string

const (
	ErrBadMessage               ErrorCode = "E_BAD_MESSAGE"
	ErrUnsupportedProtocol      ErrorCode = "E_UNSUPPORTED_PROTOCOL"
	ErrNoRoute                  ErrorCode = "E_NO_ROUTE"
	ErrRequiredExtensionMissing ErrorCode = "E_REQUIRED_EXTENSION_MISSING"
	ErrConfirmationRequired     ErrorCode = "E_CONFIRMATION_REQUIRED"
	ErrNodeUnavailable          ErrorCode = "E_NODE_UNAVAILABLE"
	ErrNodeTimeout              ErrorCode = "E_NODE_TIMEOUT"
	ErrNodeError                ErrorCode = "E_NODE_ERROR"
	ErrNodeRegInvalid           ErrorCode = "E_NODE_REG_INVALID"
	ErrNodeUntrusted            ErrorCode = "E_NODE_UNTRUSTED"
	ErrNodeNotRegistered        ErrorCode = "E_NODE_NOT_REGISTERED"
	ErrAdapterNotFound          ErrorCode = "E_ADAPTER_NOT_FOUND"
	ErrAuthRequired             ErrorCode = "E_AUTH_REQUIRED"
	ErrAuthInvalid              ErrorCode = "E_AUTH_INVALID"
	ErrAuthForbidden            ErrorCode = "E_AUTH_FORBIDDEN"
	ErrInternal                 ErrorCode = "E_INTERNAL"
)

// ErrorDetail is the payload.error shape carried by every error message.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error implements the error interface so ErrorDetail can be returned/wrapped
// like a normal Go error inside component internals, before being flattened
// into a Message at the component boundary.
func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// MakeError builds an intent="error" Message carrying the given error code,
// message, and details. parentID, when non-empty, seeds extensions.trace.
func MakeError(code ErrorCode, message string, parentID string, retryable bool, details map[string]any) *Message {
	m := NewMessage("error", map[string]any{
		"error": map[string]any{
			"code":      string(code),
			"message":   message,
			"retryable": retryable,
			"details":   details,
		},
	})
	if parentID != "" {
		EnsureTrace(m, parentID, "")
	}
	return m
}

// AsErrorDetail extracts payload.error from an error-intent message, if
// shaped correctly.
func (m *Message) AsErrorDetail() *ErrorDetail {
	if m == nil || m.Intent != "error" {
		return nil
	}
	raw, ok := m.Payload["error"]
	if !ok {
		return nil
	}
	em, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	d := &ErrorDetail{}
	if s, ok := em["code"].(string); ok {
		d.Code = ErrorCode(s)
	}
	if s, ok := em["message"].(string); ok {
		d.Message = s
	}
	if b, ok := em["retryable"].(bool); ok {
		d.Retryable = b
	}
	if dd, ok := em["details"].(map[string]any); ok {
		d.Details = dd
	}
	return d
}

// MakeResponse builds a successful response Message for the given intent.
func MakeResponse(intent string, payload map[string]any, parentID string, extensions map[string]any) *Message {
	m := NewMessage(intent, payload)
	if extensions != nil {
		m.Extensions = extensions
	}
	if parentID != "" {
		EnsureTrace(m, parentID, "")
	}
	return m
}

// ValidateCore validates the structural invariants of §3: returns nil when
// the message is well-formed, or an error Message otherwise.
func ValidateCore(m *Message) *Message {
	if m == nil {
		return MakeError(ErrBadMessage, "message is nil", "", false, nil)
	}
	if m.ProtocolVersion == "" {
		return MakeError(ErrBadMessage, "protocol_version is required", m.MessageID, false, nil)
	}
	if m.MessageID == "" {
		return MakeError(ErrBadMessage, "message_id is required", "", false, nil)
	}
	if m.Intent == "" {
		return MakeError(ErrBadMessage, "intent is required", m.MessageID, false, nil)
	}
	if m.Payload == nil {
		return MakeError(ErrBadMessage, "payload must be an object", m.MessageID, false, nil)
	}
	return nil
}
