package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for structured (format=json) WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionStatus     = "session.status"
	TypeSessionOutput     = "session.output"
	TypeSessionDiagnostic = "session.diagnostic"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSourceSubmit = "source.submit"
	TypeInputLine    = "input.line"
)

// Error codes.
const (
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrSourceResubmitted  = "SOURCE_ALREADY_SUBMITTED"
	ErrSourceEmpty        = "EMPTY_SOURCE"
	ErrSourceTooLarge     = "SOURCE_TOO_LARGE"
	ErrInputTooLarge      = "INPUT_TOO_LARGE"
	ErrUnknownLanguage    = "UNKNOWN_LANGUAGE"
	ErrMaxSessions        = "MAX_SESSIONS"
	ErrServerError        = "SERVER_ERROR"
	ErrSessionUnavailable = "SESSION_UNAVAILABLE"
)

// Server → Client payloads.

type StatusPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

type OutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      string `json:"data"`
}

type DiagnosticPayload struct {
	SessionID string `json:"sessionId"`
	Hint      string `json:"hint,omitempty"`
	Raw       string `json:"raw"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type Submission struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type InputPayload struct {
	Data string `json:"data"`
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
