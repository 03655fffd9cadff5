package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Default bounds on client frames.
const (
	DefaultMaxSourceBytes = 64 << 10
	DefaultMaxLineBytes   = 4 << 10
)

var (
	ErrNoSource        = errors.New("no code provided")
	ErrOversizedSource = errors.New("source exceeds size limit")
	ErrOversizedLine   = errors.New("input line exceeds size limit")
)

// validClientTypes is the set of allowed client→server envelope types.
var validClientTypes = map[string]bool{
	TypeSourceSubmit: true,
	TypeInputLine:    true,
}

// Limits bounds what a client may send.
type Limits struct {
	MaxSourceBytes int
	MaxLineBytes   int
}

// DefaultLimits returns the default bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxSourceBytes: DefaultMaxSourceBytes,
		MaxLineBytes:   DefaultMaxLineBytes,
	}
}

// FrameKind distinguishes the two things a client can send.
type FrameKind int

const (
	FrameInput FrameKind = iota
	FrameSource
)

// Frame is a parsed client → server message.
type Frame struct {
	Kind       FrameKind
	Submission Submission // FrameSource
	Line       string     // FrameInput
}

// clientEnvelope accepts both the bare {"code": ...} submission and the
// {"type": ..., "payload": ...} envelope.
type clientEnvelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Code     *string         `json:"code"`
	Language string          `json:"language"`
}

// ParseClientFrame classifies one raw frame. JSON objects carrying "code" or a
// known "type" are structured messages; anything else is a line of program
// input with at most one trailing newline removed.
func ParseClientFrame(raw []byte, limits Limits) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env clientEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil {
			if frame, ok, err := parseEnvelope(env, limits); ok || err != nil {
				return frame, err
			}
		}
	}
	return inputFrame(string(raw), limits)
}

func parseEnvelope(env clientEnvelope, limits Limits) (Frame, bool, error) {
	if env.Type == "" {
		if env.Code == nil {
			return Frame{}, false, nil
		}
		sub := Submission{Code: *env.Code, Language: env.Language}
		return Frame{Kind: FrameSource, Submission: sub}, true, sub.Validate(limits)
	}

	if !validClientTypes[env.Type] {
		return Frame{}, true, fmt.Errorf("unknown message type: %s", env.Type)
	}
	if env.Payload == nil {
		return Frame{}, true, fmt.Errorf("missing 'payload' field")
	}

	switch env.Type {
	case TypeSourceSubmit:
		var sub Submission
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			return Frame{}, true, fmt.Errorf("invalid payload for %s: %w", env.Type, err)
		}
		return Frame{Kind: FrameSource, Submission: sub}, true, sub.Validate(limits)

	default: // TypeInputLine
		var in InputPayload
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			return Frame{}, true, fmt.Errorf("invalid payload for %s: %w", env.Type, err)
		}
		frame, err := inputFrame(in.Data, limits)
		return frame, true, err
	}
}

func inputFrame(line string, limits Limits) (Frame, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if limits.MaxLineBytes > 0 && len(line) > limits.MaxLineBytes {
		return Frame{}, ErrOversizedLine
	}
	return Frame{Kind: FrameInput, Line: line}, nil
}

// Validate checks a submission against limits.
func (s Submission) Validate(limits Limits) error {
	if strings.TrimSpace(s.Code) == "" {
		return ErrNoSource
	}
	if limits.MaxSourceBytes > 0 && len(s.Code) > limits.MaxSourceBytes {
		return ErrOversizedSource
	}
	return nil
}

// ErrorCode maps a frame error to the code reported to the client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoSource):
		return ErrSourceEmpty
	case errors.Is(err, ErrOversizedSource):
		return ErrSourceTooLarge
	case errors.Is(err, ErrOversizedLine):
		return ErrInputTooLarge
	default:
		return ErrInvalidMessage
	}
}
