package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies server → client events.
type Kind string

const (
	KindStatus     Kind = "status"
	KindOutput     Kind = "output"
	KindDiagnostic Kind = "diagnostic"
	KindError      Kind = "error"
)

// Status texts understood by the plain-text client.
const (
	TextCompiling      = "Compiling...\n"
	TextRunning        = "Running...\n"
	TextFinished       = "\n[Program Finished]"
	TextCompileFailed  = "Compilation Error:\n"
	TextTimedOut       = "\n[Time Limit Exceeded] Program took too long to run (infinite loop?)."
	StderrPrefix       = "Error: "
	serverErrorPrefix  = "Server Error: "
	hintHeader         = "Sensei: I found a small mistake!\n\nTip: "
	diagnosticsHeading = "Technical Error Details:\n"
)

// Event is one server → client notification, independent of wire format.
type Event struct {
	Kind      Kind
	SessionID string
	State     string // status events
	Text      string // status message, output data, raw diagnostic, or error message
	Stream    string // output events: "stdout" | "stderr"
	Hint      string // diagnostic events
	Code      string // error events
	ExitCode  *int   // finished status
}

// Status builds a status event.
func Status(sessionID, state, text string) Event {
	return Event{Kind: KindStatus, SessionID: sessionID, State: state, Text: text}
}

// Output builds an output event for one chunk.
func Output(sessionID, stream string, data []byte) Event {
	return Event{Kind: KindOutput, SessionID: sessionID, Stream: stream, Text: string(data)}
}

// Diagnostic builds a compile diagnostic event.
func Diagnostic(sessionID, raw, hint string) Event {
	return Event{Kind: KindDiagnostic, SessionID: sessionID, Text: raw, Hint: hint}
}

// Error builds an error event.
func Error(code, message string) Event {
	return Event{Kind: KindError, Code: code, Text: message}
}

// Format selects how events are written to the wire.
type Format string

const (
	// FormatText writes bare text frames, as the browser console expects.
	FormatText Format = "text"
	// FormatJSON writes Message envelopes.
	FormatJSON Format = "json"
)

// ParseFormat accepts "", "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// Encode renders ev as one frame.
func Encode(f Format, ev Event) ([]byte, error) {
	if f == FormatJSON {
		return encodeJSON(ev)
	}
	return []byte(encodeText(ev)), nil
}

func encodeText(ev Event) string {
	switch ev.Kind {
	case KindOutput:
		if ev.Stream == "stderr" {
			return StderrPrefix + ev.Text
		}
		return ev.Text
	case KindDiagnostic:
		if ev.Hint == "" {
			return ev.Text
		}
		return hintHeader + ev.Hint + "\n\n" + diagnosticsHeading + ev.Text
	case KindError:
		if ev.Code == ErrServerError {
			return serverErrorPrefix + ev.Text
		}
		return StderrPrefix + ev.Text
	default:
		return ev.Text
	}
}

func encodeJSON(ev Event) ([]byte, error) {
	var msg *Message
	var err error
	switch ev.Kind {
	case KindStatus:
		msg, err = NewMessage(TypeSessionStatus, StatusPayload{
			SessionID: ev.SessionID,
			State:     ev.State,
			Message:   strings.TrimSpace(ev.Text),
			ExitCode:  ev.ExitCode,
		})
	case KindOutput:
		msg, err = NewMessage(TypeSessionOutput, OutputPayload{
			SessionID: ev.SessionID,
			Stream:    ev.Stream,
			Data:      ev.Text,
		})
	case KindDiagnostic:
		msg, err = NewMessage(TypeSessionDiagnostic, DiagnosticPayload{
			SessionID: ev.SessionID,
			Hint:      ev.Hint,
			Raw:       ev.Text,
		})
	case KindError:
		msg, err = NewErrorMessage(ev.Code, ev.Text)
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
