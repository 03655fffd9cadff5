package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeText(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"status", Status("s1", "compiling", TextCompiling), "Compiling...\n"},
		{"stdout", Output("s1", "stdout", []byte("hi\n")), "hi\n"},
		{"stderr", Output("s1", "stderr", []byte("oops")), "Error: oops"},
		{"raw diagnostic", Diagnostic("s1", "a.cpp:1: error", ""), "a.cpp:1: error"},
		{
			"hinted diagnostic",
			Diagnostic("s1", "raw", "Add a semicolon."),
			"Sensei: I found a small mistake!\n\nTip: Add a semicolon.\n\nTechnical Error Details:\nraw",
		},
		{"server error", Error(ErrServerError, "disk full"), "Server Error: disk full"},
		{"client error", Error(ErrSourceResubmitted, "already running"), "Error: already running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(FormatText, tt.ev)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEncodeJSON_Status(t *testing.T) {
	code := 3
	ev := Status("s1", "finished", TextFinished)
	ev.ExitCode = &code

	data, err := Encode(FormatJSON, ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeSessionStatus {
		t.Errorf("expected type %s, got %s", TypeSessionStatus, msg.Type)
	}

	var p StatusPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.State != "finished" || p.Message != "[Program Finished]" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.ExitCode == nil || *p.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", p.ExitCode)
	}
}

func TestEncodeJSON_Kinds(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Output("s1", "stderr", []byte("x")), TypeSessionOutput},
		{Diagnostic("s1", "raw", "hint"), TypeSessionDiagnostic},
		{Error(ErrInvalidMessage, "bad"), TypeError},
	}
	for _, tt := range tests {
		data, err := Encode(FormatJSON, tt.ev)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != tt.want {
			t.Errorf("expected type %s, got %s", tt.want, msg.Type)
		}
	}

	if _, err := Encode(FormatJSON, Event{Kind: "bogus"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "text": FormatText, "JSON": FormatJSON} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
