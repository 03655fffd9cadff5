package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"sensei/internal/protocol"
)

// runner drives one file through a session.
type runner struct {
	url    string
	path   string
	lang   string
	stdin  <-chan string
	stdout io.Writer
	stderr io.Writer
}

// runURL turns an http(s) base URL into the structured run endpoint.
func runURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/run"
	u.RawQuery = url.Values{"format": {string(protocol.FormatJSON)}}.Encode()
	return u.String(), nil
}

// runOnce submits the file and relays the session until it ends. It returns
// the exit code to report: the program's own when it finished, 1 otherwise.
func (r *runner) runOnce(ctx context.Context) (int, error) {
	code, err := os.ReadFile(r.path)
	if err != nil {
		return 1, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return 1, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	sub, err := json.Marshal(protocol.Submission{Code: string(code), Language: r.lang})
	if err != nil {
		return 1, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return 1, fmt.Errorf("submit: %w", err)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	exit := 1
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return 1, ctx.Err()

		case line, ok := <-r.stdin:
			if !ok {
				r.stdin = nil
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line+"\n")); err != nil {
				return 1, fmt.Errorf("send input: %w", err)
			}

		case data, ok := <-frames:
			if !ok {
				err := <-readErr
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return exit, nil
				}
				return 1, fmt.Errorf("connection lost: %w", err)
			}
			if done, code := r.render(data); done {
				exit = code
			}
		}
	}
}

// render prints one structured frame. It reports whether the frame ended the
// session and, if so, the exit code to report.
func (r *runner) render(data []byte) (bool, int) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		fmt.Fprintln(r.stderr, string(data))
		return false, 0
	}

	switch msg.Type {
	case protocol.TypeSessionOutput:
		var p protocol.OutputPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			if p.Stream == "stderr" {
				io.WriteString(r.stderr, p.Data)
			} else {
				io.WriteString(r.stdout, p.Data)
			}
		}

	case protocol.TypeSessionDiagnostic:
		var p protocol.DiagnosticPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			if p.Hint != "" {
				fmt.Fprintf(r.stderr, "hint: %s\n\n", p.Hint)
			}
			io.WriteString(r.stderr, p.Raw)
		}

	case protocol.TypeSessionStatus:
		var p protocol.StatusPayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return false, 0
		}
		if p.Message != "" {
			fmt.Fprintf(r.stderr, "[%s]\n", p.Message)
		}
		switch p.State {
		case "finished":
			if p.ExitCode != nil {
				return true, *p.ExitCode
			}
			return true, 1
		case "compile_failed", "timed_out", "aborted":
			return true, 1
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Fprintf(r.stderr, "error %s: %s\n", p.Code, p.Message)
		}
	}
	return false, 0
}
