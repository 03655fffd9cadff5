package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipeProc is a stand-in program whose "child" side is driven by the test.
type pipeProc struct {
	stdinR, stdinW *os.File
	outR, outW     *os.File
	errR, errW     *os.File
	done           chan struct{}
	once           sync.Once
}

func newPipeProc(t *testing.T) *pipeProc {
	t.Helper()
	p := &pipeProc{done: make(chan struct{})}
	var err error
	p.stdinR, p.stdinW, err = os.Pipe()
	require.NoError(t, err)
	p.outR, p.outW, err = os.Pipe()
	require.NoError(t, err)
	p.errR, p.errW, err = os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, f := range []*os.File{p.stdinR, p.stdinW, p.outR, p.outW, p.errR, p.errW} {
			f.Close()
		}
	})
	return p
}

func (p *pipeProc) Stdin() io.Writer      { return p.stdinW }
func (p *pipeProc) Stdout() io.Reader     { return p.outR }
func (p *pipeProc) Stderr() io.Reader     { return p.errR }
func (p *pipeProc) Done() <-chan struct{} { return p.done }

// exit closes the child's output ends and marks the program done.
func (p *pipeProc) exit() {
	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []Chunk
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 1024)}
}

func (s *recordingSink) Send(c Chunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) text(origin Origin) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b bytes.Buffer
	for _, c := range s.chunks {
		if c.Origin == origin {
			b.Write(c.Data)
		}
	}
	return b.String()
}

func TestPump_PreservesPerOriginOrder(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()

	var wantOut, wantErr strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&wantOut, "out-%04d\n", i)
		fmt.Fprintf(&wantErr, "err-%04d\n", i)
	}

	go func() {
		defer p.exit()
		outLines := strings.SplitAfter(wantOut.String(), "\n")
		errLines := strings.SplitAfter(wantErr.String(), "\n")
		for i := range outLines {
			io.WriteString(p.outW, outLines[i])
			io.WriteString(p.errW, errLines[i])
		}
	}()

	err := Pump(context.Background(), p, sink, nil, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, wantOut.String(), sink.text(Stdout))
	assert.Equal(t, wantErr.String(), sink.text(Stderr))
}

func TestPump_PromptWithoutNewline(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()
	input := make(chan string, 1)

	go func() {
		defer p.exit()
		io.WriteString(p.outW, "Enter name: ")
		line, err := bufio.NewReader(p.stdinR).ReadString('\n')
		if err != nil {
			return
		}
		fmt.Fprintf(p.outW, "Hello, %s", line)
	}()

	done := make(chan error, 1)
	go func() {
		done <- Pump(context.Background(), p, sink, input)
	}()

	require.Eventually(t, func() bool {
		return sink.text(Stdout) == "Enter name: "
	}, 2*time.Second, 5*time.Millisecond, "prompt must arrive before any input is sent")

	input <- "Bob"

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return after program exit")
	}
	assert.Equal(t, "Enter name: Hello, Bob\n", sink.text(Stdout))
}

func TestPump_CancelReturnsPromptly(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()
	input := make(chan string)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Pump(ctx, p, sink, input)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pump ignored cancellation")
	}
}

func TestPump_CancelUnblocksStalledStdin(t *testing.T) {
	p := newPipeProc(t)
	input := make(chan string, 1)
	// Nobody reads stdin: a line larger than the pipe buffer blocks the write.
	input <- strings.Repeat("x", 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Pump(ctx, p, newRecordingSink(), input)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPump_SinkError(t *testing.T) {
	p := newPipeProc(t)
	errGone := errors.New("client gone")
	sink := SinkFunc(func(Chunk) error { return errGone })

	go io.WriteString(p.outW, "data")

	err := Pump(context.Background(), p, sink, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errGone)
	p.exit()
}

func TestPump_InputAfterStdinClosed(t *testing.T) {
	p := newPipeProc(t)
	p.stdinR.Close()

	input := make(chan string, 1)
	input <- "ignored"

	inputErr := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		io.WriteString(p.outW, "still talking\n")
		p.exit()
	}()

	sink := newRecordingSink()
	err := Pump(context.Background(), p, sink, input,
		WithPollInterval(10*time.Millisecond),
		WithInputErrorHandler(func(err error) { inputErr <- err }))
	require.NoError(t, err)

	select {
	case err := <-inputErr:
		assert.Error(t, err)
	default:
		t.Fatal("input error handler was not called")
	}
	assert.Equal(t, "still talking\n", sink.text(Stdout))
}

func TestPump_WaitsForExitAfterEOF(t *testing.T) {
	p := newPipeProc(t)
	p.outW.Close()
	p.errW.Close()

	done := make(chan error, 1)
	go func() {
		done <- Pump(context.Background(), p, newRecordingSink(), nil, WithPollInterval(5*time.Millisecond))
	}()

	select {
	case <-done:
		t.Fatal("Pump returned before the program exited")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.done)
	require.NoError(t, <-done)
}

func TestPump_SplitRuneStaysWhole(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()
	want := "x" + strings.Repeat("é", 300) + "日本語"

	go func() {
		io.WriteString(p.outW, want)
		p.exit()
	}()

	require.NoError(t, Pump(context.Background(), p, sink, nil, WithChunkSize(4)))

	sink.mu.Lock()
	for _, c := range sink.chunks {
		assert.True(t, utf8.Valid(c.Data), "chunk %q is not valid UTF-8", c.Data)
	}
	sink.mu.Unlock()
	assert.Equal(t, want, sink.text(Stdout))
}

func TestPump_TrailingPartialRuneFlushedAtEOF(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()

	go func() {
		p.errW.Write([]byte("ab\xc3"))
		p.exit()
	}()

	require.NoError(t, Pump(context.Background(), p, sink, nil))
	assert.Equal(t, "ab\xc3", sink.text(Stderr))
}

func TestPump_ExitGraceCutsOffInheritedPipes(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()

	// The write ends stay open, as if a background child still held them.
	io.WriteString(p.outW, "hi\n")
	close(p.done)

	done := make(chan error, 1)
	go func() {
		done <- Pump(context.Background(), p, sink, nil,
			WithPollInterval(5*time.Millisecond), WithExitGrace(20*time.Millisecond))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after the program exited")
	}
	assert.Equal(t, "hi\n", sink.text(Stdout))
}

func TestCompleteRunes(t *testing.T) {
	tests := []struct {
		data string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"a\xc3", 1},
		{"a\xc3\xa9", 3},
		{"\xe6\x97", 0},
		{"\xe6\x97\xa5", 3},
		{"\xf0\x9f\x98", 0},
		{"a\xff", 2},
		{"a\x80", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, completeRunes([]byte(tt.data)), "%q", tt.data)
	}
}

func TestWithChunkSize(t *testing.T) {
	p := newPipeProc(t)
	sink := newRecordingSink()

	go func() {
		io.WriteString(p.outW, "abcdefgh")
		p.exit()
	}()

	require.NoError(t, Pump(context.Background(), p, sink, nil, WithChunkSize(3)))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, c := range sink.chunks {
		assert.LessOrEqual(t, len(c.Data), 3)
	}
	assert.Equal(t, "abcdefgh", sink.textLocked(Stdout))
}

func (s *recordingSink) textLocked(origin Origin) string {
	var b bytes.Buffer
	for _, c := range s.chunks {
		if c.Origin == origin {
			b.Write(c.Data)
		}
	}
	return b.String()
}
