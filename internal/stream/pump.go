// Package stream moves bytes between a running program and a remote client.
//
// Pump runs three loops per program: one draining standard output, one draining
// standard error, and one forwarding client input lines to standard input. The
// output loops forward whatever a single read returns, so prompts without a
// trailing newline reach the client immediately. Chunks keep their order within
// one origin; nothing orders stdout against stderr. A UTF-8 sequence split
// across two reads is held back until it is complete, so every chunk is valid
// text when the program writes valid text.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize is the read buffer for each output stream.
	DefaultChunkSize = 4096

	// DefaultPollInterval is how long the input loop waits for a client line
	// before checking whether the program is done.
	DefaultPollInterval = 100 * time.Millisecond

	// tailWait is how long a stream that outlived the program may stay quiet
	// before it is considered finished.
	tailWait = 20 * time.Millisecond

	// DefaultExitGrace is how long output may keep flowing after the program
	// exits. A background child that inherited the pipes can hold them open
	// indefinitely.
	DefaultExitGrace = 200 * time.Millisecond
)

// Origin tags a chunk with the stream it came from.
type Origin string

const (
	Stdout Origin = "stdout"
	Stderr Origin = "stderr"
)

// Chunk is one read's worth of program output.
type Chunk struct {
	Origin Origin
	Data   []byte
}

// Sink receives output chunks. Send is called from two goroutines at once.
type Sink interface {
	Send(Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Chunk) error

// Send calls f.
func (f SinkFunc) Send(c Chunk) error { return f(c) }

// Process is the view of a running program that Pump needs. Pipes that
// support read/write deadlines (such as *os.File pipes) are interrupted as
// soon as ctx ends.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
}

type options struct {
	chunkSize    int
	pollInterval time.Duration
	exitGrace    time.Duration
	onInputError func(error)
}

// Option customizes Pump.
type Option func(*options)

// WithChunkSize sets the per-read buffer size.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithPollInterval sets the input poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithExitGrace sets how long Pump keeps draining once the program has exited.
func WithExitGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.exitGrace = d
		}
	}
}

// WithInputErrorHandler is called when a line cannot be written to the program,
// typically because it closed its standard input. Further input is discarded.
func WithInputErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onInputError = fn
	}
}

// Pump drains proc's output into sink and feeds lines from input to its
// standard input. It returns nil once the program has exited and both output
// streams reached EOF, ctx.Err() when ctx ends first, or the first sink or
// read failure. When the pipes support read deadlines, streams still open
// after the exit grace period are cut off and Pump returns nil.
func Pump(ctx context.Context, proc Process, sink Sink, input <-chan string, opts ...Option) error {
	o := options{
		chunkSize:    DefaultChunkSize,
		pollInterval: DefaultPollInterval,
		exitGrace:    DefaultExitGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := interruptOnCancel(gctx, proc.Stdout(), proc.Stderr(), proc.Stdin())
	defer stop()

	released := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		releaseAfterExit(gctx, proc, o.exitGrace, released)
	}()
	defer func() { <-watched }()

	var drains sync.WaitGroup
	drained := make(chan struct{})
	drains.Add(2)
	g.Go(func() error {
		defer drains.Done()
		return drain(gctx, proc.Stdout(), Stdout, sink, o.chunkSize, released)
	})
	g.Go(func() error {
		defer drains.Done()
		return drain(gctx, proc.Stderr(), Stderr, sink, o.chunkSize, released)
	})
	go func() {
		drains.Wait()
		close(drained)
	}()
	g.Go(func() error {
		return forward(gctx, proc.Stdin(), input, drained, o)
	})

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drain(ctx context.Context, r io.Reader, origin Origin, sink Sink, size int, released <-chan struct{}) error {
	buf := make([]byte, size)
	var pending []byte
	send := func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		if err := sink.Send(Chunk{Origin: origin, Data: data}); err != nil {
			return fmt.Errorf("send %s chunk: %w", origin, err)
		}
		return nil
	}
	// flush sends whatever is held back; the stream is over.
	flush := func() error {
		data := pending
		pending = nil
		return send(data)
	}

	// Once released, the reader's deadline has passed; buffered output is
	// still collected in short windows until one comes back empty.
	tailing := false
	rearm := func() {
		if d, ok := r.(readDeadliner); ok {
			d.SetReadDeadline(time.Now().Add(tailWait))
		}
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(pending)+n)
			data = append(data, pending...)
			data = append(data, buf[:n]...)
			cut := completeRunes(data)
			pending = append([]byte(nil), data[cut:]...)
			if sendErr := send(data[:cut]); sendErr != nil {
				return sendErr
			}
			if tailing {
				rearm()
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return flush()
			case ctx.Err() != nil:
				return ctx.Err()
			case isClosed(released) && errors.Is(err, os.ErrDeadlineExceeded):
				if tailing && n == 0 {
					return flush()
				}
				tailing = true
				rearm()
			case errors.Is(err, os.ErrClosed):
				// Closed by the owner during teardown.
				return flush()
			default:
				return fmt.Errorf("read %s: %w", origin, err)
			}
		}
	}
}

// completeRunes returns the length of the longest prefix of data that does
// not end inside a UTF-8 sequence. Bytes that can never start a valid
// sequence are not held back.
func completeRunes(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return len(data)
		}
		return i
	}
	return len(data)
}

// releaseAfterExit cuts off reads once the program has exited and the grace
// period has passed. released is closed before the deadlines move.
func releaseAfterExit(ctx context.Context, proc Process, grace time.Duration, released chan<- struct{}) {
	select {
	case <-proc.Done():
	case <-ctx.Done():
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	close(released)
	now := time.Now()
	for _, r := range []io.Reader{proc.Stdout(), proc.Stderr()} {
		if d, ok := r.(readDeadliner); ok {
			d.SetReadDeadline(now)
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// forward polls input with a short timeout instead of blocking on it, so a
// client that never types cannot keep Pump alive after the program is done.
func forward(ctx context.Context, w io.Writer, input <-chan string, drained <-chan struct{}, o options) error {
	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drained:
			return nil
		default:
		}

		timer.Reset(o.pollInterval)
		select {
		case line, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if o.onInputError != nil {
					o.onInputError(err)
				}
				input = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// interruptOnCancel expires pipe deadlines when ctx ends so blocked reads and
// writes return at once. The returned func detaches the hook.
func interruptOnCancel(ctx context.Context, stdout, stderr io.Reader, stdin io.Writer) func() bool {
	return context.AfterFunc(ctx, func() {
		now := time.Now()
		for _, r := range []io.Reader{stdout, stderr} {
			if d, ok := r.(readDeadliner); ok {
				d.SetReadDeadline(now)
			}
		}
		if d, ok := stdin.(writeDeadliner); ok {
			d.SetWriteDeadline(now)
		}
	})
}
