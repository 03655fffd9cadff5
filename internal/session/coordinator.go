package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sensei/internal/artifact"
	"sensei/internal/hints"
	"sensei/internal/metrics"
	"sensei/internal/process"
	"sensei/internal/protocol"
	"sensei/internal/stream"
)

const (
	DefaultRunTimeout     = 10 * time.Second
	DefaultCompileTimeout = 30 * time.Second

	defaultInputBuffer = 256
)

// Cancellation causes. Anything else cancelling a session is treated like a
// disconnect.
var (
	ErrDisconnected = errors.New("client disconnected")
	ErrKilled       = errors.New("session killed")
	ErrShutdown     = errors.New("server shutting down")

	errRunTimeout = errors.New("run time limit exceeded")
)

// Conn is the duplex channel to one client.
type Conn interface {
	// Incoming yields raw client frames and is closed when the client goes away.
	Incoming() <-chan []byte
	// Send delivers one event. It must be safe for concurrent use.
	Send(protocol.Event) error
}

// Coordinator drives one session per connection from source submission to
// cleanup.
type Coordinator struct {
	store      *artifact.Store
	supervisor *process.Supervisor
	toolchains *process.Registry
	hints      hints.Table
	limits     protocol.Limits
	logger     *zerolog.Logger

	compileTimeout time.Duration
	runTimeout     time.Duration
	inputBuffer    int
	pumpOpts       []stream.Option
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHints replaces the diagnostic hint table.
func WithHints(t hints.Table) Option {
	return func(c *Coordinator) { c.hints = t }
}

// WithLimits bounds client frames.
func WithLimits(l protocol.Limits) Option {
	return func(c *Coordinator) { c.limits = l }
}

// WithRunTimeout bounds program execution. Compilation is not included.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.runTimeout = d
		}
	}
}

// WithCompileTimeout bounds the toolchain invocation.
func WithCompileTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compileTimeout = d
		}
	}
}

// WithInputBuffer sets how many client lines may queue while the program is not
// reading. Lines beyond that are dropped.
func WithInputBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.inputBuffer = n
		}
	}
}

// WithPumpOptions passes options through to stream.Pump.
func WithPumpOptions(opts ...stream.Option) Option {
	return func(c *Coordinator) { c.pumpOpts = append(c.pumpOpts, opts...) }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store *artifact.Store, supervisor *process.Supervisor, toolchains *process.Registry, opts ...Option) *Coordinator {
	nop := zerolog.Nop()
	c := &Coordinator{
		store:          store,
		supervisor:     supervisor,
		toolchains:     toolchains,
		hints:          hints.Default,
		limits:         protocol.DefaultLimits(),
		logger:         &nop,
		compileTimeout: DefaultCompileTimeout,
		runTimeout:     DefaultRunTimeout,
		inputBuffer:    defaultInputBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run serves one connection and returns the terminal state it ended in.
// Artifacts and the program are always cleaned up before Run returns.
func (c *Coordinator) Run(ctx context.Context, conn Conn) State {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	t := newTracked(uuid.NewString(), "")
	t.cancel = cancel
	return c.run(ctx, t, conn)
}

func (c *Coordinator) run(ctx context.Context, t *tracked, conn Conn) (final State) {
	id := t.snapshot().ID
	logger := c.logger.With().Str("session", id).Logger()
	language := process.DefaultLanguage

	metrics.ActiveSessions.Inc()
	start := time.Now()
	logger.Info().Msg("session started")

	var running *process.Running
	routed := make(chan struct{})
	close(routed)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("session panicked")
			c.send(&logger, conn, protocol.Error(protocol.ErrServerError, "internal error"))
		}
		if !t.state().IsTerminal() {
			c.advance(&logger, t, StateAborted)
		}

		if running != nil {
			if err := running.Terminate(); err != nil {
				logger.Warn().Err(err).Msg("terminate failed")
			}
		}
		c.store.Release(id)

		t.cancel(nil)
		<-routed

		final = t.state()
		metrics.ActiveSessions.Dec()
		metrics.SessionsTotal.WithLabelValues(language, string(final)).Inc()
		logger.Info().
			Str("state", string(final)).
			Dur("elapsed", time.Since(start)).
			Msg("session ended")
	}()

	sub, tc, err := c.awaitSource(ctx, &logger, conn)
	if err != nil {
		c.cancelled(ctx, &logger, conn, err)
		return
	}
	language = tc.ID
	t.update(func(s *Session) { s.Language = tc.ID })
	c.step(t, StateSourceReceived)

	input := make(chan string, c.inputBuffer)
	routed = make(chan struct{})
	go func() {
		defer close(routed)
		c.route(ctx, &logger, t, conn, input)
	}()

	paths, err := c.store.Allocate(id, tc.SourceExt)
	if err != nil {
		c.serverError(ctx, &logger, conn, "allocate artifacts", err)
		return
	}
	t.update(func(s *Session) { s.Paths = paths })
	if err := c.store.Write(paths.Source, sub.Code); err != nil {
		c.serverError(ctx, &logger, conn, "write source", err)
		return
	}

	c.step(t, StateCompiling)
	c.send(&logger, conn, protocol.Status(id, string(StateCompiling), protocol.TextCompiling))

	compileStart := time.Now()
	cctx, ccancel := context.WithTimeout(ctx, c.compileTimeout)
	res, err := c.supervisor.Compile(cctx, tc, paths.Source, paths.Binary)
	ccancel()
	metrics.PhaseDuration.WithLabelValues(tc.ID, "compile").Observe(float64(time.Since(compileStart).Milliseconds()))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("compilation took longer than %s", c.compileTimeout)
		}
		c.serverError(ctx, &logger, conn, "compile", err)
		return
	}

	if res.Failed() {
		c.step(t, StateCompileFailed)
		logger.Debug().Int("exit_code", res.ExitCode).Msg("compile failed")
		raw := res.Diagnostic()
		hint, _ := c.hints.Match(raw)
		c.send(&logger, conn, protocol.Status(id, string(StateCompileFailed), protocol.TextCompileFailed))
		c.send(&logger, conn, protocol.Diagnostic(id, raw, hint))
		return
	}
	c.step(t, StateCompileSucceeded)

	running, err = c.supervisor.Launch(paths.Binary)
	if err != nil {
		c.serverError(ctx, &logger, conn, "launch", err)
		return
	}

	deadline := time.Now().Add(c.runTimeout)
	t.update(func(s *Session) { s.Deadline = &deadline })
	c.step(t, StateRunning)
	c.send(&logger, conn, protocol.Status(id, string(StateRunning), protocol.TextRunning))

	runStart := time.Now()
	rctx, rcancel := context.WithDeadlineCause(ctx, deadline, errRunTimeout)
	defer rcancel()

	sink := stream.SinkFunc(func(chunk stream.Chunk) error {
		metrics.OutputBytes.WithLabelValues(string(chunk.Origin)).Add(float64(len(chunk.Data)))
		return conn.Send(protocol.Output(id, string(chunk.Origin), chunk.Data))
	})
	opts := append([]stream.Option{
		stream.WithInputErrorHandler(func(err error) {
			logger.Debug().Err(err).Msg("program stopped reading input")
		}),
	}, c.pumpOpts...)

	err = stream.Pump(rctx, running, sink, input, opts...)
	metrics.PhaseDuration.WithLabelValues(tc.ID, "run").Observe(float64(time.Since(runStart).Milliseconds()))

	switch {
	case err == nil:
		status := running.Wait()
		c.step(t, StateFinished)
		if !status.Success() {
			c.send(&logger, conn, protocol.Diagnostic(id, fmt.Sprintf("\n[Process %s]", status), ""))
		}
		done := protocol.Status(id, string(StateFinished), protocol.TextFinished)
		if status.Signal == "" {
			done.ExitCode = &status.Code
		}
		c.send(&logger, conn, done)

	case ctx.Err() == nil && errors.Is(context.Cause(rctx), errRunTimeout):
		if err := running.Terminate(); err != nil {
			logger.Warn().Err(err).Msg("terminate after timeout failed")
		}
		c.step(t, StateTimedOut)
		logger.Info().Dur("limit", c.runTimeout).Msg("run timed out")
		c.send(&logger, conn, protocol.Status(id, string(StateTimedOut), protocol.TextTimedOut))

	default:
		c.cancelled(ctx, &logger, conn, err)
	}
	return
}

// awaitSource blocks until the client submits acceptable source. Invalid
// submissions are answered with an error and the session keeps waiting.
func (c *Coordinator) awaitSource(ctx context.Context, logger *zerolog.Logger, conn Conn) (protocol.Submission, process.Toolchain, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Submission{}, process.Toolchain{}, context.Cause(ctx)
		case raw, ok := <-conn.Incoming():
			if !ok {
				return protocol.Submission{}, process.Toolchain{}, ErrDisconnected
			}
			frame, err := protocol.ParseClientFrame(raw, c.limits)
			if err != nil {
				c.send(logger, conn, protocol.Error(protocol.ErrorCode(err), err.Error()))
				continue
			}
			if frame.Kind != protocol.FrameSource {
				c.send(logger, conn, protocol.Error(protocol.ErrInvalidMessage, "expected a source submission"))
				continue
			}
			tc, err := c.toolchains.Get(frame.Submission.Language)
			if err != nil {
				c.send(logger, conn, protocol.Error(protocol.ErrUnknownLanguage,
					fmt.Sprintf("unknown language: %s", frame.Submission.Language)))
				continue
			}
			return frame.Submission, tc, nil
		}
	}
}

// route handles every client frame after the source was accepted: input
// lines go to the program, repeated submissions are refused. A closed
// connection cancels the session.
func (c *Coordinator) route(ctx context.Context, logger *zerolog.Logger, t *tracked, conn Conn, input chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-conn.Incoming():
			if !ok {
				t.cancel(ErrDisconnected)
				return
			}
			frame, err := protocol.ParseClientFrame(raw, c.limits)
			if err != nil {
				c.send(logger, conn, protocol.Error(protocol.ErrorCode(err), err.Error()))
				continue
			}
			if frame.Kind == protocol.FrameSource {
				c.send(logger, conn, protocol.Error(protocol.ErrSourceResubmitted,
					"code was already submitted for this session"))
				continue
			}
			select {
			case input <- frame.Line:
			default:
				metrics.InputLinesDropped.Inc()
				logger.Debug().Msg("input queue full, line dropped")
			}
		}
	}
}

// serverError reports a resource failure unless the session was cancelled
// underneath it, in which case the cancellation wins.
func (c *Coordinator) serverError(ctx context.Context, logger *zerolog.Logger, conn Conn, op string, err error) {
	if ctx.Err() != nil {
		c.cancelled(ctx, logger, conn, err)
		return
	}
	logger.Error().Err(err).Str("op", op).Msg("session failed")
	c.send(logger, conn, protocol.Error(protocol.ErrServerError, err.Error()))
}

// cancelled tells the client why the server ended its session. Disconnects
// and transport failures are silent.
func (c *Coordinator) cancelled(ctx context.Context, logger *zerolog.Logger, conn Conn, err error) {
	cause := context.Cause(ctx)
	logger.Debug().AnErr("cause", cause).AnErr("err", err).Msg("session cancelled")
	switch {
	case errors.Is(cause, ErrKilled):
		c.send(logger, conn, protocol.Error(protocol.ErrSessionUnavailable, "session was terminated"))
	case errors.Is(cause, ErrShutdown):
		c.send(logger, conn, protocol.Error(protocol.ErrSessionUnavailable, "server is shutting down"))
	}
}

// step moves t along the session flow. An illegal move is a bug in the flow
// itself; it panics and run's recovery aborts the session.
func (c *Coordinator) step(t *tracked, to State) {
	if err := t.transition(to); err != nil {
		panic(err)
	}
}

// advance is step for the cleanup path, where panicking is not an option. An
// illegal move leaves the state as it was and is logged.
func (c *Coordinator) advance(logger *zerolog.Logger, t *tracked, to State) {
	if err := t.transition(to); err != nil {
		logger.Error().Err(err).Msg("illegal session transition")
	}
}

func (c *Coordinator) send(logger *zerolog.Logger, conn Conn, ev protocol.Event) {
	if err := conn.Send(ev); err != nil {
		logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("send failed")
	}
}
