package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// compileWaitDelay bounds how long Compile waits for pipes after cancellation.
	compileWaitDelay = 2 * time.Second

	// defaultKillWait bounds how long Terminate waits for the reaper.
	defaultKillWait = 2 * time.Second
)

// CompileResult is the outcome of one toolchain invocation.
type CompileResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Failed reports whether the toolchain rejected the source.
func (r *CompileResult) Failed() bool {
	return r.ExitCode != 0
}

// Diagnostic returns the raw toolchain output meant for the user.
func (r *CompileResult) Diagnostic() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Supervisor compiles sources and owns the programs it launches.
type Supervisor struct {
	logger   *zerolog.Logger
	env      []string
	killWait time.Duration

	mu      sync.Mutex
	running map[string]*Running // binary path → live program
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithEnv sets the environment of compiled programs. The toolchain always
// inherits the server environment.
func WithEnv(env []string) Option {
	return func(s *Supervisor) {
		s.env = env
	}
}

// WithKillWait sets how long Terminate waits for a killed program to be reaped.
func WithKillWait(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killWait = d
	}
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	nop := zerolog.Nop()
	s := &Supervisor{
		logger:   &nop,
		killWait: defaultKillWait,
		running:  make(map[string]*Running),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile runs the toolchain synchronously. A non-zero exit is reported through
// the result, not as an error; errors mean the toolchain could not be run at all
// or ctx ended first.
func (s *Supervisor) Compile(ctx context.Context, tc Toolchain, src, bin string) (*CompileResult, error) {
	argv := tc.Command(src, bin)
	if len(argv) == 0 || argv[0] == "" {
		return nil, &ToolchainError{Toolchain: tc.ID, Err: ErrEmptyCommand}
	}
	if err := s.clearStale(bin); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(src)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	cmd.WaitDelay = compileWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug().Str("toolchain", tc.ID).Strs("args", argv).Msg("compile")

	start := time.Now()
	err := cmd.Run()
	result := &CompileResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("compile interrupted: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode == -1 {
				// Killed by a signal; still a rejected build from the user's view.
				result.ExitCode = 1
			}
			return result, nil
		}
		return nil, &ToolchainError{Toolchain: tc.ID, Err: err}
	}
	return result, nil
}

// Launch starts bin with all three standard streams attached to pipes.
func (s *Supervisor) Launch(bin string, args ...string) (*Running, error) {
	info, err := os.Stat(bin)
	if err != nil {
		return nil, &LaunchError{Path: bin, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, &LaunchError{Path: bin, Err: ErrNotExecutable}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.running[bin]; ok && !r.Exited() {
		return nil, &BusyArtifactError{Path: bin}
	}

	p, err := openPipes()
	if err != nil {
		return nil, &LaunchError{Path: bin, Err: err}
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = filepath.Dir(bin)
	cmd.Env = s.env
	cmd.Stdin = p.stdinR
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		p.closeAll()
		return nil, &LaunchError{Path: bin, Err: err}
	}
	// The child holds its own copies now.
	p.closeChildEnds()

	r := &Running{
		Path:     bin,
		Args:     cmd.Args,
		Dir:      cmd.Dir,
		PID:      cmd.Process.Pid,
		cmd:      cmd,
		pipes:    p,
		done:     make(chan struct{}),
		killWait: s.killWait,
	}
	s.running[bin] = r

	s.logger.Debug().Str("path", bin).Int("pid", r.PID).Msg("launched")

	go s.reap(r)
	return r, nil
}

// Busy reports whether a live program was launched from bin.
func (s *Supervisor) Busy(bin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[bin]
	return ok && !r.Exited()
}

func (s *Supervisor) reap(r *Running) {
	err := r.cmd.Wait()
	status := exitStatus(r.cmd.ProcessState)
	if status.Code == 0 && status.Signal == "" && err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			status.Err = err
		}
	}

	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	close(r.done)

	s.mu.Lock()
	if s.running[r.Path] == r {
		delete(s.running, r.Path)
	}
	s.mu.Unlock()

	s.logger.Debug().Str("path", r.Path).Int("pid", r.PID).Str("status", status.String()).Msg("exited")
}

// clearStale refuses a binary path that is still executing and removes any
// leftover file so a failed build cannot leave an old program behind.
func (s *Supervisor) clearStale(bin string) error {
	if s.Busy(bin) {
		return &BusyArtifactError{Path: bin}
	}
	if err := os.Remove(bin); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &BusyArtifactError{Path: bin, Err: err}
	}
	return nil
}
