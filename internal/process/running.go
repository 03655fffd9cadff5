package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExitStatus describes how a program ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Success reports a zero exit without a signal.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("wait failed: %v", s.Err)
	case s.Signal != "":
		return "terminated by signal: " + s.Signal
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Running is one launched program. It is owned by the session that launched it.
type Running struct {
	Path string
	Args []string
	Dir  string
	PID  int

	cmd      *exec.Cmd
	pipes    *pipes
	done     chan struct{}
	killWait time.Duration

	mu     sync.Mutex
	status ExitStatus
}

// Stdin is the write end of the program's standard input.
func (r *Running) Stdin() io.Writer { return r.pipes.stdinW }

// Stdout is the read end of the program's standard output.
func (r *Running) Stdout() io.Reader { return r.pipes.stdoutR }

// Stderr is the read end of the program's standard error.
func (r *Running) Stderr() io.Reader { return r.pipes.stderrR }

// Done is closed once the program has exited and been reaped.
func (r *Running) Done() <-chan struct{} { return r.done }

// Exited reports whether the program has been reaped.
func (r *Running) Exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the program exits. A concurrent Terminate unblocks it.
func (r *Running) Wait() ExitStatus {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Terminate kills the program and everything in its process group, then releases
// the parent's pipe ends. After the program itself has exited, the group is
// still signalled while background children keep it alive; once the group is
// empty only the pipes are released.
func (r *Running) Terminate() error {
	var err error
	if !r.Exited() || groupAlive(r.cmd.Process) {
		// The group id stays reserved while any member lives, so it cannot
		// have been reused here. A reuse window remains only between the
		// last member's exit and this kill.
		err = killGroup(r.cmd.Process)
	}
	if err == nil {
		select {
		case <-r.done:
		case <-time.After(r.killWait):
			err = fmt.Errorf("pid %d not reaped within %s", r.PID, r.killWait)
		}
	}
	r.pipes.closeParentEnds()
	return err
}

// pipes holds both ends of the three standard streams.
type pipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	once sync.Once
}

func openPipes() (*pipes, error) {
	var p pipes
	var err error
	if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	return &p, nil
}

func (p *pipes) closeChildEnds() {
	closeFiles(p.stdinR, p.stdoutW, p.stderrW)
}

func (p *pipes) closeParentEnds() {
	p.once.Do(func() {
		closeFiles(p.stdinW, p.stdoutR, p.stderrR)
	})
}

func (p *pipes) closeAll() {
	p.closeChildEnds()
	p.closeParentEnds()
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
