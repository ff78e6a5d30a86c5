package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Handle wraps one live assistant process. It owns the pipes; the stdout
// and stderr streams are each drained by exactly one reader goroutine.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	waitOnce sync.Once
	waitErr  error
	exitCode int
	done     chan struct{}
}

// Launch spawns the built command with piped stdio and an environment that
// convinces the binary it is attached to a capable terminal. Without the
// color and terminal variables it falls back to human-formatted output and
// the whole pipeline goes blind.
func Launch(command Command) (*Handle, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(),
		"FORCE_COLOR=1",
		"TERM=xterm-256color",
	)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	return &Handle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}, nil
}

// PID returns the OS process id
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stdout returns the process's stdout stream
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the process's stderr stream
func (h *Handle) Stderr() io.Reader { return h.stderr }

// WriteStdin writes data to the process's stdin. Serialized so concurrent
// prompt sends cannot interleave.
func (h *Handle) WriteStdin(data []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()

	if h.stdin == nil {
		return fmt.Errorf("stdin closed")
	}
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// CloseStdin closes the process's stdin
func (h *Handle) CloseStdin() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()

	if h.stdin == nil {
		return nil
	}
	err := h.stdin.Close()
	h.stdin = nil
	return err
}

// Kill terminates the process and everything it spawned. The binary forks
// tool subprocesses that inherit the stdout pipe; killing only the direct
// child would leave them holding it open and the reader would never see
// EOF.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := killTree(h.PID()); err != nil {
		if h.Exited() {
			return nil
		}
		return fmt.Errorf("kill pid %d: %w", h.PID(), err)
	}
	return nil
}

// Wait blocks until the process exits and returns its exit code. Safe to
// call from multiple goroutines; the underlying wait happens once.
func (h *Handle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.exitCode = h.cmd.ProcessState.ExitCode()
		close(h.done)
	})
	<-h.done
	return h.exitCode, h.waitErr
}

// Done is closed once the process has been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has been reaped
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code after the process has been reaped,
// -1 before that.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.exitCode
}
