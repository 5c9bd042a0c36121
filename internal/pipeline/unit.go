package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"time"
)

// DefaultTailSize is how much trailing stderr a failed process reports
const DefaultTailSize = 500

// outputLimit bounds the stdout kept from a process unit
const outputLimit = 64 * 1024

// Unit is one isolated execution of a pipeline job
type Unit interface {
	Run(ctx context.Context) (output string, err error)
}

// FailureError reports a unit that started and then failed
type FailureError struct {
	Err  error
	Tail string
}

func (e *FailureError) Error() string {
	if e.Tail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Tail
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// PanicError reports a funcUnit that panicked
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

// DefaultGracePeriod is how long an interrupted process may take to
// checkpoint and exit before it is killed
const DefaultGracePeriod = 30 * time.Second

// ProcessUnit runs an external command
type ProcessUnit struct {
	Path string
	Args []string
	// Env is appended to the current environment
	Env []string
	Dir string
	// TailSize is the stderr tail kept on failure, DefaultTailSize when zero
	TailSize int
	// GracePeriod follows the interrupt sent on cancellation,
	// DefaultGracePeriod when zero
	GracePeriod time.Duration
}

// Run executes the command. A non-zero exit is a *FailureError carrying the
// stderr tail; a command that cannot start returns a plain error. When ctx
// ends the process gets an interrupt so it can save its progress, and is
// killed only if it outlives the grace period.
func (p *ProcessUnit) Run(ctx context.Context) (string, error) {
	tailSize := p.TailSize
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	grace := p.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace

	stdout := &tailBuffer{limit: outputLimit}
	stderr := &tailBuffer{limit: tailSize * 4}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := stdout.String()
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tail := lastRunes(stderr.String(), tailSize)
		if tail == "" {
			tail = "unknown error"
		}
		return out, &FailureError{
			Err:  fmt.Errorf("exit status %d", exitErr.ExitCode()),
			Tail: tail,
		}
	}
	if err != nil {
		return out, fmt.Errorf("failed to run %s: %w", p.Path, err)
	}
	return out, nil
}

// funcUnit runs a function in a supervised goroutine. A returned error is a
// *FailureError; a panic is a *PanicError.
type funcUnit func(ctx context.Context) (string, error)

func (f funcUnit) Run(ctx context.Context) (string, error) {
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		out, err := f(ctx)
		if err != nil && ctx.Err() == nil {
			err = &FailureError{Err: err}
		}
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// tailBuffer keeps at most limit trailing bytes
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[len(r)-n:]
	}
	return string(r)
}
