package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

var (
	// ErrBrokenPipe reports that the chunk side of the pipeline failed before
	// the child process finished. It always wraps the originating error.
	ErrBrokenPipe = errors.New("pipeline closed before the imaging engine finished")

	ErrEmptyCommand = errors.New("imaging engine command is empty")
)

// ChildProcessError reports a non-zero exit of the imaging engine, carrying
// its exit code and captured diagnostic output.
type ChildProcessError struct {
	Command  []string
	ExitCode int
	Stderr   string
}

func (e *ChildProcessError) Error() string {
	msg := fmt.Sprintf("command %v returned non-zero exit status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\ncommand's stderr:\n%s", e.Stderr)
	}
	return msg
}

// Bridge connects an external imaging engine process to the chunk pipeline
// through a pipe. It owns the child process handle; nothing else touches the
// child directly.
type Bridge struct {
	// Diag, when set, receives a copy of the child's stderr stream.
	Diag io.Writer
}

// Produce runs the command with its stdout connected to the pipeline and
// copies the produced bytes into sink. If the sink fails mid-stream the child
// is killed and the sink's error takes priority over the resulting exit
// status.
func (b *Bridge) Produce(ctx context.Context, command []string, sink io.Writer) (int64, error) {
	if len(command) == 0 {
		return 0, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("connect stdout pipe: %w", err)
	}

	collect := b.captureStderr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", command[0], err)
	}

	n, copyErr, sinkSide := copyStream(sink, stdout)
	if copyErr != nil && sinkSide {
		kill(cmd)
		collect()
		return n, fmt.Errorf("%w: %w", ErrBrokenPipe, copyErr)
	}

	// Drain stderr before Wait closes its pipe.
	diag := collect()
	waitErr := cmd.Wait()
	if exitErr := asExitError(waitErr); exitErr != nil {
		return n, &ChildProcessError{Command: command, ExitCode: exitErr.ExitCode(), Stderr: diag}
	}
	if waitErr != nil {
		return n, fmt.Errorf("wait for %s: %w", command[0], waitErr)
	}
	if copyErr != nil {
		return n, fmt.Errorf("read from %s: %w", command[0], copyErr)
	}

	return n, nil
}

// Consume runs the command with its stdin fed from the pipeline. Read
// failures on the source kill the child and take priority; a write failure
// caused by an early child exit is reported as the child's error instead.
func (b *Bridge) Consume(ctx context.Context, command []string, source io.Reader) (int64, error) {
	if len(command) == 0 {
		return 0, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("connect stdin pipe: %w", err)
	}

	collect := b.captureStderr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", command[0], err)
	}

	n, copyErr, sinkSide := copyStream(stdin, source)
	if copyErr != nil && !sinkSide {
		stdin.Close()
		kill(cmd)
		collect()
		return n, fmt.Errorf("%w: %w", ErrBrokenPipe, copyErr)
	}
	closeErr := stdin.Close()

	diag := collect()
	waitErr := cmd.Wait()
	if exitErr := asExitError(waitErr); exitErr != nil {
		return n, &ChildProcessError{Command: command, ExitCode: exitErr.ExitCode(), Stderr: diag}
	}
	if waitErr != nil {
		return n, fmt.Errorf("wait for %s: %w", command[0], waitErr)
	}
	if copyErr != nil {
		return n, fmt.Errorf("write to %s: %w", command[0], copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close stdin of %s: %w", command[0], closeErr)
	}

	return n, nil
}

// flusher is implemented by diagnostic writers that buffer partial lines,
// such as the progress log's engine writer.
type flusher interface {
	Flush()
}

// captureStderr wires the child's stderr into an in-memory buffer, tee'd into
// the diagnostic writer when one is set. The returned collect func waits for
// the drain goroutine, flushes the diagnostic writer and returns the captured
// output.
func (b *Bridge) captureStderr(cmd *exec.Cmd) func() string {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return func() string { return "" }
	}

	var buf bytes.Buffer
	var wg sync.WaitGroup

	dst := io.Writer(&buf)
	if b.Diag != nil {
		dst = io.MultiWriter(&buf, b.Diag)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(dst, stderr)
	}()

	return func() string {
		wg.Wait()
		if f, ok := b.Diag.(flusher); ok {
			f.Flush()
		}
		return strings.TrimSpace(buf.String())
	}
}

// copyStream copies src into dst, reporting whether a failure originated on
// the dst (sink) side or the src side.
func copyStream(dst io.Writer, src io.Reader) (int64, error, bool) {
	buf := make([]byte, 1<<20)
	var written int64

	for {
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr, true
			}
			if nw < nr {
				return written, io.ErrShortWrite, true
			}
		}
		if readErr == io.EOF {
			return written, nil, false
		}
		if readErr != nil {
			return written, readErr, false
		}
	}
}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	cmd.Wait()
}

func asExitError(err error) *exec.ExitError {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return nil
}
