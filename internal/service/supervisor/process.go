package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oshokin/lab-monitor/internal/logger"
)

// Command is the executable and arguments to run.
type Command struct {
	// Path is the binary name or path.
	Path string
	// Args are the arguments, without the binary.
	Args []string
}

// Exit describes how a process ended.
type Exit struct {
	// Code is the exit code, -1 when the process was killed by a signal or never ran.
	Code int
	// Signal names the signal that killed the process, if any.
	Signal string
	// Err is set when the process could not be started or waited for.
	Err error
	// At is when the exit was observed.
	At time.Time
}

// ffmpegTerminatedCode is what ffmpeg exits with after handling SIGTERM or SIGINT.
const ffmpegTerminatedCode = 255

// Intentional reports whether the exit ends supervision instead of triggering a restart:
// a clean exit, ffmpeg's own exit after a termination signal, or death by SIGTERM.
func (e Exit) Intentional() bool {
	if e.Err != nil {
		return false
	}

	return e.Code == 0 || e.Code == ffmpegTerminatedCode || e.Signal == terminationSignalName
}

// String renders the exit for logs.
func (e Exit) String() string {
	switch {
	case e.Err != nil:
		return "error: " + e.Err.Error()
	case e.Signal != "":
		return "signal " + e.Signal
	default:
		return fmt.Sprintf("code %d", e.Code)
	}
}

// Process is a running subprocess.
type Process interface {
	// PID returns the OS process ID.
	PID() int
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Wait blocks until the process exits.
	Wait() Exit
}

// Launcher starts processes.
type Launcher interface {
	Launch(cmd Command, stdout, stderr io.Writer) (Process, error)
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct{}

// Launch starts cmd with its output streams connected to stdout and stderr.
//
//nolint:ireturn // Launcher implementations hide the process type on purpose.
func (ExecLauncher) Launch(cmd Command, stdout, stderr io.Writer) (Process, error) {
	// Not CommandContext: cancellation would SIGKILL, the supervisor terminates with SIGTERM itself.
	c := exec.Command(cmd.Path, cmd.Args...) //nolint:gosec,noctx // The command comes from operator config.
	c.Stdout = stdout
	c.Stderr = stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	return &execProcess{cmd: c}, nil
}

// execProcess adapts *exec.Cmd to Process.
type execProcess struct {
	// cmd is the started command.
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() Exit {
	return exitFromWait(p.cmd.Wait())
}

// maxLineLength flushes a partial line that grows past this many bytes.
const maxLineLength = 64 << 10

// lineLogger turns a subprocess output stream into log lines.
// ffmpeg ends progress lines with '\r', so both '\r' and '\n' terminate a line.
type lineLogger struct {
	// ctx carries the logger for this stream.
	ctx context.Context //nolint:containedctx // Output arrives through io.Writer, which has no context.
	// mu protects buf.
	mu sync.Mutex
	// buf holds an incomplete line.
	buf []byte
}

var _ io.Writer = (*lineLogger)(nil)

func newLineLogger(ctx context.Context, stream string) *lineLogger {
	return &lineLogger{
		ctx: logger.WithKV(ctx, "stream", stream),
	}
}

// Write logs every complete line in p and keeps the remainder.
func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)

	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx < 0 {
			break
		}

		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}

	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}

	return len(p), nil
}

// Flush logs any incomplete trailing line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emit(w.buf)
	w.buf = nil
}

func (w *lineLogger) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	logger.Info(w.ctx, string(line))
}
