//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	// terminationSignal asks a process to exit gracefully.
	//nolint:gochecknoglobals // Platform constant.
	terminationSignal os.Signal = unix.SIGTERM
	// killSignal forces a process to exit.
	//nolint:gochecknoglobals // Platform constant.
	killSignal os.Signal = unix.SIGKILL
	// terminationSignalName is how a SIGTERM death is reported in Exit.Signal.
	//nolint:gochecknoglobals // Platform constant.
	terminationSignalName = unix.SignalName(unix.SIGTERM)
)

// exitFromWait converts the result of exec.Cmd.Wait into an Exit.
func exitFromWait(err error) Exit {
	if err == nil {
		return Exit{}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Exit{Code: -1, Err: err}
	}

	exit := Exit{Code: exitErr.ExitCode()}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		exit.Signal = unix.SignalName(status.Signal())
	}

	return exit
}
