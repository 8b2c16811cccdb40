//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

var (
	// terminationSignal is the closest graceful request available off unix.
	//nolint:gochecknoglobals // Platform constant.
	terminationSignal = os.Kill
	// killSignal forces a process to exit.
	//nolint:gochecknoglobals // Platform constant.
	killSignal = os.Kill
	// terminationSignalName never matches: signals are not reported off unix.
	//nolint:gochecknoglobals // Platform constant.
	terminationSignalName = "SIGTERM"
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

	return Exit{Code: exitErr.ExitCode()}
}
