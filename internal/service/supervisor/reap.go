package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"github.com/oshokin/lab-monitor/internal/logger"
)

// ProcessLister enumerates OS processes.
type ProcessLister func() ([]ps.Process, error)

// orphanParentPID is the PID that adopts processes whose parent died.
const orphanParentPID = 1

// ReapOrphans terminates leftover transcoders from a previous monitor that died
// without stopping its child. Only processes named like path and adopted by init are touched.
// It returns the number of processes signalled.
func ReapOrphans(ctx context.Context, path string) (int, error) {
	return reapOrphans(ctx, path, ps.Processes, signalPID)
}

func reapOrphans(
	ctx context.Context,
	path string,
	list ProcessLister,
	signal func(pid int, sig os.Signal) error,
) (int, error) {
	processes, err := list()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	name := executableName(path)
	reaped := 0

	for _, p := range processes {
		if p.PPid() != orphanParentPID || executableName(p.Executable()) != name {
			continue
		}

		logger.WarnKV(ctx, "Terminating orphaned transcoder", "pid", p.Pid(), "executable", p.Executable())

		if err = signal(p.Pid(), terminationSignal); err != nil {
			logger.WarnKV(ctx, "Failed to terminate orphaned transcoder", "pid", p.Pid(), "error", err)

			continue
		}

		reaped++
	}

	return reaped, nil
}

// executableName normalizes a binary path for comparison: base name without ".exe".
func executableName(path string) string {
	return strings.TrimSuffix(strings.ToLower(filepath.Base(path)), ".exe")
}

func signalPID(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	return p.Signal(sig)
}
