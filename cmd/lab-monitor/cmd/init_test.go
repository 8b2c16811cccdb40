package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lab-monitor/internal/config"
)

// TestInitCommand writes loadable defaults and refuses to overwrite without --force.
//
//nolint:paralleltest // Uses the package-level config path flag.
func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	previous := configPath
	configPath = path

	t.Cleanup(func() { configPath = previous })

	var out bytes.Buffer

	command := newInitCommand()
	command.SetOut(&out)
	command.SetArgs([]string{"--source", "rtsp://cam.local/stream1"})

	require.NoError(t, command.Execute())
	require.Contains(t, out.String(), path)

	settings, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "rtsp://cam.local/stream1", settings.Stream.SourceURL)
	require.Equal(t, config.DefaultOutputDir, settings.Stream.OutputDir)
	require.Equal(t, config.DefaultDetectionURL, settings.Detection.BaseURL)
	require.Equal(t, config.DefaultRestartDelay, settings.Supervisor.RestartDelay)
	require.Equal(t, 10*time.Second, settings.Health.Period)

	command = newInitCommand()
	command.SetOut(&out)
	command.SetArgs([]string{"--source", "rtsp://other.local/live"})
	require.ErrorIs(t, command.Execute(), errConfigExists)

	command = newInitCommand()
	command.SetOut(&out)
	command.SetArgs([]string{"--source", "rtsp://other.local/live", "--force"})
	require.NoError(t, command.Execute())

	settings, err = config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "rtsp://other.local/live", settings.Stream.SourceURL)
}

// TestInitCommand_RequiresSource fails without a camera source.
//
//nolint:paralleltest // Uses the package-level config path flag.
func TestInitCommand_RequiresSource(t *testing.T) {
	previous := configPath
	configPath = filepath.Join(t.TempDir(), "settings.yaml")

	t.Cleanup(func() { configPath = previous })

	command := newInitCommand()
	command.SetOut(&bytes.Buffer{})
	command.SetErr(&bytes.Buffer{})
	command.SetArgs(nil)

	require.Error(t, command.Execute())

	_, err := os.Stat(configPath)
	require.True(t, os.IsNotExist(err))
}
