package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/lab-monitor/internal/config"
)

var errConfigExists = errors.New("configuration file already exists, pass --force to overwrite it")

// newInitCommand builds the `init` subcommand writing a settings file with defaults.
func newInitCommand() *cobra.Command {
	var (
		settings config.Config
		force    bool
	)

	command := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default settings.",
		Long: `Writes the file named by --config with every default filled in, ready to edit.
The camera source is required; everything else can be changed later in the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(configPath); err == nil {
					return fmt.Errorf("%w: %s", errConfigExists, configPath)
				}
			}

			if err := config.Save(configPath, &settings); err != nil {
				return fmt.Errorf("save settings: %w", err)
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", configPath)

			return err
		},
	}

	flags := command.Flags()
	flags.StringVarP(&settings.Stream.SourceURL, "source", "s", "", "RTSP URL of the camera stream")
	flags.StringVar(&settings.Stream.OutputDir, "output-dir", config.DefaultOutputDir, "directory for HLS playlist and segments")
	flags.StringVar(&settings.Detection.BaseURL, "detection-url", config.DefaultDetectionURL, "detection service root URL")
	flags.StringVar(&settings.ListenAddress, "listen", config.DefaultListenAddress, "HTTP listen address")
	flags.BoolVarP(&force, "force", "f", false, "overwrite an existing configuration file")

	_ = command.MarkFlagRequired("source") //nolint:errcheck // The flag is defined above.

	return command
}
