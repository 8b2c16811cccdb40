package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	api "github.com/oshokin/lab-monitor/internal/api/http/monitor"
	"github.com/oshokin/lab-monitor/internal/config"
)

// defaultTokenTTL is the lifetime of minted operator tokens.
const defaultTokenTTL = 24 * time.Hour

var errNoOperatorSecret = errors.New("operator.secret is not set in the configuration file")

// newTokenCommand builds the `token` subcommand minting operator tokens.
func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	command := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the toggle endpoints.",
		Long: `Prints an HS256 bearer token signed with operator.secret from the configuration file.
Send it as "Authorization: Bearer <token>" to /api/record/toggle and /api/snapshot/toggle.
A zero --ttl mints a token that never expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			if settings.Operator.Secret == "" {
				return errNoOperatorSecret
			}

			token, err := api.IssueOperatorToken(settings.Operator.Secret, subject, ttl)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)

			return err
		},
	}

	command.Flags().StringVarP(&subject, "subject", "s", "operator", "name recorded in logs for toggles made with the token")
	command.Flags().DurationVarP(&ttl, "ttl", "t", defaultTokenTTL, "token lifetime")

	return command
}
