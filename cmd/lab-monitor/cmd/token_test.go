package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const tokenTestSettings = `
stream:
  source_url: rtsp://cam.local/live
operator:
  secret: s3cret
`

// TestTokenCommand mints a token signed with the configured secret.
//
//nolint:paralleltest // Uses the package-level config path flag.
func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tokenTestSettings), 0o600))

	previous := configPath
	configPath = path

	t.Cleanup(func() { configPath = previous })

	var out bytes.Buffer

	command := newTokenCommand()
	command.SetOut(&out)
	command.SetArgs([]string{"--subject", "alice", "--ttl", "1h"})

	require.NoError(t, command.Execute())

	var claims jwt.RegisteredClaims

	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
}
