package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunHelp(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no args", args: []string{"mu"}},
		{name: "long flag", args: []string{"mu", "--help"}},
		{name: "short flag", args: []string{"mu", "-h"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer

			exitCode := Run(nil, &stdout, &stderr, tc.args, map[string]string{}, nil)

			require.Equal(t, 0, exitCode)
			require.Empty(t, stderr.String())

			out := stdout.String()
			require.Contains(t, out, "mu - repo-local control-plane client")
			require.Contains(t, out, "--cwd")
			require.Contains(t, out, "submit")
			require.Contains(t, out, "reload")
			require.Contains(t, out, "channels")
		})
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"mu", "bogus"}, map[string]string{}, nil)

	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
}

func TestRunNoCommandWithFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"mu", "--cwd", "/tmp"}, map[string]string{}, nil)

	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "no command provided")
}

func TestRunSubmitMissingDaemonReportsError(t *testing.T) {
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	exitCode := Run(nil, &stdout, &stderr, []string{"mu", "--cwd", dir, "submit", "do", "the", "thing"}, map[string]string{}, nil)

	require.Equal(t, 1, exitCode)
	require.True(t, strings.Contains(stderr.String(), "not running"))
}
