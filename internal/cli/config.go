package cli

import "os"

// Config holds the resolved settings cmd/mu needs to reach the daemon,
// mirroring the teacher's ticket.Config but scoped to the control plane's
// repo root and terminal shared secret instead of a ticket directory.
type Config struct {
	RepoRoot             string
	TerminalSharedSecret string
}

// Client discovers and returns an HTTP client for the running daemon.
func (c Config) Client() (*Client, error) {
	return DiscoverClient(c.RepoRoot, c.TerminalSharedSecret)
}

// DefaultActorID falls back to the OS user name when --actor is omitted.
func (c Config) DefaultActorID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
