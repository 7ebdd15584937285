// Command mu is the terminal channel's client: it posts command text to a
// running mu-controlplaned daemon and prints the result, the same
// trust-by-filesystem-access path described for the terminal adapter.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/femtomc/mu/internal/cli"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh)

	os.Exit(exitCode)
}
