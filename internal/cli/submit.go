package cli

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/google/uuid"
)

var errCommandTextRequired = errors.New("command text is required")

// SubmitCmd returns the submit command: the terminal channel's equivalent of
// typing a slash command into Slack, posting straight to the daemon's
// terminal ingress route.
func SubmitCmd(cfg Config) *Command {
	flags := flag.NewFlagSet("submit", flag.ContinueOnError)
	actor := flags.String("actor", "", "Acting principal id (default: OS user)")

	return &Command{
		Flags: flags,
		Usage: "submit <command text...> [flags]",
		Short: "Submit a command to the control plane",
		Long:  "Post a command line to the running mu-controlplaned daemon and print its immediate ack.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execSubmit(ctx, o, cfg, *actor, args)
		},
	}
}

func execSubmit(ctx context.Context, o *IO, cfg Config, actor string, args []string) error {
	commandText := strings.Join(args, " ")
	if commandText == "" {
		return errCommandTextRequired
	}

	client, err := cfg.Client()
	if err != nil {
		return err
	}

	if actor == "" {
		actor = cfg.DefaultActorID()
	}

	resp, err := client.Submit(ctx, uuid.NewString(), actor, commandText, cfg.RepoRoot)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	o.Printf("%s\n", data)
	return nil
}
