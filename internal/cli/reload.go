package cli

import (
	"context"
	"encoding/json"
	"errors"

	flag "github.com/spf13/pflag"
)

var errReasonRequired = errors.New("reason is required")

// ReloadCmd returns the reload command, triggering a generation swap on the
// running daemon (picking up an edited policy.json or refreshed channel
// secrets without downtime).
func ReloadCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("reload", flag.ContinueOnError),
		Usage: "reload <reason>",
		Short: "Trigger a live adapter/config reload",
		Long:  "Ask mu-controlplaned to build a fresh generation of adapters/config and cut over to it.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execReload(ctx, o, cfg, args)
		},
	}
}

func execReload(ctx context.Context, o *IO, cfg Config, args []string) error {
	if len(args) == 0 {
		return errReasonRequired
	}

	client, err := cfg.Client()
	if err != nil {
		return err
	}

	resp, err := client.Reload(ctx, args[0])
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
