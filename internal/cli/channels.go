package cli

import (
	"context"
	"encoding/json"

	flag "github.com/spf13/pflag"
)

// ChannelsCmd returns the channels command, listing the adapters mounted in
// the daemon's active generation.
func ChannelsCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("channels", flag.ContinueOnError),
		Usage: "channels",
		Short: "List mounted channel adapters",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			client, err := cfg.Client()
			if err != nil {
				return err
			}

			resp, err := client.Channels(ctx)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			o.Printf("%s\n", data)
			return nil
		},
	}
}

// HealthzCmd returns the healthz command, reporting daemon liveness and the
// active reload generation.
func HealthzCmd(cfg Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("healthz", flag.ContinueOnError),
		Usage: "healthz",
		Short: "Report daemon liveness and active generation",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			client, err := cfg.Client()
			if err != nil {
				return err
			}

			resp, err := client.Healthz(ctx)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			o.Printf("%s\n", data)
			return nil
		},
	}
}
