package cli

import (
	"context"
	"encoding/json"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/google/uuid"
)

var errLinkFieldsRequired = errors.New("--channel, --channel-tenant-id and --channel-actor-id are required")

// LinkCmd returns the link command, binding a channel identity to an
// operator principal so future inbound envelopes from that channel actor
// resolve to a known scope set.
func LinkCmd(cfg Config) *Command {
	flags := flag.NewFlagSet("link", flag.ContinueOnError)
	operatorID := flags.String("operator-id", "", "Operator principal id to bind to (default: new id)")
	channel := flags.String("channel", "", "Channel name (slack|discord|telegram)")
	tenantID := flags.String("channel-tenant-id", "", "Channel-specific tenant/workspace id")
	actorID := flags.String("channel-actor-id", "", "Channel-specific actor id")
	scopes := flags.StringArray("scope", nil, "Scope to grant (repeatable)")

	return &Command{
		Flags: flags,
		Usage: "link [flags]",
		Short: "Bind a channel identity to an operator principal",
		Long:  "Create an identity binding linking a Slack/Discord/Telegram actor to an operator principal and scope set.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execLink(ctx, o, cfg, *operatorID, *channel, *tenantID, *actorID, *scopes)
		},
	}
}

func execLink(ctx context.Context, o *IO, cfg Config, operatorID, channel, tenantID, actorID string, scopes []string) error {
	if channel == "" || tenantID == "" || actorID == "" {
		return errLinkFieldsRequired
	}
	if operatorID == "" {
		operatorID = uuid.NewString()
	}

	client, err := cfg.Client()
	if err != nil {
		return err
	}

	resp, err := client.LinkIdentity(ctx, uuid.NewString(), operatorID, channel, tenantID, actorID, scopes)
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
