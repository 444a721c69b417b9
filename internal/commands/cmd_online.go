package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"chatrelay/internal/presence"
	"chatrelay/internal/substrate"
)

type OnlineCmd struct {
	flags *Flags
}

// NewOnlineCmd creates a new online command
func NewOnlineCmd(flags *Flags) *OnlineCmd {
	return &OnlineCmd{flags: flags}
}

// Register adds the online command to the application
func (cmd *OnlineCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "online",
		Usage:       "List online users",
		UsageText:   "chatrelay online",
		Description: "Prints every user with at least one live connection on any process, with its connection count.",
		Action:      cmd.run,
	})

	return app
}

func (cmd *OnlineCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	rdb, err := substrate.Connect(ctx, substrate.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.SubstrateTimeout,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	tracker := presence.New(rdb, nil, log.Logger, presence.Options{Timeout: cfg.SubstrateTimeout})

	users, err := tracker.OnlineUsers(ctx)
	if err != nil {
		return err
	}

	out := c.Root().Writer
	if len(users) == 0 {
		_, _ = fmt.Fprintln(out, "No users online")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "USER\tCONNECTIONS")
	for _, u := range users {
		n, err := tracker.ConnectionCount(ctx, u)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", u, n)
	}
	return w.Flush()
}
