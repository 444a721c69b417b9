package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"chatrelay/internal/commands"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("chatrelay failed")
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	flags := &commands.Flags{}

	app := &cli.Command{
		Name:      "chatrelay",
		Usage:     "Distributed room chat relay",
		UsageText: "chatrelay [global options] [command [command options]]",
		Description: `chatrelay serves room chat over WebSockets. Any number of processes can run
against the same Redis; messages, typing indicators and presence reach every
client regardless of which process it is connected to.

Run 'chatrelay' with no arguments to start serving.`,
		Version: build(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("CHATRELAY_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("CHATRELAY_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML config file",
				Sources:     cli.EnvVars("CHATRELAY_CONFIG"),
				Value:       "chatrelay.yaml",
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "HTTP listen address",
				Destination: &flags.Addr,
			},
			&cli.StringFlag{
				Name:        "redis-addr",
				Usage:       "Redis address",
				Destination: &flags.RedisAddr,
			},
			&cli.StringFlag{
				Name:        "db",
				Usage:       "path to the SQLite message database",
				Destination: &flags.DBPath,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setupLogger(flags.LogLevel, flags.LogFile); err != nil {
				return ctx, err
			}

			if err := flags.LoadConfig(c); err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			return ctx, nil
		},
	}

	serveCmd := commands.NewServeCmd(flags)

	app = serveCmd.Register(app)
	app = commands.NewOnlineCmd(flags).Register(app)

	// Serve when no subcommand is provided
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'chatrelay --help' for usage", c.Args().First())
		}
		return serveCmd.Run(ctx, c)
	}

	return app
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		// Write to both console and file
		output = io.MultiWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			file,
		)
	}

	log.Logger = log.Output(output).Level(parsedLevel).With().Timestamp().Logger()

	return nil
}
