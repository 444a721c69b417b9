package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"chatrelay/internal/presence"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/registry"
	"chatrelay/internal/relay"
	"chatrelay/internal/server"
	"chatrelay/internal/session"
	"chatrelay/internal/store/sqlite"
	"chatrelay/internal/substrate"
)

type ServeCmd struct {
	flags *Flags
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the chat relay",
		UsageText: "chatrelay serve",
		Description: `Accepts WebSocket clients on /ws and relays room messages, typing
indicators and presence through Redis to every other chatrelay process.`,
		Action: cmd.Run,
	})

	return app
}

func (cmd *ServeCmd) Run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	logger := log.With().Str("component", "chatrelay").Logger()

	rdb, err := substrate.Connect(ctx, substrate.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.SubstrateTimeout,
	})
	if err != nil {
		return err
	}

	st, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		_ = rdb.Close()
		return err
	}

	reg := registry.New()
	rl := relay.New(rdb, reg, log.With().Str("component", "relay").Logger(), cfg.SubstrateTimeout)
	if err := rl.Start(ctx); err != nil {
		_ = st.Close()
		_ = rdb.Close()
		return err
	}

	tracker := presence.New(rdb, rl, log.With().Str("component", "presence").Logger(), presence.Options{
		Timeout:   cfg.SubstrateTimeout,
		TypingTTL: cfg.TypingTTL,
	})

	limiter := ratelimit.New(rdb, cfg.RateRules(), cfg.SubstrateTimeout)
	for _, kind := range []ratelimit.Kind{ratelimit.KindMessage, ratelimit.KindTyping} {
		if rule, ok := limiter.Rule(kind); ok {
			logger.Info().Str("kind", string(kind)).Dur("window", rule.Window).Int("max", rule.Max).Msg("rate limit")
		}
	}

	srv := server.New(server.Options{
		Session: session.Deps{
			Registry: reg,
			Relay:    rl,
			Presence: tracker,
			Limiter:  limiter,
			Store:    st,
			Log:      log.With().Str("component", "session").Logger(),
		},
		Online:    tracker,
		Relay:     rl,
		Redis:     rdb,
		Timeout:   cfg.SubstrateTimeout,
		WebSocket: cfg.WebSocket,
		History:   cfg.History,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = rl.Stop()
		_ = st.Close()
		_ = rdb.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("redis", cfg.Redis.Addr).
		Str("db", cfg.DBPath).
		Msg("chat relay started")

	// One operation keeps teardown ordered: sessions deregister while the
	// relay and Redis are still up.
	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"chatrelay": func(ctx context.Context) error {
			logger.Info().Msg("graceful shutdown initiated")
			return errors.Join(
				httpServer.Shutdown(ctx),
				srv.Shutdown(ctx),
				rl.Stop(),
				rdb.Close(),
				st.Close(),
			)
		},
	})

	if code := <-wait; code != 0 {
		return fmt.Errorf("shutdown finished with exit code %d", code)
	}
	logger.Info().Msg("chat relay stopped")
	return nil
}
