package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/dank/internal/bot"
	"github.com/omochice/dank/internal/checkpoint"
	"github.com/omochice/dank/internal/commands"
	"github.com/omochice/dank/internal/config"
	"github.com/omochice/dank/internal/gateway"
	"github.com/omochice/dank/internal/logging"
	"github.com/omochice/dank/internal/rest"
	"github.com/omochice/dank/internal/transport"
)

var _ bot.Gateway = (*gateway.Client)(nil)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listen := flag.String("listen", "", "HTTP status address (overrides http.listen, e.g. :8080)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}

	log := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("dank stopped")
		os.Exit(1)
	}
	log.Info().Msg("dank stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store gateway.SessionStore
	if cfg.Checkpoint.Path != "" {
		store = checkpoint.NewFileStore(cfg.Checkpoint.Path, cfg.Checkpoint.MaxAge)
	}

	client, err := gateway.New(gateway.Options{
		Token:        cfg.Bot.Token,
		BotUserID:    cfg.Bot.UserID,
		Version:      cfg.Gateway.Version,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		Identity: gateway.Identity{
			OS:      cfg.Identify.OS,
			Browser: cfg.Identify.Browser,
			Device:  cfg.Identify.Device,
			Game:    cfg.Identify.Game,
			Status:  cfg.Identify.Status,
		},
		Transport: transport.NewSocket(transport.Options{
			HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
			CloseTimeout:     cfg.Gateway.CloseTimeout,
			Logger:           log,
		}),
		API:    rest.New(cfg.Gateway.APIBase, cfg.Bot.Token, log),
		Store:  store,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close gateway")
		}
	}()

	b := bot.New(client, commands.New(time.Now()), log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("status server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
