// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/wa-webhook-relay/pkg/api"
	"github.com/aiku/wa-webhook-relay/pkg/config"
	"github.com/aiku/wa-webhook-relay/pkg/connectivity"
	"github.com/aiku/wa-webhook-relay/pkg/lifecycle"
	"github.com/aiku/wa-webhook-relay/pkg/notify"
	"github.com/aiku/wa-webhook-relay/pkg/relay"
	"github.com/aiku/wa-webhook-relay/pkg/session"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	noUpdate, _ := cmd.Flags().GetBool("no-update")
	cfg, err := config.Load(path, !noUpdate)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// closer is implemented by sinks that own a background worker.
type closer interface {
	Close()
}

func buildSinks(ctx context.Context, log zerolog.Logger, cfg *config.Config, hub *notify.Hub) (notify.Multi, []closer) {
	sinks := notify.Multi{hub}
	var closers []closer

	if mm := cfg.Notify.Mattermost; mm.Enabled {
		sink, err := notify.NewMattermostSink(ctx, log, mm.ServerURL, mm.Token, mm.ChannelID)
		if err != nil {
			log.Err(err).Msg("Mattermost notifications disabled")
		} else {
			sinks = append(sinks, sink)
			closers = append(closers, sink)
		}
	}
	if mx := cfg.Notify.Matrix; mx.Enabled {
		sink, err := notify.NewMatrixSink(ctx, log, mx.HomeserverURL, mx.UserID, mx.AccessToken, mx.RoomID)
		if err != nil {
			log.Err(err).Msg("Matrix notifications disabled")
		} else {
			sinks = append(sinks, sink)
			closers = append(closers, sink)
		}
	}
	return sinks, closers
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing wa-webhook-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := connectivity.Open(ctx, cfg.Session.StatePath, *log)
	if err != nil {
		return fmt.Errorf("failed to open connectivity store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close connectivity store")
		}
	}()

	hub := notify.NewHub(*log, cfg.HTTP.AllowedOrigins)
	sinks, closers := buildSinks(ctx, *log, cfg, hub)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	factory := session.NewWhatsAppFactory(*log, cfg.Session.DeviceName)
	ctrl := lifecycle.NewController(*log, factory, store, sinks, lifecycle.Options{
		CredentialsDir: cfg.Session.CredentialsDir,
		ReconnectDelay: cfg.Session.ReconnectDelay,
	})

	webhooks := relay.WebhookURLs(cfg.Relay.N8NURL, cfg.Relay.WebhookURLs)
	gw := relay.NewGateway(*log, ctrl, store, relay.Options{
		WebhookURLs:    webhooks,
		WebhookTimeout: cfg.Relay.WebhookTimeout,
	})
	ctrl.SetInboundHandler(gw)
	if len(webhooks) == 0 {
		log.Warn().Msg("No webhooks configured, inbound messages will be dropped")
	} else {
		log.Info().Array("webhook_urls", exzerolog.ArrayOfStrs(webhooks)).Msg("Relaying inbound messages")
	}

	apiServer := api.NewServer(*log, gw, ctrl, hub, api.Options{MaxBodySize: cfg.HTTP.MaxBodySize})
	httpServer := apiServer.HTTPServer(cfg.HTTP.ListenAddr)
	httpServer.ErrorLog = stdlog.New(exzerolog.NewLogWriter(log.With().Str("component", "http").Logger()).WithLevel(zerolog.WarnLevel), "", 0)

	if err = ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session controller: %w", err)
	}
	defer ctrl.Stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("listen_addr", cfg.HTTP.ListenAddr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err = eg.Wait(); err != nil {
		log.Err(err).Msg("Relay stopped with error")
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}
