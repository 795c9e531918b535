package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/server"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg  config
		addr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			Value:       ":8080",
			Sources:     cli.EnvVars("VERVET_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "webhook-base",
			Usage:       "Base URL for intent webhook delivery",
			Sources:     cli.EnvVars("VERVET_WEBHOOK_BASE"),
			Destination: &cfg.webhookBase,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "GCS bucket for call transcript archives",
			Sources:     cli.EnvVars("VERVET_TRANSCRIPT_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset for turn and intent analytics",
			Sources:     cli.EnvVars("VERVET_BIGQUERY_DATASET"),
			Destination: &cfg.bigQueryDataset,
		},
		&cli.IntFlag{
			Name:        "rate-limit",
			Usage:       "Accepted requests per origin per window",
			Value:       server.DefaultRateLimit,
			Sources:     cli.EnvVars("VERVET_RATE_LIMIT"),
			Destination: &cfg.rateLimit,
		},
		&cli.DurationFlag{
			Name:        "rate-window",
			Usage:       "Admission window duration",
			Value:       server.DefaultRateWindow,
			Sources:     cli.EnvVars("VERVET_RATE_WINDOW"),
			Destination: &cfg.rateWindow,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the chat and voice API server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()
			logger := logging.Default()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			storage, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}

			analytics, err := cfg.newAnalytics(ctx)
			if err != nil {
				return err
			}

			profiles, err := cfg.loadProfiles()
			if err != nil {
				return err
			}

			srv := server.New(server.NewInput{
				Repo:          repo,
				Conversations: cfg.newConversations(repo, gemini, analytics),
				Intents:       cfg.newIntents(gemini, analytics),
				Storage:       storage,
				Profiles:      profiles,
				DefaultDomain: cfg.defaultDomain,
				Limiter:       cfg.newLimiter(),
			})

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server started", "addr", addr, "domains", len(profiles))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return goerr.Wrap(err, "server failed")
				}

			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "graceful shutdown failed")
				}
			}

			return nil
		},
	}
}
