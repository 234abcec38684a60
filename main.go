// Package main runs the substitution plan notifier: it polls the school portal,
// detects new plan entries and notifies subscribed users through the messenger bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"sph-notifier/config"
	"sph-notifier/detect"
	"sph-notifier/dispatch"
	"sph-notifier/messenger"
	"sph-notifier/pkg/notifier"
	"sph-notifier/poll"
	"sph-notifier/scraper"
	"sph-notifier/server"
	"sph-notifier/session"
	"sph-notifier/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// archiveStore is where finished days are written and read back.
type archiveStore interface {
	detect.Archiver
	server.Archives
}

type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	db           *storage.SQLStore
	archives     archiveStore
	orchestrator *poll.Orchestrator
	gcsClient    *gcs.Client
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sph-notifier",
		Short:         "Poll the school portal's substitution plan and notify subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: sph_* environment variables)")

	root.AddCommand(newOnceCmd(&configPath), newSubscriberCmd(&configPath))
	return root
}

func newOnceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll tick and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.orchestrator.Tick(cmd.Context())
		},
	}
}

func newSubscriberCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriber",
		Short: "Manage subscribers",
	}

	var name string
	add := &cobra.Command{
		Use:   "add <messenger-user-id> <classes>",
		Short: `Add or replace a subscriber, e.g. "add 4711 10a,10b"`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("parse user id %q: %w", args[0], err)
			}

			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sub := notifier.Subscriber{ID: id, Name: name, Classes: strings.TrimSpace(args[1])}
			if err := a.db.SaveSubscriber(cmd.Context(), sub); err != nil {
				return err
			}
			a.logger.Info("Subscriber saved", "user_id", sub.ID, "name", sub.Name, "classes", sub.Classes)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")

	cmd.AddCommand(add)
	return cmd
}

func setup(ctx context.Context, configPath string) (*app, error) {
	// Load .env file if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		logger.Error("Startup failed", "error", err)
		a.close()
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	if cfg.LogFormat == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	db, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db

	switch {
	case cfg.ArchiveDir != "":
		if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		logger.Info("Archiving to local directory", "path", cfg.ArchiveDir)
		a.archives = storage.NewArchiveStore(nil, "", cfg.ArchiveDir, logger)
	case cfg.ArchiveBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		a.gcsClient = client
		logger.Info("Archiving to storage bucket", "bucket", cfg.ArchiveBucket)
		a.archives = storage.NewArchiveStore(client, cfg.ArchiveBucket, "", logger)
	default:
		a.archives = db
	}

	sessions, err := session.New(session.Config{
		LoginURL:  cfg.LoginURL,
		PortalURL: cfg.PortalURL,
		SiteID:    cfg.SiteID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Timeout:   cfg.RequestTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	var provider messenger.Provider
	if cfg.MessengerEndpoint == "" {
		logger.Info("Mock messenger mode enabled (no sph_messenger_endpoint)")
		provider = messenger.NewMockProvider(logger)
	} else {
		provider = messenger.NewEndpointProvider(httpClient, cfg.MessengerEndpoint, cfg.MessengerToken, cfg.MessengerRate, logger)
	}

	a.orchestrator = poll.New(&poll.Config{
		Store:      db,
		Session:    sessions,
		Fetcher:    scraper.New(httpClient, cfg.PortalURL, logger),
		Detector:   detect.New(db, a.archives, cfg.Location, logger),
		Dispatcher: dispatch.New(db, provider, cfg.MatchMode, logger),
		Logger:     logger,
		Location:   cfg.Location,
		Interval:   cfg.TickInterval,
	})

	logger.Info("Notifier configured",
		"tick_interval", cfg.TickInterval.String(),
		"site_id", cfg.SiteID,
		"match_mode", string(cfg.MatchMode),
		"timezone", cfg.Timezone)
	return nil
}

func (a *app) run(ctx context.Context) error {
	if a.cfg.Port != "" {
		srv := server.New(&server.Config{
			Status:     a.orchestrator,
			Poller:     a.orchestrator,
			Archives:   a.archives,
			Logger:     a.logger,
			IsNotFound: storage.IsNotFound,
			StaleAfter: 3*a.cfg.TickInterval + 2*time.Minute,
		})
		go func() {
			if err := srv.ListenAndServe(ctx, a.cfg.Port); err != nil {
				a.logger.Error("Server failed", "error", err)
			}
		}()
	}

	return a.orchestrator.Run(ctx)
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", "error", err)
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
}
