package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"epd-frame-backend/config"
	"epd-frame-backend/internal/albumsync"
	"epd-frame-backend/internal/api"
	"epd-frame-backend/internal/db"
	"epd-frame-backend/internal/dispatch"
	"epd-frame-backend/internal/frame"
	"epd-frame-backend/internal/logging"
	"epd-frame-backend/internal/notification"
	"epd-frame-backend/internal/pool"
	"epd-frame-backend/internal/rotation"
	"epd-frame-backend/internal/store"
	"epd-frame-backend/internal/telemetry"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// resolveConfigPath prefers the flag, then CONFIG_PATH, then the local default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config/config.yaml" // Default path for local development
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "framed",
		Short:         "Serve rotating album frames to e-paper displays",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cfgPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml (default $CONFIG_PATH or ./config/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cfgPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Init(&cfg.Database, 0)
			if err != nil {
				return err
			}
			sqlDB, err := gormDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	log := logging.New(cfg.Log.Level)

	if cfg.Server.APIKey == "" {
		return errors.New("server.api_key (or API_KEY) must be set")
	}
	seam, err := frame.ParseSeamPolicy(cfg.Frame.SeamPolicy)
	if err != nil {
		return err
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, cfg.Pool.Size)
	if err != nil {
		return err
	}
	log.Info().Msg("database initialized")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pipeline connections are opened up front and pinned for the process lifetime.
	conns, err := pool.Open(ctx, cfg.Pool.Size,
		func(ctx context.Context) (dispatch.Session, error) {
			return store.OpenConn(ctx, gormDB)
		},
		func(s dispatch.Session) { s.Close() },
	)
	if err != nil {
		return err
	}
	log.Info().Int("size", conns.Cap()).Msg("connection pool ready")

	appStore := store.NewGormStore(gormDB)

	// Low battery alerts go out as web push when VAPID keys are configured.
	var webpushOptions *webpush.Options
	recorderOpts := []telemetry.RecorderOption{}
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		notifier := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, log)
		notifier.Start(ctx)
		recorderOpts = append(recorderOpts, telemetry.WithLowBatteryAlerts(notifier, cfg.Telemetry.LowBatteryMillivolts))
	} else {
		log.Warn().Msg("VAPID keys not configured, low battery alerts disabled")
	}

	pipeline := dispatch.NewPipeline(
		conns,
		rotation.NewSelector(),
		frame.NewComposer(seam),
		telemetry.NewRecorder(log, recorderOpts...),
		log,
	)
	dispatcher := dispatch.New(cfg.Dispatcher.Workers, pipeline, log)
	dispatcher.Start(ctx)

	syncSvc := albumsync.NewService(&cfg.Sync, appStore, log)
	go syncSvc.Run(ctx)

	router := api.NewRouter(&cfg.Server, appStore, dispatcher, webpushOptions, log)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Int("workers", cfg.Dispatcher.Workers).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutdown signal received, stopping services")
	case err := <-serveErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown")
	}

	cancel()
	dispatcher.Wait()
	closeSessions(conns.Drain(), log)

	log.Info().Msg("server gracefully stopped")
	return nil
}

func closeSessions(sessions []dispatch.Session, log zerolog.Logger) {
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close pooled connection")
		}
	}
}
