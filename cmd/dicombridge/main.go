package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pacs/dicombridge/internal/config"
	"github.com/pacs/dicombridge/internal/domain/imaging"
	"github.com/pacs/dicombridge/internal/domain/worklist"
	"github.com/pacs/dicombridge/internal/platform/blobstore"
	"github.com/pacs/dicombridge/internal/platform/db"
	"github.com/pacs/dicombridge/internal/platform/dicomcodec"
	"github.com/pacs/dicombridge/internal/platform/middleware"
	"github.com/pacs/dicombridge/internal/platform/orthanc"
	"github.com/pacs/dicombridge/internal/platform/telemetry"
	"github.com/pacs/dicombridge/internal/platform/webhook"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicombridge",
		Short: "Orthanc ingestion and Modality Worklist bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(worklistCmd())
	rootCmd.AddCommand(ingestCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "dicombridge",
	})
}

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	metrics   *telemetry.Provider
	pipeline  *imaging.Pipeline
	imaging   *imaging.Service
	scheduler *worklist.Scheduler
	worklist  *worklist.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env)

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewProvider(telemetry.Config{
		MetricsEnabled:    cfg.MetricsEnabled,
		RuntimeCollectors: true,
	})

	archive := orthanc.NewClient(orthanc.Config{
		BaseURL:  cfg.OrthancURL,
		Username: cfg.OrthancUsername,
		Password: cfg.OrthancPassword,
		Timeout:  cfg.OrthancTimeout(),
	}, metrics, logger)

	patients := imaging.NewPatientRepoPG(pool)
	studies := imaging.NewStudyRepoPG(pool)
	series := imaging.NewSeriesRepoPG(pool)
	instances := imaging.NewInstanceRepoPG(pool)

	store, err := blobstore.NewDirStore(cfg.WorklistDir)
	if err != nil {
		pool.Close()
		return nil, err
	}
	orders := worklist.NewOrderRepoPG(pool)
	builder := worklist.NewBuilder(dicomcodec.New(), store, worklist.BuilderConfig{
		Extension:      cfg.WorklistExtension,
		StationAETitle: cfg.WorklistStationAE,
		Location:       cfg.Location(),
	}, logger)
	scheduler := worklist.NewScheduler(orders, builder, store, cfg.WorklistConcurrency, metrics, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		metrics:   metrics,
		pipeline:  imaging.NewPipeline(archive, patients, studies, series, instances, metrics, logger),
		imaging:   imaging.NewService(patients, studies, series, instances),
		scheduler: scheduler,
		worklist:  worklist.NewService(orders, scheduler, logger),
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

// routeRegistrar is implemented by every REST handler.
type routeRegistrar interface {
	RegisterRoutes(api *echo.Group)
}

// newRouter assembles the HTTP surface: health, metrics, the archive
// webhook group and the /api/v1 handlers.
func newRouter(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider, pinger db.Pinger,
	gateway routeRegistrar, handlers ...routeRegistrar) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.PrometheusHandler())
	}

	if gateway != nil {
		orthancGroup := e.Group("/api/orthanc", middleware.BodyLimit("64K"))
		gateway.RegisterRoutes(orthancGroup)
	}

	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit("1M"),
		middleware.RequestTimeout(30*time.Second, "/api/v1/orders/generate-worklists"),
	)
	for _, h := range handlers {
		h.RegisterRoutes(apiV1)
	}

	return e
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			regenerate, _ := cmd.Flags().GetBool("regenerate")
			return runServer(regenerate)
		},
	}
	cmd.Flags().Bool("regenerate", true, "Regenerate all worklist files before accepting requests")
	return cmd
}

func runServer(regenerate bool) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info().Msg("connected to database")

	if regenerate {
		report, err := a.worklist.RegenerateAll(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("startup worklist regeneration failed")
		} else {
			logger.Info().
				Int("scheduled", report.Scheduled).
				Int("written", report.Written).
				Int("fallback", report.Fallback).
				Int("failed", report.Failed).
				Int("removed", report.Removed).
				Msg("worklist directory regenerated")
		}
	}

	gateway := webhook.NewGateway(a.pipeline,
		webhook.WithTrigger(a.cfg.WebhookTriggerChangeType, a.cfg.WebhookTriggerResourceType),
		webhook.WithSecret(a.cfg.WebhookSecret),
		webhook.WithDICOMWebBase(a.cfg.OrthancURL),
		webhook.WithMetrics(a.metrics),
		webhook.WithLogger(logger),
	)

	e := newRouter(a.cfg, logger, a.metrics, a.pool, gateway,
		imaging.NewHandler(a.imaging),
		worklist.NewHandler(a.worklist, a.cfg.Location()),
	)

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// ---------------------------------------------------------------------------
// worklist
// ---------------------------------------------------------------------------

func worklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worklist",
		Short: "Manage Modality Worklist files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "regenerate",
		Short: "Rewrite the worklist directory from the Scheduled orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.worklist.RegenerateAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "emit <order-id>",
		Short: "Write or remove the worklist file for one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			em, err := a.scheduler.EmitOne(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, em)
		},
	})

	return cmd
}

// ---------------------------------------------------------------------------
// ingest
// ---------------------------------------------------------------------------

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <archive-study-id>",
		Short: "Ingest one archive study without a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pipeline.Ingest(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
