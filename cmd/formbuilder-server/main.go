package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/formbuilder/internal/config"
	"github.com/ehr/formbuilder/internal/domain/concept"
	"github.com/ehr/formbuilder/internal/domain/editsession"
	"github.com/ehr/formbuilder/internal/platform/db"
	"github.com/ehr/formbuilder/internal/platform/middleware"
	"github.com/ehr/formbuilder/internal/platform/telemetry"
	"github.com/ehr/formbuilder/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "formbuilder-server",
		Short: "Form builder question edit API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the form builder API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the concept dictionary schema",
	}

	withMigrator := func(c *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}
		dir, _ := c.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		schema, _ := c.Flags().GetString("schema")

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		m := db.NewMigrator(pool, dir).WithSchema(schema).WithLogger(newLogger(cfg.Env))
		return fn(ctx, m)
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

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		cmd.AddCommand(c)
	}
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

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// conceptSource builds the configured concept dictionary client, with the
// Redis name cache in front of it when REDIS_URL is set. The returned
// cleanup releases the cache connection.
func conceptSource(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (concept.Source, func(), error) {
	var src concept.Source
	switch cfg.ConceptSource {
	case config.ConceptSourcePostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("postgres concept source needs a database connection")
		}
		src = concept.NewPGRepository(pool)
	default:
		src = concept.NewRESTClient(cfg.ConceptAPIURL, cfg.ConceptAPIUser, cfg.ConceptAPIPassword)
	}

	cleanup := func() {}
	if cfg.RedisURL != "" {
		cache, err := concept.NewRedisNameCache(ctx, cfg.RedisURL, cfg.ConceptNameCacheTTL)
		if err != nil {
			return nil, nil, err
		}
		src = concept.WithNameCache(src, cache, logger)
		cleanup = func() {
			if err := cache.Close(); err != nil {
				logger.Warn().Err(err).Msg("close redis name cache")
			}
		}
		logger.Info().Dur("ttl", cfg.ConceptNameCacheTTL).Msg("concept name cache enabled")
	}
	return src, cleanup, nil
}

// newServer wires middleware and routes. pool may be nil when no database
// is configured.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *editsession.Service, pool *pgxpool.Pool, metrics *telemetry.Metrics, hub *websocket.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("5M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	apiV1 := e.Group("/api/v1")
	editsession.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":          "ok",
			"concept_source":  cfg.ConceptSource,
			"active_sessions": svc.Len(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.Handler())
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	source, closeSource, err := conceptSource(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up concept source")
	}
	defer closeSource()

	svc := editsession.NewService(source, editsession.Options{
		Rules:           cfg.Rules(),
		ResolverOptions: []concept.ResolverOption{concept.WithSettleWindow(cfg.ConceptSearchDebounce)},
		Logger:          logger,
	})
	defer svc.Close()

	metrics := telemetry.New(telemetry.Config{ProcessCollectors: true})
	hub := websocket.NewHub(logger)
	svc.WithRecorder(metrics).WithNotifier(hub)

	e := newServer(cfg, logger, svc, pool, metrics, hub)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("concept_source", cfg.ConceptSource).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
