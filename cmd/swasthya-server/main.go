package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/swasthya/swasthya/internal/config"
	"github.com/swasthya/swasthya/internal/domain/catalog"
	"github.com/swasthya/swasthya/internal/domain/duplicate"
	"github.com/swasthya/swasthya/internal/domain/extraction"
	"github.com/swasthya/swasthya/internal/platform/auth"
	"github.com/swasthya/swasthya/internal/platform/db"
	"github.com/swasthya/swasthya/internal/platform/lock"
	"github.com/swasthya/swasthya/internal/platform/middleware"
	"github.com/swasthya/swasthya/internal/platform/reporting"
	"github.com/swasthya/swasthya/migrations"
)

const uploadPath = "/api/v1/reports/upload"

func main() {
	rootCmd := &cobra.Command{
		Use:   "swasthya-server",
		Short: "Duplicate test detection and savings API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(savingsCmd())
	rootCmd.AddCommand(demoCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	newMigrator := func(cmd *cobra.Command, pool *pgxpool.Pool) *db.Migrator {
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			return db.NewDirMigrator(pool, dir)
		}
		return db.NewMigrator(pool, migrations.FS)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := newMigrator(cmd, pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from a directory instead of the built-in set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := newMigrator(cmd, pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from a directory instead of the built-in set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the test catalog",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			c, err := loadCatalog(file)
			if err != nil {
				return err
			}
			counts := make(map[catalog.Category]int)
			for _, e := range c.Entries() {
				counts[e.Category]++
			}
			fmt.Printf("Catalog OK: %d entries\n", c.Len())
			for _, cat := range []catalog.Category{
				catalog.CategoryBlood, catalog.CategoryImaging, catalog.CategoryVitals,
				catalog.CategoryUrine, catalog.CategoryOther,
			} {
				fmt.Printf("  %-8s %3d entries, default window %d days\n", cat, counts[cat], c.DefaultValidity(cat))
			}
			return nil
		},
	}
	validateCmd.Flags().String("file", "", "Catalog YAML file (default: CATALOG_FILE or the built-in catalog)")
	cmd.AddCommand(validateCmd)

	lookupCmd := &cobra.Command{
		Use:   "lookup <test name>",
		Short: "Show how a raw test name maps onto the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			rawCategory, _ := cmd.Flags().GetString("category")
			c, err := loadCatalog(file)
			if err != nil {
				return err
			}
			category, err := catalog.ParseCategory(rawCategory)
			if err != nil {
				return err
			}
			svc := duplicate.NewService(duplicate.NewMemoryStore(), catalog.NewNormalizer(c),
				lock.NewLocalLocker(), duplicate.Config{}, zerolog.Nop())
			res, err := svc.Lookup(strings.Join(args, " "), category)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	lookupCmd.Flags().String("file", "", "Catalog YAML file (default: CATALOG_FILE or the built-in catalog)")
	lookupCmd.Flags().String("category", "", "Category used for the fallback window of unknown tests")
	cmd.AddCommand(lookupCmd)

	return cmd
}

func savingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "savings",
		Short: "Savings reports",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a user's savings summary as an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			out, _ := cmd.Flags().GetString("out")
			if user == "" {
				return fmt.Errorf("--user is required")
			}

			ctx := context.Background()
			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.svc.Savings(ctx, user)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := reporting.WriteXLSX(f, duplicate.SavingsSheets(summary)...); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("Wrote %s: %d skipped test(s), total savings %s\n", out, summary.TestsSkipped, summary.TotalSavings)
			return nil
		},
	}
	exportCmd.Flags().String("user", "", "User id")
	exportCmd.Flags().String("out", "savings.xlsx", "Output file")
	cmd.AddCommand(exportCmd)

	return cmd
}

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Demo data",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Ingest the sample reports for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				return fmt.Errorf("--user is required")
			}

			ctx := context.Background()
			a, err := newApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.SeedDemo(ctx, user)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	seedCmd.Flags().String("user", "", "User id to seed")
	cmd.AddCommand(seedCmd)

	return cmd
}

// app holds the wired service and the connections it owns.
type app struct {
	cfg    *config.Config
	svc    *duplicate.Service
	pool   *pgxpool.Pool
	redis  *redis.Client
	logger zerolog.Logger
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// pinger returns the database health check, or nil for the memory store.
func (a *app) pinger() db.Pinger {
	if a.pool == nil {
		return nil
	}
	return a.pool
}

// newApp loads configuration and wires the store, lock and service. A nil
// logger selects one built from the configuration.
func newApp(ctx context.Context, logger *zerolog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l := newLogger(cfg)
		logger = &l
	}
	return wire(ctx, cfg, *logger)
}

func wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	c, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("entries", c.Len()).Str("file", cfg.CatalogFile).Msg("catalog loaded")

	var store duplicate.Store
	switch cfg.Store {
	case config.StoreMemory:
		store = duplicate.NewMemoryStore()
		logger.Warn().Msg("using the in-memory store; data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = duplicate.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		locker = lock.NewRedisLocker(client, lock.WithTTL(cfg.LockTTL))
		logger.Info().Msg("using redis for ingestion locks")
	}

	a.svc = duplicate.NewService(store, catalog.NewNormalizer(c), locker, duplicate.Config{
		Strict:     cfg.IngestStrict,
		Workers:    cfg.IngestWorkers,
		MaxRetries: cfg.IngestMaxRetries,
	}, logger)
	return a, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		path = os.Getenv("CATALOG_FILE")
	}
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newServer builds the echo instance with middleware and routes.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader},
	}))
	e.Use(middleware.BodyLimit("1M", strconv.FormatInt(cfg.UploadMaxBytes+1<<20, 10)))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rl))
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout, uploadPath))
	}

	opts := []duplicate.HandlerOption{}
	if cfg.ExtractorURL != "" {
		client := extraction.NewClient(cfg.ExtractorURL,
			extraction.WithTimeout(cfg.ExtractorTimeout),
			extraction.WithMaxBytes(cfg.UploadMaxBytes),
			extraction.WithLogger(logger),
		)
		opts = append(opts, duplicate.WithExtractor(client, client.MaxBytes()))
	}
	if cfg.IsDev() {
		opts = append(opts, duplicate.WithDemo())
	}
	duplicate.NewHandler(a.svc, opts...).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pinger()))

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	a, err := wire(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	e := newServer(a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
