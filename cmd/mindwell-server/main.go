package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mindwell/mindwell/internal/config"
	"github.com/mindwell/mindwell/internal/domain/careteam"
	"github.com/mindwell/mindwell/internal/domain/classifier"
	"github.com/mindwell/mindwell/internal/domain/contacts"
	"github.com/mindwell/mindwell/internal/domain/crisis"
	"github.com/mindwell/mindwell/internal/domain/safetyplan"
	"github.com/mindwell/mindwell/internal/platform/audit"
	"github.com/mindwell/mindwell/internal/platform/auth"
	"github.com/mindwell/mindwell/internal/platform/db"
	"github.com/mindwell/mindwell/internal/platform/middleware"
	"github.com/mindwell/mindwell/internal/platform/notify"
	"github.com/mindwell/mindwell/internal/platform/realtime"
	"github.com/mindwell/mindwell/internal/platform/secrets"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mindwell-server",
		Short: "MindWell crisis-alert API server",
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
		Short: "Start the crisis-alert API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// contactKey returns the AES key for sealing contact phones. Development
// falls back to an ephemeral random key so the server runs without setup;
// sealed values then do not survive a restart.
func contactKey(cfg *config.Config, logger zerolog.Logger) ([]byte, error) {
	if cfg.ContactEncryptionKey != "" {
		return hex.DecodeString(cfg.ContactEncryptionKey)
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("CONTACT_ENCRYPTION_KEY is required outside development")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	logger.Warn().Msg("using ephemeral contact encryption key; sealed phones will not survive restart")
	return key, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Secrets
	key, err := contactKey(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("contact encryption key")
	}
	resolver, err := secrets.NewAESResolver(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not build secret resolver")
	}

	// Audit
	auditor := audit.NewRecorder(audit.NewPGSink(pool), logger)

	// Classifier ruleset
	ruleset := classifier.DefaultRuleset()
	if cfg.CrisisRulesetPath != "" {
		ruleset, err = classifier.LoadRuleset(cfg.CrisisRulesetPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.CrisisRulesetPath).Msg("could not load crisis ruleset")
		}
		logger.Info().Str("version", ruleset.Version).Msg("loaded crisis ruleset")
	}
	engine := classifier.NewEngine(ruleset, logger)

	// Token verification, shared by HTTP middleware and the realtime
	// handshake.
	verifier := auth.NewVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})

	// Realtime hub
	hub := realtime.NewHub(cfg.ResponderRoom, logger)

	// Notification stack
	templates := notify.NewTemplateEngine()
	ledger := notify.NewLedger()
	smsSender := notify.NewLogSMSSender(logger)
	pushSender := notify.NewHubPushSender(hub)
	emergencyNotifier := notify.NewLogEmergencyNotifier(logger)

	// Domain services
	contactSvc := contacts.NewService(contacts.NewContactRepoPG(pool), resolver, resolver, logger)
	careTeamSvc := careteam.NewService(careteam.NewRepoPG(pool), logger)
	planSvc := safetyplan.NewService(safetyplan.NewRepoPG(pool))

	registry := crisis.NewRegistry()
	dispatcher := crisis.NewDispatcher(
		smsSender, pushSender, emergencyNotifier,
		templates, ledger, logger, cfg.DispatchTimeout())
	coordinator := crisis.NewCoordinator(crisis.CoordinatorDeps{
		Registry:      registry,
		Classifier:    engine,
		Contacts:      contactSvc,
		CareTeam:      careTeamSvc,
		SafetyPlans:   planSvc,
		Dispatcher:    dispatcher,
		Pusher:        hub,
		Archiver:      crisis.NewPGArchiver(pool),
		Auditor:       auditor,
		Logger:        logger,
		Hotline:       cfg.CrisisHotline,
		ResponderRoom: cfg.ResponderRoom,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health endpoints stay unauthenticated.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":       "ok",
			"version":      "0.1.0",
			"active_cases": registry.ActiveCount(),
			"connections":  hub.ClientCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Realtime endpoint authenticates in-band via the handshake frame.
	wsGroup := e.Group("")
	realtime.NewHandler(hub, verifier, logger).RegisterRoutes(wsGroup)

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" {
		logger.Warn().Msg("running with development auth; all requests act as the dev admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(verifier))
	}

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	crisis.NewHandler(coordinator).RegisterRoutes(apiV1)
	contacts.NewHandler(contactSvc).RegisterRoutes(apiV1)
	safetyplan.NewHandler(planSvc).RegisterRoutes(apiV1)

	// Delivery ledger, responder visibility only.
	apiV1.GET("/notifications/deliveries", func(c echo.Context) error {
		ident, ok := auth.IdentityFromContext(c.Request().Context())
		if !ok || !ident.Role.Responder() {
			return echo.NewHTTPError(http.StatusForbidden, "responder role required")
		}
		return c.JSON(http.StatusOK, map[string]any{
			"deliveries": ledger.Recent(100),
			"stats":      ledger.Stats(),
		})
	})

	// Serve with graceful shutdown.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	return nil
}
