package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/telehealth/consult/internal/config"
	"github.com/telehealth/consult/internal/consult"
	"github.com/telehealth/consult/internal/platform/auth"
	"github.com/telehealth/consult/internal/platform/db"
	"github.com/telehealth/consult/internal/platform/media"
	"github.com/telehealth/consult/internal/platform/middleware"
	"github.com/telehealth/consult/internal/platform/telemetry"
	"github.com/telehealth/consult/internal/platform/webhook"
	"github.com/telehealth/consult/internal/platform/websocket"
)

const version = "0.1.0"

const apiTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "consult-server",
		Short: "Telemedicine consultation signaling server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the signaling and REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		roles  string
		asJWT  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a media room token (or an access token with --jwt) for manual testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printToken(cmd, cfg, userID, splitRoles(roles), asJWT, ttl)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token is issued to")
	cmd.Flags().StringVar(&roles, "roles", "patient", "comma-separated roles for --jwt")
	cmd.Flags().BoolVar(&asJWT, "jwt", false, "print an HS256 access token signed with AUTH_SIGNING_KEY")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "access token lifetime for --jwt")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printToken(cmd *cobra.Command, cfg *config.Config, userID string, roles []string, asJWT bool, ttl time.Duration) error {
	out := cmd.OutOrStdout()
	if asJWT {
		key, err := cfg.SigningKey()
		if err != nil {
			return err
		}
		token, err := auth.SignToken(key, cfg.AuthIssuer, userID, roles, "", ttl)
		if err != nil {
			return fmt.Errorf("sign access token: %w", err)
		}
		fmt.Fprintln(out, token)
		return nil
	}

	issuer, err := media.NewIssuer(mediaConfig(cfg))
	if err != nil {
		return err
	}
	token, exp, err := issuer.IssueToken(userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "app_id:  %d\nuser_id: %s\nexpires: %s\ntoken:   %s\n",
		issuer.AppID(), userID, exp.UTC().Format(time.RFC3339), token)
	return nil
}

func splitRoles(raw string) []string {
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func mediaConfig(cfg *config.Config) media.Config {
	return media.Config{
		AppID:        cfg.MediaAppID,
		ServerSecret: cfg.MediaServerSecret,
		TTL:          cfg.MediaTokenTTL,
	}
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

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if !cfg.UseJWT() {
		logger.Warn().Msg("development auth is active: requests without a bearer token get the X-Dev-User identity")
	}

	// Account store
	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to account store")
			return err
		}
		defer pool.Close()
	}

	srv, err := newServer(cfg, logger, pool)
	if err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	if srv.notifier != nil {
		go srv.notifier.Run(workerCtx)
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	stopWorkers()
	_ = srv.telemetry.Shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}

// server bundles the wired components so tests can reach them.
type server struct {
	echo       *echo.Echo
	hub        *websocket.Hub
	matchmaker *consult.Matchmaker
	telemetry  *telemetry.TelemetryProvider
	notifier   *webhook.Notifier
}

// newServer wires the signaling core and the REST surface. pool may be nil,
// in which case no identity directory is used and /health/db is not served.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*server, error) {
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	policy, err := consult.PolicyByName(cfg.MatchPolicy)
	if err != nil {
		return nil, err
	}

	var directory consult.IdentityDirectory
	if pool != nil {
		directory = consult.NewDirectoryPG(pool)
	}

	var (
		notifier  *webhook.Notifier
		publisher consult.Publisher
	)
	if n, err := webhook.NewNotifier(webhook.Config{
		URL:        cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
		MaxRetries: cfg.WebhookMaxRetries,
		QueueSize:  cfg.WebhookQueueSize,
	}, logger, webhook.WithCounter(tp)); err == nil {
		notifier, publisher = n, n
	} else if !errors.Is(err, webhook.ErrNotConfigured) {
		return nil, err
	}

	hub := websocket.NewHub(logger, tp)
	mm := consult.NewMatchmaker(hub, consult.Options{
		Policy:         policy,
		Directory:      directory,
		InviteTTL:      cfg.InviteTTL,
		EnforceSubject: cfg.EnforceIdentity,
		Logger:         logger,
		Metrics:        tp,
		Publisher:      publisher,
	})

	var tokens consult.MediaTokenIssuer
	if issuer, err := media.NewIssuer(mediaConfig(cfg)); err == nil {
		tokens = issuer
	} else if !errors.Is(err, media.ErrNotConfigured) {
		return nil, err
	} else {
		logger.Info().Msg("media tokens disabled: MEDIA_APP_ID or MEDIA_SERVER_SECRET not set")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.IsProduction()}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(tp.MetricsMiddleware())

	// Auth middleware
	if cfg.UseJWT() {
		key, err := cfg.SigningKey()
		if err != nil {
			return nil, err
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		e.Use(auth.DevAuthMiddleware())
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", tp.PrometheusHandler())

	// Signaling
	wsHandler := websocket.NewWebSocketHandler(hub, mm, websocket.HandlerConfig{
		AllowedOrigins:  cfg.CORSOrigins,
		PingInterval:    cfg.WSPingInterval,
		PongTimeout:     cfg.WSPongTimeout,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	}, logger)
	wsHandler.RegisterRoutes(e.Group(""))

	// REST API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		OnLimited: func(c echo.Context, _ string) {
			tp.IncCounter("http.rate_limited", c.Path())
		},
	}))
	apiV1.Use(middleware.RequestTimeout(apiTimeout))
	consult.NewHandler(mm, tokens).RegisterRoutes(apiV1)

	return &server{echo: e, hub: hub, matchmaker: mm, telemetry: tp, notifier: notifier}, nil
}
