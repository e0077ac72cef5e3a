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

	"github.com/HanTheDev/capture-gateway/internal/admin"
	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/billing"
	"github.com/HanTheDev/capture-gateway/internal/capture"
	"github.com/HanTheDev/capture-gateway/internal/config"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/executor"
	"github.com/HanTheDev/capture-gateway/internal/logging"
	"github.com/HanTheDev/capture-gateway/internal/quota"
	"github.com/HanTheDev/capture-gateway/internal/ratelimit"
	"github.com/HanTheDev/capture-gateway/internal/server"
	"github.com/HanTheDev/capture-gateway/internal/store"
	"github.com/HanTheDev/capture-gateway/internal/store/postgres"
	"github.com/HanTheDev/capture-gateway/internal/store/sqlite"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:          "capture-gateway",
	Short:        "Metered capture API with billing-driven tiers",
	Version:      server.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.DatabaseDriver)
		return nil
	},
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint a bearer token for the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.AdminJWTSecret == "" {
			return errors.New("ADMIN_JWT_SECRET is not set")
		}
		token, err := auth.GenerateAdminToken(tokenSubject, cfg.AdminJWTSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "token subject recorded in audit logs")
	adminTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, adminTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return db, nil
	default:
		return sqlite.Open(cfg.DatabaseURL)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var signups *ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		signups, err = ratelimit.NewRateLimiter(cfg.RedisURL, cfg.SignupLimitPerHour)
		if err != nil {
			return fmt.Errorf("init signup limiter: %w", err)
		}
		defer signups.Close()
	} else {
		log.Info("REDIS_URL not set, signup throttle disabled")
	}

	clientIPs, err := auth.NewIPResolver(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}

	identities := entitlement.NewService(st, auth.RandomGenerator{}, log)
	catalog := billing.NewCatalog(cfg.Billing.StarterProductID, cfg.Billing.ProProductID)

	var verifier *billing.Verifier
	if cfg.Billing.WebhookSecret != "" {
		verifier, err = billing.NewVerifier(cfg.Billing.WebhookSecret)
		if err != nil {
			return fmt.Errorf("init webhook verifier: %w", err)
		}
	} else {
		log.Warn("billing webhook secret not set, webhook deliveries will be refused")
	}

	renderer := capture.NewRemoteRenderer(cfg.RendererURL, log.Named("renderer"))

	srv := server.New(server.Deps{
		Identities: identities,
		Ledger:     st,
		Engine:     quota.NewEngine(identities, st),
		Executor:   executor.New(renderer, st, cfg.CaptureTimeout, log.Named("executor")),
		Signups:    signups,
		Webhook:    billing.NewWebhookHandler(verifier, billing.NewReconciler(identities, catalog, log.Named("billing")), log.Named("billing")),
		Checkout:   billing.NewCheckout(cfg.Billing.APIKey, cfg.Billing.BillingAPIBase(), cfg.PublicBaseURL, catalog, identities),
		Admin:      admin.NewAdminHandler(identities, st, log.Named("admin")),
		AdminAuth:  auth.NewMiddleware(cfg.AdminJWTSecret, log.Named("admin")),
		ClientIPs:  clientIPs,
		Health:     st,
		Log:        log,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.CaptureTimeout + 15*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			zap.String("port", cfg.ServerPort),
			zap.String("driver", cfg.DatabaseDriver),
			zap.String("renderer", cfg.RendererURL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
