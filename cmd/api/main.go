package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Kzarr-e/kzarre-backend/internal/di"
	"github.com/Kzarr-e/kzarre-backend/internal/handlers"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/auth"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/config"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/observability"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/secrets"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firestoreClient, err := container.FirestoreClient(ctx)
	if err != nil {
		logger.Fatal("failed to obtain firestore client", zap.Error(err))
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
			defer cancel()
			iter := firestoreClient.Collections(probeCtx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}),
	)

	adminGuard := auth.NewAdminKeyGuard(cfg.Admin.APIKey,
		auth.WithAdminKeyLogger(observability.NewPrintfAdapter(logger.Named("auth"))),
	)
	courierGuard := buildCourierGuard(logger.Named("auth"), cfg)

	orderHandlers := handlers.NewOrderHandlers(container.Lifecycle)
	adminHandlers := handlers.NewAdminHandlers(container.Lifecycle, container.CourierAdmin)
	webhookHandlers, err := handlers.NewWebhookHandlers(handlers.WebhookHandlersDeps{
		Lifecycle:    container.Lifecycle,
		Events:       container.WebhookEvents,
		StripeSecret: cfg.Stripe.WebhookSecret,
		CourierGuard: courierGuard,
		EventTTL:     cfg.Webhooks.EventTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook handlers", zap.Error(err))
	}

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(adminGuard.Require()),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Webhooks.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("webhooks")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := container.WebhookEvents.CleanupExpired(runCtx, time.Now().UTC(), cfg.Webhooks.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("webhook event cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("webhook event cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("kzarre api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

const courierWebhookSecretName = "courier"

// buildCourierGuard returns HMAC middleware for courier callbacks, or nil when
// no webhook secret is configured.
func buildCourierGuard(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secret := strings.TrimSpace(cfg.Couriers.WebhookSecret)
	if secret == "" {
		logger.Warn("courier webhook secret not configured; courier callbacks are unauthenticated")
		return nil
	}

	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if strings.EqualFold(strings.TrimSpace(name), courierWebhookSecretName) {
			return secret, nil
		}
		return "", fmt.Errorf("auth: secret %q not found", name)
	})

	validator := auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Couriers.SignatureHeader, cfg.Couriers.TimestampHeader, cfg.Couriers.NonceHeader),
		auth.WithHMACClockSkew(cfg.Couriers.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Couriers.NonceTTL),
	)
	return validator.RequireHMAC(courierWebhookSecretName)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	projectID := lookup("APP_SECRET_PROJECT_ID")
	if projectID == "" {
		projectID = lookup("APP_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("APP_SECRET_FALLBACK_FILE")
	credentialsFile := lookup("APP_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if projectID != "" {
		opts = append(opts, secrets.WithProject(projectID))
	}
	if fallbackPath != "" {
		opts = append(opts, secrets.WithFallbackFile(fallbackPath))
	}
	if pins := parseVersionPins(lookup("APP_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// parseVersionPins reads "secret://name=3,other=latest" style lists.
func parseVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[ref] = version
	}
	return pins
}
