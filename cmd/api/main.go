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

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lumenshop/api/internal/di"
	"github.com/lumenshop/api/internal/handlers"
	"github.com/lumenshop/api/internal/payments"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/platform/config"
	pfirestore "github.com/lumenshop/api/internal/platform/firestore"
	"github.com/lumenshop/api/internal/platform/idempotency"
	"github.com/lumenshop/api/internal/platform/jobs"
	"github.com/lumenshop/api/internal/platform/observability"
	"github.com/lumenshop/api/internal/platform/secrets"
	platformstorage "github.com/lumenshop/api/internal/platform/storage"
	"github.com/lumenshop/api/internal/repositories"
	firestoreRepo "github.com/lumenshop/api/internal/repositories/firestore"
	"github.com/lumenshop/api/internal/services"
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

	resolver, err := newSecretResolver(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	loadOpts := []config.Option{
		config.WithRequiredSecrets("PSP.StripeAPIKey", "PSP.StripeWebhookSecret"),
	}
	if resolver != nil {
		loadOpts = append(loadOpts, config.WithSecretResolver(resolver))
		defer func() {
			if err := resolver.Close(); err != nil {
				logger.Warn("secret resolver close error", zap.Error(err))
			}
		}()
	}

	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var orderTopic *pubsub.Topic
	var publisher services.OrderEventPublisher
	if topicName := strings.TrimSpace(cfg.Events.OrderEventsTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		orderTopic = pubsubClient.Topic(topicName)
		defer orderTopic.Stop()
		publisher, err = jobs.NewPubSubOrderEventPublisher(orderTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
	} else {
		logger.Warn("order events topic not configured; lifecycle events will not be published")
	}

	imageSigner, err := newImageSigner(cfg)
	if err != nil {
		logger.Fatal("failed to initialise storage url signer", zap.Error(err))
	}
	if imageSigner == nil {
		logger.Warn("storage signer key not configured; product image urls disabled")
	}

	healthRepo, err := newHealthRepository(firestoreClient, orderTopic)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        stripeEventLogger(logger.Named("stripe")),
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, di.Deps{
		Config:          cfg,
		Registry:        registry,
		PaymentProvider: stripeProvider,
		Publisher:       publisher,
		ImageSigner:     imageSigner,
		Logger:          logger,
		Build:           buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to assemble container", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.DeleteExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	productHandlers := handlers.NewProductHandlers(container.Services.Catalog)
	cartHandlers := handlers.NewCartHandlers(authenticator, container.Services.Cart)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders)
	adminHandlers := handlers.NewAdminHandlers(authenticator, container.Services.Catalog, container.Services.Orders)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, container.Services.Payments,
		handlers.WithPaymentRateLimit(cfg.RateLimits.AuthenticatedPerMinute, time.Minute))
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Payments,
		handlers.WithWebhookRateLimit(cfg.RateLimits.WebhookBurst, time.Minute))

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := strings.TrimSpace(cfg.Firebase.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithProductRoutes(productHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithPaymentMiddlewares(idempotencyMiddleware),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

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
		serverLogger.Info("lumenshop api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
}

func buildInfoFromEnv(started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newSecretResolver builds a Secret Manager resolver when a project is
// configured. Without one, plain environment values still work; only
// secret:// references would fail at load time.
func newSecretResolver(ctx context.Context, logger *zap.Logger) (*secrets.Resolver, error) {
	projectID := strings.TrimSpace(os.Getenv("API_SECRET_PROJECT_ID"))
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv("API_FIREBASE_PROJECT_ID"))
	}
	if projectID == "" {
		return nil, nil
	}

	var clientOpts []option.ClientOption
	if credentials := strings.TrimSpace(os.Getenv("API_FIREBASE_CREDENTIALS_FILE")); credentials != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentials))
	}
	return secrets.NewResolver(ctx, projectID, clientOpts, secrets.WithLogger(logger.Named("secrets")))
}

func newImageSigner(cfg config.Config) (*platformstorage.Client, error) {
	keyFile := strings.TrimSpace(cfg.Storage.SignerKeyFile)
	if keyFile == "" {
		return nil, nil
	}
	signer, err := platformstorage.NewServiceAccountSignerFromFile(keyFile)
	if err != nil {
		return nil, err
	}
	return platformstorage.NewClient(signer)
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func stripeEventLogger(logger *zap.Logger) payments.StripeLogger {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
