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

	"github.com/sakura-shop/api/internal/handlers"
	"github.com/sakura-shop/api/internal/payments"
	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/config"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/platform/idempotency"
	"github.com/sakura-shop/api/internal/platform/jobs"
	"github.com/sakura-shop/api/internal/platform/observability"
	"github.com/sakura-shop/api/internal/platform/secrets"
	"github.com/sakura-shop/api/internal/platform/textutil"
	"github.com/sakura-shop/api/internal/repositories"
	firestoreRepo "github.com/sakura-shop/api/internal/repositories/firestore"
	"github.com/sakura-shop/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("API_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Payments.WebhookKey"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

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

	pubsubClient, err := pubsub.NewClient(ctx, pubsubProjectID(cfg))
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	publisher, err := jobs.NewPubSubEventPublisher(jobs.PubSubEventPublisherConfig{
		OrderEvents:   pubsubClient.Topic(cfg.PubSub.OrderEventsTopic),
		StockEvents:   pubsubClient.Topic(cfg.PubSub.StockEventsTopic),
		Notifications: pubsubClient.Topic(cfg.PubSub.NotificationsTopic),
		Realtime:      realtimeTopic(pubsubClient, cfg),
	})
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, pubsubClient, cfg)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, firestoreRepo.WithHealthRepository(healthRepo))
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	counterService, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: registry.Counters(),
	})
	if err != nil {
		logger.Fatal("failed to initialise counter service", zap.Error(err))
	}

	couponService, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: registry.Coupons(),
		Logger:  observability.EventLogger(logger.Named("coupons")),
	})
	if err != nil {
		logger.Fatal("failed to initialise coupon service", zap.Error(err))
	}

	stockService, err := services.NewStockService(services.StockServiceDeps{
		Stock:  registry.Stock(),
		Events: publisher,
		Logger: observability.EventLogger(logger.Named("stock")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stock service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:   registry.Carts(),
		Catalog: registry.Catalog(),
		Coupons: couponService,
		Logger:  observability.EventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	customerService, err := services.NewCustomerService(services.CustomerServiceDeps{
		Customers: registry.Customers(),
		Addresses: registry.Addresses(),
		Logger:    observability.EventLogger(logger.Named("customers")),
	})
	if err != nil {
		logger.Fatal("failed to initialise customer service", zap.Error(err))
	}

	sanitizer := textutil.NewSanitizer()

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    registry.Orders(),
		Payments:  registry.OrderPayments(),
		Events:    publisher,
		Sanitizer: sanitizer,
		Logger:    observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	var gatewayManager services.PaymentGatewayManager
	if manager := newGatewayManager(logger.Named("payments"), cfg); manager != nil {
		gatewayManager = manager
	}

	paymentService, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     registry.Orders(),
		Payments:   registry.OrderPayments(),
		Gateways:   gatewayManager,
		Realtime:   realtimeNotifier(publisher, cfg),
		Events:     publisher,
		WebhookKey: cfg.Payments.WebhookKey,
		CodePrefix: cfg.Payments.CodePrefix,
		Epsilon:    cfg.Payments.AmountEpsilon,
		Logger:     observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:         registry.Carts(),
		Catalog:       registry.Catalog(),
		Addresses:     registry.Addresses(),
		Customers:     registry.Customers(),
		Checkout:      registry.Checkout(),
		Counters:      counterService,
		Coupons:       couponService,
		Gateways:      gatewayManager,
		Events:        publisher,
		Notifications: publisher,
		Sanitizer:     sanitizer,
		Shipping:      shippingRates(cfg),
		TaxRateBP:     cfg.Checkout.TaxRateBP,
		MaxAttempts:   cfg.Checkout.MaxAttempts,
		Logger:        observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Build:            buildInfoFromEnv(envValues, cfg, startedAt),
		Counters:         counterService,
	})
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithHeader(cfg.Idempotency.Header),
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
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
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

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(systemService)),
		handlers.WithCartRoutes(handlers.NewCartHandlers(authenticator, cartService).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, checkoutService).Routes),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, orderService, paymentService).Routes),
		handlers.WithCouponRoutes(handlers.NewCouponHandlers(couponService).Routes),
		handlers.WithMeRoutes(handlers.NewMeHandlers(authenticator, customerService).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(paymentService).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminHandlers(orderService, stockService, couponService).Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithAdminMiddlewares(oidcMiddleware))
	} else {
		logger.Warn("auth: OIDC not configured; admin routes left unguarded")
	}

	router := handlers.NewRouter(opts...)
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
		serverLogger.Info("sakura shop api listening")
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
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
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

// newHealthRepository probes the two dependencies every order write touches.
func newHealthRepository(client *firestore.Client, pubsubClient *pubsub.Client, cfg config.Config) (repositories.HealthRepository, error) {
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
	if pubsubClient != nil {
		topic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := topic.Exists(ctx)
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// newGatewayManager wires the card PSP behind the gateway manager. Bank
// transfers and COD settle without an intent, so a nil manager only disables
// card checkout.
func newGatewayManager(logger *zap.Logger, cfg config.Config) *payments.Manager {
	if !cfg.Features.EnableCardPayments {
		return nil
	}
	if strings.TrimSpace(cfg.Payments.StripeAPIKey) == "" {
		logger.Warn("card payments enabled but stripe api key missing; card checkout disabled")
		return nil
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.Payments.StripeAPIKey,
		Logger: observability.EventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Warn("stripe provider init failed; card checkout disabled", zap.Error(err))
		return nil
	}

	manager, err := payments.NewManager(
		map[string]payments.Provider{"stripe": stripeProvider},
		payments.WithLogger(observability.EventLogger(logger)),
	)
	if err != nil {
		logger.Warn("payment manager init failed; card checkout disabled", zap.Error(err))
		return nil
	}
	return manager
}

func realtimeNotifier(publisher *jobs.PubSubEventPublisher, cfg config.Config) services.RealtimeNotifier {
	if !cfg.Features.EnableRealtime {
		return nil
	}
	return publisher
}

func realtimeTopic(client *pubsub.Client, cfg config.Config) *pubsub.Topic {
	if !cfg.Features.EnableRealtime {
		return nil
	}
	return client.Topic(cfg.PubSub.RealtimeTopic)
}

func shippingRates(cfg config.Config) *services.ShippingRateTable {
	table := services.DefaultShippingRates()
	if cfg.Checkout.ShipBaseUrban > 0 {
		table.BaseUrban = cfg.Checkout.ShipBaseUrban
	}
	if cfg.Checkout.ShipBaseRegional > 0 {
		table.BaseRegional = cfg.Checkout.ShipBaseRegional
	}
	if len(cfg.Checkout.ShipUrbanCities) > 0 {
		table.UrbanCities = cfg.Checkout.ShipUrbanCities
	}
	if cfg.Checkout.ShipIncludedG > 0 {
		table.IncludedWeightG = cfg.Checkout.ShipIncludedG
	}
	if cfg.Checkout.ShipPerKg > 0 {
		table.PerKgSurcharge = cfg.Checkout.ShipPerKg
	}
	if cfg.Checkout.ShipExpress > 0 {
		table.ExpressSurcharge = cfg.Checkout.ShipExpress
	}
	return &table
}

func pubsubProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return traceProjectID(cfg)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; admin routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; admin routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}
