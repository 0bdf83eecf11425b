/**
 * @description
 * This is the main entry point for the quota service. It loads configuration, opens the
 * ledger store, connects the optional Redis and RabbitMQ dependencies, builds the payment
 * provider clients and verifiers, and then runs the HTTP server and the maintenance
 * scheduler until a termination signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Purchase rate limiting.
 * - golang.org/x/sync/errgroup: Server and scheduler lifecycle.
 * - internal/api, internal/app, internal/config, internal/scheduler, internal/store: Internal packages.
 * - pkg/stripeclient, pkg/paypalclient, pkg/appstoreclient, pkg/rabbitmq: Provider and broker clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/api"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/app"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/catalog"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/config"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/scheduler"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/store"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/verifier"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/appstoreclient"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/paypalclient"
	rmrabbit "github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/rabbitmq"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/pkg/stripeclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; relying on environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWKSURL == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwks url must be configured\" env=JWKS_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"starting quota service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var publisher rmrabbit.Publisher
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; payment events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	catalogs := catalog.Set{
		Web: catalog.Web(catalog.ProviderIDs{
			StripePrices: catalog.ParseProviderIDs(cfg.StripePriceIDs),
			PayPalPlans:  catalog.ParseProviderIDs(cfg.PayPalPlanIDs),
		}),
		Mobile: catalog.Mobile(),
	}

	registry := &verifier.Registry{Timeout: cfg.ProviderTimeout()}
	var stripeClient *stripeclient.Client
	if cfg.StripeAPIKey != "" {
		stripeClient = stripeclient.NewClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
		registry.Stripe = verifier.NewStripeVerifier(stripeClient)
	} else {
		log.Println("level=warn component=bootstrap msg=\"stripe not configured; card payments disabled\" env=STRIPE_API_KEY")
	}

	var paypalClient *paypalclient.Client
	if cfg.PayPalClientID != "" && cfg.PayPalClientSecret != "" {
		paypalClient = paypalclient.NewClient(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.ProviderTimeout())
		registry.PayPal = verifier.NewPayPalVerifier(paypalClient)
	} else {
		log.Println("level=warn component=bootstrap msg=\"paypal not configured; wallet payments disabled\" env=PAYPAL_CLIENT_ID")
	}

	appStore := appstoreclient.NewClient(cfg.AppleSharedSecret, cfg.ProviderTimeout())
	if cfg.AppleProductionURL != "" {
		appStore.ProductionURL = cfg.AppleProductionURL
	}
	if cfg.AppleSandboxURL != "" {
		appStore.SandboxURL = cfg.AppleSandboxURL
	}
	if cfg.AppleSharedSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"apple shared secret missing; auto-renewable receipts will not verify\" env=APPLE_SHARED_SECRET")
	}
	appleVerifier := verifier.NewAppleVerifier(appStore, catalogs.Mobile)
	if cfg.AppleBundleID != "" {
		appleVerifier.SetBundleID(cfg.AppleBundleID)
	} else {
		log.Println("level=warn component=bootstrap msg=\"apple bundle id missing; receipts from any app are accepted\" env=APPLE_BUNDLE_ID")
	}
	registry.AppStore = appleVerifier

	var playVerifier *verifier.GoogleVerifier
	if cfg.GoogleServiceAccountPath != "" && cfg.AndroidPackageName != "" {
		purchases, err := verifier.NewPlayPurchases(ctx, cfg.GoogleServiceAccountPath)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"play developer api unavailable; android purchases disabled\" err=%v", err)
		} else {
			playVerifier = verifier.NewGoogleVerifier(purchases, cfg.AndroidPackageName)
			registry.PlayStore = playVerifier
		}
	} else {
		log.Println("level=warn component=bootstrap msg=\"google play not configured; android purchases disabled\" env=GOOGLE_SERVICE_ACCOUNT_PATH")
	}

	quotaService := app.NewService(repository, catalogs, registry, publisher)
	quotaService.SetLocation(cfg.Location())
	if stripeClient != nil {
		quotaService.SetCheckoutProvider(stripeClient)
	}
	if paypalClient != nil {
		quotaService.SetWalletSubscriptions(paypalClient)
	}
	if playVerifier != nil {
		quotaService.SetPlayRenewals(playVerifier)
	}
	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		quotaService.SetPurchaseRateLimiter(
			app.NewRedisPurchaseRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.PurchaseRateLimitPerMinute,
		)
	}

	// Unconfigured providers must reach the webhook handlers as nil interfaces.
	var stripeEvents api.StripeEventVerifier
	if stripeClient != nil && cfg.StripeWebhookSecret != "" {
		stripeEvents = stripeClient
	}
	var paypalSignatures api.PayPalSignatureVerifier
	if paypalClient != nil {
		paypalSignatures = paypalClient
	}

	router := api.NewRouter(
		api.NewHandlers(quotaService),
		api.NewWebhookHandlers(quotaService, stripeEvents, paypalSignatures, cfg.PayPalWebhookID, cfg.GooglePushToken),
		api.AuthConfig{
			Keys:     api.NewKeySet(cfg.JWKSURL, cfg.JWKSCacheTTL()),
			Audience: cfg.JWTAudience,
			Issuer:   cfg.JWTIssuer,
		},
		cfg.InternalAPIKey,
	)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cron := scheduler.NewScheduler(scheduler.NewJobs(quotaService, logger, cfg), logger, cfg)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduled := cron.Start()
		logger.Info("scheduler started", "jobs", scheduled)
		<-gctx.Done()
		<-cron.Stop().Done()
		logger.Info("scheduler stopped gracefully")
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=http msg=\"server stopped with error\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore returns the configured ledger repository and a function releasing it.
func openStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory ledger; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if cfg.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := store.Migrate(migrateCtx, dbpool); err != nil {
			dbpool.Close()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"schema up to date\"")
	}
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// connectRedis returns a live client, or nil when rate limiting is off or Redis is unreachable.
func connectRedis(cfg config.Config) *redis.Client {
	if cfg.PurchaseRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; purchase rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; purchase rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; purchase rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
