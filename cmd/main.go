/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the Solana RPC client pool, message brokers, repositories, the
 * core application service, the reconciliation scheduler, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Purchase rate limiting backend.
 * - internal/api, internal/app, internal/config, internal/custody, internal/store: Internal packages.
 * - pkg/chainclient: Solana RPC access.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ultimart/escrow-service/internal/api"
	"github.com/ultimart/escrow-service/internal/app"
	"github.com/ultimart/escrow-service/internal/config"
	"github.com/ultimart/escrow-service/internal/custody"
	"github.com/ultimart/escrow-service/internal/platform/metrics"
	"github.com/ultimart/escrow-service/internal/store"
	"github.com/ultimart/escrow-service/pkg/chainclient"
	rmrabbit "github.com/ultimart/escrow-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	authorityKey, err := config.ResolveAuthorityKey(cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"authority key resolution failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s authority=%s", cfg.ServerPort, authorityKey.PublicKey())

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish listing status events.
	// Publishing is best-effort; a missing broker degrades to a no-op.
	var producer app.EventPublisher
	var producerCloser interface{ Close() }
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		producer = rabbitProducer
		producerCloser = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	if producerCloser != nil {
		defer producerCloser.Close()
	}

	// Initialize the Solana RPC client pool.
	commitment := rpc.CommitmentConfirmed
	if cfg.RPCCommitment == "finalized" {
		commitment = rpc.CommitmentFinalized
	}
	retryPolicy := chainclient.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.RPCRetries
	chainPool := chainclient.NewPool(
		cfg.RPCEndpoint,
		chainclient.WithCommitment(commitment),
		chainclient.WithRetryPolicy(retryPolicy),
	)
	chainPool.RetryObserver = metrics.ObserveRPCRetry

	// Redis backs purchase rate limiting; an in-process limiter covers the
	// degraded path.
	var limiter app.RateLimiter = app.NewLocalRateLimiter()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process rate limiter\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process rate limiter\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process rate limiter\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Custody verification reads the chain first and falls back to the ledger.
	verifier := custody.NewVerifier(chainPool, repository)

	// Initialize the core application service with its dependencies.
	escrowService := app.NewService(repository, chainPool, verifier, producer, app.ServiceConfig{
		Authority:          authorityKey,
		RoyaltyRecipient:   mustParseRecipient(cfg.RoyaltyRecipient),
		RoyaltyRatePercent: cfg.RoyaltyRatePercent,
		OperatorAddress:    cfg.OperatorAddress,
		DerivationVersion:  cfg.DerivationVersion,
	})

	reconciler := app.NewReconciler(repository, chainPool, verifier, producer, authorityKey.PublicKey())

	// Wire the out-of-band consumer: listing status events reported by other
	// services are replayed through the reconciler.
	listingConsumer := app.NewListingStatusConsumer(reconciler)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; out-of-band reconciliation disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		if err := rabbitConsumer.ConsumeListingStatus(cfg.ListingEventQueue, listingConsumer.HandleMessage); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"listing consumer start failed\" err=%v", err)
		}
	}

	// Start the scheduled reconciliation sweep.
	jobs := app.NewJobs(reconciler, time.Duration(cfg.StaleTTLMinutes)*time.Minute)
	scheduler := app.NewScheduler(jobs, cfg.SweepSchedule)
	scheduler.Start()

	// Initialize the API handlers and router.
	handlers := api.NewListingHandlers(escrowService, reconciler, limiter, cfg.PurchaseRateLimitPerMinute, time.Minute)
	router := api.NewRouter(handlers, cfg.SessionJWKSURL, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// mustParseRecipient parses the configured royalty recipient address. The
// service cannot split sale proceeds without one, so a bad value is fatal.
func mustParseRecipient(address string) solana.PublicKey {
	recipient, err := solana.PublicKeyFromBase58(strings.TrimSpace(address))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"royalty recipient parse failed\" env=ROYALTY_RECIPIENT err=%v", err)
	}
	return recipient
}
