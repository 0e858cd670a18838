/**
 * @description
 * This is the main entry point for the relay service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, chain client, relay and escrow accounts, message
 * brokers, repositories, the core application service, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for claim rate limiting.
 * - internal/api, internal/app, internal/authz, internal/config,
 *   internal/relayer, internal/store: Internal packages for the service.
 * - pkg/chainclient: Client for the EVM node and token contracts.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/xkonjin/relay-service/internal/api"
	"github.com/xkonjin/relay-service/internal/app"
	"github.com/xkonjin/relay-service/internal/authz"
	"github.com/xkonjin/relay-service/internal/config"
	"github.com/xkonjin/relay-service/internal/relayer"
	"github.com/xkonjin/relay-service/internal/store"
	"github.com/xkonjin/relay-service/pkg/chainclient"
	rmrabbit "github.com/xkonjin/relay-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config validation failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting relay-service\" port=%s chain_id=%d", cfg.ServerPort, cfg.ChainID)

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

	// Initialize the RabbitMQ producer to publish events. This service only
	// publishes, so a missing broker degrades to the no-op fallback.
	var eventProducer rmrabbit.Publisher
	if producer, prodErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL); prodErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", prodErr)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		eventProducer = producer
		defer producer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Relay and escrow accounts. Key parse failures yield only an opaque error.
	chainID := big.NewInt(cfg.ChainID)
	relayAccount, err := relayer.NewAccountFromKey(cfg.RelayerPrivateKey, chainID)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"relayer account init failed\" err=%v", err)
	}
	escrowAccount, err := relayer.NewAccountFromKey(cfg.EscrowPrivateKey, chainID)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"escrow account init failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"accounts loaded\" relayer=%s escrow=%s",
		relayAccount.Address().Hex(), escrowAccount.Address().Hex())

	// Connect to the EVM node.
	chain, err := chainclient.NewClient(
		cfg.RPCURL,
		common.HexToAddress(cfg.TokenAddress),
		common.HexToAddress(cfg.SwapRouterAddress),
		common.HexToAddress(cfg.WrappedNativeAddress),
	)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"chain client init failed\" err=%v", err)
	}
	defer chain.Close()
	log.Println("level=info component=bootstrap msg=\"chain client connected\"")

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; claim rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; claim rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; claim rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Amount bounds and gas thresholds are decimal strings in the environment.
	minTransfer, err := config.BigInt(cfg.MinTransferAmount, nil)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid MIN_TRANSFER_AMOUNT\" err=%v", err)
	}
	maxTransfer, err := config.BigInt(cfg.MaxTransferAmount, nil)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid MAX_TRANSFER_AMOUNT\" err=%v", err)
	}
	minGasBalance, err := config.BigInt(cfg.MinGasBalanceWei, big.NewInt(0))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid MIN_GAS_BALANCE_WEI\" err=%v", err)
	}
	refillAmount, err := config.BigInt(cfg.GasRefillAmount, big.NewInt(0))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid GAS_REFILL_AMOUNT\" err=%v", err)
	}
	maxDailyRefillAmount, err := config.BigInt(cfg.MaxDailyRefillAmount, big.NewInt(0))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid MAX_DAILY_REFILL_AMOUNT\" err=%v", err)
	}
	gasEstimatePerTx, err := config.BigInt(cfg.GasEstimatePerTxWei, big.NewInt(1))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid GAS_ESTIMATE_PER_TX_WEI\" err=%v", err)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	relayService := app.NewService(repository, chain, relayAccount, escrowAccount, eventProducer, app.ServiceConfig{
		DomainParams: authz.DomainParams{
			Name:              cfg.TokenName,
			Version:           cfg.TokenVersion,
			ChainID:           chainID,
			VerifyingContract: common.HexToAddress(cfg.TokenAddress),
		},
		Bounds:            authz.Bounds{Min: minTransfer, Max: maxTransfer},
		SettlementTimeout: time.Duration(cfg.SettlementTimeoutSeconds) * time.Second,
		MinGasBalance:     minGasBalance,
		ClaimExpiry:       time.Duration(cfg.ClaimExpiryHours) * time.Hour,
	})

	gasKeeper := app.NewGasKeeper(repository, chain, relayAccount, eventProducer, app.GasKeeperConfig{
		RouterAddress:        common.HexToAddress(cfg.SwapRouterAddress),
		MinGasBalance:        minGasBalance,
		RefillAmount:         refillAmount,
		MaxDailyRefills:      cfg.MaxDailyRefills,
		MaxDailyRefillAmount: maxDailyRefillAmount,
		GasEstimatePerTx:     gasEstimatePerTx,
	})
	gasKeeper.StartMonitoring(time.Duration(cfg.GasMonitorIntervalSeconds) * time.Second)
	defer gasKeeper.StopMonitoring()

	sweeper := app.NewSweeper(relayService, cfg.ClaimSweepSchedule, cfg.ReconcileSchedule)
	sweeper.Start()
	defer sweeper.Stop()

	var claimLimiter *app.RedisClaimRateLimiter
	if redisClient != nil {
		claimLimiter = app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers and router.
	relayHandlers := api.NewRelayHandlers(relayService, gasKeeper, claimLimiter, api.RateLimits{
		ClaimDetailsPerMinute: cfg.ClaimDetailsRateLimitPerMinute,
		ClaimExecutePerMinute: cfg.ClaimExecuteRateLimitPerMinute,
	})
	router := api.RelayRoutes(relayHandlers, cfg.InternalAPIKey)

	// Start the HTTP server.
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
