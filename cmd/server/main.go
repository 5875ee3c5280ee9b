package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/blazewallet/device-trust/internal/anchor"
	"github.com/blazewallet/device-trust/internal/anomaly"
	apihttp "github.com/blazewallet/device-trust/internal/api/http"
	"github.com/blazewallet/device-trust/internal/api/http/handlers"
	"github.com/blazewallet/device-trust/internal/config"
	"github.com/blazewallet/device-trust/internal/crypto"
	"github.com/blazewallet/device-trust/internal/events"
	"github.com/blazewallet/device-trust/internal/fingerprint"
	"github.com/blazewallet/device-trust/internal/identity"
	"github.com/blazewallet/device-trust/internal/match"
	"github.com/blazewallet/device-trust/internal/pkg/health"
	"github.com/blazewallet/device-trust/internal/pkg/logger"
	"github.com/blazewallet/device-trust/internal/pkg/tracer"
	"github.com/blazewallet/device-trust/internal/repository/postgres"
	rediscache "github.com/blazewallet/device-trust/internal/repository/redis"
	"github.com/blazewallet/device-trust/internal/resilience"
	"github.com/blazewallet/device-trust/internal/service"
	"github.com/blazewallet/device-trust/internal/session"
	"github.com/blazewallet/device-trust/internal/verify"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Handle health check flag
	if len(os.Args) > 1 && os.Args[1] == "-health-check" {
		if err := healthCheck(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		OutputPath:      cfg.Logging.OutputPath,
		EnablePIIMask:   cfg.Logging.EnablePIIMask,
		EnableRequestID: cfg.Logging.EnableRequestID,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting device-trust service",
		logger.Component("main"),
		logger.Operation("startup"),
	)

	// Initialize tracer
	tr, err := tracer.New(ctx, tracer.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		Version:      Version,
	})
	if err != nil {
		log.Warn("failed to create tracer, continuing without tracing", logger.ErrorField(err))
	} else {
		defer tr.Shutdown(ctx)
	}

	// Initialize circuit breakers
	circuitBreakers := resilience.NewCircuitBreakers()

	// Initialize PostgreSQL connection pool
	pgPool, err := initPostgres(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgPool.Close()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer redisClient.Close()

	// Initialize field encryption (Vault-backed keys when enabled)
	encryptor, err := initEncryptor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	// Initialize health checker
	healthChecker := health.New(5 * time.Second)
	healthChecker.Register("postgres", health.PostgresChecker(func(ctx context.Context) error {
		return pgPool.Ping(ctx)
	}))
	healthChecker.Register("redis", health.RedisChecker(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))

	// Repositories and caches
	deviceRepo := postgres.NewTrustedDeviceRepository(pgPool, encryptor, circuitBreakers.Postgres)
	fpCache := rediscache.NewFingerprintCache(redisClient, circuitBreakers.Redis, cfg.Fingerprint.CacheTTL, log)
	listCache := rediscache.NewDeviceListCache(redisClient, circuitBreakers.Redis, cfg.Redis.DeviceListTTL, log)

	// Kafka security-event producer; events buffer locally when the broker
	// is down, so startup tolerates its absence
	hmacSecret := []byte(cfg.Encryption.EventHMACSecret)
	var publisher *events.SecurityEventProducer
	producer, err := events.NewSecurityEventProducer(events.ProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		Topic:      cfg.Kafka.SecurityTopic,
		BufferSize: cfg.Kafka.EventBufferSize,
	}, circuitBreakers.Kafka, log)
	if err != nil {
		log.Warn("failed to create event producer, security events will be dropped", logger.ErrorField(err))
	} else {
		publisher = producer
		defer producer.Close()
		healthChecker.Register("kafka", health.KafkaChecker(func(ctx context.Context) error {
			if n := producer.BufferedEvents(); n > 0 {
				return fmt.Errorf("%d events awaiting broker", n)
			}
			return nil
		}))
	}

	// Fingerprint collection
	var geo fingerprint.GeoResolver
	if cfg.Fingerprint.GeoBaseURL != "" {
		geo = fingerprint.NewHTTPGeoResolver(cfg.Fingerprint.GeoBaseURL, cfg.Fingerprint.GeoTimeout, circuitBreakers.GeoIP, log)
	}
	fpProvider := fingerprint.NewProvider(fpCache, geo, log)

	// Session leases
	sessionManager := session.NewManager(deviceRepo, log)

	// Heuristic matcher
	scorer := match.NewScorer(match.Config{
		HighThreshold:   cfg.Match.HighThreshold,
		MediumThreshold: cfg.Match.MediumThreshold,
	}, log)

	// Anomaly monitor
	monitor := anomaly.NewMonitor(deviceRepo, eventPublisherOrNil(publisher), hmacSecret, log)

	// Verification chain
	verifyCfg := verify.Config{
		Devices:  deviceRepo,
		Leases:   deviceRepo,
		Issuer:   sessionManager,
		Sessions: sessionManager,
		Scorer:   scorer,
		Anomaly:  monitor,
	}
	if cfg.Anchor.Enabled && cfg.Anchor.BaseURL != "" {
		verifyCfg.Anchor = anchor.NewClient(cfg.Anchor.BaseURL, cfg.Anchor.Timeout, circuitBreakers.Anchor, log)
		healthChecker.Register("anchor", health.AnchorChecker(func(ctx context.Context) error {
			if circuitBreakers.Anchor.IsOpen() {
				return fmt.Errorf("anchor circuit open")
			}
			return nil
		}))
	}
	orchestrator := verify.NewOrchestrator(verifyCfg, log)

	// This service acting as a trust anchor for other backends
	policy := anchor.NewPolicy(anchor.PolicyConfig{
		TrustedThreshold: cfg.Anchor.TrustedThreshold,
		ConfirmThreshold: cfg.Anchor.ConfirmThreshold,
	}, log)
	challengeService := service.NewChallengeService(deviceRepo, sessionManager, policy, servicePublisherOrNil(publisher), hmacSecret, log)

	// Device management
	deviceService := service.NewDeviceService(deviceRepo, listCache, servicePublisherOrNil(publisher), hmacSecret, log)

	// Server-side mirror of recovered device identities, one namespace per
	// user in the shared Redis instance
	identityStores := identity.NewRedisFactory(redisClient, circuitBreakers.Redis, log)

	// Load JWT public key
	authPublicKey, err := loadPublicKey(cfg.Auth.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load JWT public key: %w", err)
	}

	// Initialize HTTP router
	router := apihttp.NewRouter(apihttp.RouterDeps{
		Config:       cfg,
		Logger:       log,
		Health:       healthChecker,
		Verifier:     orchestrator,
		Fingerprints: fpProvider,
		Identities: func(userID uuid.UUID) handlers.IdentityStore {
			return identityStores.ForUser(userID)
		},
		Challenges:     challengeService,
		Devices:        deviceService,
		Leases:         sessionManager,
		SessionChecker: orchestrator,
		RedisClient:    redisClient,
		CircuitBreaker: circuitBreakers.Redis,
		AuthPublicKey:  authPublicKey,
	})

	// Start server in goroutine
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info("HTTP server starting", logger.Component("http"))
		if err := router.StartWithAddr(serverAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", logger.ErrorField(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.ErrorField(err))
		return err
	}

	log.Info("Server exited gracefully")
	return nil
}

// eventPublisherOrNil avoids handing a typed-nil producer to an interface
// field, which would defeat the monitor's nil check.
func eventPublisherOrNil(p *events.SecurityEventProducer) anomaly.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

func servicePublisherOrNil(p *events.SecurityEventProducer) service.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

func initPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// initEncryptor builds the field encryptor from Vault-managed keys when
// Vault is enabled, otherwise from the configured static keys.
func initEncryptor(ctx context.Context, cfg *config.Config) (*crypto.FieldEncryptor, error) {
	if !cfg.Encryption.VaultEnabled {
		return crypto.NewFieldEncryptor(
			cfg.Encryption.EncryptionKeysBase64,
			cfg.Encryption.CurrentKeyVersion,
			cfg.Encryption.EventHMACSecret,
		)
	}

	source, err := crypto.NewVaultKeySource(cfg.Encryption.VaultAddress, os.Getenv("VAULT_TOKEN"), cfg.Encryption.VaultKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault key source: %w", err)
	}

	versions, err := source.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault key versions: %w", err)
	}

	// NewFieldEncryptor numbers keys 1..n in slice order
	keys := make([]string, 0, len(versions))
	for _, version := range versions {
		key, err := source.GetKey(ctx, version)
		if err != nil {
			return nil, fmt.Errorf("failed to load vault key version %d: %w", version, err)
		}
		keys = append(keys, base64.StdEncoding.EncodeToString(key))
	}

	current, err := source.GetCurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current key version: %w", err)
	}

	return crypto.NewFieldEncryptor(keys, current, cfg.Encryption.EventHMACSecret)
}

// loadPublicKey reads the JWT verification key. RSA and ECDSA are both
// accepted; symmetric keys never are.
func loadPublicKey(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

func healthCheck() error {
	resp, err := http.Get("http://localhost:8080/health/live")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}
