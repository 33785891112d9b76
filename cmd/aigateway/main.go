package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/nullstream/gemini-gateway/internal/api"
	"github.com/nullstream/gemini-gateway/internal/auth"
	"github.com/nullstream/gemini-gateway/internal/cache"
	"github.com/nullstream/gemini-gateway/internal/circuitbreaker"
	"github.com/nullstream/gemini-gateway/internal/config"
	"github.com/nullstream/gemini-gateway/internal/credential"
	"github.com/nullstream/gemini-gateway/internal/crypto"
	"github.com/nullstream/gemini-gateway/internal/dispatcher"
	"github.com/nullstream/gemini-gateway/internal/metrics"
	"github.com/nullstream/gemini-gateway/internal/notifications"
	"github.com/nullstream/gemini-gateway/internal/ratelimit"
	"github.com/nullstream/gemini-gateway/internal/repository"
	"github.com/nullstream/gemini-gateway/internal/secrets"
	"github.com/nullstream/gemini-gateway/internal/telemetry"
	"github.com/nullstream/gemini-gateway/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting gemini gateway", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "gemini-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(ctx)

	metrics.InitInstanceMetrics(getEnv("POD_NAME", hostname()), getEnv("POD_NAMESPACE", "default"), "0.1.0")

	credentials := cfg.Credentials
	if cfg.SecretsManagerID != "" {
		fromSecretsManager, err := loadCredentialsFromSecretsManager(ctx, cfg)
		if err != nil {
			slog.Error("failed to load credentials from secrets manager", "error", err)
			os.Exit(1)
		}
		credentials = fromSecretsManager
	}
	if len(credentials) == 0 {
		slog.Error("no upstream credentials configured")
		os.Exit(1)
	}

	pool := credential.New(credentials, cfg.MaxFailuresBeforeCool, credential.CoolingPeriods{
		Auth:      cfg.CoolingPeriods.Auth,
		Quota:     cfg.CoolingPeriods.Quota,
		Transient: cfg.CoolingPeriods.Transient,
	})

	var cbOpts []circuitbreaker.ManagerOption
	if cfg.UseDistributedCB && cfg.RedisURL != "" {
		cbOpts = append(cbOpts, circuitbreaker.WithRedis(cfg.RedisURL))
	}
	cbManager := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), cbOpts...)
	var dispatcherPool dispatcher.Pool = credential.NewGuardedPool(pool, cbManager)

	upstreamClient, err := upstream.New(cfg.UpstreamBaseURL, cfg.OutboundProxyURL)
	if err != nil {
		slog.Error("failed to build upstream client", "error", err)
		os.Exit(1)
	}

	disp := dispatcher.New(dispatcherPool, upstreamClient, dispatcher.Config{
		MaxAttempts:       cfg.MaxAttempts,
		PerAttemptTimeout: cfg.PerAttemptTimeout,
		OverallDeadline:   cfg.OverallDeadline,
	})

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis for rate limiting", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter", "url", cfg.RedisURL)
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var responseCache *cache.CoalescingCache
	if cfg.CacheEnabled {
		var backend cache.Cache
		if cfg.RedisURL != "" {
			redisCache, err := cache.NewRedisCache(cfg.RedisURL)
			if err != nil {
				slog.Warn("failed to connect to redis for cache, falling back to in-memory", "error", err)
				backend = cache.NewInMemoryCache(cfg.CacheMaxSize, cfg.CacheTTL)
			} else {
				slog.Info("using redis response cache")
				backend = redisCache
			}
		} else {
			backend = cache.NewInMemoryCache(cfg.CacheMaxSize, cfg.CacheTTL)
			slog.Info("using in-memory response cache")
		}
		responseCache = cache.NewCoalescingCache(backend, cfg.CacheTTL)
	} else {
		slog.Info("response cache disabled")
	}

	authenticator := auth.NewAuthenticator(cfg.ClientKeys, cfg.AdminKeys, nil)

	var auditRepo repository.AuditRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database connection", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		var pgOpts []repository.PostgresAuditOption
		if cfg.EncryptionKey != "" {
			enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				slog.Error("failed to init audit detail encryptor", "error", err)
				os.Exit(1)
			}
			pgOpts = append(pgOpts, repository.WithDetailEncryption(enc))
		}
		auditRepo = repository.NewPostgresAuditRepository(db, pgOpts...)
		slog.Info("using postgres audit repository", "detail_encryption", cfg.EncryptionKey != "")
	} else {
		auditRepo = repository.NewInMemoryAuditRepository()
		slog.Info("using in-memory audit repository")
	}

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("failed to init sns notifier, falling back to in-memory", "error", err)
			notifier = notifications.NewInMemoryNotifier()
		} else {
			notifier = snsNotifier
			slog.Info("using sns notifier", "topic", cfg.SNSTopicARN)
		}
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}
	_ = notifier // reserved for pool-health alert wiring (credential cooling/restoration) at the pool's sweep boundary

	gatewayHandler := api.NewHandler(api.HandlerConfig{
		Auth:            authenticator,
		RateLimiter:     rateLimiter,
		RateLimitRPM:    cfg.ClientRateLimitRPM,
		Pool:            pool,
		Dispatcher:      disp,
		Cache:           responseCache,
		ModelMapping:    cfg.ModelMapping,
		DefaultUpstream: cfg.DefaultUpstream,
	})

	adminHandler := api.NewAdminHandler(api.AdminHandlerConfig{
		Auth:  authenticator,
		Pool:  pool,
		Cache: responseCache,
		Audit: auditRepo,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", adminHandler)
	mux.Handle("/", gatewayHandler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// loadCredentialsFromSecretsManager fetches the upstream credential set
// from AWS Secrets Manager as a JSON array of secret strings, for
// deployments that rotate keys out of band rather than via CREDENTIALS.
func loadCredentialsFromSecretsManager(ctx context.Context, cfg *config.Config) ([]string, error) {
	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	var creds []string
	if err := store.GetSecretJSON(ctx, cfg.SecretsManagerID, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
