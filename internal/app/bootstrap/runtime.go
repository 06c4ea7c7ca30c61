package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gulfbridge/crm-automation/cmd/mainconfig"
	appconfig "github.com/gulfbridge/crm-automation/internal/config"
	"github.com/gulfbridge/crm-automation/internal/messaging"
	"github.com/gulfbridge/crm-automation/internal/queue"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// BuildPostgresPool connects to Postgres. Both binaries refuse to start
// without a database.
func BuildPostgresPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildQueue picks the event queue backend. Memory in development, SQS
// everywhere else.
func BuildQueue(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (queue.Client, error) {
	if cfg.UseMemoryQueue {
		logger.Info("using in-memory event queue")
		return queue.NewMemory(0), nil
	}
	if strings.TrimSpace(cfg.EventQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: EVENT_QUEUE_URL is required when USE_MEMORY_QUEUE=false")
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failed to load AWS config: %w", err)
	}
	return queue.NewSQS(sqs.NewFromConfig(awsCfg), cfg.EventQueueURL), nil
}

// BuildProvider returns the Graph API provider when a token is configured,
// otherwise the logging stub so development runs never call Meta.
func BuildProvider(cfg *appconfig.Config, logger *logging.Logger) (messaging.Provider, error) {
	if strings.TrimSpace(cfg.GraphAccessToken) == "" {
		logger.Warn("no graph access token configured, outbound sends are stubbed")
		return messaging.NewStubProvider(logger), nil
	}
	return messaging.NewGraphProvider(messaging.GraphConfig{
		BaseURL:       cfg.GraphBaseURL,
		AccessToken:   cfg.GraphAccessToken,
		PhoneNumberID: cfg.GraphPhoneNumberID,
		PageID:        cfg.GraphPageID,
		Timeout:       cfg.ProviderSendTimeout,
		Logger:        logger,
	})
}
