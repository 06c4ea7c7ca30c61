package bootstrap

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/gulfbridge/crm-automation/internal/config"
	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/followup"
	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/messaging"
	"github.com/gulfbridge/crm-automation/internal/observability/metrics"
	"github.com/gulfbridge/crm-automation/internal/rules"
	"github.com/gulfbridge/crm-automation/internal/tasks"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// Automation bundles the stores and services both binaries share. The API
// server hands pieces to its handlers; the worker hands them to the consumer.
type Automation struct {
	Ledger        *events.Ledger
	Leads         *leads.PostgresRepository
	Conversations *conversation.Store
	Messages      *messaging.Store
	Tasks         *tasks.Store
	Rules         *rules.Store
	Dispatcher    *messaging.Dispatcher
	Engine        *rules.Engine
	Scheduler     *followup.Scheduler
	Metrics       *metrics.AutomationMetrics
}

// BuildAutomation wires the full automation core on top of an open pool.
// The Redis client may be nil; rule cooldowns then run in-process only.
func BuildAutomation(pool *pgxpool.Pool, redisClient *redis.Client, provider messaging.Provider,
	cfg *appconfig.Config, logger *logging.Logger) *Automation {
	ledger := events.NewLedger(pool)
	leadRepo := leads.NewPostgresRepository(pool)
	convStore := conversation.NewStore(pool)
	msgStore := messaging.NewStore(pool)
	taskStore := tasks.NewStore(pool)
	ruleStore := rules.NewStore(pool)

	m := metrics.NewAutomationMetrics(nil)
	dispatcher := messaging.NewDispatcher(ledger, msgStore, provider, convStore, m, cfg.ProviderSendTimeout, logger)

	var cooldowns rules.CooldownStore = rules.NewMemoryCooldowns()
	if redisClient != nil {
		cooldowns = rules.NewRedisCooldowns(redisClient)
	}
	engine := rules.NewEngine(dispatcher, taskStore, leadRepo, convStore, cooldowns, logger)

	schedOpts := []followup.Option{followup.WithMetrics(m)}
	if cfg.FollowUpHourUTC >= 0 {
		schedOpts = append(schedOpts, followup.WithDueHour(cfg.FollowUpHourUTC))
	}
	scheduler := followup.NewScheduler(taskStore, leadRepo, logger, schedOpts...)

	return &Automation{
		Ledger:        ledger,
		Leads:         leadRepo,
		Conversations: convStore,
		Messages:      msgStore,
		Tasks:         taskStore,
		Rules:         ruleStore,
		Dispatcher:    dispatcher,
		Engine:        engine,
		Scheduler:     scheduler,
		Metrics:       m,
	}
}
