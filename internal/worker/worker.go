package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/messaging"
	"github.com/gulfbridge/crm-automation/internal/observability/metrics"
	"github.com/gulfbridge/crm-automation/internal/queue"
	"github.com/gulfbridge/crm-automation/internal/rules"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// casRetries bounds how many times an inbound apply retries on a stale
// state version before giving up. Giving up hands the event back to the
// queue; redelivery retries the apply from the top.
const casRetries = 3

// DedupeLedger checks and records processed-event keys.
type DedupeLedger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) (bool, error)
}

// ConversationStore is the conversation surface the worker needs.
type ConversationStore interface {
	FindOpen(ctx context.Context, contactID string, channel events.Channel) (*conversation.State, error)
	FindOpenByLead(ctx context.Context, leadID uuid.UUID) (*conversation.State, error)
	FindOrCreateOpen(ctx context.Context, leadID uuid.UUID, contactID string, channel events.Channel, externalThreadID string) (*conversation.State, error)
	LoadState(ctx context.Context, conversationID uuid.UUID) (*conversation.State, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, state conversation.State) error
}

// MessageWriter persists inbound message rows.
type MessageWriter interface {
	Insert(ctx context.Context, msg *messaging.Message) (uuid.UUID, error)
	RecentInboundText(ctx context.Context, leadID uuid.UUID, limit int) ([]string, error)
}

// LeadStore is the lead surface the worker needs.
type LeadStore interface {
	Create(ctx context.Context, req *leads.CreateLeadRequest) (*leads.Lead, error)
	GetByID(ctx context.Context, id uuid.UUID) (*leads.Lead, error)
	ListExpiring(ctx context.Context, before time.Time) ([]leads.Lead, error)
}

// RuleSource lists the active rules for a trigger.
type RuleSource interface {
	ListActive(ctx context.Context, trigger rules.TriggerKind) ([]rules.Rule, error)
}

// RuleRunner evaluates a rule batch for one lead.
type RuleRunner interface {
	RunAll(ctx context.Context, ruleSet []rules.Rule, leadID uuid.UUID, trigger rules.TriggerKind, loader rules.ContextLoader) []rules.RunResult
}

type workerConfig struct {
	workers          int
	receiveBatchSize int
	receiveWaitSecs  int
	sweepInterval    time.Duration
	expiryWindowDays int
	defaultRegion    string
}

// Option configures the worker.
type Option func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) Option {
	return func(c *workerConfig) {
		if count > 0 {
			c.workers = count
		}
	}
}

// WithExpirySweep enables the periodic EXPIRY_WINDOW pass.
func WithExpirySweep(interval time.Duration, windowDays int) Option {
	return func(c *workerConfig) {
		c.sweepInterval = interval
		if windowDays > 0 {
			c.expiryWindowDays = windowDays
		}
	}
}

// WithDefaultRegion sets the region used to normalize bare phone numbers.
func WithDefaultRegion(region string) Option {
	return func(c *workerConfig) {
		if region != "" {
			c.defaultRegion = region
		}
	}
}

// Worker consumes normalized events off the queue and drives the pipeline:
// ledger check, conversation resolution, state machine apply, rule run.
// Delivery is at-least-once; every step downstream of the ledger is keyed or
// version-checked so a replay is harmless.
type Worker struct {
	queue         queue.Client
	ledger        DedupeLedger
	leads         LeadStore
	conversations ConversationStore
	messages      MessageWriter
	ruleSource    RuleSource
	engine        RuleRunner
	extractor     conversation.FieldExtractor
	metrics       *metrics.AutomationMetrics
	logger        *logging.Logger
	cfg           workerConfig
	wg            sync.WaitGroup
}

// New wires a worker. The metrics sink may be nil.
func New(q queue.Client, ledger DedupeLedger, leadStore LeadStore, convStore ConversationStore,
	msgStore MessageWriter, ruleSource RuleSource, engine RuleRunner,
	m *metrics.AutomationMetrics, logger *logging.Logger, opts ...Option) *Worker {
	if q == nil {
		panic("worker: queue is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          2,
		receiveBatchSize: 10,
		receiveWaitSecs:  10,
		expiryWindowDays: 60,
		defaultRegion:    "AE",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		queue:         q,
		ledger:        ledger,
		leads:         leadStore,
		conversations: convStore,
		messages:      msgStore,
		ruleSource:    ruleSource,
		engine:        engine,
		extractor:     conversation.NewKeywordExtractor(),
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
	}
}

// Start launches the consumer goroutines and, when configured, the expiry
// sweep ticker. It returns immediately; use Wait for shutdown.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
	if w.cfg.sweepInterval > 0 {
		w.wg.Add(1)
		go w.runSweeper(ctx)
	}
}

// Wait blocks until all goroutines have drained.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("automation worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("automation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive automation jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) {
	job, err := queue.DecodeJob(msg.Body)
	if err != nil {
		w.logger.Error("failed to decode automation job", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	switch job.Kind {
	case queue.JobInboundEvent:
		if job.Event == nil {
			w.logger.Error("inbound event job with no event", "job_id", job.ID)
			w.deleteMessage(context.Background(), msg.ReceiptHandle)
			return
		}
		if err := w.HandleEvent(ctx, *job.Event); err != nil {
			// Leave the message on the queue. The event key is recorded only
			// after the pipeline succeeds, so redelivery reruns the whole
			// pipeline; every step is keyed or version-checked and a partial
			// first attempt is absorbed.
			w.logger.Error("event processing failed, leaving for redelivery",
				"job_id", job.ID, "error", err)
			return
		}
	case queue.JobExpirySweep:
		if err := w.RunExpirySweep(ctx); err != nil {
			w.logger.Error("expiry sweep failed", "job_id", job.ID, "error", err)
			return
		}
	default:
		w.logger.Warn("unknown job kind dropped", "kind", string(job.Kind), "job_id", job.ID)
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

// HandleEvent runs the pipeline for one normalized event. Exported so the
// API process can run the worker inline with a memory queue.
func (w *Worker) HandleEvent(ctx context.Context, event events.NormalizedEvent) error {
	key := event.DedupeKey()
	if key != "" {
		seen, err := w.ledger.Seen(ctx, key)
		if err != nil {
			return fmt.Errorf("worker: ledger check: %w", err)
		}
		if seen {
			w.metrics.ObserveEvent(string(event.Type), "duplicate")
			w.logger.Debug("duplicate event dropped", "key", key)
			return nil
		}
	}

	switch event.Type {
	case events.TypeMessage, events.TypePostback:
		if err := w.handleInbound(ctx, event); err != nil {
			w.metrics.ObserveEvent(string(event.Type), "error")
			return err
		}
	case events.TypeLeadgen:
		if err := w.handleLeadgen(ctx, event); err != nil {
			w.metrics.ObserveEvent(string(event.Type), "error")
			return err
		}
	default:
		// Delivery and read receipts carry no qualification signal.
		w.metrics.ObserveEvent(string(event.Type), "ignored")
		return nil
	}

	// Record only after every effect above has persisted. Failing earlier
	// leaves the message on the queue and a later redelivery, which passes
	// the Seen check, reruns the pipeline instead of losing the event. Two
	// racing deliveries may both get past Seen; the message dedupe index,
	// the state version check and the action idempotency keys settle that.
	if key != "" {
		if _, err := w.ledger.Record(ctx, key); err != nil {
			return fmt.Errorf("worker: ledger record: %w", err)
		}
	}

	w.metrics.ObserveEvent(string(event.Type), "processed")
	return nil
}

func (w *Worker) handleInbound(ctx context.Context, event events.NormalizedEvent) error {
	if event.SenderID == "" {
		w.logger.Warn("inbound event without sender dropped", "message_id", event.MessageID)
		return nil
	}

	state, err := w.resolveConversation(ctx, event)
	if err != nil {
		return err
	}

	text := event.Text
	if text == "" {
		text = event.PostbackPayload
	}

	if _, err := w.messages.Insert(ctx, &messaging.Message{
		ConversationID:    state.ConversationID,
		Direction:         messaging.DirectionInbound,
		Channel:           event.Channel,
		Body:              text,
		ProviderMessageID: event.MessageID,
		Status:            messaging.StatusReceived,
		DedupeKey:         event.DedupeKey(),
	}); err != nil {
		return fmt.Errorf("worker: record inbound: %w", err)
	}

	if err := w.applyInbound(ctx, state, text, event.Timestamp); err != nil {
		return err
	}

	loader := NewContextLoader(w.leads, w.conversations, w.messages).
		WithTrigger(event.MessageID, event.Channel)
	w.runRules(ctx, state.LeadID, rules.TriggerInboundMessage, loader)
	return nil
}

// applyInbound pushes the text through the state machine under optimistic
// concurrency. Two racing webhook deliveries both read the same version;
// exactly one write lands, the other re-reads and reapplies.
func (w *Worker) applyInbound(ctx context.Context, state *conversation.State, text string, at time.Time) error {
	current := state
	for attempt := 0; attempt < casRetries; attempt++ {
		next := conversation.ApplyInboundText(*current, text, w.extractor)
		if !at.IsZero() {
			t := at.UTC()
			next.LastInboundAt = &t
		}

		err := w.conversations.CompareAndSwap(ctx, current.StateVersion, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, conversation.ErrVersionConflict) {
			return fmt.Errorf("worker: apply inbound: %w", err)
		}

		current, err = w.conversations.LoadState(ctx, state.ConversationID)
		if err != nil {
			return fmt.Errorf("worker: reload after conflict: %w", err)
		}
	}
	return fmt.Errorf("worker: apply inbound: gave up after %d version conflicts", casRetries)
}

// resolveConversation finds the open conversation for the sender or opens
// one, creating a lead on first contact.
func (w *Worker) resolveConversation(ctx context.Context, event events.NormalizedEvent) (*conversation.State, error) {
	state, err := w.conversations.FindOpen(ctx, event.SenderID, event.Channel)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, conversation.ErrNotFound) {
		return nil, fmt.Errorf("worker: find conversation: %w", err)
	}

	lead, err := w.createLeadForContact(ctx, event)
	if err != nil {
		return nil, err
	}

	state, err = w.conversations.FindOrCreateOpen(ctx, lead.ID, event.SenderID, event.Channel, "")
	if err != nil {
		return nil, fmt.Errorf("worker: open conversation: %w", err)
	}
	return state, nil
}

func (w *Worker) createLeadForContact(ctx context.Context, event events.NormalizedEvent) (*leads.Lead, error) {
	phone := event.SenderID
	if event.Channel == events.ChannelWhatsApp {
		if normalized, err := messaging.NormalizePhone(event.SenderID, w.cfg.defaultRegion); err == nil {
			phone = normalized
		}
	}

	lead, err := w.leads.Create(ctx, &leads.CreateLeadRequest{
		Name:   fmt.Sprintf("New %s contact", event.Channel),
		Phone:  phone,
		Source: string(event.Channel),
	})
	if err != nil {
		return nil, fmt.Errorf("worker: create lead: %w", err)
	}
	w.logger.Info("lead created on first contact",
		"lead_id", lead.ID,
		"channel", string(event.Channel),
	)
	return lead, nil
}

func (w *Worker) handleLeadgen(ctx context.Context, event events.NormalizedEvent) error {
	lead, err := w.leads.Create(ctx, &leads.CreateLeadRequest{
		Name:   fmt.Sprintf("Lead ad %s", event.LeadgenID),
		Phone:  event.SenderID,
		Source: "leadgen:" + event.FormID,
	})
	if errors.Is(err, leads.ErrMissingContact) {
		// The form submission carries no reachable contact; nothing to work.
		w.logger.Warn("leadgen event without contact dropped", "leadgen_id", event.LeadgenID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: create leadgen lead: %w", err)
	}
	w.logger.Info("lead created from lead ad", "lead_id", lead.ID, "form_id", event.FormID)

	loader := NewContextLoader(w.leads, w.conversations, w.messages)
	w.runRules(ctx, lead.ID, rules.TriggerInboundMessage, loader)
	return nil
}

func (w *Worker) runRules(ctx context.Context, leadID uuid.UUID, trigger rules.TriggerKind, loader rules.ContextLoader) {
	ruleSet, err := w.ruleSource.ListActive(ctx, trigger)
	if err != nil {
		w.logger.Error("failed to list rules", "trigger", string(trigger), "error", err)
		return
	}
	if len(ruleSet) == 0 {
		return
	}

	logger := w.logger.WithLead(leadID)
	for _, result := range w.engine.RunAll(ctx, ruleSet, leadID, trigger, loader) {
		w.metrics.ObserveRuleRun(string(trigger), result.Status)
		if result.Status == rules.StatusError {
			logger.Error("rule run errored",
				"rule", result.RuleName,
				"reason", result.Reason,
			)
		}
	}
}

func (w *Worker) runSweeper(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunExpirySweep(ctx); err != nil {
				w.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// RunExpirySweep evaluates EXPIRY_WINDOW rules for every lead whose renewal
// falls inside the window. Safe to invoke from overlapping cron ticks: the
// per-rule cooldown and task idempotency keys absorb the overlap.
func (w *Worker) RunExpirySweep(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, w.cfg.expiryWindowDays)
	expiring, err := w.leads.ListExpiring(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("worker: list expiring: %w", err)
	}
	if len(expiring) == 0 {
		return nil
	}

	w.logger.Info("expiry sweep", "window_days", w.cfg.expiryWindowDays, "leads", len(expiring))
	for _, lead := range expiring {
		loader := NewContextLoader(w.leads, w.conversations, w.messages)
		w.runRules(ctx, lead.ID, rules.TriggerExpiryWindow, loader)
	}
	return nil
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete automation job", "error", err)
	}
}
