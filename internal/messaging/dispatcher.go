package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/observability/metrics"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// DedupeRecorder is the slice of the ledger the dispatcher needs.
type DedupeRecorder interface {
	Record(ctx context.Context, key string) (bool, error)
}

// ConversationToucher stamps the conversation's outbound timestamp after a
// successful provider send.
type ConversationToucher interface {
	TouchOutbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error
}

// SendRequest is a logical outbound send.
type SendRequest struct {
	ConversationID uuid.UUID
	Channel        events.Channel
	Recipient      string
	Text           string
	// TriggerMessageID is the provider id of the inbound event that caused
	// this send, when there is one. Keying on it makes webhook replays
	// harmless even if the rule engine runs twice.
	TriggerMessageID string
	ReplyType        string
	// FlowStep, when set, replaces the content hash in the dedupe key so a
	// reworded template is still the same logical step.
	FlowStep string
}

// SendResult reports the outcome of a logical send.
type SendResult struct {
	Success      bool
	MessageID    uuid.UUID
	WasDuplicate bool
	Err          error
}

// Dispatcher guarantees at most one physical provider call per logical send.
// The ledger insert happens before the provider call, so the storage layer's
// uniqueness constraint is the serialization point; no in-process lock is
// involved and horizontally scaled deployments behave identically.
type Dispatcher struct {
	ledger        DedupeRecorder
	store         *Store
	provider      Provider
	conversations ConversationToucher
	metrics       *metrics.AutomationMetrics
	sendTimeout   time.Duration
	logger        *logging.Logger
}

// NewDispatcher creates an idempotent outbound dispatcher. The conversation
// toucher and the metrics sink may be nil.
func NewDispatcher(ledger DedupeRecorder, store *Store, provider Provider,
	conversations ConversationToucher, m *metrics.AutomationMetrics,
	sendTimeout time.Duration, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		ledger:        ledger,
		store:         store,
		provider:      provider,
		conversations: conversations,
		metrics:       m,
		sendTimeout:   sendTimeout,
		logger:        logger,
	}
}

// DedupeKey computes the deterministic ledger key for a request.
func (r SendRequest) DedupeKey() string {
	trigger := r.TriggerMessageID
	if trigger == "" {
		trigger = "none"
	}
	tail := r.FlowStep
	if tail == "" {
		sum := sha256.Sum256([]byte(r.Text))
		tail = hex.EncodeToString(sum[:8])
	}
	return strings.Join([]string{"outbound", r.ConversationID.String(), trigger, r.ReplyType, tail}, ":")
}

// Send performs the logical send. Ordering is deliberate:
//
//  1. insert the ledger row — a conflict means another caller (replay,
//     concurrent trigger, manual resend) already owns this send;
//  2. call the provider with a bounded timeout;
//  3. persist the message row with the outcome and, on success, stamp
//     the conversation's outbound timestamp.
//
// On provider failure the ledger row is kept: a failed send was still
// attempted, and retrying is an explicit new action with a new key.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) SendResult {
	if req.ConversationID == uuid.Nil || req.Recipient == "" || req.Text == "" {
		return SendResult{Err: fmt.Errorf("messaging: conversation, recipient and text required")}
	}

	key := req.DedupeKey()
	inserted, err := d.ledger.Record(ctx, key)
	if err != nil {
		return SendResult{Err: fmt.Errorf("messaging: reserve send: %w", err)}
	}
	if !inserted {
		d.metrics.ObserveOutbound("sent", true)
		d.logger.Info("outbound send deduplicated",
			"conversation_id", req.ConversationID,
			"dedupe_key", key,
		)
		return SendResult{Success: true, WasDuplicate: true}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	providerRes, sendErr := d.provider.Send(sendCtx, ProviderRequest{
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Text:      req.Text,
	})

	msg := &Message{
		ConversationID: req.ConversationID,
		Direction:      DirectionOutbound,
		Channel:        req.Channel,
		Body:           req.Text,
		DedupeKey:      key,
	}
	if sendErr != nil {
		msg.Status = StatusFailed
	} else {
		msg.Status = StatusSent
		msg.ProviderMessageID = providerRes.ProviderMessageID
	}

	msgID, insertErr := d.store.Insert(ctx, msg)
	if insertErr != nil {
		// The send outcome matters more than the bookkeeping row.
		d.logger.Warn("failed to persist outbound message",
			"error", insertErr,
			"conversation_id", req.ConversationID,
		)
	}

	if sendErr != nil {
		d.metrics.ObserveOutbound("failed", false)
		d.logger.Error("outbound send failed",
			"conversation_id", req.ConversationID,
			"channel", req.Channel,
			"error", sendErr,
		)
		return SendResult{MessageID: msgID, Err: fmt.Errorf("messaging: provider send: %w", sendErr)}
	}

	if d.conversations != nil {
		if err := d.conversations.TouchOutbound(ctx, req.ConversationID, time.Now().UTC()); err != nil {
			d.logger.Warn("failed to stamp outbound timestamp",
				"conversation_id", req.ConversationID,
				"error", err,
			)
		}
	}

	d.metrics.ObserveOutbound("sent", false)
	d.logger.Info("outbound message sent",
		"conversation_id", req.ConversationID,
		"channel", req.Channel,
		"provider_message_id", providerRes.ProviderMessageID,
	)
	return SendResult{Success: true, MessageID: msgID}
}
