package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/observability/metrics"
	"github.com/gulfbridge/crm-automation/internal/queue"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// maxWebhookBody caps how much of a provider payload we will read.
const maxWebhookBody = 1 << 20

// DedupeChecker is the read side of the ledger used for fast rejection of
// replays at the edge. The worker's ledger insert stays authoritative.
type DedupeChecker interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// WebhookHandler accepts pre-verified provider payloads, normalizes them and
// enqueues work for the automation worker. Signature verification happens
// upstream; this handler never sees an unverified request.
type WebhookHandler struct {
	ledger      DedupeChecker
	queue       queue.Client
	verifyToken string
	metrics     *metrics.AutomationMetrics
	logger      *logging.Logger
}

// NewWebhookHandler creates the ingress handler.
func NewWebhookHandler(ledger DedupeChecker, q queue.Client, verifyToken string, m *metrics.AutomationMetrics, logger *logging.Logger) *WebhookHandler {
	if q == nil {
		panic("handlers: webhook queue is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		ledger:      ledger,
		queue:       q,
		verifyToken: verifyToken,
		metrics:     m,
		logger:      logger,
	}
}

// Verify answers the provider's subscription handshake.
// GET /webhooks/events?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

type webhookResponse struct {
	Received   int `json:"received"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
}

// Receive ingests one provider delivery. Always answers 200 once the body is
// parsed; providers treat non-2xx as an invitation to redeliver, and the
// ledger makes redelivery harmless anyway.
// POST /webhooks/events
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	normalized := events.Normalize(body)
	resp := webhookResponse{Received: len(normalized)}

	for _, event := range normalized {
		if h.isDuplicate(r.Context(), event) {
			resp.Duplicates++
			h.metrics.ObserveEvent(string(event.Type), "duplicate")
			continue
		}
		if err := queue.PublishEvent(r.Context(), h.queue, event); err != nil {
			h.logger.Error("failed to enqueue event",
				"type", string(event.Type),
				"message_id", event.MessageID,
				"error", err,
			)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		resp.Enqueued++
		h.metrics.ObserveWebhookLatency(string(event.Type), time.Since(start).Seconds())
	}

	if resp.Received == 0 {
		h.logger.Debug("webhook payload produced no events", "bytes", len(body))
	}
	writeJSON(w, http.StatusOK, resp)
}

// isDuplicate consults the ledger read path. Errors degrade to "not seen";
// the worker's insert is the real guard.
func (h *WebhookHandler) isDuplicate(ctx context.Context, event events.NormalizedEvent) bool {
	key := event.DedupeKey()
	if key == "" || h.ledger == nil {
		return false
	}
	seen, err := h.ledger.Seen(ctx, key)
	if err != nil {
		h.logger.Warn("ledger check failed at ingress", "key", key, "error", err)
		return false
	}
	return seen
}
