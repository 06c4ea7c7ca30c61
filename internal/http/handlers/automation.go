package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/rules"
	"github.com/gulfbridge/crm-automation/internal/tasks"
	"github.com/gulfbridge/crm-automation/internal/worker"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// quoteCASRetries bounds the mark-quoted retry loop.
const quoteCASRetries = 3

// Scheduler is the follow-up scheduling surface.
type Scheduler interface {
	Schedule(ctx context.Context, leadID, businessEventID uuid.UUID, occurredAt time.Time) (created, skipped int, err error)
}

// RuleRunner evaluates a rule batch for one lead.
type RuleRunner interface {
	RunAll(ctx context.Context, ruleSet []rules.Rule, leadID uuid.UUID, trigger rules.TriggerKind, loader rules.ContextLoader) []rules.RunResult
}

// RuleSource lists active rules for a trigger.
type RuleSource interface {
	ListActive(ctx context.Context, trigger rules.TriggerKind) ([]rules.Rule, error)
}

// ConversationStates is the conversation surface the admin API needs.
type ConversationStates interface {
	FindOpenByLead(ctx context.Context, leadID uuid.UUID) (*conversation.State, error)
	LoadState(ctx context.Context, conversationID uuid.UUID) (*conversation.State, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, state conversation.State) error
}

// LeadAdmin is the lead surface the admin API needs.
type LeadAdmin interface {
	GetByID(ctx context.Context, id uuid.UUID) (*leads.Lead, error)
	UpdateStage(ctx context.Context, id uuid.UUID, stage leads.Stage) error
}

// TaskLister reads a lead's tasks for the admin surface.
type TaskLister interface {
	ListOpenByLead(ctx context.Context, leadID uuid.UUID) ([]tasks.Task, error)
	CountByKeyPrefix(ctx context.Context, prefix string) (int, error)
}

// InboundReader feeds recent inbound text into rule contexts.
type InboundReader interface {
	RecentInboundText(ctx context.Context, leadID uuid.UUID, limit int) ([]string, error)
}

// AutomationHandler exposes the admin surface of the engagement pipeline:
// manual rule runs, quote-sent processing and state inspection.
type AutomationHandler struct {
	ruleSource    RuleSource
	engine        RuleRunner
	scheduler     Scheduler
	conversations ConversationStates
	leads         LeadAdmin
	tasks         TaskLister
	messages      InboundReader
	logger        *logging.Logger
}

// NewAutomationHandler creates the admin automation handler.
func NewAutomationHandler(ruleSource RuleSource, engine RuleRunner, scheduler Scheduler,
	convStore ConversationStates, leadRepo LeadAdmin, taskStore TaskLister,
	msgStore InboundReader, logger *logging.Logger) *AutomationHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AutomationHandler{
		ruleSource:    ruleSource,
		engine:        engine,
		scheduler:     scheduler,
		conversations: convStore,
		leads:         leadRepo,
		tasks:         taskStore,
		messages:      msgStore,
		logger:        logger,
	}
}

type runRulesRequest struct {
	Trigger string `json:"trigger"`
}

type runRulesResponse struct {
	Results []rules.RunResult `json:"results"`
}

// RunRules evaluates every active rule of a trigger kind against one lead.
// POST /admin/leads/{leadID}/rules/run
func (h *AutomationHandler) RunRules(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseLeadID(w, r)
	if !ok {
		return
	}

	var req runRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trigger := rules.TriggerKind(req.Trigger)
	switch trigger {
	case rules.TriggerInboundMessage, rules.TriggerStageChange, rules.TriggerExpiryWindow:
	default:
		http.Error(w, "unknown trigger kind", http.StatusBadRequest)
		return
	}

	ruleSet, err := h.ruleSource.ListActive(r.Context(), trigger)
	if err != nil {
		h.logger.Error("failed to list rules", "error", err)
		http.Error(w, "failed to list rules", http.StatusInternalServerError)
		return
	}

	loader := worker.NewContextLoader(h.leads, h.conversations, h.messages)
	results := h.engine.RunAll(r.Context(), ruleSet, leadID, trigger, loader)
	writeJSON(w, http.StatusOK, runRulesResponse{Results: results})
}

type quoteSentRequest struct {
	EventID    string     `json:"event_id,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

type quoteSentResponse struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	// TotalScheduled counts every follow-up ever scheduled for the lead,
	// across all quote events.
	TotalScheduled int `json:"total_scheduled"`
}

// QuoteSent records a quote-sent business event: the open conversation moves
// to QUOTED and the follow-up cadence is scheduled. Calling it again for the
// same event id schedules nothing new.
// POST /admin/leads/{leadID}/quote-sent
func (h *AutomationHandler) QuoteSent(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseLeadID(w, r)
	if !ok {
		return
	}

	var req quoteSentRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	eventID := uuid.Nil
	if req.EventID != "" {
		parsed, err := uuid.Parse(req.EventID)
		if err != nil {
			http.Error(w, "invalid event_id", http.StatusBadRequest)
			return
		}
		eventID = parsed
	}
	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	if err := h.markQuoted(r.Context(), leadID); err != nil {
		h.logger.Error("failed to mark conversation quoted", "lead_id", leadID, "error", err)
		http.Error(w, "failed to update conversation", http.StatusInternalServerError)
		return
	}

	created, skipped, err := h.scheduler.Schedule(r.Context(), leadID, eventID, occurredAt)
	if err != nil {
		if errors.Is(err, leads.ErrLeadNotFound) {
			http.Error(w, "lead not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to schedule follow-ups", "lead_id", leadID, "error", err)
		http.Error(w, "failed to schedule follow-ups", http.StatusInternalServerError)
		return
	}

	total, err := h.tasks.CountByKeyPrefix(r.Context(), fmt.Sprintf("quote_followup:%s:", leadID))
	if err != nil {
		// The cadence is already scheduled; the count is advisory.
		h.logger.Warn("failed to count follow-ups", "lead_id", leadID, "error", err)
	}

	writeJSON(w, http.StatusOK, quoteSentResponse{Created: created, Skipped: skipped, TotalScheduled: total})
}

// markQuoted forces the lead's open conversation to QUOTED under the usual
// CAS discipline. No open conversation is fine; quotes go out over email too.
func (h *AutomationHandler) markQuoted(ctx context.Context, leadID uuid.UUID) error {
	state, err := h.conversations.FindOpenByLead(ctx, leadID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for attempt := 0; attempt < quoteCASRetries; attempt++ {
		err = h.conversations.CompareAndSwap(ctx, state.StateVersion, conversation.MarkQuoteSent(*state))
		if err == nil || !errors.Is(err, conversation.ErrVersionConflict) {
			return err
		}
		state, err = h.conversations.LoadState(ctx, state.ConversationID)
		if err != nil {
			return err
		}
	}
	return conversation.ErrVersionConflict
}

type stageRequest struct {
	Stage string `json:"stage"`
}

type stageResponse struct {
	From    leads.Stage       `json:"from"`
	To      leads.Stage       `json:"to"`
	Results []rules.RunResult `json:"results,omitempty"`
}

// UpdateStage moves a lead through the pipeline and fires STAGE_CHANGE rules.
// PATCH /admin/leads/{leadID}/stage
func (h *AutomationHandler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseLeadID(w, r)
	if !ok {
		return
	}

	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	stage := leads.Stage(req.Stage)
	if !leads.IsKnownStage(stage) {
		http.Error(w, "unknown stage", http.StatusBadRequest)
		return
	}

	lead, err := h.leads.GetByID(r.Context(), leadID)
	if err != nil {
		if errors.Is(err, leads.ErrLeadNotFound) {
			http.Error(w, "lead not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load lead", http.StatusInternalServerError)
		return
	}
	from := lead.Stage

	if err := h.leads.UpdateStage(r.Context(), leadID, stage); err != nil {
		h.logger.Error("failed to update stage", "lead_id", leadID, "error", err)
		http.Error(w, "failed to update stage", http.StatusInternalServerError)
		return
	}

	resp := stageResponse{From: from, To: stage}
	if from != stage {
		ruleSet, err := h.ruleSource.ListActive(r.Context(), rules.TriggerStageChange)
		if err != nil {
			h.logger.Error("failed to list stage change rules", "error", err)
		} else if len(ruleSet) > 0 {
			loader := worker.NewContextLoader(h.leads, h.conversations, h.messages).
				WithStageChange(from, stage)
			resp.Results = h.engine.RunAll(r.Context(), ruleSet, leadID, rules.TriggerStageChange, loader)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetConversationState returns the merged state snapshot.
// GET /admin/conversations/{conversationID}/state
func (h *AutomationHandler) GetConversationState(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	state, err := h.conversations.LoadState(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load state", "conversation_id", conversationID, "error", err)
		http.Error(w, "failed to load state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListTasks returns a lead's open tasks ordered by due date.
// GET /admin/leads/{leadID}/tasks
func (h *AutomationHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseLeadID(w, r)
	if !ok {
		return
	}

	open, err := h.tasks.ListOpenByLead(r.Context(), leadID)
	if err != nil {
		h.logger.Error("failed to list tasks", "lead_id", leadID, "error", err)
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": open})
}

func parseLeadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	leadID, err := uuid.Parse(chi.URLParam(r, "leadID"))
	if err != nil {
		http.Error(w, "invalid lead id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return leadID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
