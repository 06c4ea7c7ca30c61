package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/messaging"
	"github.com/gulfbridge/crm-automation/internal/tasks"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// OutboundSender is the dispatcher surface the engine needs.
type OutboundSender interface {
	Send(ctx context.Context, req messaging.SendRequest) messaging.SendResult
}

// TaskCreator creates tasks under the idempotency-key discipline.
type TaskCreator interface {
	CreateIdempotent(ctx context.Context, task *tasks.Task) (bool, error)
}

// LeadMutator is the lead repository surface used by actions.
type LeadMutator interface {
	SetPriority(ctx context.Context, id uuid.UUID, priority leads.Priority) error
	SetNextFollowUp(ctx context.Context, id uuid.UUID, at time.Time) error
}

// StateSwapper applies CAS mutations to conversation state (REQUALIFY_LEAD).
type StateSwapper interface {
	LoadState(ctx context.Context, conversationID uuid.UUID) (*conversation.State, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, state conversation.State) error
}

// ContextLoader builds the evaluation context for one lead. Loaded fresh per
// rule run so one failing load can not poison a batch.
type ContextLoader interface {
	Load(ctx context.Context, leadID uuid.UUID, trigger TriggerKind) (*Context, error)
}

// Engine evaluates automation rules. Each run is stateless given its inputs;
// the only cross-run state is the cooldown record.
type Engine struct {
	sender    OutboundSender
	taskStore TaskCreator
	leadRepo  LeadMutator
	convStore StateSwapper
	cooldowns CooldownStore
	logger    *logging.Logger
}

// NewEngine wires the rule engine's collaborators.
func NewEngine(sender OutboundSender, taskStore TaskCreator, leadRepo LeadMutator, convStore StateSwapper, cooldowns CooldownStore, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		sender:    sender,
		taskStore: taskStore,
		leadRepo:  leadRepo,
		convStore: convStore,
		cooldowns: cooldowns,
		logger:    logger,
	}
}

// Evaluate runs one rule against one context. All business outcomes come back
// as a RunResult; only the context itself reaching cancellation propagates.
func (e *Engine) Evaluate(ctx context.Context, rule Rule, rctx *Context) RunResult {
	result := RunResult{RuleID: rule.ID, RuleName: rule.Name}

	if !rule.Active {
		result.Status = StatusSkippedInactive
		return result
	}
	if rule.Trigger != rctx.Trigger {
		result.Status = StatusSkippedTrigger
		result.Reason = fmt.Sprintf("rule trigger %s, got %s", rule.Trigger, rctx.Trigger)
		return result
	}
	if rctx.Lead == nil {
		result.Status = StatusError
		result.Reason = "context has no lead"
		return result
	}

	if reason, ok := e.matchConditions(rule.Conditions, rctx); !ok {
		result.Status = StatusSkippedConditions
		result.Reason = reason
		return result
	}

	if rule.Conditions.CooldownMinutes > 0 {
		window := time.Duration(rule.Conditions.CooldownMinutes) * time.Minute
		acquired, err := e.cooldowns.TryAcquire(ctx, rule.ID, rctx.Lead.ID, window)
		if err != nil {
			// Refusing to fire on an unreadable cooldown is the safe side:
			// a skipped reply beats a duplicated one.
			result.Status = StatusError
			result.Reason = err.Error()
			return result
		}
		if !acquired {
			result.Status = StatusSkippedCooldown
			result.Reason = fmt.Sprintf("cooling down for %d minutes", rule.Conditions.CooldownMinutes)
			e.logger.Info("rule skipped by cooldown", "rule", rule.Name, "lead_id", rctx.Lead.ID)
			return result
		}
	}

	// Actions run strictly in declared order; a failure is collected and the
	// rest still execute.
	for i, action := range rule.Actions {
		if err := e.executeAction(ctx, action, rctx); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("action %d (%s): %v", i, action.Kind, err))
			e.logger.Error("rule action failed",
				"rule", rule.Name,
				"action", string(action.Kind),
				"lead_id", rctx.Lead.ID,
				"error", err,
			)
			continue
		}
		result.ActionsExecuted++
	}

	result.Status = StatusExecuted
	e.logger.Info("rule executed",
		"rule", rule.Name,
		"lead_id", rctx.Lead.ID,
		"actions_executed", result.ActionsExecuted,
		"action_errors", len(result.Errors),
	)
	return result
}

// RunAll evaluates a batch of rules for one lead. Context is loaded per rule
// run and a load failure (or panic) is isolated to that run.
func (e *Engine) RunAll(ctx context.Context, ruleSet []Rule, leadID uuid.UUID, trigger TriggerKind, loader ContextLoader) []RunResult {
	results := make([]RunResult, 0, len(ruleSet))
	for _, rule := range ruleSet {
		results = append(results, e.runIsolated(ctx, rule, leadID, trigger, loader))
	}
	return results
}

func (e *Engine) runIsolated(ctx context.Context, rule Rule, leadID uuid.UUID, trigger TriggerKind, loader ContextLoader) (result RunResult) {
	defer func() {
		if r := recover(); r != nil {
			result = RunResult{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Status:   StatusError,
				Reason:   fmt.Sprintf("panic: %v", r),
			}
			e.logger.Error("rule run panicked", "rule", rule.Name, "lead_id", leadID, "panic", r)
		}
	}()

	rctx, err := loader.Load(ctx, leadID, trigger)
	if err != nil {
		return RunResult{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Status:   StatusError,
			Reason:   fmt.Sprintf("load context: %v", err),
		}
	}
	return e.Evaluate(ctx, rule, rctx)
}

func (e *Engine) matchConditions(cond Conditions, rctx *Context) (string, bool) {
	if len(cond.Channels) > 0 && !containsChannel(cond.Channels, rctx.Channel) {
		return "channel not in filter", false
	}
	if len(cond.Stages) > 0 && !containsStage(cond.Stages, rctx.Lead.Stage) {
		return "stage not in filter", false
	}
	if len(cond.Keywords) > 0 && !matchKeywords(cond.Keywords, rctx.RecentInbound) {
		return "no keyword match", false
	}
	if cond.HotLeadThreshold > 0 && rctx.LeadScore < cond.HotLeadThreshold {
		return "lead score below threshold", false
	}
	return "", true
}

func matchKeywords(keywords, recentInbound []string) bool {
	for _, text := range recentInbound {
		lower := strings.ToLower(text)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func containsChannel(haystack []events.Channel, needle events.Channel) bool {
	for _, c := range haystack {
		if c == needle {
			return true
		}
	}
	return false
}

func containsStage(haystack []leads.Stage, needle leads.Stage) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (e *Engine) executeAction(ctx context.Context, action Action, rctx *Context) error {
	switch action.Kind {
	case ActionSendAIReply:
		return e.sendReply(ctx, action, rctx)
	case ActionCreateTask:
		return e.createTask(ctx, action, rctx)
	case ActionRequalifyLead:
		return e.requalify(ctx, rctx)
	case ActionSetNextFollowUp:
		days := paramInt(action.Params, "due_in_days", 1)
		return e.leadRepo.SetNextFollowUp(ctx, rctx.Lead.ID, rctx.Now.AddDate(0, 0, days))
	case ActionSetPriority:
		priority := leads.Priority(action.Params["priority"])
		if priority == "" {
			priority = leads.PriorityHigh
		}
		return e.leadRepo.SetPriority(ctx, rctx.Lead.ID, priority)
	default:
		return fmt.Errorf("rules: unknown action kind %q", action.Kind)
	}
}

// replyTypeQuestion marks a reply that asks the lead for a missing field.
// Sends with it advance the conversation's asked counter.
const replyTypeQuestion = "question"

func (e *Engine) sendReply(ctx context.Context, action Action, rctx *Context) error {
	if rctx.Conversation == nil {
		return fmt.Errorf("rules: send reply requires a conversation")
	}
	text := action.Params["text"]
	if text == "" {
		return fmt.Errorf("rules: send reply requires text param")
	}
	replyType := action.Params["reply_type"]
	if replyType == "" {
		replyType = "rule_reply"
	}

	res := e.sender.Send(ctx, messaging.SendRequest{
		ConversationID:   rctx.Conversation.ConversationID,
		Channel:          rctx.Conversation.Channel,
		Recipient:        rctx.Conversation.ContactID,
		Text:             text,
		TriggerMessageID: rctx.TriggerMessageID,
		ReplyType:        replyType,
		FlowStep:         action.Params["flow_step"],
	})
	if res.Err != nil {
		return res.Err
	}
	if res.WasDuplicate || replyType != replyTypeQuestion {
		return nil
	}
	return e.recordQuestionAsked(ctx, rctx.Conversation.ConversationID)
}

// recordQuestionAsked bumps the asked counter after a question went out.
func (e *Engine) recordQuestionAsked(ctx context.Context, conversationID uuid.UUID) error {
	state, err := e.convStore.LoadState(ctx, conversationID)
	if err != nil {
		return err
	}
	err = e.convStore.CompareAndSwap(ctx, state.StateVersion, conversation.RecordQuestionAsked(*state))
	if errors.Is(err, conversation.ErrVersionConflict) {
		// The question already went out; losing one counter tick to a
		// racing inbound apply is acceptable.
		e.logger.Warn("question counter bump lost to a concurrent update",
			"conversation_id", conversationID)
		return nil
	}
	return err
}

func (e *Engine) createTask(ctx context.Context, action Action, rctx *Context) error {
	title := action.Params["title"]
	if title == "" {
		title = "Follow up with lead"
	}
	days := paramInt(action.Params, "due_in_days", 1)

	// Keyed on the trigger so a replayed webhook re-creates nothing.
	trigger := rctx.TriggerMessageID
	if trigger == "" {
		trigger = rctx.Now.UTC().Format("2006-01-02")
	}
	task := &tasks.Task{
		LeadID:         rctx.Lead.ID,
		Title:          title,
		Type:           tasks.TypeRuleAction,
		DueAt:          rctx.Now.AddDate(0, 0, days),
		Priority:       leads.Priority(action.Params["priority"]),
		IdempotencyKey: fmt.Sprintf("rule_task:%s:%s:%s", rctx.Lead.ID, trigger, slug(title)),
	}
	_, err := e.taskStore.CreateIdempotent(ctx, task)
	return err
}

func (e *Engine) requalify(ctx context.Context, rctx *Context) error {
	if rctx.Conversation == nil {
		return fmt.Errorf("rules: requalify requires a conversation")
	}
	state, err := e.convStore.LoadState(ctx, rctx.Conversation.ConversationID)
	if err != nil {
		return err
	}
	return e.convStore.CompareAndSwap(ctx, state.StateVersion, conversation.Requalify(*state))
}

func paramInt(params map[string]string, key string, fallback int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
