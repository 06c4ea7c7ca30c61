package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/leads"
)

// TriggerKind declares what kind of event a rule reacts to.
type TriggerKind string

const (
	TriggerInboundMessage TriggerKind = "INBOUND_MESSAGE"
	TriggerStageChange    TriggerKind = "STAGE_CHANGE"
	TriggerExpiryWindow   TriggerKind = "EXPIRY_WINDOW"
)

// ActionKind identifies one executable action on a rule.
type ActionKind string

const (
	ActionSendAIReply     ActionKind = "SEND_AI_REPLY"
	ActionCreateTask      ActionKind = "CREATE_TASK"
	ActionRequalifyLead   ActionKind = "REQUALIFY_LEAD"
	ActionSetNextFollowUp ActionKind = "SET_NEXT_FOLLOWUP"
	ActionSetPriority     ActionKind = "SET_PRIORITY"
)

// Action is one step in a rule's ordered action list. Params are
// kind-specific: text/reply_type for sends, title/due_in_days for tasks,
// priority for SET_PRIORITY, due_in_days for SET_NEXT_FOLLOWUP.
type Action struct {
	Kind   ActionKind        `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Conditions are evaluated conjunctively; an empty filter matches anything.
type Conditions struct {
	Channels         []events.Channel `json:"channels,omitempty"`
	Stages           []leads.Stage    `json:"stages,omitempty"`
	Keywords         []string         `json:"keywords,omitempty"`
	CooldownMinutes  int              `json:"cooldown_minutes,omitempty"`
	HotLeadThreshold int              `json:"hot_lead_threshold,omitempty"`
}

// Rule is a declarative trigger/condition/action tuple. Immutable during
// evaluation; only administrators mutate rules.
type Rule struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Trigger    TriggerKind `json:"trigger"`
	Conditions Conditions  `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Active     bool        `json:"active"`
}

// StageChange is the trigger payload for STAGE_CHANGE rules.
type StageChange struct {
	From leads.Stage `json:"from"`
	To   leads.Stage `json:"to"`
}

// Context bundles everything a rule run reads. Each run is stateless given
// its context.
type Context struct {
	Lead             *leads.Lead
	Conversation     *conversation.State
	RecentInbound    []string
	LeadScore        int
	Trigger          TriggerKind
	StageChange      *StageChange
	TriggerMessageID string
	Channel          events.Channel
	Now              time.Time
}

// Run statuses.
const (
	StatusExecuted          = "executed"
	StatusSkippedInactive   = "skipped_inactive"
	StatusSkippedTrigger    = "skipped_trigger"
	StatusSkippedConditions = "skipped_conditions"
	StatusSkippedCooldown   = "skipped_cooldown"
	StatusError             = "error"
)

// RunResult is the structured outcome of one rule run. Errors inside
// individual actions are collected here, never thrown across the boundary.
type RunResult struct {
	RuleID          uuid.UUID `json:"rule_id"`
	RuleName        string    `json:"rule_name"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	ActionsExecuted int       `json:"actions_executed"`
	Errors          []string  `json:"errors,omitempty"`
}
