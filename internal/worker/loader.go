package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/rules"
)

// LeadReader loads the lead a rule context is built around.
type LeadReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*leads.Lead, error)
}

// OpenConversationReader resolves a lead's open conversation, if any.
type OpenConversationReader interface {
	FindOpenByLead(ctx context.Context, leadID uuid.UUID) (*conversation.State, error)
}

// InboundReader fetches recent inbound text for keyword matching.
type InboundReader interface {
	RecentInboundText(ctx context.Context, leadID uuid.UUID, limit int) ([]string, error)
}

// recentInboundLimit bounds how much history keyword conditions see.
const recentInboundLimit = 5

// ContextLoader assembles rule evaluation contexts from the stores. A loader
// is scoped to one trigger occurrence; build a fresh one per event.
type ContextLoader struct {
	leads            LeadReader
	conversations    OpenConversationReader
	messages         InboundReader
	triggerMessageID string
	channel          events.Channel
	stageChange      *rules.StageChange
	now              time.Time
}

// NewContextLoader creates a loader for one trigger occurrence.
func NewContextLoader(leadRepo LeadReader, convStore OpenConversationReader, msgStore InboundReader) *ContextLoader {
	return &ContextLoader{
		leads:         leadRepo,
		conversations: convStore,
		messages:      msgStore,
		now:           time.Now().UTC(),
	}
}

// WithTrigger attaches the inbound provider message id and channel that
// caused this evaluation.
func (l *ContextLoader) WithTrigger(messageID string, channel events.Channel) *ContextLoader {
	out := *l
	out.triggerMessageID = messageID
	out.channel = channel
	return &out
}

// WithStageChange attaches the transition payload for STAGE_CHANGE runs.
func (l *ContextLoader) WithStageChange(from, to leads.Stage) *ContextLoader {
	out := *l
	out.stageChange = &rules.StageChange{From: from, To: to}
	return &out
}

// Load builds the context for one rule run. A lead without an open
// conversation still evaluates; only conversation-bound actions need one.
func (l *ContextLoader) Load(ctx context.Context, leadID uuid.UUID, trigger rules.TriggerKind) (*rules.Context, error) {
	lead, err := l.leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}

	state, err := l.conversations.FindOpenByLead(ctx, leadID)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return nil, err
	}

	recent, err := l.messages.RecentInboundText(ctx, leadID, recentInboundLimit)
	if err != nil {
		return nil, err
	}

	channel := l.channel
	if channel == "" && state != nil {
		channel = state.Channel
	}

	return &rules.Context{
		Lead:             lead,
		Conversation:     state,
		RecentInbound:    recent,
		LeadScore:        scoreLead(lead, state),
		Trigger:          trigger,
		StageChange:      l.stageChange,
		TriggerMessageID: l.triggerMessageID,
		Channel:          channel,
		Now:              l.now,
	}, nil
}

var stageScores = map[leads.Stage]int{
	leads.StageNew:          10,
	leads.StageContacted:    20,
	leads.StageEngaged:      40,
	leads.StageQualified:    60,
	leads.StageProposalSent: 70,
	leads.StageInProgress:   80,
	leads.StageOnHold:       30,
}

// scoreLead is a coarse heat heuristic for the hot-lead condition.
func scoreLead(lead *leads.Lead, state *conversation.State) int {
	score := stageScores[lead.Stage]
	if lead.Priority == leads.PriorityHigh {
		score += 15
	}
	if state != nil {
		switch state.Stage {
		case conversation.StageReadyForQuote, conversation.StageQuoted:
			score += 20
		case conversation.StageFieldCollected:
			score += 10
		}
	}
	return score
}
