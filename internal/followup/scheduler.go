package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/observability/metrics"
	"github.com/gulfbridge/crm-automation/internal/tasks"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

// cadenceDays are the follow-up offsets applied after a quote is sent.
var cadenceDays = []int{3, 5, 7, 9, 12}

// TaskCreator is the slice of the task store the scheduler needs.
type TaskCreator interface {
	CreateIdempotent(ctx context.Context, task *tasks.Task) (bool, error)
}

// LeadGetter loads a lead for guard checks before scheduling.
type LeadGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*leads.Lead, error)
}

// Scheduler creates the fixed follow-up cadence after a quote is sent.
// Invoking it twice for the same (lead, event) creates nothing the second
// time; the task idempotency key is the only duplication guard.
type Scheduler struct {
	tasks   TaskCreator
	leads   LeadGetter
	dueHour int
	metrics *metrics.AutomationMetrics
	logger  *logging.Logger
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithDueHour pins every follow-up to a fixed UTC hour instead of the hour
// the quote went out.
func WithDueHour(hour int) Option {
	return func(s *Scheduler) {
		if hour >= 0 && hour < 24 {
			s.dueHour = hour
		}
	}
}

// WithMetrics attaches the observability sink.
func WithMetrics(m *metrics.AutomationMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler creates a follow-up scheduler.
func NewScheduler(taskStore TaskCreator, leadRepo LeadGetter, logger *logging.Logger, opts ...Option) *Scheduler {
	if taskStore == nil {
		panic("followup: task store is required")
	}
	if leadRepo == nil {
		panic("followup: lead repository is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{tasks: taskStore, leads: leadRepo, dueHour: -1, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule creates the follow-up tasks for a quote sent at occurredAt.
// businessEventID ties the cadence to a specific quote; pass uuid.Nil when
// the quote has no identifier and the cadence is scoped to the lead alone.
// Returns how many tasks were created and how many already existed.
func (s *Scheduler) Schedule(ctx context.Context, leadID uuid.UUID, businessEventID uuid.UUID, occurredAt time.Time) (created, skipped int, err error) {
	lead, err := s.leads.GetByID(ctx, leadID)
	if err != nil {
		return 0, 0, fmt.Errorf("followup: schedule: %w", err)
	}
	if lead.Deleted || lead.Stage.IsTerminal() {
		s.metrics.ObserveFollowup(0, len(cadenceDays))
		s.logger.Info("followup: lead not eligible, skipping cadence",
			"lead_id", leadID,
			"stage", string(lead.Stage),
			"deleted", lead.Deleted,
		)
		return 0, len(cadenceDays), nil
	}

	eventPart := "none"
	if businessEventID != uuid.Nil {
		eventPart = businessEventID.String()
	}

	for _, days := range cadenceDays {
		task := &tasks.Task{
			LeadID:         leadID,
			Title:          fmt.Sprintf("Quote follow-up D+%d", days),
			Type:           tasks.TypeQuoteFollowUp,
			DueAt:          s.dueAt(occurredAt, days),
			Priority:       priorityFor(days),
			IdempotencyKey: fmt.Sprintf("quote_followup:%s:%s:%d", leadID, eventPart, days),
		}
		inserted, err := s.tasks.CreateIdempotent(ctx, task)
		if err != nil {
			return created, skipped, fmt.Errorf("followup: schedule D+%d: %w", days, err)
		}
		if inserted {
			created++
		} else {
			skipped++
		}
	}

	s.metrics.ObserveFollowup(created, skipped)
	s.logger.Info("followup: cadence scheduled",
		"lead_id", leadID,
		"event", eventPart,
		"created", created,
		"skipped", skipped,
	)
	return created, skipped, nil
}

func (s *Scheduler) dueAt(occurredAt time.Time, days int) time.Time {
	due := occurredAt.UTC().AddDate(0, 0, days)
	if s.dueHour >= 0 {
		due = time.Date(due.Year(), due.Month(), due.Day(), s.dueHour, 0, 0, 0, time.UTC)
	}
	return due
}

// priorityFor maps a cadence offset to urgency. Early touches matter most.
func priorityFor(days int) leads.Priority {
	switch days {
	case 3:
		return leads.PriorityHigh
	case 5:
		return leads.PriorityNormal
	default:
		return leads.PriorityLow
	}
}
