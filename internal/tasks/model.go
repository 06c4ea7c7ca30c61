package tasks

import (
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/leads"
)

// Status tracks the lifecycle of a follow-up task.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusDone    Status = "DONE"
	StatusSnoozed Status = "SNOOZED"
)

// Type classifies where a task came from.
type Type string

const (
	TypeQuoteFollowUp Type = "quote_followup"
	TypeRuleAction    Type = "rule_action"
	TypeManual        Type = "manual"
)

// Task is a unit of follow-up work attached to a lead. IdempotencyKey is
// unique at the storage layer and is the sole duplication guard for
// scheduler-generated tasks.
type Task struct {
	ID             uuid.UUID      `json:"id"`
	LeadID         uuid.UUID      `json:"lead_id"`
	Title          string         `json:"title"`
	Type           Type           `json:"type"`
	DueAt          time.Time      `json:"due_at"`
	Status         Status         `json:"status"`
	Priority       leads.Priority `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
