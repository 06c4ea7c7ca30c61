package leads

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is the pipeline stage of a lead.
type Stage string

const (
	StageNew          Stage = "NEW"
	StageContacted    Stage = "CONTACTED"
	StageEngaged      Stage = "ENGAGED"
	StageQualified    Stage = "QUALIFIED"
	StageProposalSent Stage = "PROPOSAL_SENT"
	StageInProgress   Stage = "IN_PROGRESS"
	StageOnHold       Stage = "ON_HOLD"
	StageCompletedWon Stage = "COMPLETED_WON"
	StageLost         Stage = "LOST"
)

var knownStages = map[Stage]struct{}{
	StageNew:          {},
	StageContacted:    {},
	StageEngaged:      {},
	StageQualified:    {},
	StageProposalSent: {},
	StageInProgress:   {},
	StageOnHold:       {},
	StageCompletedWon: {},
	StageLost:         {},
}

// IsKnownStage reports whether the stage is one the pipeline understands.
func IsKnownStage(s Stage) bool {
	_, ok := knownStages[s]
	return ok
}

// IsTerminal reports whether the stage ends the engagement. Automation must
// never create work for terminal leads.
func (s Stage) IsTerminal() bool {
	return s == StageCompletedWon || s == StageLost
}

// Priority ranks follow-up urgency.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Lead represents a prospective customer engagement.
type Lead struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email"`
	Stage          Stage      `json:"stage"`
	OwnerID        *uuid.UUID `json:"owner_id,omitempty"`
	ServiceType    string     `json:"service_type"`
	Priority       Priority   `json:"priority"`
	NextFollowUpAt *time.Time `json:"next_follow_up_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Deleted        bool       `json:"deleted"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateLeadRequest carries the fields needed to open a lead on first contact.
type CreateLeadRequest struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	ServiceType string `json:"service_type"`
	Source      string `json:"source"`
}

// Validate checks minimum identification requirements.
func (r *CreateLeadRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidName
	}
	if r.Phone == "" && r.Email == "" {
		return ErrMissingContact
	}
	return nil
}
