package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/events"
)

// Stage is the qualification stage of a conversation.
type Stage string

const (
	StageNew            Stage = "NEW"
	StageAsking         Stage = "ASKING"
	StageFieldCollected Stage = "FIELD_COLLECTED"
	StageReadyForQuote  Stage = "READY_FOR_QUOTE"
	StageQuoted         Stage = "QUOTED"
	StageDone           Stage = "DONE"
)

// Field names tracked in KnownFields.
const (
	FieldNationality = "nationality"
	FieldLocation    = "location"
	FieldService     = "service"
	FieldExpiryDate  = "expiry_date"
)

// requiredFields must all be known before a conversation is quote-ready.
var requiredFields = []string{FieldService, FieldNationality, FieldLocation}

// State is the mutable qualification snapshot of one conversation.
// StateVersion increases on every persisted mutation and is the optimistic
// lock for concurrent webhook deliveries.
type State struct {
	ConversationID      uuid.UUID         `json:"conversation_id"`
	LeadID              uuid.UUID         `json:"lead_id"`
	ContactID           string            `json:"contact_id"`
	Channel             events.Channel    `json:"channel"`
	Stage               Stage             `json:"stage"`
	KnownFields         map[string]string `json:"known_fields"`
	QuestionsAskedCount int               `json:"questions_asked_count"`
	LockedService       string            `json:"locked_service"`
	LastInboundAt       *time.Time        `json:"last_inbound_at,omitempty"`
	LastOutboundAt      *time.Time        `json:"last_outbound_at,omitempty"`
	StateVersion        int64             `json:"state_version"`
}

// clone returns a deep copy so mutations never alias the caller's map.
func (s State) clone() State {
	out := s
	out.KnownFields = make(map[string]string, len(s.KnownFields))
	for k, v := range s.KnownFields {
		out.KnownFields[k] = v
	}
	return out
}

// MissingFields lists required fields not yet known, in canonical order.
// Drives the "what to ask next" decision.
func (s State) MissingFields() []string {
	var missing []string
	for _, f := range requiredFields {
		if s.KnownFields[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// ApplyInboundText runs deterministic field extraction over an inbound
// message and advances the qualification stage. Extraction never consults a
// language model: a redelivered webhook must always produce the same state.
func ApplyInboundText(s State, text string, extractor FieldExtractor) State {
	next := s.clone()
	now := time.Now().UTC()
	next.LastInboundAt = &now

	extracted := extractor.ExtractFields(text)

	collected := false
	for field, value := range extracted {
		if value == "" {
			continue
		}
		if field == FieldService {
			// The service lock decides; a stray keyword must not flip it.
			next = lockService(next, value, false)
			if next.KnownFields[FieldService] != "" {
				collected = true
			}
			continue
		}
		if next.KnownFields[field] != value {
			next.KnownFields[field] = value
			collected = true
		}
	}

	switch {
	case next.Stage == StageQuoted || next.Stage == StageDone:
		// Post-quote chatter does not reopen qualification.
	case len(next.MissingFields()) == 0:
		next.Stage = StageReadyForQuote
	case collected:
		next.Stage = StageFieldCollected
	case next.Stage == StageNew:
		next.Stage = StageAsking
	}
	return next
}

// LockService sets the locked service once. A later call with a different
// key is a no-op unless the caller passes override (an explicit customer
// request to switch), which prevents keyword noise from flipping the service.
func LockService(s State, serviceKey string, override bool) State {
	return lockService(s.clone(), serviceKey, override)
}

func lockService(s State, serviceKey string, override bool) State {
	if serviceKey == "" {
		return s
	}
	if s.LockedService != "" && s.LockedService != serviceKey && !override {
		return s
	}
	s.LockedService = serviceKey
	s.KnownFields[FieldService] = serviceKey
	return s
}

// RecordQuestionAsked bumps the asked counter and moves a fresh conversation
// into ASKING.
func RecordQuestionAsked(s State) State {
	next := s.clone()
	next.QuestionsAskedCount++
	if next.Stage == StageNew {
		next.Stage = StageAsking
	}
	return next
}

// Requalify resets qualification progress back to ASKING. Used by the
// REQUALIFY_LEAD rule action when a lead's situation changed.
func Requalify(s State) State {
	next := s.clone()
	next.Stage = StageAsking
	next.KnownFields = map[string]string{}
	next.QuestionsAskedCount = 0
	next.LockedService = ""
	return next
}

// MarkQuoteSent forces the QUOTED stage on the quote-sent business event.
func MarkQuoteSent(s State) State {
	next := s.clone()
	next.Stage = StageQuoted
	return next
}
