package events

import (
	"encoding/json"
	"time"
)

// EventType discriminates the normalized event variants.
type EventType string

const (
	TypeMessage  EventType = "message"
	TypePostback EventType = "postback"
	TypeDelivery EventType = "delivery"
	TypeRead     EventType = "read"
	TypeLeadgen  EventType = "leadgen"
)

// Channel identifies the messaging surface an event arrived on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
	ChannelEmail     Channel = "email"
)

// NormalizedEvent is the canonical shape every provider payload is reduced to.
// Providers nest the same concepts at different paths; downstream code only
// ever sees this.
type NormalizedEvent struct {
	SourceID        string          `json:"source_id"`
	Type            EventType       `json:"type"`
	Channel         Channel         `json:"channel"`
	SenderID        string          `json:"sender_id,omitempty"`
	RecipientID     string          `json:"recipient_id,omitempty"`
	MessageID       string          `json:"message_id,omitempty"`
	Text            string          `json:"text,omitempty"`
	PostbackPayload string          `json:"postback_payload,omitempty"`
	LeadgenID       string          `json:"leadgen_id,omitempty"`
	FormID          string          `json:"form_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// DedupeKey derives the ledger key used to reject webhook re-deliveries.
// Provider message ids are preferred; leadgen events key on the leadgen id.
func (e NormalizedEvent) DedupeKey() string {
	switch {
	case e.MessageID != "":
		return "event:" + string(e.Channel) + ":" + e.MessageID
	case e.LeadgenID != "":
		return "event:leadgen:" + e.LeadgenID
	default:
		return ""
	}
}
