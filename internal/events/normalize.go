package events

import (
	"encoding/json"
	"time"
)

// rawEnvelope matches the Meta webhook top level. The same envelope carries
// page messaging, Instagram messaging, and lead-ad change events; only the
// nesting below entry differs.
type rawEnvelope struct {
	Object string     `json:"object"`
	Entry  []rawEntry `json:"entry"`
}

type rawEntry struct {
	ID        string         `json:"id"`
	Time      int64          `json:"time"`
	Messaging []rawMessaging `json:"messaging"`
	Changes   []rawChange    `json:"changes"`
}

type rawMessaging struct {
	Sender    rawParty     `json:"sender"`
	Recipient rawParty     `json:"recipient"`
	Timestamp int64        `json:"timestamp"`
	Message   *rawMessage  `json:"message"`
	Postback  *rawPostback `json:"postback"`
	Delivery  *rawDelivery `json:"delivery"`
	Read      *rawRead     `json:"read"`
}

type rawParty struct {
	ID string `json:"id"`
}

type rawMessage struct {
	MID  string `json:"mid"`
	Text string `json:"text"`
}

type rawPostback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
	MID     string `json:"mid"`
}

type rawDelivery struct {
	MIDs []string `json:"mids"`
}

type rawRead struct {
	Watermark int64 `json:"watermark"`
}

type rawChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type rawLeadgenValue struct {
	LeadgenID string `json:"leadgen_id"`
	FormID    string `json:"form_id"`
	PageID    string `json:"page_id"`
	CreatedAt int64  `json:"created_time"`
}

// Normalize reduces an arbitrary provider payload to canonical events.
// It is total: malformed or unrecognized input yields an empty slice, never
// an error, so a garbage webhook body can not take down the ingest path.
func Normalize(raw []byte) []NormalizedEvent {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	channel := channelForObject(env.Object)

	var out []NormalizedEvent
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			if evt, ok := normalizeMessaging(entry, m, channel, raw); ok {
				out = append(out, evt)
			}
		}
		for _, ch := range entry.Changes {
			if evt, ok := normalizeChange(entry, ch, channel, raw); ok {
				out = append(out, evt)
			}
		}
	}
	return out
}

func channelForObject(object string) Channel {
	switch object {
	case "instagram":
		return ChannelInstagram
	case "whatsapp_business_account":
		return ChannelWhatsApp
	default:
		return ChannelFacebook
	}
}

func normalizeMessaging(entry rawEntry, m rawMessaging, channel Channel, raw []byte) (NormalizedEvent, bool) {
	evt := NormalizedEvent{
		SourceID:    entry.ID,
		Channel:     channel,
		SenderID:    m.Sender.ID,
		RecipientID: m.Recipient.ID,
		Timestamp:   timestampFrom(m.Timestamp, entry.Time),
		Raw:         raw,
	}

	switch {
	case m.Message != nil:
		evt.Type = TypeMessage
		evt.MessageID = m.Message.MID
		evt.Text = m.Message.Text
	case m.Postback != nil:
		evt.Type = TypePostback
		evt.MessageID = m.Postback.MID
		evt.Text = m.Postback.Title
		evt.PostbackPayload = m.Postback.Payload
	case m.Delivery != nil:
		evt.Type = TypeDelivery
		if len(m.Delivery.MIDs) > 0 {
			evt.MessageID = m.Delivery.MIDs[0]
		}
	case m.Read != nil:
		evt.Type = TypeRead
	default:
		return NormalizedEvent{}, false
	}
	return evt, true
}

func normalizeChange(entry rawEntry, ch rawChange, channel Channel, raw []byte) (NormalizedEvent, bool) {
	if ch.Field != "leadgen" {
		return NormalizedEvent{}, false
	}
	var value rawLeadgenValue
	if err := json.Unmarshal(ch.Value, &value); err != nil || value.LeadgenID == "" {
		return NormalizedEvent{}, false
	}
	return NormalizedEvent{
		SourceID:  entry.ID,
		Type:      TypeLeadgen,
		Channel:   channel,
		LeadgenID: value.LeadgenID,
		FormID:    value.FormID,
		Timestamp: timestampFrom(value.CreatedAt*1000, entry.Time),
		Raw:       raw,
	}, true
}

// timestampFrom prefers the per-event millisecond timestamp, falling back to
// the entry-level one, then to now.
func timestampFrom(eventMillis, entrySeconds int64) time.Time {
	if eventMillis > 0 {
		return time.UnixMilli(eventMillis).UTC()
	}
	if entrySeconds > 0 {
		return time.Unix(entrySeconds, 0).UTC()
	}
	return time.Now().UTC()
}
