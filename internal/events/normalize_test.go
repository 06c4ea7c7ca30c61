package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePageMessage(t *testing.T) {
	raw := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"time": 1735725600,
			"messaging": [{
				"sender": {"id": "user-9"},
				"recipient": {"id": "page-1"},
				"timestamp": 1735725600123,
				"message": {"mid": "mid.abc", "text": "I need a trade license"}
			}]
		}]
	}`)

	events := Normalize(raw)
	require.Len(t, events, 1)

	evt := events[0]
	assert.Equal(t, TypeMessage, evt.Type)
	assert.Equal(t, ChannelFacebook, evt.Channel)
	assert.Equal(t, "user-9", evt.SenderID)
	assert.Equal(t, "mid.abc", evt.MessageID)
	assert.Equal(t, "I need a trade license", evt.Text)
	assert.Equal(t, time.UnixMilli(1735725600123).UTC(), evt.Timestamp)
	assert.Equal(t, "event:facebook:mid.abc", evt.DedupeKey())
}

func TestNormalizeInstagramPostback(t *testing.T) {
	raw := []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "ig-1",
			"messaging": [{
				"sender": {"id": "ig-user"},
				"recipient": {"id": "ig-1"},
				"postback": {"title": "Get Started", "payload": "GET_STARTED", "mid": "mid.pb"}
			}]
		}]
	}`)

	events := Normalize(raw)
	require.Len(t, events, 1)
	assert.Equal(t, TypePostback, events[0].Type)
	assert.Equal(t, ChannelInstagram, events[0].Channel)
	assert.Equal(t, "GET_STARTED", events[0].PostbackPayload)
	assert.Equal(t, "Get Started", events[0].Text)
}

func TestNormalizeLeadgenChange(t *testing.T) {
	raw := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"time": 1735725600,
			"changes": [{
				"field": "leadgen",
				"value": {"leadgen_id": "lg-42", "form_id": "form-7", "page_id": "page-1", "created_time": 1735725500}
			}]
		}]
	}`)

	events := Normalize(raw)
	require.Len(t, events, 1)
	assert.Equal(t, TypeLeadgen, events[0].Type)
	assert.Equal(t, "lg-42", events[0].LeadgenID)
	assert.Equal(t, "form-7", events[0].FormID)
	assert.Equal(t, "event:leadgen:lg-42", events[0].DedupeKey())
}

func TestNormalizeMixedEntry(t *testing.T) {
	raw := []byte(`{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [
				{"sender": {"id": "a"}, "recipient": {"id": "p"}, "message": {"mid": "m1", "text": "hi"}},
				{"sender": {"id": "a"}, "recipient": {"id": "p"}, "delivery": {"mids": ["m1"]}},
				{"sender": {"id": "a"}, "recipient": {"id": "p"}, "read": {"watermark": 1}}
			]
		}]
	}`)

	events := Normalize(raw)
	require.Len(t, events, 3)
	assert.Equal(t, TypeMessage, events[0].Type)
	assert.Equal(t, TypeDelivery, events[1].Type)
	assert.Equal(t, TypeRead, events[2].Type)
}

func TestNormalizeMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"not json":        []byte(`{{{`),
		"empty":           nil,
		"wrong shape":     []byte(`{"object": "page", "entry": "nope"}`),
		"empty envelope":  []byte(`{}`),
		"unknown variant": []byte(`{"object":"page","entry":[{"id":"p","messaging":[{"sender":{"id":"a"}}]}]}`),
		"leadgen no id":   []byte(`{"object":"page","entry":[{"id":"p","changes":[{"field":"leadgen","value":{}}]}]}`),
		"non-lead change": []byte(`{"object":"page","entry":[{"id":"p","changes":[{"field":"feed","value":{}}]}]}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, Normalize(raw))
		})
	}
}

func TestDedupeKeyMissingIDs(t *testing.T) {
	assert.Equal(t, "", NormalizedEvent{Type: TypeRead, Channel: ChannelFacebook}.DedupeKey())
}
