package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFields(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]string
	}{
		{
			name: "service and location",
			text: "Looking for company setup in Abu Dhabi",
			want: map[string]string{FieldService: "company_setup", FieldLocation: "Abu Dhabi"},
		},
		{
			name: "specific service wins over generic",
			text: "do you handle golden visa applications?",
			want: map[string]string{FieldService: "golden_visa"},
		},
		{
			name: "nationality demonym",
			text: "I'm Filipino, living in Ajman",
			want: map[string]string{FieldNationality: "Filipino", FieldLocation: "Ajman"},
		},
		{
			name: "nationality country name",
			text: "from Bangladesh, need labour card",
			want: map[string]string{FieldNationality: "Bangladeshi", FieldService: "labour_card"},
		},
		{
			name: "numeric expiry date",
			text: "my visa expires on 15/07/2026",
			want: map[string]string{FieldService: "residence_visa", FieldExpiryDate: "15/07/2026"},
		},
		{
			name: "month-year expiry needs a cue",
			text: "trade licence renewal, valid until March 2026",
			want: map[string]string{FieldService: "trade_license", FieldExpiryDate: "march 2026"},
		},
		{
			name: "month-year without cue ignored",
			text: "I moved to Sharjah in May 2020",
			want: map[string]string{FieldLocation: "Sharjah"},
		},
		{
			name: "empty text",
			text: "   ",
			want: map[string]string{},
		},
		{
			name: "no matches",
			text: "hello there",
			want: map[string]string{},
		},
	}

	extractor := NewKeywordExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractor.ExtractFields(tt.text))
		})
	}
}

func TestExtractFieldsCaseInsensitive(t *testing.T) {
	extractor := NewKeywordExtractor()
	got := extractor.ExtractFields("EMIRATES ID renewal in DUBAI")
	assert.Equal(t, "emirates_id", got[FieldService])
	assert.Equal(t, "Dubai", got[FieldLocation])
}
