package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentReply(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		subcat     string
		rationale  string
		confidence float64
		wantErr    bool
	}{
		{
			name:       "plain json",
			raw:        `{"subcategory_id": "dining", "confidence": 0.82, "rationale": "restaurant"}`,
			subcat:     "dining",
			confidence: 0.82,
			rationale:  "restaurant",
		},
		{
			name:       "fenced json with chatter",
			raw:        "Here you go:\n```json\n{\"subcategory_id\": \"groceries\", \"confidence\": 0.9, \"rationale\": \"supermarket\"}\n```",
			subcat:     "groceries",
			confidence: 0.9,
			rationale:  "supermarket",
		},
		{
			name:       "percentage string",
			raw:        `{"subcategory_id": "utilities", "confidence": "85%", "rationale": "power company"}`,
			subcat:     "utilities",
			confidence: 0.85,
			rationale:  "power company",
		},
		{
			name:       "clamped above one",
			raw:        `{"subcategory_id": "utilities", "confidence": 1.7}`,
			subcat:     "utilities",
			confidence: 1,
		},
		{
			name:      "none means no candidate",
			raw:       `{"subcategory_id": "none", "confidence": 0.4, "rationale": "unclear"}`,
			rationale: "unclear",
		},
		{
			name:    "not json",
			raw:     "I think this is dining",
			wantErr: true,
		},
		{
			name:    "bad confidence",
			raw:     `{"subcategory_id": "dining", "confidence": "high"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAgentReply(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.subcat, got.SubcategoryID)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
			assert.Equal(t, tt.rationale, got.Rationale)
		})
	}
}

func TestCleanModelJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, cleanModelJSON("```\n{\"a\": 1}\n```"))
	assert.Equal(t, `{"a": {"b": 2}}`, cleanModelJSON(`noise {"a": {"b": 2}} trailing`))
	assert.Equal(t, "nothing here", cleanModelJSON("  nothing here  "))
}
