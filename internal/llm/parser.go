package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Veraticus/spice-ledger/internal/service"
)

// agentReply is the JSON object the prompt asks the model for.
type agentReply struct {
	SubcategoryID string          `json:"subcategory_id"`
	Rationale     string          `json:"rationale"`
	Confidence    json.RawMessage `json:"confidence"`
}

// parseAgentReply extracts a proposal from a model reply. Code fences and
// text around the JSON object are tolerated. A "none" or empty subcategory is
// a reply without a candidate.
func parseAgentReply(raw string) (service.AgentProposal, error) {
	clean := cleanModelJSON(raw)

	var reply agentReply
	if err := json.Unmarshal([]byte(clean), &reply); err != nil {
		return service.AgentProposal{}, fmt.Errorf("failed to decode agent reply: %w", err)
	}

	confidence, err := parseConfidence(reply.Confidence)
	if err != nil {
		return service.AgentProposal{}, err
	}

	id := strings.TrimSpace(reply.SubcategoryID)
	if strings.EqualFold(id, "none") || strings.EqualFold(id, "null") {
		id = ""
	}
	if id == "" {
		confidence = 0
	}

	return service.AgentProposal{
		SubcategoryID: id,
		Confidence:    confidence,
		Rationale:     strings.TrimSpace(reply.Rationale),
	}, nil
}

// parseConfidence accepts a number, a numeric string or a percentage and
// clamps the result to [0, 1].
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var score float64
	if err := json.Unmarshal(raw, &score); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("invalid confidence %s", raw)
		}
		text = strings.TrimSpace(text)
		percent := strings.HasSuffix(text, "%")
		text = strings.TrimSpace(strings.TrimSuffix(text, "%"))
		score, err = strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid confidence %q", text)
		}
		if percent {
			score /= 100
		}
	}

	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return score, nil
}

// cleanModelJSON strips Markdown fences and keeps the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
