package triage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SystemPrompt instructs the reasoner on its role and output contract.
const SystemPrompt = `You are a medical front desk AI assistant. You help patients describe their
symptoms and decide how urgently they need care, using the Emergency Severity
Index (ESI) scale: 1 = immediate life-saving intervention, 2 = high risk or
severe distress, 3 = stable but needs several resources, 4 = needs one
resource, 5 = no resources needed.

You receive the patient's latest message, recent conversation history, and
excerpts from the clinic's triage guidelines. Ground your assessment in the
guideline excerpts where they apply.

Respond with a single JSON object and nothing else:
{
  "urgency_level": <integer 1-5>,
  "recommended_action": "<one sentence for staff>",
  "requires_human_attention": <true|false>,
  "rationale": "<brief clinical reasoning>",
  "reply": "<empathetic, plain-language reply to the patient>",
  "suggested_actions": ["<next step>", "..."],
  "confidence": <number 0-1>
}

Never diagnose. If there is any sign of an emergency, tell the patient to call
emergency services.`

// AssessmentSchema is the JSON schema of the reasoner output, for providers
// that support structured tool input.
var AssessmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"urgency_level":            map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
		"recommended_action":       map[string]any{"type": "string"},
		"requires_human_attention": map[string]any{"type": "boolean"},
		"rationale":                map[string]any{"type": "string"},
		"reply":                    map[string]any{"type": "string"},
		"suggested_actions":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"confidence":               map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	},
	"required": []string{"urgency_level", "recommended_action", "requires_human_attention", "rationale", "reply"},
}

// BuildPrompt renders the request as the user message sent to the reasoner.
func BuildPrompt(req *ReasonRequest) (string, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal reason request: %w", err)
	}
	return "Assess the following patient inquiry.\n\n" + string(payload), nil
}

// ParseAssessment extracts an Assessment from raw reasoner output. The JSON
// object may be wrapped in a markdown code fence or surrounded by prose.
// A missing or non-numeric urgency_level is an error.
func ParseAssessment(raw []byte) (*Assessment, error) {
	obj := extractObject(raw)
	if obj == nil {
		return nil, errors.New("no JSON object in reasoner output")
	}

	var wire struct {
		UrgencyLevel           json.RawMessage `json:"urgency_level"`
		RecommendedAction      string          `json:"recommended_action"`
		RequiresHumanAttention bool            `json:"requires_human_attention"`
		Rationale              string          `json:"rationale"`
		Reply                  string          `json:"reply"`
		SuggestedActions       []string        `json:"suggested_actions"`
		Confidence             float64         `json:"confidence"`
	}
	if err := json.Unmarshal(obj, &wire); err != nil {
		return nil, fmt.Errorf("decode reasoner output: %w", err)
	}

	level, err := parseLevel(wire.UrgencyLevel)
	if err != nil {
		return nil, err
	}

	return &Assessment{
		UrgencyLevel:           level,
		RecommendedAction:      strings.TrimSpace(wire.RecommendedAction),
		RequiresHumanAttention: wire.RequiresHumanAttention,
		Rationale:              strings.TrimSpace(wire.Rationale),
		Reply:                  strings.TrimSpace(wire.Reply),
		SuggestedActions:       wire.SuggestedActions,
		Confidence:             wire.Confidence,
	}, nil
}

// parseLevel accepts 2, 2.0 and "2".
func parseLevel(raw json.RawMessage) (Level, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("reasoner output has no urgency_level")
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("urgency_level %s is not a number", raw)
		}
		n, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("urgency_level %q is not a number", s)
		}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("urgency_level %v is not finite", n)
	}
	// keep the conversion in range; Clamp narrows it to 1..5 later
	n = math.Max(-1, math.Min(n, 10))
	return Level(math.Round(n)), nil
}

func extractObject(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil
	}
	return raw[start : end+1]
}
