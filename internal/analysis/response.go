// internal/analysis/response.go
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/signalnine/ipwatch/internal/protocol"
)

// ErrInvalidResponse means the LLM text could not be used as a risk result
var ErrInvalidResponse = errors.New("invalid LLM response")

const responseSchemaJSON = `{
  "type": "object",
  "required": ["riskLevel", "riskScore", "findings", "recommendations"],
  "properties": {
    "riskLevel": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "riskScore": {"type": "number", "minimum": 0, "maximum": 100},
    "summary": {"type": "string"},
    "findings": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "threatTypes": {"type": "array", "items": {"type": "string"}}
  }
}`

var responseSchema = mustSchema(responseSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compile response schema: %v", err))
	}
	return schema
}

var codeFenceRe = regexp.MustCompile("```(?:json|JSON)?")

// Placeholders used when a list would otherwise be empty
const (
	NoFindingsPlaceholder        = "No immediate threats detected"
	NoRecommendationsPlaceholder = "Continue standard monitoring"
)

type llmResponse struct {
	RiskLevel       string   `json:"riskLevel"`
	RiskScore       float64  `json:"riskScore"`
	Summary         string   `json:"summary"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
	ThreatTypes     []string `json:"threatTypes"`
}

// ParseResponse strips code fences from raw LLM text, validates it against
// the response schema and converts it to a RiskResult. The stored level is
// re-derived from the score so level and score never disagree.
func ParseResponse(raw string, levels Thresholds) (*protocol.RiskResult, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidResponse)
	}

	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidResponse)
	}

	result, err := responseSchema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(problems, "; "))
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	score := ClampScore(int(math.Round(resp.RiskScore)))
	level := levels.LevelFor(score)
	summary := strings.TrimSpace(resp.Summary)
	if summary == "" {
		summary = fmt.Sprintf("Risk assessed as %s (%d/100).", level, score)
	}

	return &protocol.RiskResult{
		RiskLevel:       level,
		RiskScore:       score,
		Summary:         summary,
		Findings:        nonEmpty(resp.Findings, NoFindingsPlaceholder),
		Recommendations: nonEmpty(resp.Recommendations, NoRecommendationsPlaceholder),
		ThreatTypes:     resp.ThreatTypes,
		Source:          protocol.SourceLLM,
	}, nil
}

// extractJSON removes markdown fences and any prose around the outermost object
func extractJSON(raw string) string {
	s := strings.TrimSpace(codeFenceRe.ReplaceAllString(raw, ""))
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func nonEmpty(items []string, placeholder string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return []string{placeholder}
	}
	return out
}
