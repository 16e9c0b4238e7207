package classify

import (
	"encoding/json"
	"strings"
)

// rawVerdict mirrors the JSON object the scoring service is asked to return.
// Responses are expected, but not guaranteed, to be this shape.
type rawVerdict struct {
	Valid            bool    `json:"valid"`
	Category         string  `json:"category"`
	OpportunityScore float64 `json:"opportunityScore"`
	Reasoning        string  `json:"reasoning"`
}

// Verdict is the normalized classification result.
type Verdict struct {
	Valid     bool
	Category  string
	Score     int
	Reasoning string
}

// ParseVerdict extracts the outermost {...} span from the response text and
// parses it. Models routinely wrap the JSON in prose or code fences; anything
// that still fails to parse is treated as valid=false, score=0 rather than an
// error, so a malformed response can never be retried into acceptance.
func ParseVerdict(text string) Verdict {
	span := outerJSONSpan(text)
	if span == "" {
		return Verdict{}
	}
	var raw rawVerdict
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return Verdict{}
	}
	score := int(raw.OpportunityScore)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Verdict{
		Valid:     raw.Valid,
		Category:  NormalizeCategory(raw.Category),
		Score:     score,
		Reasoning: strings.TrimSpace(raw.Reasoning),
	}
}

// outerJSONSpan returns the substring from the first '{' to its matching
// closing brace, tracking strings and escapes so braces inside values don't
// unbalance the scan.
func outerJSONSpan(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
