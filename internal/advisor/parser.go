package advisor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/anvillabs/crucible/internal/models"
)

// Response is the structured payload an advisor reply may embed.
type Response struct {
	Reasoning string               `json:"reasoning,omitempty"`
	Analysis  string               `json:"analysis,omitempty"`
	Fixes     []models.FixProposal `json:"fixes,omitempty"`
	CannotFix bool                 `json:"cannotFix,omitempty"`
}

// ParseResult is the tagged outcome of parsing advisor reply text. An
// Unparsed reply carries zero fixes; it is never treated as cannot-fix and
// never as an error.
type ParseResult struct {
	Parsed   bool
	Response Response
	Raw      string
}

var fencedJSONRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Parse extracts the structured response from advisor reply text. Replies
// arrive as free text that usually, but not always, contains a JSON object:
// fenced blocks are tried first, then the whole reply, then the first
// balanced object found in the text. No reply can make this panic.
func Parse(text string) ParseResult {
	out := ParseResult{Raw: text}

	for _, candidate := range candidates(text) {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &keys); err != nil {
			continue
		}
		if !hasResponseKey(keys) {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
			continue
		}
		out.Parsed = true
		out.Response = resp
		return out
	}

	return out
}

// candidates lists the substrings of text worth attempting as JSON, in
// decreasing order of confidence.
func candidates(text string) []string {
	var cands []string
	for _, m := range fencedJSONRegex.FindAllStringSubmatch(text, -1) {
		cands = append(cands, m[1])
	}
	if trimmed := strings.TrimSpace(text); strings.HasPrefix(trimmed, "{") {
		cands = append(cands, trimmed)
	}
	if block, ok := extractBalancedObject(text); ok {
		cands = append(cands, block)
	}
	return cands
}

// hasResponseKey requires at least one contract key, so arbitrary JSON
// objects in the reply do not masquerade as a response.
func hasResponseKey(keys map[string]json.RawMessage) bool {
	for _, k := range []string{"fixes", "cannotFix", "reasoning", "analysis"} {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// extractBalancedObject scans for the first brace-balanced object in text,
// honoring JSON string and escape rules.
func extractBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start != -1 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}

		rest := strings.IndexByte(text[start+1:], '{')
		if rest == -1 {
			break
		}
		start += 1 + rest
	}
	return "", false
}
