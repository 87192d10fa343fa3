package extraction

import (
	"encoding/json"
	"strings"
	"unicode"
)

// parseFacts accepts the two shapes the fact-extraction model may produce:
// a JSON object {"facts": [...]} (possibly fenced, possibly surrounded by
// prose) or "FACT: ..." lines. The single word NONE means no facts.
func parseFacts(raw string) []string {
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" || strings.EqualFold(text, "NONE") {
		return nil
	}

	var wrapper struct {
		Facts []string `json:"facts"`
	}
	if region := jsonRegion(text, '{', '}'); region != "" {
		if err := json.Unmarshal([]byte(region), &wrapper); err == nil && wrapper.Facts != nil {
			return dedupe(wrapper.Facts)
		}
	}

	// Some models return a bare array.
	if region := jsonRegion(text, '[', ']'); region != "" {
		var facts []string
		if err := json.Unmarshal([]byte(region), &facts); err == nil {
			return dedupe(facts)
		}
	}

	var facts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "FACT:"); ok {
			facts = append(facts, strings.TrimSpace(rest))
		}
	}
	return dedupe(facts)
}

// stripCodeFence removes a surrounding markdown fence, tolerating a
// language tag after the opening backticks.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// jsonRegion extracts the first balanced region delimited by open/close,
// respecting string literals and escapes.
func jsonRegion(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// normalize lowercases, maps every non-alphanumeric rune to a space and
// collapses runs of whitespace. It is idempotent.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		} else {
			space = true
		}
	}
	return b.String()
}
