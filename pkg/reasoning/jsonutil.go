package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CleanCodeFences strips markdown code-fence markers so fenced model
// output parses as plain JSON.
func CleanCodeFences(raw string) string {
	cleaned := strings.TrimSpace(raw)

	if strings.HasPrefix(cleaned, "```") {
		if idx := strings.Index(cleaned, "\n"); idx >= 0 {
			cleaned = cleaned[idx+1:]
		} else {
			cleaned = strings.TrimPrefix(cleaned, "```json")
			cleaned = strings.TrimPrefix(cleaned, "```")
		}
	}
	if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
		cleaned = cleaned[:idx]
	}

	return strings.TrimSpace(cleaned)
}

// firstJSONObject returns the first balanced {...} substring, tracking
// strings and escapes so braces inside values do not break the count.
func firstJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseLenient decodes model output into v. It tries the fence-cleaned
// string first, then the first balanced JSON object inside it, and gives
// up with ErrUnparsable.
func ParseLenient(raw string, v interface{}) error {
	cleaned := CleanCodeFences(raw)

	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}

	if candidate, ok := firstJSONObject(cleaned); ok {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: %.120s", ErrUnparsable, cleaned)
}
