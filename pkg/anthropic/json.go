package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// DecodeJSON unmarshals the first JSON object or array in the response text
// into dst. Markdown code fences and surrounding prose are ignored.
func DecodeJSON(resp *MessageResponse, dst any) error {
	raw, err := ExtractJSON(resp.Text())
	if err != nil {
		return err
	}
	return eris.Wrap(json.Unmarshal([]byte(raw), dst), "anthropic: decode json")
}

// ExtractJSON returns the outermost JSON object or array found in text.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", eris.New("anthropic: no json in response")
	}
	open := text[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", eris.New("anthropic: unterminated json in response")
}
