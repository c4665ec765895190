// Package generator produces adventure hooks and NPCs grounded in
// retrieved campaign material.
package generator

import (
	"encoding/json"
	"strings"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

// decodeObjectArray parses an LLM reply expected to contain a JSON array
// of objects. A strict parse is attempted first; on failure the text is
// scanned for balanced objects, recovering what a truncated or chattered
// reply still contains. Zero recovered objects is a parse error.
func decodeObjectArray(text string, v any) error {
	cleaned := stripFences(text)

	start := strings.IndexByte(cleaned, '[')
	if start >= 0 {
		if err := json.Unmarshal([]byte(cleaned[start:]), v); err == nil {
			return nil
		}
	}

	objects := recoverObjects(cleaned)
	if len(objects) == 0 {
		return fault.New(fault.ParseError, "no JSON objects found in model output")
	}
	rebuilt := "[" + strings.Join(objects, ",") + "]"
	if err := json.Unmarshal([]byte(rebuilt), v); err != nil {
		return fault.Wrap(fault.ParseError, err, "recovered objects did not parse")
	}
	return nil
}

// stripFences removes a Markdown code fence around the payload, if any.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// recoverObjects walks the text tracking string-literal state and brace
// depth, emitting each balanced top-level {...} span.
func recoverObjects(text string) []string {
	var objects []string
	depth := 0
	inString := false
	escaped := false
	objStart := -1

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && objStart >= 0 {
				objects = append(objects, text[objStart:i+1])
				objStart = -1
			}
		}
	}
	return objects
}
