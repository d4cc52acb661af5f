// Package llm is the uniform client to the local model runtime.
package llm

import (
	"errors"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// =============================================================================
// JSON Salvage
// =============================================================================

// ErrUnsalvageable marks output no repair step could turn into JSON.
var ErrUnsalvageable = errors.New("response is not salvageable JSON")

var (
	fencedBlockPattern   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	bareKeyPattern       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_\-]*)\s*:`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// Salvage repairs common model output defects into a parsed JSON object.
// Applied in order: extract fenced block, locate the outermost balanced
// braces, quote bare keys, strip trailing commas, parse. The bool reports
// whether any repair step was needed.
func Salvage(raw string) (map[string]any, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false, ErrUnsalvageable
	}

	// Clean parse needs no repair.
	if parsed, err := parseObject(trimmed); err == nil {
		return parsed, false, nil
	}

	candidate := trimmed

	// (i) fenced block
	if m := fencedBlockPattern.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
		if parsed, err := parseObject(candidate); err == nil {
			return parsed, true, nil
		}
	}

	// (ii) outermost balanced braces
	if extracted, ok := outermostObject(candidate); ok {
		candidate = extracted
		if parsed, err := parseObject(candidate); err == nil {
			return parsed, true, nil
		}
	}

	// (iii) quote bare keys
	candidate = bareKeyPattern.ReplaceAllString(candidate, `$1"$2":`)
	if parsed, err := parseObject(candidate); err == nil {
		return parsed, true, nil
	}

	// (iv) strip trailing commas
	candidate = trailingCommaPattern.ReplaceAllString(candidate, "$1")
	parsed, err := parseObject(candidate)
	if err != nil {
		return nil, true, ErrUnsalvageable
	}
	return parsed, true, nil
}

func parseObject(s string) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, ErrUnsalvageable
	}
	return parsed, nil
}

// outermostObject scans for the first '{' and its balanced closer,
// skipping braces inside string literals.
func outermostObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
