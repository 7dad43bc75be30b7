/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON cleans model output that was asked for JSON but arrived
// wrapped in prose or fenced code blocks. It strips fences, extracts the
// first balanced {...} or [...] substring, and validates by parsing. When no
// valid JSON can be recovered the raw text is returned unchanged so callers
// can apply their own fallback.
func ExtractJSON(raw string) string {
	text := stripFences(raw)

	// Try whichever bracket opens first, so an array of objects is returned
	// whole rather than as its first element.
	pairs := [][2]byte{{'{', '}'}, {'[', ']'}}
	if obj, arr := strings.IndexByte(text, '{'), strings.IndexByte(text, '['); arr >= 0 && (obj < 0 || arr < obj) {
		pairs[0], pairs[1] = pairs[1], pairs[0]
	}
	for _, p := range pairs {
		if candidate := firstBalanced(text, p[0], p[1]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return raw
}

// stripFences removes markdown code fences, with or without a language tag.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}

	var out strings.Builder
	inFence := false
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	if out.Len() > 0 {
		return strings.TrimSpace(out.String())
	}
	return trimmed
}

// firstBalanced returns the first substring balanced on the given pair,
// respecting JSON string literals and escapes.
func firstBalanced(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
