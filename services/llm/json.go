// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject pulls the outermost JSON object out of model output.
//
// Markdown code fences are stripped first; then the text between the
// first '{' and its matching '}' is returned. Braces inside JSON strings
// are ignored while matching.
func ExtractJSONObject(text string) (string, bool) {
	s := stripFences(text)
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

// DecodeJSONObject extracts the outermost object and unmarshals it into v.
func DecodeJSONObject(text string, v any) error {
	obj, ok := ExtractJSONObject(text)
	if !ok {
		return fmt.Errorf("no JSON object in model output: %q", Truncate(text, 120))
	}
	return json.Unmarshal([]byte(obj), v)
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	// Drop the info string ("json") on the opening fence.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if info := strings.TrimSpace(body[:nl]); !strings.ContainsAny(info, "{}") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
