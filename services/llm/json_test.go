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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare", `{"category":"mail"}`, `{"category":"mail"}`, true},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"fenced plain", "```\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", `Sure! {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"text":"use } carefully"}`, `{"text":"use } carefully"}`, true},
		{"escaped quote", `{"t":"say \"}\""}`, `{"t":"say \"}\""}`, true},
		{"no object", `mail`, "", false},
		{"unterminated", `{"a":1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSONObject(t *testing.T) {
	var out struct {
		Category string `json:"category"`
	}
	require.NoError(t, DecodeJSONObject("```json\n{\"category\": \"calendar\"}\n```", &out))
	assert.Equal(t, "calendar", out.Category)

	require.Error(t, DecodeJSONObject("no json here", &out))
}
