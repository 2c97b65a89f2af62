// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter_MachineOutputIsPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, PersonalityMachine)

	p.Title("Aleutian Assist")
	p.Muted("hidden")
	p.Prompt("you")
	p.Success("done")
	p.Warning("careful")
	p.Error("broken")
	p.KeyValue("category", "mail")
	p.Entry(1, "tool", "mail:list", "line one\nline two", false)
	p.Box("Response", "hello")

	want := "OK: done\n" +
		"WARN: careful\n" +
		"ERROR: broken\n" +
		"category\tmail\n" +
		"1\ttool\tmail:list\tline one line two\n" +
		"Response: hello\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinter_FullOutputContainsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, PersonalityFull)

	p.Title("Aleutian Assist")
	p.Box("Response", "You have two unread emails.")
	p.Entry(3, "assistant", "", "hi", false)
	p.KeyValue("rewritten", "")

	out := buf.String()
	assert.Contains(t, out, "Aleutian Assist")
	assert.Contains(t, out, "You have two unread emails.")
	assert.Contains(t, out, "assistant:")
	assert.Contains(t, out, "(empty)")
}

func TestParsePersonalityLevel(t *testing.T) {
	tests := map[string]PersonalityLevel{
		"machine": PersonalityMachine,
		"Q":       PersonalityMachine,
		"plain":   PersonalityMachine,
		"minimal": PersonalityMinimal,
		"full":    PersonalityFull,
		"bogus":   PersonalityFull,
		"":        PersonalityFull,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParsePersonalityLevel(in), in)
	}
}

func TestDetectLevel(t *testing.T) {
	assert.Equal(t, PersonalityMinimal, DetectLevel("minimal", nil))

	t.Setenv(EnvPersonality, "machine")
	assert.Equal(t, PersonalityMachine, DetectLevel("", nil))

	t.Setenv(EnvPersonality, "")
	f, err := os.CreateTemp(t.TempDir(), "out")
	assert.NoError(t, err)
	defer f.Close()
	assert.Equal(t, PersonalityMachine, DetectLevel("", f), "regular files are not terminals")
}
