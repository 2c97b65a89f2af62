// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel controls how rich terminal output is.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, and boxes.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal keeps icons but drops boxes and color on body text.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine prints plain, prefix-tagged lines for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// EnvPersonality overrides level detection when set.
const EnvPersonality = "ALEUTIAN_PERSONALITY"

// ParsePersonalityLevel converts a string to a PersonalityLevel. Unknown
// values map to PersonalityFull.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q", "plain":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// DetectLevel picks a level for output written to f.
//
// # Description
//
// An explicit flag value wins, then $ALEUTIAN_PERSONALITY. Otherwise a
// terminal gets PersonalityFull and anything else (a pipe, a file)
// gets PersonalityMachine.
func DetectLevel(flag string, f *os.File) PersonalityLevel {
	if flag != "" {
		return ParsePersonalityLevel(flag)
	}
	if env := os.Getenv(EnvPersonality); env != "" {
		return ParsePersonalityLevel(env)
	}
	if f != nil && IsTerminal(f.Fd()) {
		return PersonalityFull
	}
	return PersonalityMachine
}

// IsTerminal reports whether fd is an interactive terminal.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
