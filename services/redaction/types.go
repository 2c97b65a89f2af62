// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redaction

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := ConfidenceLevel(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", s)
	}
}

// rank orders confidence levels for threshold comparisons.
func (c ConfidenceLevel) rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

type patternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns that redact to the same label.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one detection rule.
type Pattern struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`

	compiled *regexp.Regexp
}

func (f *patternFile) compile() error {
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			p := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile pattern %s: %w", p.ID, err)
			}
			p.compiled = re
		}
	}
	return nil
}

func (f *patternFile) sortByPriority() {
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
}

// Finding is one match. Matched text is not retained.
type Finding struct {
	Classification string          `json:"classification"`
	PatternID      string          `json:"pattern_id"`
	Confidence     ConfidenceLevel `json:"confidence"`
}
