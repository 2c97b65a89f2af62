// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redaction scrubs credentials and personal data from text before
// it leaves the assistant, e.g. in eval events bound for the judge model.
//
// Rules live in patterns.yaml, which is embedded into the binary.
// Classifications are applied in descending priority, and a pattern only
// fires when its confidence is at or above the redactor's threshold.
package redaction

import (
	_ "embed"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Public is returned by Classify for text with no findings.
const Public = "public"

// Options configures a Redactor.
type Options struct {
	// MinConfidence is the lowest confidence that is acted on.
	// Default: Medium.
	MinConfidence ConfidenceLevel

	Logger *slog.Logger
}

// Redactor finds and masks sensitive substrings.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Redactor struct {
	classifications []Classification
	min             ConfidenceLevel
	logger          *slog.Logger
}

// New builds a Redactor from the embedded rule set.
func New(opts Options) (*Redactor, error) {
	return NewFromYAML(defaultPatterns, opts)
}

// NewFromYAML builds a Redactor from a rule document in the
// patterns.yaml format.
func NewFromYAML(data []byte, opts Options) (*Redactor, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse redaction patterns: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	file.sortByPriority()

	if opts.MinConfidence == "" {
		opts.MinConfidence = Medium
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redactor{
		classifications: file.Classifications,
		min:             opts.MinConfidence,
		logger:          opts.Logger.With(slog.String("component", "redactor")),
	}, nil
}

func (r *Redactor) active(p Pattern) bool {
	return p.Confidence.rank() >= r.min.rank()
}

// Scan reports every match without changing text.
func (r *Redactor) Scan(text string) []Finding {
	var findings []Finding
	for _, c := range r.classifications {
		for _, p := range c.Patterns {
			if !r.active(p) {
				continue
			}
			for _, m := range p.compiled.FindAllString(text, -1) {
				if !confirm(p.ID, m) {
					continue
				}
				findings = append(findings, Finding{Classification: c.Name, PatternID: p.ID, Confidence: p.Confidence})
			}
		}
	}
	return findings
}

// Classify returns the highest-priority classification found in text,
// or Public.
func (r *Redactor) Classify(text string) string {
	for _, c := range r.classifications {
		for _, p := range c.Patterns {
			if !r.active(p) {
				continue
			}
			for _, m := range p.compiled.FindAllString(text, -1) {
				if confirm(p.ID, m) {
					return c.Name
				}
			}
		}
	}
	return Public
}

// Redact replaces every match with "[REDACTED:<classification>]".
//
// # Outputs
//
//   - string: text with matches masked.
//   - []Finding: one entry per masked match, in application order.
func (r *Redactor) Redact(text string) (string, []Finding) {
	var findings []Finding
	for _, c := range r.classifications {
		placeholder := "[REDACTED:" + c.Name + "]"
		for _, p := range c.Patterns {
			if !r.active(p) {
				continue
			}
			text = p.compiled.ReplaceAllStringFunc(text, func(m string) string {
				if !confirm(p.ID, m) {
					return m
				}
				findings = append(findings, Finding{Classification: c.Name, PatternID: p.ID, Confidence: p.Confidence})
				return placeholder
			})
		}
	}
	return text, findings
}

// Sanitize is Redact without the findings. Matches are logged at debug
// level by pattern id.
func (r *Redactor) Sanitize(text string) string {
	out, findings := r.Redact(text)
	for _, f := range findings {
		r.logger.Debug("redacted sensitive text",
			slog.String("classification", f.Classification),
			slog.String("pattern", f.PatternID))
	}
	return out
}

// confirm applies pattern-specific checks a regex cannot express.
func confirm(patternID, match string) bool {
	if patternID == "credit_card" {
		return luhn(match)
	}
	return true
}

// luhn validates a card number, ignoring spaces and dashes.
func luhn(s string) bool {
	var digits []int
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
			digits = append(digits, int(ch-'0'))
		case ch == ' ' || ch == '-':
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
