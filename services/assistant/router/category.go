// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router rewrites raw user input into standalone queries and
// classifies them into the closed set of assistant categories.
package router

import "strings"

// Category is one of the closed set of request categories.
type Category string

const (
	CategoryMail           Category = "mail"
	CategoryCalendar       Category = "calendar"
	CategoryExpenseTracker Category = "expense_tracker"
	CategoryResume         Category = "resume"

	// CategoryNone is the fallback for requests outside every category.
	CategoryNone Category = "none"
)

// Categories lists the routable categories in prompt order. CategoryNone
// is not included.
func Categories() []Category {
	return []Category{CategoryMail, CategoryCalendar, CategoryExpenseTracker, CategoryResume}
}

// RequiresTools reports whether the category is served by the tool loop.
func (c Category) RequiresTools() bool {
	switch c {
	case CategoryMail, CategoryCalendar, CategoryExpenseTracker:
		return true
	default:
		return false
	}
}

// AgentName is the agent label used in evaluation events.
func (c Category) AgentName() string {
	if c == CategoryNone || c == "" {
		return "fallback_agent"
	}
	return string(c) + "_agent"
}

func (c Category) String() string { return string(c) }

// ParseCategory maps a model label onto the closed set. Case, surrounding
// whitespace, and spaces or hyphens in place of underscores are tolerated;
// anything else yields CategoryNone.
func ParseCategory(label string) Category {
	norm := strings.ToLower(strings.TrimSpace(label))
	norm = strings.Trim(norm, `"'.`)
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, c := range Categories() {
		if norm == string(c) {
			return c
		}
	}
	return CategoryNone
}
