// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import "github.com/tmc/langchaingo/prompts"

const rewriterSystemPrompt = `You are a query rewriter. Rewrite the user's latest request into a
standalone, clear, and unambiguous message that preserves the original intent
and constraints. Use chat history only to fill missing context; do not invent facts.

Rules:
- If the message is a simple confirmation ("yes", "okay", "go ahead"), rewrite it as
  a confirmation of the action most recently proposed in the history.
- Preserve key entities, dates, numbers, and constraints.
- Expand pronouns and references ("it", "them", "tomorrow") using the history.
- Do not add capabilities that were not requested.
- The rewritten query must read like a user request, in English.
- Respond with strict JSON: {"rewritten_query": "..."} and nothing else.`

var rewriterUserTemplate = prompts.NewPromptTemplate(
	`Chat history (most recent last):
{{.history}}

User: {{.query}}
Respond with: {"rewritten_query": "<standalone_query>"}`,
	[]string{"history", "query"},
)

const routerSystemPrompt = `You are a router. Classify the user's request into exactly one category.
Rules:
- Match the request strictly against the listed categories.
- If the request does not belong to any category, answer "none".
- Respond with strict JSON: {"category": "<category>"} and nothing else.`

var routerUserTemplate = prompts.NewPromptTemplate(
	`Categories: {{.categories}}

User: {{.query}}
Respond with: {"category": "<one_of_categories_or_none>"}`,
	[]string{"categories", "query"},
)
