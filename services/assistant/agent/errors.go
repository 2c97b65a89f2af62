// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import "errors"

// Sentinel errors for the agent package.
//
// None of these reach the user. They are recorded in Result.Failure and
// in eval metadata so degraded answers can be told apart.
var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrIterationBudgetExceeded indicates the tool loop hit its cap
	// without a final answer.
	ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")

	// ErrToolsUnavailable indicates every tool server a category needs
	// was unreachable.
	ErrToolsUnavailable = errors.New("tool servers unavailable")

	// ErrModelFailure indicates the generation model call failed.
	ErrModelFailure = errors.New("generation model failed")

	// ErrEmptyAnswer indicates the model answered with no text.
	ErrEmptyAnswer = errors.New("model returned an empty answer")

	// ErrHandlerPanicked indicates a handler panicked and was recovered.
	ErrHandlerPanicked = errors.New("handler panicked")
)
