// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evalstore

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianAssist/services/eval"
)

var (
	// ErrNotFound indicates no result with the requested id.
	ErrNotFound = errors.New("eval result not found")

	// ErrInvalidRecord indicates a result that failed validation. It wraps
	// eval.ErrPermanent so the consumer does not retry it.
	ErrInvalidRecord = fmt.Errorf("invalid eval result: %w", eval.ErrPermanent)

	// ErrUnhealthy indicates the server reported its database down.
	ErrUnhealthy = errors.New("eval server unhealthy")
)
