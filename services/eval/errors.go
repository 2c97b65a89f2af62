// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import "errors"

// Sentinel errors for the eval package.
var (
	// ErrQueueEmpty indicates Pop found nothing within its wait.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrUnknownDelivery indicates an Ack for a delivery that is not in
	// flight (already acked, or its lease expired and it was requeued).
	ErrUnknownDelivery = errors.New("unknown delivery")

	// ErrInvalidChannel indicates an empty or malformed channel name.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrMalformedEvent indicates a queued payload that is not an EvalEvent.
	ErrMalformedEvent = errors.New("malformed eval event")

	// ErrPermanent marks a failure that retrying cannot fix. Stores wrap
	// it into their validation errors; the consumer drops on first sight.
	ErrPermanent = errors.New("permanent failure")
)
