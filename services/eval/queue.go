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

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Queue is an ordered, at-least-once transport for serialized events.
//
// # Description
//
// Pop hands out the oldest item under a lease. The item stays owned by
// the queue until Ack; if the lease runs out first it is delivered again.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Queue interface {
	// Push appends payload to the tail of channel.
	Push(ctx context.Context, channel string, payload []byte) error

	// Pop leases the head of channel, waiting up to wait for an item.
	// Returns ErrQueueEmpty when nothing arrives in time.
	Pop(ctx context.Context, channel string, wait time.Duration) (*Delivery, error)

	// Ack removes a leased item for good.
	Ack(ctx context.Context, channel, deliveryID string) error

	// Length counts queued plus in-flight items.
	Length(ctx context.Context, channel string) (int, error)

	// Clear drops every item in channel, in flight or not.
	Clear(ctx context.Context, channel string) error
}

// Delivery is one leased queue item.
type Delivery struct {
	ID      string          `json:"delivery_id"`
	Payload json.RawMessage `json:"payload"`

	// Attempt counts how many times this item has been handed out,
	// starting at 1.
	Attempt int `json:"attempt"`
}

// Event decodes the payload.
func (d *Delivery) Event() (EvalEvent, error) {
	var ev EvalEvent
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return EvalEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// ValidateChannel rejects names that cannot be used as a key prefix or
// URL path segment.
func ValidateChannel(channel string) error {
	if channel == "" || strings.ContainsAny(channel, "/ ") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return nil
}
