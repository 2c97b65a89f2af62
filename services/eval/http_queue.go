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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// popGrace is added to the server-side wait so the HTTP round trip does
// not time out before the server answers.
const popGrace = 5 * time.Second

// HTTPQueue is a Queue client for the eval server's /queues endpoints.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPQueue struct {
	baseURL string
	client  *http.Client
}

// NewHTTPQueue creates a client for the server at baseURL. A nil client
// uses one without a global timeout; every call is bounded by its ctx
// (and Pop by wait plus a grace period).
func NewHTTPQueue(baseURL string, client *http.Client) *HTTPQueue {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPQueue{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (q *HTTPQueue) endpoint(channel string, parts ...string) string {
	elems := append([]string{"queues", url.PathEscape(channel)}, parts...)
	return q.baseURL + "/" + strings.Join(elems, "/")
}

// Push sends payload to the server's queue.
func (q *HTTPQueue) Push(ctx context.Context, channel string, payload []byte) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := q.do(ctx, http.MethodPost, q.endpoint(channel, "push"), payload, http.StatusAccepted)
	return err
}

// Pop long-polls the server for up to wait.
func (q *HTTPQueue) Pop(ctx context.Context, channel string, wait time.Duration) (*Delivery, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, wait+popGrace)
	defer cancel()

	target := q.endpoint(channel, "pop") + "?wait=" + url.QueryEscape(wait.String())
	resp, err := q.send(ctx, http.MethodPost, target, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, ErrQueueEmpty
	case http.StatusOK:
		var d Delivery
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}
		return &d, nil
	default:
		return nil, statusError(resp)
	}
}

// Ack confirms a delivery. A 404 maps to ErrUnknownDelivery.
func (q *HTTPQueue) Ack(ctx context.Context, channel, deliveryID string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := q.do(ctx, http.MethodPost, q.endpoint(channel, "ack", url.PathEscape(deliveryID)), nil, http.StatusNoContent)
	return err
}

// Length returns the server-side queue length.
func (q *HTTPQueue) Length(ctx context.Context, channel string) (int, error) {
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}
	body, err := q.do(ctx, http.MethodGet, q.endpoint(channel, "length"), nil, http.StatusOK)
	if err != nil {
		return 0, err
	}
	var out struct {
		Length int `json:"length"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode length: %w", err)
	}
	return out.Length, nil
}

// Clear empties the server-side channel.
func (q *HTTPQueue) Clear(ctx context.Context, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := q.do(ctx, http.MethodDelete, q.endpoint(channel), nil, http.StatusNoContent)
	return err
}

func (q *HTTPQueue) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	return resp, nil
}

func (q *HTTPQueue) do(ctx context.Context, method, target string, body []byte, want int) ([]byte, error) {
	resp, err := q.send(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

// statusError maps an unexpected response to an error. Sentinels are
// restored from the status code so errors.Is works across the wire.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, text)
	case http.StatusBadRequest:
		if strings.Contains(text, ErrInvalidChannel.Error()) {
			return fmt.Errorf("%w: %s", ErrInvalidChannel, text)
		}
		return fmt.Errorf("%w: %s", ErrMalformedEvent, text)
	}
	return fmt.Errorf("queue server returned %d: %s", resp.StatusCode, text)
}
