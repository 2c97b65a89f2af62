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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/eval"
)

// DefaultClientTimeout bounds each request made by Client.
const DefaultClientTimeout = 10 * time.Second

// Client talks to a running eval server.
//
// It implements eval.Store, so a consumer can persist results remotely.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateRecord posts r to /evals.
func (c *Client) CreateRecord(ctx context.Context, r eval.EvalResult) (eval.EvalResult, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return eval.EvalResult{}, fmt.Errorf("encode eval result: %w", err)
	}
	var out eval.EvalResult
	if err := c.do(ctx, http.MethodPost, "/evals", body, http.StatusCreated, &out); err != nil {
		return eval.EvalResult{}, err
	}
	return out, nil
}

// Get fetches one result.
func (c *Client) Get(ctx context.Context, id string) (eval.EvalResult, error) {
	var out eval.EvalResult
	err := c.do(ctx, http.MethodGet, "/evals/"+url.PathEscape(id), nil, http.StatusOK, &out)
	return out, err
}

// List queries /evals with f.
func (c *Client) List(ctx context.Context, f eval.ResultFilter) ([]eval.EvalResult, error) {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/evals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []eval.EvalResult
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches the aggregate statistics.
func (c *Client) Stats(ctx context.Context) (eval.Stats, error) {
	var out eval.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, http.StatusOK, &out)
	return out, err
}

// Health returns nil when the server and its database are up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		text := strings.TrimSpace(string(msg))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, text)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrInvalidRecord, text)
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %s", ErrUnhealthy, text)
		}
		return fmt.Errorf("eval server returned %d: %s", resp.StatusCode, text)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
