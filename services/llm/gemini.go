// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

type GeminiClient struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGeminiClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	logger.Info("Initializing Gemini client", "model", model)
	return &GeminiClient{client: client, model: model, logger: logger}, nil
}

func (g *GeminiClient) Name() string  { return "gemini" }
func (g *GeminiClient) Model() string { return g.model }

// Complete implements Client.
func (g *GeminiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := modelFor(req, g.model)
	ctx, span := tracer.Start(ctx, "GeminiClient.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(req.Messages)),
		attribute.Int("llm.num_tools", len(req.Tools)),
	)

	contents, err := geminiContents(req.Messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.SystemPrompt)}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: geminiDeclarations(req.Tools)}}
	} else if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Error("Gemini API call failed", "error", err)
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		span.SetStatus(codes.Error, "no candidates")
		return nil, ErrNoResponse
	}

	candidate := resp.Candidates[0]
	out := &Response{
		StopReason: string(candidate.FinishReason),
		Duration:   time.Since(start),
		Model:      model,
	}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        id,
				Name:      DecodeToolName(part.FunctionCall.Name),
				Arguments: string(args),
			})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	out.Content = text.String()
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.HasToolCalls() {
		out.StopReason = "tool_use"
	}
	return out, nil
}

func geminiContents(messages []Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args, err := tc.ArgumentsMap()
				if err != nil {
					return nil, fmt.Errorf("tool call %s has invalid arguments: %w", tc.ID, err)
				}
				part := genai.NewPartFromFunctionCall(EncodeToolName(tc.Name), args)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			parts := make([]*genai.Part, 0, len(m.ToolResults))
			for _, r := range m.ToolResults {
				key := "output"
				if r.IsError {
					key = "error"
				}
				part := genai.NewPartFromFunctionResponse(EncodeToolName(r.Name), map[string]any{key: r.Content})
				part.FunctionResponse.ID = r.ToolCallID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
			}
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, nil
}

func geminiDeclarations(defs []ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decl := &genai.FunctionDeclaration{
			Name:        EncodeToolName(d.Name),
			Description: d.Description,
		}
		if len(d.Parameters) > 0 {
			decl.ParametersJsonSchema = d.Parameters
		}
		decls = append(decls, decl)
	}
	return decls
}
