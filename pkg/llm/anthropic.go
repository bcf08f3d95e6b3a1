/*
Copyright 2026 The Tarka Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
)

// anthropicClient talks to the Anthropic Messages API directly.
type anthropicClient struct {
	client anthropic.Client
	model  string
	logger logr.Logger
}

func newAnthropic(cfg Config, logger logr.Logger) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing_api_key")
	}
	if cfg.Model == "" {
		return nil, errors.New("provider_not_configured: model is required")
	}
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
		logger: logger.WithName("llm.anthropic"),
	}, nil
}

func (c *anthropicClient) params(req Request) anthropic.MessageNewParams {
	fillDefaults(&req)
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// GenerateStructured implements Client.
func (c *anthropicClient) GenerateStructured(ctx context.Context, req Request, out any) error {
	msg, err := c.client.Messages.New(ctx, c.params(req))
	if err != nil {
		return modelNotFound(c.model, errors.Wrap(err, "anthropic generate"))
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return DecodeStructured(text.String(), out)
}

// StreamTokens implements Client.
func (c *anthropicClient) StreamTokens(ctx context.Context, req Request, emit func(StreamEvent)) (string, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(req))
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				full.WriteString(delta.Text)
				emit(StreamEvent{Type: StreamToken, Text: delta.Text})
			case anthropic.ThinkingDelta:
				emit(StreamEvent{Type: StreamThinking, Text: delta.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), modelNotFound(c.model, errors.Wrap(err, "anthropic stream"))
	}
	return full.String(), nil
}
