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

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// openaiClient wraps the langchaingo OpenAI adapter.
type openaiClient struct {
	model  llms.Model
	id     string
	logger logr.Logger
}

func newOpenAI(cfg Config, logger logr.Logger) (*openaiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing_api_key")
	}
	if cfg.Model == "" {
		return nil, errors.New("provider_not_configured: model is required")
	}
	model, err := openai.New(openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model))
	if err != nil {
		return nil, errors.Wrap(err, "openai client")
	}
	return &openaiClient{model: model, id: cfg.Model, logger: logger.WithName("llm.openai")}, nil
}

func (c *openaiClient) content(req Request) []llms.MessageContent {
	fillDefaults(&req)
	content := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}
	return content
}

// GenerateStructured implements Client.
func (c *openaiClient) GenerateStructured(ctx context.Context, req Request, out any) error {
	fillDefaults(&req)
	resp, err := c.model.GenerateContent(ctx, c.content(req),
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithTemperature(req.Temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		return modelNotFound(c.id, errors.Wrap(err, "openai generate"))
	}
	if len(resp.Choices) == 0 {
		return errors.New("openai generate: empty response")
	}
	return DecodeStructured(resp.Choices[0].Content, out)
}

// StreamTokens implements Client.
func (c *openaiClient) StreamTokens(ctx context.Context, req Request, emit func(StreamEvent)) (string, error) {
	fillDefaults(&req)
	resp, err := c.model.GenerateContent(ctx, c.content(req),
		llms.WithMaxTokens(req.MaxTokens),
		llms.WithTemperature(req.Temperature),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			emit(StreamEvent{Type: StreamToken, Text: string(chunk)})
			return nil
		}),
	)
	if err != nil {
		return "", modelNotFound(c.id, errors.Wrap(err, "openai stream"))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai stream: empty response")
	}
	return resp.Choices[0].Content, nil
}
