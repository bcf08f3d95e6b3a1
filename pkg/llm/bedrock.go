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
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
)

// bedrockClient invokes Anthropic models through Amazon Bedrock, using the
// Bedrock messages body format. Credentials come from the ambient AWS chain.
type bedrockClient struct {
	runtime *bedrockruntime.Client
	model   string
	logger  logr.Logger
}

func newBedrock(ctx context.Context, cfg Config, logger logr.Logger) (*bedrockClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("provider_not_configured: model is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return &bedrockClient{
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		model:   cfg.Model,
		logger:  logger.WithName("llm.bedrock"),
	}, nil
}

// bedrockBody is the anthropic-on-bedrock request schema.
type bedrockBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockReply struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *bedrockClient) body(req Request) ([]byte, error) {
	fillDefaults(&req)
	messages := make([]bedrockMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}
	return json.Marshal(bedrockBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		System:           req.System,
		Messages:         messages,
	})
}

// GenerateStructured implements Client.
func (c *bedrockClient) GenerateStructured(ctx context.Context, req Request, out any) error {
	body, err := c.body(req)
	if err != nil {
		return errors.Wrap(err, "encode bedrock body")
	}
	resp, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return modelNotFound(c.model, errors.Wrap(err, "bedrock invoke"))
	}

	var reply bedrockReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return errors.Wrap(err, "decode bedrock reply")
	}
	var text strings.Builder
	for _, block := range reply.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return DecodeStructured(text.String(), out)
}

// StreamTokens implements Client.
func (c *bedrockClient) StreamTokens(ctx context.Context, req Request, emit func(StreamEvent)) (string, error) {
	body, err := c.body(req)
	if err != nil {
		return "", errors.Wrap(err, "encode bedrock body")
	}
	resp, err := c.runtime.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", modelNotFound(c.model, errors.Wrap(err, "bedrock stream"))
	}
	stream := resp.GetStream()
	defer func() { _ = stream.Close() }()

	var full strings.Builder
	for event := range stream.Events() {
		chunk, ok := event.(*brtypes.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var delta struct {
			Type  string `json:"type"`
			Delta struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				Thinking string `json:"thinking"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(chunk.Value.Bytes, &delta); err != nil {
			continue
		}
		switch delta.Delta.Type {
		case "text_delta":
			full.WriteString(delta.Delta.Text)
			emit(StreamEvent{Type: StreamToken, Text: delta.Delta.Text})
		case "thinking_delta":
			emit(StreamEvent{Type: StreamThinking, Text: delta.Delta.Thinking})
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), errors.Wrap(err, "bedrock stream")
	}
	return full.String(), nil
}
