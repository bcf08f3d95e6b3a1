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

// Package llm abstracts the model providers behind one client surface.
//
// Two call shapes cover everything the RCA and chat graphs need: a blocking
// structured-JSON generation (planner, synthesizer) and a token stream
// (conversational replies). Provider selection is config-driven; errors use
// the stable codes the graphs key on (missing_api_key,
// provider_not_configured, model_not_found:<id>).
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
)

// Role of a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one model invocation. System carries the full instruction
// prompt; Messages the conversation so far.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// StreamEventType tags a streaming segment.
type StreamEventType string

const (
	// StreamToken is a reply text fragment.
	StreamToken StreamEventType = "token"
	// StreamThinking is a native reasoning fragment, forwarded so the UI can
	// render it distinctly.
	StreamThinking StreamEventType = "thinking"
)

// StreamEvent is one streamed segment.
type StreamEvent struct {
	Type StreamEventType
	Text string
}

// Client is the provider-independent model surface.
type Client interface {
	// GenerateStructured performs a blocking call whose reply must be a
	// single JSON object, decoded into out. Fenced or prose-wrapped JSON is
	// tolerated.
	GenerateStructured(ctx context.Context, req Request, out any) error

	// StreamTokens streams a free-form reply through emit and returns the
	// full accumulated text.
	StreamTokens(ctx context.Context, req Request, emit func(StreamEvent)) (string, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is one of "anthropic", "bedrock", "openai".
	Provider string
	Model    string
	// APIKey authenticates anthropic/openai. Bedrock uses ambient AWS
	// credentials instead.
	APIKey string
	// Region is the AWS region for bedrock.
	Region string
}

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.2
)

// New builds the configured provider client.
func New(ctx context.Context, cfg Config, logger logr.Logger) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropic(cfg, logger)
	case "bedrock":
		return newBedrock(ctx, cfg, logger)
	case "openai":
		return newOpenAI(cfg, logger)
	case "":
		return nil, errors.New("provider_not_configured")
	}
	return nil, errors.Errorf("provider_not_configured: unknown provider %q", cfg.Provider)
}

// DecodeStructured extracts the first JSON object from a model reply and
// decodes it. Models wrap JSON in code fences or prose often enough that
// strict decoding alone loses real replies.
func DecodeStructured(reply string, out any) error {
	candidate := extractJSON(reply)
	if candidate == "" {
		return errors.Errorf("no JSON object in model reply (%d bytes)", len(reply))
	}
	if err := json.Unmarshal([]byte(candidate), out); err != nil {
		return errors.Wrap(err, "decode structured reply")
	}
	return nil
}

// extractJSON returns the first balanced {...} span of s, or empty.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// modelNotFound classifies provider "unknown model" failures under the
// stable code contract.
func modelNotFound(model string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "does not exist") {
		return errors.Errorf("model_not_found:%s", model)
	}
	return err
}

func fillDefaults(req *Request) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if req.Temperature <= 0 {
		req.Temperature = defaultTemperature
	}
}
