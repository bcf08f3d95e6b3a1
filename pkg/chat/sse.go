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

package chat

import (
	"encoding/json"
	"net/http"
)

// Stream event types, in emission order for a full turn.
const (
	EventInit      = "init"
	EventThinking  = "thinking"
	EventPlanning  = "planning"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventToken     = "token"
	EventDone      = "done"
	EventError     = "error"
)

// Emitter receives one stream event. Implementations must tolerate being
// called after the client went away; the engine stops on context
// cancellation, not on emit failure.
type Emitter func(event string, data any)

// SSEWriter adapts an http.ResponseWriter into an Emitter with the framing
// "event: <type>\ndata: <json>\n\n" and flush-per-event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the SSE headers and returns the writer. The
// X-Accel-Buffering header keeps nginx-style proxies from batching events.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// Emit writes one framed event.
func (s *SSEWriter) Emit(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	_, _ = s.w.Write([]byte("event: " + event + "\ndata: "))
	_, _ = s.w.Write(payload)
	_, _ = s.w.Write([]byte("\n\n"))
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
