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

package alert

import "encoding/json"

// Job is the compact queue payload between receiver and worker. The worker
// re-normalizes the raw alert, so only the raw form and the parent status
// cross the queue.
type Job struct {
	Raw               RawAlert `json:"alert"`
	ParentStatus      string   `json:"parent_status,omitempty"`
	TimeWindowSeconds int64    `json:"time_window_seconds,omitempty"`
}

// Encode serializes the job for the queue.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a queue payload.
func DecodeJob(body []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(body, &j)
	return j, err
}
