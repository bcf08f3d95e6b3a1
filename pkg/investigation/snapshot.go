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

package investigation

import (
	"encoding/json"

	"github.com/tarka-ai/tarka/pkg/alert"
	"github.com/tarka-ai/tarka/pkg/identity"
)

// SnapshotVersion identifies the analysis snapshot schema. Bump on any
// incompatible change; readers check it before trusting field shapes.
const SnapshotVersion = "v1"

// Snapshot is the persisted analysis JSON: the stable shape consumed by the
// chat/RCA runtimes and the read APIs. It denormalizes the verdict
// classification into Scores at emission time (Verdict.Classification is the
// SSOT).
type Snapshot struct {
	Version  string          `json:"version"`
	Alert    alert.Alert     `json:"alert"`
	Target   identity.Target `json:"target"`
	Family   identity.Family `json:"family"`
	Analysis Analysis        `json:"analysis"`
	Evidence Evidence        `json:"evidence"`
}

// Snapshot emits the versioned analysis snapshot for persistence.
func (inv *Investigation) Snapshot() Snapshot {
	analysis := inv.Analysis
	analysis.Scores.Classification = analysis.Verdict.Classification
	return Snapshot{
		Version:  SnapshotVersion,
		Alert:    inv.Alert,
		Target:   inv.Target,
		Family:   inv.Family,
		Analysis: analysis,
		Evidence: inv.Evidence,
	}
}

// MarshalSnapshot renders the snapshot as JSON.
func (inv *Investigation) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(inv.Snapshot())
}

// ParseSnapshot decodes a persisted snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(data, &s)
	return s, err
}
