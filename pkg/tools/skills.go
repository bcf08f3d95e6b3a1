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

package tools

import (
	"os"

	"github.com/go-faster/errors"
	"sigs.k8s.io/yaml"

	"github.com/tarka-ai/tarka/pkg/identity"
)

// Skill is one curated troubleshooting playbook. Skills are written by
// operators in a YAML file and surfaced to the assistant alongside the
// database's resolution history.
type Skill struct {
	Name     string   `json:"name"`
	Families []string `json:"families"`
	Summary  string   `json:"summary"`
	Steps    []string `json:"steps,omitempty"`
	Runbook  string   `json:"runbook,omitempty"`
}

// SkillsLibrary holds the skills file parsed at startup, indexed by family.
type SkillsLibrary struct {
	byFamily map[string][]Skill
	count    int
}

type skillsFile struct {
	Skills []Skill `json:"skills"`
}

// LoadSkills parses the skills YAML at path. A skill without a name or
// without at least one family is a configuration error, not a silent skip.
func LoadSkills(path string) (*SkillsLibrary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read skills file")
	}
	return ParseSkills(raw)
}

// ParseSkills builds a library from raw YAML.
func ParseSkills(raw []byte) (*SkillsLibrary, error) {
	var file skillsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "parse skills file")
	}

	lib := &SkillsLibrary{byFamily: map[string][]Skill{}}
	for i, skill := range file.Skills {
		if skill.Name == "" {
			return nil, errors.Errorf("skill %d has no name", i)
		}
		if len(skill.Families) == 0 {
			return nil, errors.Errorf("skill %q lists no families", skill.Name)
		}
		for _, family := range skill.Families {
			lib.byFamily[family] = append(lib.byFamily[family], skill)
		}
		lib.count++
	}
	return lib, nil
}

// Len reports how many skills the library holds.
func (l *SkillsLibrary) Len() int {
	if l == nil {
		return 0
	}
	return l.count
}

// ForFamily returns the skills registered for a family. The wildcard family
// "*" matches every case.
func (l *SkillsLibrary) ForFamily(family identity.Family) []Skill {
	if l == nil {
		return nil
	}
	skills := append([]Skill(nil), l.byFamily[string(family)]...)
	return append(skills, l.byFamily["*"]...)
}
