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

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-faster/errors"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/tarka-ai/tarka/pkg/tools"
)

// PolicyWatcher keeps a tool policy fresh from a file on disk, reloading on
// write. The file is JSON unless its extension is .yaml/.yml. Readers get
// the current value from Policy(); the file overrides the
// environment-derived baseline while it exists.
type PolicyWatcher struct {
	mu      sync.RWMutex
	current tools.Policy
	logger  logr.Logger
}

// NewPolicyWatcher loads the file once (when path is non-empty) and starts
// watching its directory until ctx is done. Watching the directory rather
// than the file survives the rename-and-replace writes config tooling does.
func NewPolicyWatcher(ctx context.Context, path string, baseline tools.Policy, logger logr.Logger) (*PolicyWatcher, error) {
	w := &PolicyWatcher{
		current: baseline.Normalize(),
		logger:  logger.WithName("policy-watch"),
	}
	if path == "" {
		return w, nil
	}

	if err := w.load(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrap(err, "watch policy dir")
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := w.load(path); err != nil {
					w.logger.Error(err, "reload policy", "path", path)
					continue
				}
				w.logger.Info("policy reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error(err, "policy watcher")
			}
		}
	}()
	return w, nil
}

// Policy returns the current normalized policy.
func (w *PolicyWatcher) Policy() tools.Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *PolicyWatcher) load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read policy file")
	}
	if isYAMLPath(path) {
		if raw, err = yamlToJSON(raw); err != nil {
			return errors.Wrap(err, "parse policy file")
		}
	}
	var policy tools.Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return errors.Wrap(err, "parse policy file")
	}
	w.mu.Lock()
	w.current = policy.Normalize()
	w.mu.Unlock()
	return nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so the policy's json tags
// apply to both formats.
func yamlToJSON(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
