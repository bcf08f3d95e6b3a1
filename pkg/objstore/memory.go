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

package objstore

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// Memory is an in-memory Store for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	// Clock lets tests control LastModified for freshness-gate scenarios.
	Clock func() time.Time
}

type memObject struct {
	body         []byte
	contentType  string
	lastModified time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: map[string]memObject{}, Clock: time.Now}
}

// Head implements Store.
func (m *Memory) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: obj.lastModified}, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		body:         append([]byte(nil), body...),
		contentType:  contentType,
		lastModified: m.Clock(),
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, errors.Errorf("object %q not found", key)
	}
	return append([]byte(nil), obj.body...), nil
}

// Len reports the number of stored objects. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Touch overwrites an object's LastModified. Test helper for freshness-gate
// scenarios.
func (m *Memory) Touch(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.lastModified = t
		m.objects[key] = obj
	}
}
