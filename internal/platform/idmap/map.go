// Package idmap resolves source-system identifiers to target-system keys.
//
// Identifier maps are plain JSON objects (source id -> target key) persisted
// on disk. Maps for parent entities grow during a run and are rewritten in
// full after every successful creation. The coding map translates free-text
// clinical terms into terminology codings.
package idmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Map is a persisted source id -> target key table. It is safe for
// concurrent use.
type Map struct {
	path string

	mu      sync.RWMutex
	entries map[string]string
}

// NewMap returns an empty in-memory map. Put on an in-memory map never
// touches disk.
func NewMap(entries map[string]string) *Map {
	if entries == nil {
		entries = make(map[string]string)
	}
	return &Map{entries: entries}
}

// LoadMap reads the map at path. A missing file yields an empty map that will
// be created on the first Put.
func LoadMap(path string) (*Map, error) {
	m := &Map{path: path, entries: make(map[string]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identifier map %s: %w", path, err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, fmt.Errorf("decode identifier map %s: %w", path, err)
	}
	return m, nil
}

func (m *Map) Get(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.entries[id]
	return key, ok && key != ""
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Put adds id -> key and immediately persists the whole map.
func (m *Map) Put(id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = key
	return m.saveLocked()
}

// Save persists the map.
func (m *Map) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

// saveLocked rewrites the file through a temp file and rename, so a crash
// leaves either the old or the new map on disk.
func (m *Map) saveLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identifier map: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create identifier map directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp identifier map: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write identifier map: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync identifier map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close identifier map: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace identifier map %s: %w", m.path, err)
	}
	return nil
}
