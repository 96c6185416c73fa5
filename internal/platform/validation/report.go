package validation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Report collects the violations of every rejected record, keyed by record id.
type Report struct {
	mu      sync.Mutex
	entries map[string][]string
}

func NewReport() *Report {
	return &Report{entries: make(map[string][]string)}
}

// Add records the violations of one record. Calling Add twice for the same
// id appends.
func (r *Report) Add(recordID string, violations []Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range violations {
		r.entries[recordID] = append(r.entries[recordID], v.Error())
	}
}

// Len returns the number of rejected records.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Messages returns the violations recorded for recordID.
func (r *Report) Messages(recordID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries[recordID]...)
}

// IDs returns the rejected record ids in sorted order.
func (r *Report) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WriteFile writes the report as an indented JSON object. An existing file is
// replaced atomically.
func (r *Report) WriteFile(path string) error {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.entries, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode validation report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write validation report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace validation report: %w", err)
	}
	return nil
}
