package idmap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/chartseed/internal/platform/fhir"
)

// Searcher pages through search results, calling fn once per page.
type Searcher interface {
	Search(ctx context.Context, resourceType string, params map[string]string, fn func(*fhir.Bundle) error) error
}

type patientEntry struct {
	ID         string            `json:"id"`
	Identifier []fhir.Identifier `json:"identifier"`
}

// BuildPatientMap searches the target for every patient carrying an
// identifier in system and stores identifier value -> patient id in m.
// It returns the number of entries added.
func BuildPatientMap(ctx context.Context, s Searcher, system string, m *Map) (int, error) {
	if system == "" {
		return 0, fmt.Errorf("identifier system is required")
	}
	entries := make(map[string]string)
	err := s.Search(ctx, "Patient", map[string]string{"identifier": system + "|"}, func(b *fhir.Bundle) error {
		for _, e := range b.Entry {
			var p patientEntry
			if err := json.Unmarshal(e.Resource, &p); err != nil {
				return fmt.Errorf("decode patient entry: %w", err)
			}
			if p.ID == "" {
				continue
			}
			for _, ident := range p.Identifier {
				if ident.System == system && ident.Value != "" {
					entries[ident.Value] = p.ID
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("search patients: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for id, key := range entries {
		if _, ok := m.entries[id]; !ok {
			added++
		}
		m.entries[id] = key
	}
	if err := m.saveLocked(); err != nil {
		return added, err
	}
	return added, nil
}
