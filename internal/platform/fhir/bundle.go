package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// NewSearchBundle creates a searchset Bundle from raw resources and the
// pagination links computed by the caller.
func NewSearchBundle(resources []json.RawMessage, total int, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, raw := range resources {
		entries[i] = BundleEntry{
			FullURL:  extractFullURL(raw),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// extractFullURL builds a relative fullUrl from a resource's resourceType and id.
func extractFullURL(raw json.RawMessage) string {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	if r.ResourceType != "" && r.ID != "" {
		return fmt.Sprintf("%s/%s", r.ResourceType, r.ID)
	}
	return ""
}
