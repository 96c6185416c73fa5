package fhir

import (
	"fmt"
	"strings"
)

// Resource is the minimal envelope shared by every FHIR resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Type       string   `json:"type,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System    string      `json:"system,omitempty"`
	Value     string      `json:"value,omitempty"`
	Use       string      `json:"use,omitempty"`
	Rank      int         `json:"rank,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

type Extension struct {
	URL            string      `json:"url"`
	ValueString    string      `json:"valueString,omitempty"`
	ValueCode      string      `json:"valueCode,omitempty"`
	ValueDate      string      `json:"valueDate,omitempty"`
	ValueBoolean   *bool       `json:"valueBoolean,omitempty"`
	ValueReference *Reference  `json:"valueReference,omitempty"`
	ValueCoding    *Coding     `json:"valueCoding,omitempty"`
	Extension      []Extension `json:"extension,omitempty"`
}

// Attachment carries inline document content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"`
	Title       string `json:"title,omitempty"`
}

// Annotation is a free-text note attached to a clinical resource.
type Annotation struct {
	AuthorReference *Reference `json:"authorReference,omitempty"`
	Time            string     `json:"time,omitempty"`
	Text            string     `json:"text"`
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// Bool returns a pointer to b, for the optional boolean fields above.
func Bool(b bool) *bool {
	return &b
}

// ParseLocation extracts the logical id from a Location header such as
// "https://host/fhir/Patient/abc/_history/1". The segment following
// resourceType wins; otherwise the segment before "_history", otherwise the
// final segment.
func ParseLocation(location, resourceType string) (string, error) {
	loc := strings.TrimSpace(location)
	if loc == "" {
		return "", fmt.Errorf("empty location header")
	}
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	segments := strings.Split(strings.Trim(loc, "/"), "/")

	if resourceType != "" {
		for i := len(segments) - 2; i >= 0; i-- {
			if segments[i] == resourceType && segments[i+1] != "" && segments[i+1] != "_history" {
				return segments[i+1], nil
			}
		}
	}

	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "_history" && i > 0 {
			return segments[i-1], nil
		}
	}
	last := segments[len(segments)-1]
	if last == "" || strings.Contains(last, ":") {
		return "", fmt.Errorf("no resource id in location %q", location)
	}
	return last, nil
}
