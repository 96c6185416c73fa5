package idmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ehr/chartseed/internal/platform/fhir"
)

const (
	// Unstructured is the coding map entry for terms passed through as text.
	Unstructured = "unstructured"
	// UnstructuredSystem is the coding system the target API expects on
	// text-only terms.
	UnstructuredSystem = "UNSTRUCTURED"
)

// Outcome is the shape of a resolved coding map entry.
type Outcome int

const (
	OutcomeSingle Outcome = iota + 1
	OutcomeMultiple
	OutcomeUnstructured
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSingle:
		return "single"
	case OutcomeMultiple:
		return "multiple"
	case OutcomeUnstructured:
		return Unstructured
	}
	return "unknown"
}

// Coding is a resolved clinical term.
type Coding struct {
	Outcome Outcome
	Codings []fhir.Coding
	Text    string
}

// Concept renders the resolution as a CodeableConcept. Unstructured terms
// carry only the text and an UNSTRUCTURED coding.
func (c Coding) Concept() fhir.CodeableConcept {
	if c.Outcome == OutcomeUnstructured {
		return fhir.CodeableConcept{
			Text:   c.Text,
			Coding: []fhir.Coding{{System: UnstructuredSystem, Display: c.Text}},
		}
	}
	return fhir.CodeableConcept{Text: c.Text, Coding: c.Codings}
}

// CodingMap translates "term|code" keys into codings. Entries are either a
// coding object, a list of coding objects, or the "unstructured" string. A
// null or empty entry is an unreviewed term and counts as not found.
type CodingMap struct {
	entries map[string]json.RawMessage
}

// NewCodingMap builds a coding map from raw entries. Keys are normalized.
func NewCodingMap(entries map[string]json.RawMessage) *CodingMap {
	m := &CodingMap{entries: make(map[string]json.RawMessage, len(entries))}
	for k, v := range entries {
		term, code, _ := strings.Cut(k, "|")
		m.entries[CodingKey(term, code)] = v
	}
	return m
}

// LoadCodingMap reads a coding map JSON file. A missing file yields an empty map.
func LoadCodingMap(path string) (*CodingMap, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewCodingMap(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read coding map %s: %w", path, err)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode coding map %s: %w", path, err)
	}
	return NewCodingMap(entries), nil
}

// CodingKey builds the normalized lookup key for a term and optional code.
func CodingKey(term, code string) string {
	clean := func(s string) string {
		return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
	}
	return clean(term) + "|" + clean(code)
}

func (m *CodingMap) Len() int { return len(m.entries) }

// Known reports whether the map has an entry for the term, reviewed or not.
func (m *CodingMap) Known(term, code string) bool {
	if _, ok := m.entries[CodingKey(term, code)]; ok {
		return true
	}
	_, ok := m.entries[CodingKey(term, "")]
	return ok
}

// Resolve looks up term with its source code first, then the term alone.
func (m *CodingMap) Resolve(term, code string) (Coding, error) {
	text := strings.TrimSpace(term)
	raw, ok := m.entries[CodingKey(term, code)]
	if !ok && code != "" {
		raw, ok = m.entries[CodingKey(term, "")]
	}
	notFound := &NotFoundError{Kind: KindCoding, ID: strings.TrimSuffix(text+"|"+strings.TrimSpace(code), "|")}
	if !ok {
		return Coding{}, notFound
	}

	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return Coding{}, notFound

	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Coding{}, fmt.Errorf("decode coding for %q: %w", text, err)
		}
		if strings.EqualFold(strings.TrimSpace(s), Unstructured) {
			return Coding{Outcome: OutcomeUnstructured, Text: text}, nil
		}
		return Coding{}, notFound

	case raw[0] == '{':
		var c fhir.Coding
		if err := json.Unmarshal(raw, &c); err != nil {
			return Coding{}, fmt.Errorf("decode coding for %q: %w", text, err)
		}
		if c.Code == "" {
			return Coding{}, notFound
		}
		return Coding{Outcome: OutcomeSingle, Codings: []fhir.Coding{c}, Text: text}, nil

	case raw[0] == '[':
		var cs []fhir.Coding
		if err := json.Unmarshal(raw, &cs); err != nil {
			return Coding{}, fmt.Errorf("decode codings for %q: %w", text, err)
		}
		switch len(cs) {
		case 0:
			return Coding{}, notFound
		case 1:
			return Coding{Outcome: OutcomeSingle, Codings: cs, Text: text}, nil
		}
		return Coding{Outcome: OutcomeMultiple, Codings: cs, Text: text}, nil
	}

	return Coding{}, fmt.Errorf("unsupported coding map entry for %q", text)
}
