package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind names one of the three outcome ledgers.
type Kind string

const (
	KindDone   Kind = "done"
	KindError  Kind = "error"
	KindIgnore Kind = "ignore"
)

// Headers are the fixed column headers of each ledger kind.
var Headers = map[Kind][]string{
	KindDone:   {"id", "patient_id", "patient_key", "target_key"},
	KindError:  {"id", "patient_id", "patient_key", "error_message"},
	KindIgnore: {"id", "ignored_reason"},
}

// FileName returns the ledger file name for an entity, e.g. "done_documents.csv".
func FileName(kind Kind, entity string) string {
	return fmt.Sprintf("%s_%s.csv", kind, entity)
}

// Set groups the done, error and ignore ledgers of one entity. A record id is
// written to at most one of them.
type Set struct {
	Done   *Ledger
	Error  *Ledger
	Ignore *Ledger
}

// OpenSet opens (and loads) the three ledgers for entity under dir.
func OpenSet(dir, entity string) (*Set, error) {
	s := &Set{}
	var err error
	if s.Done, err = Open(filepath.Join(dir, FileName(KindDone, entity)), Headers[KindDone]); err != nil {
		return nil, err
	}
	if s.Error, err = Open(filepath.Join(dir, FileName(KindError, entity)), Headers[KindError]); err != nil {
		return nil, err
	}
	if s.Ignore, err = Open(filepath.Join(dir, FileName(KindIgnore, entity)), Headers[KindIgnore]); err != nil {
		return nil, err
	}
	return s, nil
}

// Recorded reports which ledger, if any, already holds id.
func (s *Set) Recorded(id string) (Kind, bool) {
	switch {
	case s.Done.Has(id):
		return KindDone, true
	case s.Error.Has(id):
		return KindError, true
	case s.Ignore.Has(id):
		return KindIgnore, true
	}
	return "", false
}

func (s *Set) MarkDone(id, patientID, patientKey, targetKey string) error {
	return s.Done.Append(id, patientID, patientKey, targetKey)
}

func (s *Set) MarkError(id, patientID, patientKey, message string) error {
	return s.Error.Append(id, patientID, patientKey, message)
}

func (s *Set) MarkIgnore(id, reason string) error {
	return s.Ignore.Append(id, reason)
}

// Close closes all three ledgers.
func (s *Set) Close() error {
	return errors.Join(s.Done.Close(), s.Error.Close(), s.Ignore.Close())
}

// RotateFailed moves the error and ignore ledgers of entity aside, suffixing
// them with the given time, so a new run starts a fresh ledger set for those
// outcomes. The done ledger is never rotated. It returns the new paths.
func RotateFailed(dir, entity string, now time.Time) ([]string, error) {
	var rotated []string
	stamp := now.UTC().Format("20060102T150405Z")
	for _, kind := range []Kind{KindError, KindIgnore} {
		path := filepath.Join(dir, FileName(kind, entity))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		target := fmt.Sprintf("%s.%s", path, stamp)
		if err := os.Rename(path, target); err != nil {
			return rotated, fmt.Errorf("rotate %s ledger: %w", kind, err)
		}
		rotated = append(rotated, target)
	}
	return rotated, nil
}
