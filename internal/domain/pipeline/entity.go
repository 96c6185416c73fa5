// Package pipeline drives source records through validation, identifier
// resolution, document encoding and submission, and checkpoints every
// outcome in the entity's ledgers so an interrupted run can resume.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/platform/document"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/validation"
)

// Env carries the shared collaborators every entity stage needs.
type Env struct {
	Resolver *idmap.Resolver
	Coding   *idmap.CodingMap
	Encoder  *document.Encoder
	// BotKey is the target key of the system bot practitioner, used as
	// reviewer and as the fallback recorder.
	BotKey string
	// IdentifierSystem selects which patient identifier is the record id.
	IdentifierSystem string
	Logger           zerolog.Logger
}

// Draft is a target payload ready for submission.
type Draft struct {
	PatientKey string
	Resource   interface{}
}

// Entity is one kind of migrated record.
type Entity interface {
	// Name is the entity's ledger name, e.g. "documents".
	Name() string
	ResourceType() string
	// Columns are the source columns every file must carry.
	Columns() []string
	Schema() *validation.Schema
	RecordID(env *Env, rec validation.Record) string
	PatientID(rec validation.Record) string
	// Build resolves identifiers and codes and encodes attachments. Errors
	// are routed by type: see Route.
	Build(ctx context.Context, env *Env, rec validation.Record) (*Draft, error)
}

// Creator is implemented by parent entities whose keys later records refer
// to. Created runs after a successful create and before the done ledger is
// written.
type Creator interface {
	Created(env *Env, rec validation.Record, recordID, key string) error
}

// Submitter creates a resource on the target and returns its key.
type Submitter interface {
	Create(ctx context.Context, resourceType string, payload interface{}) (string, error)
}

// IgnoreError is an entity rule deciding a record should not be migrated.
type IgnoreError struct {
	Reason string
}

func (e *IgnoreError) Error() string { return e.Reason }

// Ignore returns an *IgnoreError with a formatted reason.
func Ignore(format string, args ...interface{}) error {
	return &IgnoreError{Reason: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Record states
// ---------------------------------------------------------------------------

// State is where a record stopped in the pipeline.
type State int

const (
	Pending State = iota
	SkippedValidation
	Mapped
	SkippedMapping
	Encoded
	SkippedEncoding
	Submitted
	Done
	Error
)

var stateNames = [...]string{
	Pending:           "pending",
	SkippedValidation: "skipped_validation",
	Mapped:            "mapped",
	SkippedMapping:    "skipped_mapping",
	Encoded:           "encoded",
	SkippedEncoding:   "skipped_encoding",
	Submitted:         "submitted",
	Done:              "done",
	Error:             "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Route classifies a Build failure into the state the record stops in and
// whether it belongs in the ignore ledger (true) or the error ledger.
func Route(err error) (state State, ignore bool) {
	var (
		missing     *document.MissingFilesError
		unsupported *document.UnsupportedFormatError
		encoding    *document.EncodingError
		ignored     *IgnoreError
	)
	switch {
	case errors.As(err, &missing):
		return SkippedEncoding, true
	case errors.Is(err, idmap.ErrNotFound), errors.As(err, &ignored):
		return SkippedMapping, true
	case errors.As(err, &unsupported), errors.As(err, &encoding):
		return SkippedEncoding, false
	}
	return Error, false
}
