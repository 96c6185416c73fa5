// Package conditions migrates problem-list entries as Condition resources.
package conditions

import (
	"context"
	"errors"
	"strings"

	"github.com/ehr/chartseed/internal/domain/pipeline"
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/validation"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// Source columns.
const (
	ColID             = "ID"
	ColPatient        = "Patient Identifier"
	ColClinicalStatus = "Clinical Status"
	ColICD10          = "ICD-10 Code"
	ColOnsetDate      = "Onset Date"
	ColResolvedDate   = "Resolved Date"
	ColName           = "Name"
	ColNotes          = "Free text notes"
	ColProvider       = "Recorded Provider"
)

// maxNoteLength is the longest note the target accepts.
const maxNoteLength = 1000

// Entity implements pipeline.Entity for conditions.
type Entity struct{}

func New() *Entity { return &Entity{} }

func (*Entity) Name() string         { return "conditions" }
func (*Entity) ResourceType() string { return "Condition" }

func (*Entity) Columns() []string {
	return []string{ColID, ColPatient, ColClinicalStatus, ColICD10, ColOnsetDate, ColName}
}

func (*Entity) Schema() *validation.Schema {
	required := validation.Required()
	return &validation.Schema{Fields: []validation.Field{
		{Name: ColPatient, Validators: []validation.Func{required}},
		{Name: ColClinicalStatus, Validators: []validation.Func{required, validation.Enum(
			fhirmodels.ConditionActive,
			fhirmodels.ConditionResolved,
			fhirmodels.ConditionInactive,
			fhirmodels.ConditionRemission,
			fhirmodels.ConditionRelapse,
			fhirmodels.ConditionRecurrence,
		)}},
		{Name: ColOnsetDate, Validators: []validation.Func{required, validation.Date()}},
		{Name: ColResolvedDate, Validators: []validation.Func{validation.Date()}},
		{Name: ColName, Validators: []validation.Func{required}},
	}}
}

// RecordID is the source ID, or patient, code and onset joined by "_" for
// exports that carry no condition ID.
func (*Entity) RecordID(_ *pipeline.Env, rec validation.Record) string {
	if id := rec.Get(ColID); id != "" {
		return id
	}
	patient, onset := rec.Get(ColPatient), rec.Get(ColOnsetDate)
	if patient == "" || onset == "" {
		return ""
	}
	return strings.Join([]string{patient, rec.Get(ColICD10), onset}, "_")
}

func (*Entity) PatientID(rec validation.Record) string { return rec.Get(ColPatient) }

func (*Entity) Build(ctx context.Context, env *pipeline.Env, rec validation.Record) (*pipeline.Draft, error) {
	note := rec.Get(ColNotes)
	if n := len([]rune(note)); n > maxNoteLength {
		return nil, pipeline.Ignore("free text notes are %d characters, limit is %d", n, maxNoteLength)
	}

	patientKey, err := env.Resolver.Resolve(ctx, idmap.KindPatient, rec.Get(ColPatient))
	if err != nil {
		return nil, err
	}

	recorderKey := env.BotKey
	if provider := rec.Get(ColProvider); provider != "" {
		recorderKey, err = env.Resolver.Resolve(ctx, idmap.KindProvider, provider)
		if err != nil {
			return nil, err
		}
	}

	code, err := resolveCode(env.Coding, rec.Get(ColName), rec.Get(ColICD10))
	if err != nil {
		return nil, err
	}

	c := &Condition{
		PatientKey:     patientKey,
		RecorderKey:    recorderKey,
		ClinicalStatus: rec.Get(ColClinicalStatus),
		Code:           code,
		OnsetDate:      rec.Get(ColOnsetDate),
		AbatementDate:  strPtr(rec.Get(ColResolvedDate)),
		Note:           strPtr(note),
	}
	return &pipeline.Draft{PatientKey: patientKey, Resource: c.ToFHIR()}, nil
}

// resolveCode looks the term up in the coding map. A term absent from the map
// is still migrated when the source carries an ICD-10 code; a term present
// but not yet reviewed is not.
func resolveCode(coding *idmap.CodingMap, name, icd10 string) (fhir.CodeableConcept, error) {
	if coding == nil {
		coding = idmap.NewCodingMap(nil)
	}
	c, err := coding.Resolve(name, icd10)
	if errors.Is(err, idmap.ErrNotFound) && icd10 != "" && !coding.Known(name, icd10) {
		return fhir.CodeableConcept{
			Text:   name,
			Coding: []fhir.Coding{{System: fhirmodels.SystemICD10CM, Code: icd10, Display: name}},
		}, nil
	}
	if err != nil {
		return fhir.CodeableConcept{}, err
	}
	return c.Concept(), nil
}
