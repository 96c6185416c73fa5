// Package documents migrates scanned and generated patient documents as
// DocumentReference resources with an inline PDF attachment.
package documents

import (
	"context"
	"errors"

	"github.com/ehr/chartseed/internal/domain/pipeline"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/validation"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// Source columns.
const (
	ColID           = "ID"
	ColPatient      = "Patient Identifier"
	ColType         = "Type"
	ColClinicalDate = "Clinical Date"
	ColCategory     = "Category"
	ColDocument     = "Document"
	ColDescription  = "Description"
	ColComment      = "Comment"
	ColProvider     = "Provider"
)

// Entity implements pipeline.Entity for documents.
type Entity struct{}

func New() *Entity { return &Entity{} }

func (*Entity) Name() string         { return "documents" }
func (*Entity) ResourceType() string { return "DocumentReference" }

func (*Entity) Columns() []string {
	return []string{ColID, ColPatient, ColType, ColClinicalDate, ColCategory, ColDocument}
}

func (*Entity) Schema() *validation.Schema {
	required := validation.Required()
	return &validation.Schema{Fields: []validation.Field{
		{Name: ColID, Validators: []validation.Func{required}},
		{Name: ColPatient, Validators: []validation.Func{required}},
		{Name: ColType, Validators: []validation.Func{required}},
		{Name: ColClinicalDate, Validators: []validation.Func{required, validation.Date()}},
		{Name: ColCategory, Validators: []validation.Func{required, validation.Enum(
			fhirmodels.DocumentCategoryAdministrative,
			fhirmodels.DocumentCategoryClinical,
		)}},
		{Name: ColDocument, Validators: []validation.Func{required, validation.FileList()}},
	}}
}

func (*Entity) RecordID(_ *pipeline.Env, rec validation.Record) string { return rec.Get(ColID) }
func (*Entity) PatientID(rec validation.Record) string                 { return rec.Get(ColPatient) }

// Build resolves the patient and author and then encodes the attachments.
// An unmapped author is dropped rather than failing the document.
func (*Entity) Build(ctx context.Context, env *pipeline.Env, rec validation.Record) (*pipeline.Draft, error) {
	patientKey, err := env.Resolver.Resolve(ctx, idmap.KindPatient, rec.Get(ColPatient))
	if err != nil {
		return nil, err
	}

	var authorKey *string
	if provider := rec.Get(ColProvider); provider != "" {
		key, err := env.Resolver.Resolve(ctx, idmap.KindProvider, provider)
		switch {
		case errors.Is(err, idmap.ErrNotFound):
			env.Logger.Debug().Str("provider", provider).Str("record_id", rec.Get(ColID)).Msg("author not mapped, omitting")
		case err != nil:
			return nil, err
		default:
			authorKey = &key
		}
	}

	files, err := validation.ParseFileList(rec.Get(ColDocument))
	if err != nil {
		return nil, err
	}
	bundle, err := env.Encoder.Encode(ctx, files)
	if err != nil {
		return nil, err
	}

	doc := &DocumentReference{
		PatientKey:   patientKey,
		TypeCode:     rec.Get(ColType),
		CategoryCode: rec.Get(ColCategory),
		ClinicalDate: rec.Get(ColClinicalDate),
		Description:  strPtr(rec.Get(ColDescription)),
		Comment:      strPtr(rec.Get(ColComment)),
		AuthorKey:    authorKey,
		ReviewerKey:  env.BotKey,
		ContentType:  bundle.ContentType,
		Data:         bundle.Payload,
	}
	return &pipeline.Draft{PatientKey: patientKey, Resource: doc.ToFHIR()}, nil
}
