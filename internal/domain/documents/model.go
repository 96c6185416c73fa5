package documents

import (
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// DocumentReference is a migrated document ready to be rendered as a FHIR
// DocumentReference.
type DocumentReference struct {
	PatientKey   string
	TypeCode     string
	CategoryCode string
	ClinicalDate string
	Description  *string
	Comment      *string
	AuthorKey    *string
	ReviewerKey  string
	ContentType  string
	Data         string
}

func (d *DocumentReference) ToFHIR() map[string]interface{} {
	extensions := []fhir.Extension{
		{URL: fhirmodels.ExtDocumentClinicalDate, ValueDate: d.ClinicalDate},
		{URL: fhirmodels.ExtDocumentReviewMode, ValueCode: fhirmodels.DocumentReviewModeReviewNotRequired},
		{URL: fhirmodels.ExtDocumentReviewer, ValueReference: &fhir.Reference{
			Reference: fhir.FormatReference("Practitioner", d.ReviewerKey),
			Type:      "Practitioner",
		}},
		{URL: fhirmodels.ExtDocumentPriority, ValueBoolean: fhir.Bool(false)},
		{URL: fhirmodels.ExtDocumentRequiresSignature, ValueBoolean: fhir.Bool(false)},
	}
	if d.Comment != nil {
		extensions = append(extensions, fhir.Extension{URL: fhirmodels.ExtDocumentComment, ValueString: *d.Comment})
	}

	result := map[string]interface{}{
		"resourceType": "DocumentReference",
		"extension":    extensions,
		"status":       "current",
		"type": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhirmodels.SystemLOINC, Code: d.TypeCode}},
		},
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhirmodels.SystemDocumentCategory, Code: d.CategoryCode}},
		}},
		"subject": fhir.Reference{
			Reference: fhir.FormatReference("Patient", d.PatientKey),
			Type:      "Patient",
		},
		"content": []interface{}{
			map[string]interface{}{
				"attachment": fhir.Attachment{ContentType: d.ContentType, Data: d.Data},
			},
		},
	}
	if d.Description != nil {
		result["description"] = *d.Description
	}
	if d.AuthorKey != nil {
		result["author"] = []fhir.Reference{{
			Reference: fhir.FormatReference("Practitioner", *d.AuthorKey),
			Type:      "Practitioner",
		}}
	}
	return result
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
