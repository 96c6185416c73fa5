package conditions

import (
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// Condition is a migrated problem-list entry.
type Condition struct {
	PatientKey     string
	RecorderKey    string
	ClinicalStatus string
	Code           fhir.CodeableConcept
	OnsetDate      string
	AbatementDate  *string
	Note           *string
}

func (c *Condition) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Condition",
		"clinicalStatus": fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System: fhirmodels.SystemConditionClinical,
				Code:   c.ClinicalStatus,
			}},
		},
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  fhirmodels.SystemConditionCategory,
				Code:    fhirmodels.ConditionCategoryEncounterDiagnosis,
				Display: "Encounter Diagnosis",
			}},
		}},
		"code":          c.Code,
		"subject":       fhir.Reference{Reference: fhir.FormatReference("Patient", c.PatientKey), Type: "Patient"},
		"onsetDateTime": c.OnsetDate,
		"recorder":      fhir.Reference{Reference: fhir.FormatReference("Practitioner", c.RecorderKey), Type: "Practitioner"},
	}
	if c.AbatementDate != nil {
		result["abatementDateTime"] = *c.AbatementDate
	}
	if c.Note != nil {
		result["note"] = []fhir.Annotation{{Text: *c.Note}}
	}
	return result
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
