// Package fhirmodels holds the code systems, value sets and extension URLs
// used when building target resources.
package fhirmodels

// Code systems.
const (
	SystemLOINC             = "http://loinc.org"
	SystemSNOMED            = "http://snomed.info/sct"
	SystemICD10CM           = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemConditionClinical = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionCategory = "http://terminology.hl7.org/CodeSystem/condition-category"
	SystemDocumentCategory  = "http://schemas.canvasmedical.com/fhir/document-reference-category"
)

// Extension URLs.
const (
	ExtBirthSex                  = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-birthsex"
	ExtTimezone                  = "http://hl7.org/fhir/StructureDefinition/tz-code"
	ExtClinicalNote              = "http://schemas.canvasmedical.com/fhir/extensions/clinical-note"
	ExtAdministrativeNote        = "http://schemas.canvasmedical.com/fhir/extensions/administrative-note"
	ExtHasConsent                = "http://schemas.canvasmedical.com/fhir/extensions/has-consent"
	ExtDocumentClinicalDate      = "http://schemas.canvasmedical.com/fhir/document-reference-clinical-date"
	ExtDocumentReviewMode        = "http://schemas.canvasmedical.com/fhir/document-reference-review-mode"
	ExtDocumentReviewer          = "http://schemas.canvasmedical.com/fhir/document-reference-reviewer"
	ExtDocumentPriority          = "http://schemas.canvasmedical.com/fhir/document-reference-priority"
	ExtDocumentRequiresSignature = "http://schemas.canvasmedical.com/fhir/document-reference-requires-signature"
	ExtDocumentComment           = "http://schemas.canvasmedical.com/fhir/document-reference-comment"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// ConditionCategoryEncounterDiagnosis is the category of migrated conditions.
const ConditionCategoryEncounterDiagnosis = "encounter-diagnosis"

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Sex at birth codes.
const (
	BirthSexMale    = "M"
	BirthSexFemale  = "F"
	BirthSexOther   = "OTH"
	BirthSexUnknown = "UNK"
)

// DocumentReference category codes.
const (
	DocumentCategoryAdministrative = "patientadministrativedocument"
	DocumentCategoryClinical       = "uncategorizedclinicaldocument"
)

// DocumentReviewModeReviewNotRequired is the review mode of migrated documents.
const DocumentReviewModeReviewNotRequired = "RN"
