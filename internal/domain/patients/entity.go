// Package patients migrates patient demographics as Patient resources and
// maintains the patient identifier map the other entities resolve against.
package patients

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/chartseed/internal/domain/pipeline"
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/validation"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// Source columns.
const (
	ColFirstName          = "First Name"
	ColMiddleName         = "Middle Name"
	ColLastName           = "Last Name"
	ColPreferredName      = "Preferred Name"
	ColBirthDate          = "Date of Birth"
	ColSexAtBirth         = "Sex at Birth"
	ColGender             = "Gender"
	ColAddressLine1       = "Address Line 1"
	ColAddressLine2       = "Address Line 2"
	ColCity               = "City"
	ColState              = "State"
	ColPostalCode         = "Postal Code"
	ColCountry            = "Country"
	ColMobilePhone        = "Mobile Phone Number"
	ColMobileConsent      = "Mobile Text Consent"
	ColHomePhone          = "Home Phone Number"
	ColEmail              = "Email"
	ColEmailConsent       = "Email Consent"
	ColTimezone           = "Timezone"
	ColClinicalNote       = "Clinical Note"
	ColAdministrativeNote = "Administrative Note"
)

// maxIdentifiers is the number of Identifier System/Value column pairs.
const maxIdentifiers = 3

func identifierColumns(n int) (system, value string) {
	return fmt.Sprintf("Identifier System %d", n), fmt.Sprintf("Identifier Value %d", n)
}

var sexAtBirth = map[string]string{
	"M":       fhirmodels.BirthSexMale,
	"MALE":    fhirmodels.BirthSexMale,
	"F":       fhirmodels.BirthSexFemale,
	"FEMALE":  fhirmodels.BirthSexFemale,
	"O":       fhirmodels.BirthSexOther,
	"OTH":     fhirmodels.BirthSexOther,
	"OTHER":   fhirmodels.BirthSexOther,
	"UNK":     fhirmodels.BirthSexUnknown,
	"UNKNOWN": fhirmodels.BirthSexUnknown,
}

// Entity implements pipeline.Entity and pipeline.Creator for patients.
type Entity struct{}

func New() *Entity { return &Entity{} }

func (*Entity) Name() string         { return "patients" }
func (*Entity) ResourceType() string { return "Patient" }

func (*Entity) Columns() []string {
	system, value := identifierColumns(1)
	return []string{ColFirstName, ColLastName, ColBirthDate, ColSexAtBirth, system, value}
}

func (*Entity) Schema() *validation.Schema {
	required := validation.Required()
	phone := validation.Phone()
	boolean := validation.Boolean()
	system1, value1 := identifierColumns(1)

	return &validation.Schema{
		Fields: []validation.Field{
			{Name: ColFirstName, Validators: []validation.Func{required}},
			{Name: ColLastName, Validators: []validation.Func{required}},
			{Name: ColBirthDate, Validators: []validation.Func{required, validation.Date()}},
			{Name: ColSexAtBirth, Validators: []validation.Func{required, validation.Lookup(sexAtBirth)}},
			{Name: ColGender, Validators: []validation.Func{validation.Enum(
				fhirmodels.GenderMale,
				fhirmodels.GenderFemale,
				fhirmodels.GenderOther,
				fhirmodels.GenderUnknown,
			)}},
			{Name: ColState, Validators: []validation.Func{validation.State()}},
			{Name: ColPostalCode, Validators: []validation.Func{validation.PostalCode()}, When: domestic},
			{Name: ColMobilePhone, Validators: []validation.Func{phone}},
			{Name: ColMobileConsent, Validators: []validation.Func{boolean}},
			{Name: ColHomePhone, Validators: []validation.Func{phone}},
			{Name: ColEmail, Validators: []validation.Func{validation.Email()}},
			{Name: ColEmailConsent, Validators: []validation.Func{boolean}},
			{Name: ColTimezone, Validators: []validation.Func{validation.Timezone()}},
			{Name: system1, Validators: []validation.Func{required}},
			{Name: value1, Validators: []validation.Func{required}},
		},
		Checks: []validation.CrossCheck{validation.AddressComplete(validation.DefaultAddressGroup)},
	}
}

// domestic reports whether the address is in the US, where postal codes are
// checked.
func domestic(rec validation.Record) bool {
	c := strings.ToLower(rec.Get(ColCountry))
	return c == "" || c == "us" || c == "usa"
}

// RecordID is the identifier value whose system matches env.IdentifierSystem,
// falling back to the first identifier.
func (*Entity) RecordID(env *pipeline.Env, rec validation.Record) string {
	if env != nil && env.IdentifierSystem != "" {
		for n := 1; n <= maxIdentifiers; n++ {
			system, value := identifierColumns(n)
			if rec.Get(system) == env.IdentifierSystem && rec.Get(value) != "" {
				return rec.Get(value)
			}
		}
	}
	_, value := identifierColumns(1)
	return rec.Get(value)
}

// PatientID is the first source identifier.
func (*Entity) PatientID(rec validation.Record) string {
	_, value := identifierColumns(1)
	return rec.Get(value)
}

func (e *Entity) Build(_ context.Context, env *pipeline.Env, rec validation.Record) (*pipeline.Draft, error) {
	id := e.RecordID(env, rec)
	if key, ok := env.Resolver.Map(idmap.KindPatient).Get(id); ok {
		return nil, pipeline.Ignore("patient already mapped to %s", key)
	}

	d := Demographics{
		FirstName:  rec.Get(ColFirstName),
		LastName:   rec.Get(ColLastName),
		BirthDate:  rec.Get(ColBirthDate),
		SexAtBirth: rec.Get(ColSexAtBirth),
	}.Merge(updateFrom(rec))

	return &pipeline.Draft{Resource: d.ToFHIR()}, nil
}

// Created records the new patient in the patient map at once, so later
// entities in the same run can resolve it.
func (*Entity) Created(env *pipeline.Env, _ validation.Record, recordID, key string) error {
	return env.Resolver.Record(idmap.KindPatient, recordID, key)
}

// updateFrom collects the optional columns of a validated record.
func updateFrom(rec validation.Record) Update {
	u := Update{
		MiddleName:         strPtr(rec.Get(ColMiddleName)),
		PreferredName:      strPtr(rec.Get(ColPreferredName)),
		Gender:             strPtr(rec.Get(ColGender)),
		MobilePhone:        strPtr(rec.Get(ColMobilePhone)),
		HomePhone:          strPtr(rec.Get(ColHomePhone)),
		Email:              strPtr(rec.Get(ColEmail)),
		Timezone:           strPtr(rec.Get(ColTimezone)),
		ClinicalNote:       strPtr(rec.Get(ColClinicalNote)),
		AdministrativeNote: strPtr(rec.Get(ColAdministrativeNote)),
		MobileConsent:      boolPtr(rec.Get(ColMobileConsent)),
		EmailConsent:       boolPtr(rec.Get(ColEmailConsent)),
	}
	if line1 := rec.Get(ColAddressLine1); line1 != "" {
		u.Address = &Address{
			Line1:      line1,
			Line2:      rec.Get(ColAddressLine2),
			City:       rec.Get(ColCity),
			State:      rec.Get(ColState),
			PostalCode: rec.Get(ColPostalCode),
			Country:    strings.ToLower(rec.Get(ColCountry)),
		}
	}
	for n := 1; n <= maxIdentifiers; n++ {
		system, value := identifierColumns(n)
		if rec.Get(system) != "" && rec.Get(value) != "" {
			u.Identifiers = append(u.Identifiers, fhir.Identifier{System: rec.Get(system), Value: rec.Get(value)})
		}
	}
	return u
}

func boolPtr(s string) *bool {
	if s == "" {
		return nil
	}
	b := s == "true"
	return &b
}
