package patients

import (
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// Address is a patient's home address.
type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Demographics is the patient as migrated. The required source columns fill
// the value fields; everything else is optional.
type Demographics struct {
	FirstName  string
	LastName   string
	BirthDate  string
	SexAtBirth string

	MiddleName    *string
	PreferredName *string
	Gender        *string
	Address       *Address

	MobilePhone   *string
	MobileConsent bool
	HomePhone     *string
	Email         *string
	EmailConsent  bool

	Timezone           *string
	ClinicalNote       *string
	AdministrativeNote *string

	Identifiers []fhir.Identifier
}

// Update is a partial set of demographic fields. Nil fields leave the
// current value alone.
type Update struct {
	MiddleName    *string
	PreferredName *string
	Gender        *string
	Address       *Address

	MobilePhone   *string
	MobileConsent *bool
	HomePhone     *string
	Email         *string
	EmailConsent  *bool

	Timezone           *string
	ClinicalNote       *string
	AdministrativeNote *string

	Identifiers []fhir.Identifier
}

// Merge applies u on top of d and then fills in a gender derived from sex
// at birth if none was given.
func (d Demographics) Merge(u Update) Demographics {
	out := d
	setStr := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	setStr(&out.MiddleName, u.MiddleName)
	setStr(&out.PreferredName, u.PreferredName)
	setStr(&out.Gender, u.Gender)
	setStr(&out.MobilePhone, u.MobilePhone)
	setStr(&out.HomePhone, u.HomePhone)
	setStr(&out.Email, u.Email)
	setStr(&out.Timezone, u.Timezone)
	setStr(&out.ClinicalNote, u.ClinicalNote)
	setStr(&out.AdministrativeNote, u.AdministrativeNote)

	if u.Address != nil {
		addr := *u.Address
		out.Address = &addr
	}
	if u.MobileConsent != nil {
		out.MobileConsent = *u.MobileConsent
	}
	if u.EmailConsent != nil {
		out.EmailConsent = *u.EmailConsent
	}
	if len(u.Identifiers) > 0 {
		out.Identifiers = append(append([]fhir.Identifier(nil), d.Identifiers...), u.Identifiers...)
	}

	defaultGender(&out)
	return out
}

var genderBySex = map[string]string{
	fhirmodels.BirthSexFemale:  fhirmodels.GenderFemale,
	fhirmodels.BirthSexMale:    fhirmodels.GenderMale,
	fhirmodels.BirthSexOther:   fhirmodels.GenderOther,
	fhirmodels.BirthSexUnknown: fhirmodels.GenderUnknown,
}

// defaultGender sets the administrative gender from sex at birth, only when
// no gender is set.
func defaultGender(d *Demographics) {
	if d.Gender != nil {
		return
	}
	if g, ok := genderBySex[d.SexAtBirth]; ok {
		d.Gender = &g
	}
}

func (d *Demographics) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Patient",
		"active":       true,
		"birthDate":    d.BirthDate,
	}

	exts := []fhir.Extension{{URL: fhirmodels.ExtBirthSex, ValueCode: d.SexAtBirth}}
	if d.Timezone != nil {
		exts = append(exts, fhir.Extension{URL: fhirmodels.ExtTimezone, ValueCode: *d.Timezone})
	}
	if d.ClinicalNote != nil {
		exts = append(exts, fhir.Extension{URL: fhirmodels.ExtClinicalNote, ValueString: *d.ClinicalNote})
	}
	if d.AdministrativeNote != nil {
		exts = append(exts, fhir.Extension{URL: fhirmodels.ExtAdministrativeNote, ValueString: *d.AdministrativeNote})
	}
	result["extension"] = exts

	// Name
	official := fhir.HumanName{Use: "official", Family: d.LastName, Given: []string{d.FirstName}}
	if d.MiddleName != nil {
		official.Given = append(official.Given, *d.MiddleName)
	}
	names := []fhir.HumanName{official}
	if d.PreferredName != nil {
		names = append(names, fhir.HumanName{Use: "nickname", Given: []string{*d.PreferredName}})
	}
	result["name"] = names

	if d.Gender != nil {
		result["gender"] = *d.Gender
	}

	// Telecom
	var telecoms []fhir.ContactPoint
	if d.MobilePhone != nil {
		telecoms = append(telecoms, fhir.ContactPoint{
			System:    "phone",
			Value:     *d.MobilePhone,
			Use:       "mobile",
			Rank:      1,
			Extension: []fhir.Extension{consent(d.MobileConsent)},
		})
	}
	if d.HomePhone != nil {
		telecoms = append(telecoms, fhir.ContactPoint{System: "phone", Value: *d.HomePhone, Use: "home", Rank: 2})
	}
	if d.Email != nil {
		telecoms = append(telecoms, fhir.ContactPoint{
			System:    "email",
			Value:     *d.Email,
			Use:       "home",
			Rank:      1,
			Extension: []fhir.Extension{consent(d.EmailConsent)},
		})
	}
	if len(telecoms) > 0 {
		result["telecom"] = telecoms
	}

	// Address
	if a := d.Address; a != nil && a.Line1 != "" {
		addr := fhir.Address{
			Use:        "home",
			Type:       "both",
			Line:       []string{a.Line1},
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
		if a.Line2 != "" {
			addr.Line = append(addr.Line, a.Line2)
		}
		if addr.Country == "" {
			addr.Country = "us"
		}
		result["address"] = []fhir.Address{addr}
	}

	if len(d.Identifiers) > 0 {
		result["identifier"] = d.Identifiers
	}
	return result
}

func consent(given bool) fhir.Extension {
	return fhir.Extension{URL: fhirmodels.ExtHasConsent, ValueBoolean: fhir.Bool(given)}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
