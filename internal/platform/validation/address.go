package validation

import (
	"fmt"
	"strings"
)

// InternationalState is the reserved state code for addresses outside the US.
const InternationalState = "ZZ"

// stateNames maps full state and territory names to their two-letter codes.
var stateNames = map[string]string{
	"alabama":                  "AL",
	"alaska":                   "AK",
	"arizona":                  "AZ",
	"arkansas":                 "AR",
	"california":               "CA",
	"colorado":                 "CO",
	"connecticut":              "CT",
	"delaware":                 "DE",
	"district of columbia":     "DC",
	"florida":                  "FL",
	"georgia":                  "GA",
	"hawaii":                   "HI",
	"idaho":                    "ID",
	"illinois":                 "IL",
	"indiana":                  "IN",
	"iowa":                     "IA",
	"kansas":                   "KS",
	"kentucky":                 "KY",
	"louisiana":                "LA",
	"maine":                    "ME",
	"maryland":                 "MD",
	"massachusetts":            "MA",
	"michigan":                 "MI",
	"minnesota":                "MN",
	"mississippi":              "MS",
	"missouri":                 "MO",
	"montana":                  "MT",
	"nebraska":                 "NE",
	"nevada":                   "NV",
	"new hampshire":            "NH",
	"new jersey":               "NJ",
	"new mexico":               "NM",
	"new york":                 "NY",
	"north carolina":           "NC",
	"north dakota":             "ND",
	"ohio":                     "OH",
	"oklahoma":                 "OK",
	"oregon":                   "OR",
	"pennsylvania":             "PA",
	"rhode island":             "RI",
	"south carolina":           "SC",
	"south dakota":             "SD",
	"tennessee":                "TN",
	"texas":                    "TX",
	"utah":                     "UT",
	"vermont":                  "VT",
	"virginia":                 "VA",
	"washington":               "WA",
	"west virginia":            "WV",
	"wisconsin":                "WI",
	"wyoming":                  "WY",
	"american samoa":           "AS",
	"guam":                     "GU",
	"northern mariana islands": "MP",
	"puerto rico":              "PR",
	"virgin islands":           "VI",
}

var stateCodes = func() map[string]bool {
	codes := map[string]bool{InternationalState: true}
	for _, c := range stateNames {
		codes[c] = true
	}
	return codes
}()

// State accepts two-letter state codes (case-insensitive), full state names,
// and the international sentinel. Empty values pass.
func State() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		if code, ok := stateNames[strings.ToLower(v)]; ok {
			return code, nil
		}
		if upper := strings.ToUpper(v); stateCodes[upper] {
			return upper, nil
		}
		return "", fmt.Errorf("invalid state code %q", v)
	}
}

// AddressGroup describes the columns that together make up one address.
type AddressGroup struct {
	Fields   []string
	Required []string
}

// DefaultAddressGroup is the address layout shared by the person-like entities.
var DefaultAddressGroup = AddressGroup{
	Fields:   []string{"Address Line 1", "Address Line 2", "City", "State", "Postal Code"},
	Required: []string{"Address Line 1", "City", "State", "Postal Code"},
}

// Present reports whether any column of the group has a value.
func (g AddressGroup) Present(rec Record) bool {
	for _, f := range g.Fields {
		if rec.Get(f) != "" {
			return true
		}
	}
	return false
}

// AddressComplete returns a check that fails when some but not all required
// address columns are filled in.
func AddressComplete(g AddressGroup) CrossCheck {
	return func(rec Record) *Violation {
		if !g.Present(rec) {
			return nil
		}
		var missing []string
		for _, f := range g.Required {
			if rec.Get(f) == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return &Violation{
			Field:   "Address",
			Message: fmt.Sprintf("address detected for record but missing some required fields (%s)", strings.Join(missing, ", ")),
		}
	}
}
