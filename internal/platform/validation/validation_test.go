package validation

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Field validators
// ---------------------------------------------------------------------------

func TestDate_Normalizes(t *testing.T) {
	inputs := []string{"2024-03-05", "3/5/2024", "03-05-2024", "March 5, 2024", "03.05.2024", "2024/3/5", "Mar 5, 2024"}
	fn := Date()
	for _, in := range inputs {
		got, err := fn(in, "Date of Birth")
		if err != nil {
			t.Errorf("Date(%q) unexpected error: %v", in, err)
			continue
		}
		if got != "2024-03-05" {
			t.Errorf("Date(%q) = %q, want 2024-03-05", in, got)
		}
	}
}

func TestDate_Rejects(t *testing.T) {
	fn := Date()
	for _, in := range []string{"not-a-date", "2024-13-01", "31/31/2024"} {
		if _, err := fn(in, "Onset Date"); err == nil {
			t.Errorf("Date(%q) expected error", in)
		}
	}
	if got, err := fn("", "Onset Date"); err != nil || got != "" {
		t.Errorf("empty date should pass, got %q, %v", got, err)
	}
}

func TestPhone_Normalizes(t *testing.T) {
	fn := Phone()
	for _, in := range []string{"555-123-4567", "(555) 123-4567", "+15551234567", "15551234567", "001 555 123 4567"} {
		got, err := fn(in, "Mobile Phone Number")
		if err != nil {
			t.Errorf("Phone(%q) unexpected error: %v", in, err)
			continue
		}
		if got != "5551234567" {
			t.Errorf("Phone(%q) = %q, want 5551234567", in, got)
		}
	}
	for _, in := range []string{"12345", "25551234567", "555-1234"} {
		if _, err := fn(in, "Mobile Phone Number"); err == nil {
			t.Errorf("Phone(%q) expected error", in)
		}
	}
}

func TestRequired(t *testing.T) {
	fn := Required()
	if _, err := fn("   ", "First Name"); err == nil {
		t.Error("expected whitespace-only value to fail")
	}
	got, err := fn("  Ada ", "First Name")
	if err != nil || got != "Ada" {
		t.Errorf("expected trimmed Ada, got %q, %v", got, err)
	}
}

func TestEnum(t *testing.T) {
	fn := Enum("active", "resolved")
	got, err := fn("Active", "Clinical Status")
	if err != nil || got != "active" {
		t.Errorf("expected active, got %q, %v", got, err)
	}
	if _, err := fn("unknown", "Clinical Status"); err == nil {
		t.Error("expected error for value outside allow-list")
	}
}

func TestState(t *testing.T) {
	fn := State()
	tests := map[string]string{
		"ca":                   "CA",
		"NY":                   "NY",
		"new york":             "NY",
		"zz":                   InternationalState,
		"Puerto Rico":          "PR",
		"District of Columbia": "DC",
	}
	for in, want := range tests {
		got, err := fn(in, "State")
		if err != nil {
			t.Errorf("State(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("State(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := fn("XX", "State"); err == nil {
		t.Error("expected error for XX")
	}
}

func TestPostalCode(t *testing.T) {
	fn := PostalCode()
	got, err := fn("12345-6789", "Postal Code")
	if err != nil || got != "12345" {
		t.Errorf("expected 12345, got %q, %v", got, err)
	}
	if _, err := fn("12a4", "Postal Code"); err == nil {
		t.Error("expected error for fewer than five digits")
	}
}

func TestBoolean(t *testing.T) {
	fn := Boolean()
	tests := map[string]string{"": "false", "Y": "true", "yes": "true", "T": "true", "no": "false", "F": "false"}
	for in, want := range tests {
		got, err := fn(in, "Email Consent")
		if err != nil || got != want {
			t.Errorf("Boolean(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := fn("maybe", "Email Consent"); err == nil {
		t.Error("expected error for maybe")
	}
}

func TestEmail(t *testing.T) {
	fn := Email()
	if _, err := fn("jane.doe+intake@example.org", "Email"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, in := range []string{".jane@example.com", "jane.@example.com", "jane@example", "jane"} {
		if _, err := fn(in, "Email"); err == nil {
			t.Errorf("Email(%q) expected error", in)
		}
	}
}

func TestTimezone(t *testing.T) {
	fn := Timezone()
	got, err := fn("est", "Timezone")
	if err != nil || got != "America/New_York" {
		t.Errorf("expected America/New_York, got %q, %v", got, err)
	}
	got, err = fn("Europe/London", "Timezone")
	if err != nil || got != "Europe/London" {
		t.Errorf("expected Europe/London, got %q, %v", got, err)
	}
	for _, in := range []string{"Mars/Olympus", "Local"} {
		if _, err := fn(in, "Timezone"); err == nil {
			t.Errorf("Timezone(%q) expected error", in)
		}
	}
}

func TestLookup(t *testing.T) {
	fn := Lookup(map[string]string{"M": "M", "MALE": "M"})
	got, err := fn("male", "Sex at Birth")
	if err != nil || got != "M" {
		t.Errorf("expected M, got %q, %v", got, err)
	}
	if _, err := fn("X", "Sex at Birth"); err == nil {
		t.Error("expected error for unmapped value")
	}
}

func TestFileList(t *testing.T) {
	fn := FileList()
	got, err := fn(`["a.pdf", " b.png "]`, "Document")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `["a.pdf","b.png"]` {
		t.Errorf("unexpected normalized list %s", got)
	}
	got, err = fn("scan.tif", "Document")
	if err != nil || got != `["scan.tif"]` {
		t.Errorf("expected single file list, got %q, %v", got, err)
	}
	if _, err := fn(`["a.pdf"`, "Document"); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := fn(`[]`, "Document"); err == nil {
		t.Error("expected error for empty list")
	}
}

func TestMaxLength(t *testing.T) {
	fn := MaxLength(3)
	if _, err := fn("abcd", "Note"); err == nil {
		t.Error("expected error for long value")
	}
	if _, err := fn("äbc", "Note"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

func testSchema() *Schema {
	return &Schema{
		Fields: []Field{
			{Name: "First Name", Validators: []Func{Required()}},
			{Name: "Date of Birth", Validators: []Func{Required(), Date()}},
			{Name: "Email", Validators: []Func{Email()}},
			{Name: "State", Validators: []Func{State()}},
			{Name: "Postal Code", Validators: []Func{PostalCode()}},
		},
		Checks: []CrossCheck{AddressComplete(DefaultAddressGroup)},
	}
}

func TestSchema_CollectsAllViolations(t *testing.T) {
	raw := Record{
		"First Name":    "",
		"Date of Birth": "not-a-date",
		"Email":         "nope",
		"State":         "",
	}
	_, violations := testSchema().Validate(raw)

	if len(violations) != 3 {
		t.Fatalf("expected 3 violations, got %d: %v", len(violations), violations)
	}
	fields := []string{violations[0].Field, violations[1].Field, violations[2].Field}
	want := []string{"First Name", "Date of Birth", "Email"}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("violation %d field = %s, want %s", i, fields[i], want[i])
		}
	}
}

func TestSchema_NormalizesWithoutMutatingInput(t *testing.T) {
	raw := Record{"First Name": " Ada ", "Date of Birth": "3/5/1990", "Email": "ada@example.com"}
	out, violations := testSchema().Validate(raw)
	if len(violations) != 0 {
		t.Fatalf("unexpected violations: %v", violations)
	}
	if out["Date of Birth"] != "1990-03-05" {
		t.Errorf("expected normalized date, got %s", out["Date of Birth"])
	}
	if out["First Name"] != "Ada" {
		t.Errorf("expected trimmed first name, got %q", out["First Name"])
	}
	if raw["Date of Birth"] != "3/5/1990" {
		t.Error("input record was modified")
	}
}

func TestSchema_AddressCompleteness(t *testing.T) {
	raw := Record{"First Name": "Ada", "Date of Birth": "1990-03-05", "Address Line 1": "1 Main St", "State": "TX"}
	_, violations := testSchema().Validate(raw)
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %v", len(violations), violations)
	}
	msg := violations[0].Message
	if !strings.Contains(msg, "City") || !strings.Contains(msg, "Postal Code") {
		t.Errorf("expected missing City and Postal Code in %q", msg)
	}
	if strings.Contains(msg, "State") {
		t.Errorf("State is present and should not be listed: %q", msg)
	}
}

func TestSchema_WhenSkipsField(t *testing.T) {
	s := &Schema{Fields: []Field{{
		Name:       "Postal Code",
		Validators: []Func{PostalCode()},
		When:       func(rec Record) bool { return rec.Get("Country") == "" },
	}}}
	_, violations := s.Validate(Record{"Postal Code": "SW1A 1AA", "Country": "GB"})
	if len(violations) != 0 {
		t.Errorf("expected foreign postal code to skip validation, got %v", violations)
	}
	_, violations = s.Validate(Record{"Postal Code": "SW1A 1AA"})
	if len(violations) != 1 {
		t.Errorf("expected domestic postal code to fail, got %v", violations)
	}
}

// ---------------------------------------------------------------------------
// Header gate
// ---------------------------------------------------------------------------

func TestValidateHeader(t *testing.T) {
	required := []string{"ID", "Patient Identifier", "Document"}
	if err := ValidateHeader([]string{"ID", "Patient Identifier", "Document", "Extra"}, required); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := ValidateHeader([]string{"Patient Identifier"}, required)
	var headerErr *HeaderError
	if !errors.As(err, &headerErr) {
		t.Fatalf("expected HeaderError, got %v", err)
	}
	if len(headerErr.Missing) != 2 || headerErr.Missing[0] != "Document" || headerErr.Missing[1] != "ID" {
		t.Errorf("unexpected missing columns %v", headerErr.Missing)
	}
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

func TestReport_WriteFile(t *testing.T) {
	r := NewReport()
	r.Add("rec-1", []Violation{{Field: "Email", Message: "invalid email"}, {Message: "address incomplete"}})
	r.Add("rec-2", []Violation{{Field: "Date of Birth", Message: "invalid date"}})

	path := filepath.Join(t.TempDir(), "reports", "validation_patients.json")
	if err := r.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var got map[string][]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got["rec-1"]) != 2 || got["rec-1"][0] != "Email: invalid email" {
		t.Errorf("unexpected rec-1 messages %v", got["rec-1"])
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 records, got %d", r.Len())
	}
	if ids := r.IDs(); ids[0] != "rec-1" || ids[1] != "rec-2" {
		t.Errorf("unexpected ids %v", ids)
	}
}
