package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/domain/pipeline"
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/validation"
	"github.com/ehr/chartseed/pkg/fhirmodels"
)

const botKey = "bot-key"

func newEnv() *pipeline.Env {
	coding := idmap.NewCodingMap(map[string]json.RawMessage{
		"Essential hypertension|I10": json.RawMessage(`{"system":"http://snomed.info/sct","code":"59621000","display":"Essential hypertension"}`),
		"Diabetes|":                  json.RawMessage(`[{"system":"http://snomed.info/sct","code":"44054006"},{"system":"http://hl7.org/fhir/sid/icd-10-cm","code":"E11.9"}]`),
		"Feeling off|":               json.RawMessage(`"unstructured"`),
		"Pending review|R69":         json.RawMessage(`null`),
	})
	return &pipeline.Env{
		Resolver: idmap.NewResolver(map[idmap.Kind]*idmap.Map{
			idmap.KindPatient:  idmap.NewMap(map[string]string{"P100": "c-abc"}),
			idmap.KindProvider: idmap.NewMap(map[string]string{"dr-who": "p-123"}),
		}),
		Coding: coding,
		BotKey: botKey,
		Logger: zerolog.Nop(),
	}
}

func record(overrides map[string]string) validation.Record {
	rec := validation.Record{
		ColID:             "C1",
		ColPatient:        "P100",
		ColClinicalStatus: "active",
		ColICD10:          "I10",
		ColOnsetDate:      "2019-04-01",
		ColName:           "Essential hypertension",
	}
	for k, v := range overrides {
		rec[k] = v
	}
	return rec
}

func build(t *testing.T, rec validation.Record) map[string]interface{} {
	t.Helper()
	draft, err := New().Build(context.Background(), newEnv(), rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if draft.PatientKey != "c-abc" {
		t.Errorf("patient key = %q", draft.PatientKey)
	}
	return draft.Resource.(map[string]interface{})
}

// ---------------------------------------------------------------------------
// Record ids and validation
// ---------------------------------------------------------------------------

func TestRecordID(t *testing.T) {
	e := New()
	if got := e.RecordID(nil, record(nil)); got != "C1" {
		t.Errorf("RecordID = %q, want C1", got)
	}
	if got := e.RecordID(nil, record(map[string]string{ColID: ""})); got != "P100_I10_2019-04-01" {
		t.Errorf("composite RecordID = %q", got)
	}
	if got := e.RecordID(nil, record(map[string]string{ColID: "", ColOnsetDate: ""})); got != "" {
		t.Errorf("expected empty id without an onset date, got %q", got)
	}
}

func TestSchema(t *testing.T) {
	tests := []struct {
		name  string
		rec   validation.Record
		field string
	}{
		{"valid", record(nil), ""},
		{"bad status", record(map[string]string{ColClinicalStatus: "chronic"}), ColClinicalStatus},
		{"bad onset", record(map[string]string{ColOnsetDate: "not-a-date"}), ColOnsetDate},
		{"missing name", record(map[string]string{ColName: " "}), ColName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, violations := New().Schema().Validate(tt.rec)
			if tt.field == "" {
				if len(violations) != 0 {
					t.Fatalf("unexpected violations %v", violations)
				}
				return
			}
			if len(violations) != 1 || violations[0].Field != tt.field {
				t.Fatalf("expected one violation on %s, got %v", tt.field, violations)
			}
		})
	}

	out, _ := New().Schema().Validate(record(map[string]string{ColClinicalStatus: "Resolved", ColResolvedDate: "March 5, 2024"}))
	if out.Get(ColClinicalStatus) != "resolved" || out.Get(ColResolvedDate) != "2024-03-05" {
		t.Errorf("unexpected normalization %v", out)
	}
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

func TestBuild_Coding(t *testing.T) {
	tests := []struct {
		name    string
		term    string
		code    string
		systems []string
		text    string
	}{
		{"single", "Essential hypertension", "I10", []string{fhirmodels.SystemSNOMED}, "Essential hypertension"},
		{"multiple via term only", "Diabetes", "E11.9", []string{fhirmodels.SystemSNOMED, fhirmodels.SystemICD10CM}, "Diabetes"},
		{"unstructured", "Feeling off", "", []string{idmap.UnstructuredSystem}, "Feeling off"},
		{"unmapped falls back to ICD-10", "Low back pain", "M54.5", []string{fhirmodels.SystemICD10CM}, "Low back pain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := build(t, record(map[string]string{ColName: tt.term, ColICD10: tt.code}))
			code := res["code"].(fhir.CodeableConcept)
			if code.Text != tt.text {
				t.Errorf("text = %q, want %q", code.Text, tt.text)
			}
			if len(code.Coding) != len(tt.systems) {
				t.Fatalf("expected %d codings, got %+v", len(tt.systems), code.Coding)
			}
			for i, s := range tt.systems {
				if code.Coding[i].System != s {
					t.Errorf("coding %d system = %q, want %q", i, code.Coding[i].System, s)
				}
			}
		})
	}
}

func TestBuild_IgnoreRoutes(t *testing.T) {
	tests := []struct {
		name string
		rec  validation.Record
	}{
		{"unreviewed coding entry", record(map[string]string{ColName: "Pending review", ColICD10: "R69"})},
		{"unmapped term without code", record(map[string]string{ColName: "Something new", ColICD10: ""})},
		{"unmapped patient", record(map[string]string{ColPatient: "P404"})},
		{"unmapped provider", record(map[string]string{ColProvider: "dr-unknown"})},
		{"long note", record(map[string]string{ColNotes: strings.Repeat("x", 1001)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Build(context.Background(), newEnv(), tt.rec)
			if err == nil {
				t.Fatal("expected an error")
			}
			if _, ignore := pipeline.Route(err); !ignore {
				t.Errorf("expected an ignore route for %v", err)
			}
		})
	}
}

func TestBuild_NoteAtLimit(t *testing.T) {
	res := build(t, record(map[string]string{ColNotes: strings.Repeat("é", 1000)}))
	notes := res["note"].([]fhir.Annotation)
	if len(notes) != 1 || len([]rune(notes[0].Text)) != 1000 {
		t.Errorf("unexpected note %v", notes)
	}
}

func TestBuild_Recorder(t *testing.T) {
	res := build(t, record(nil))
	if r := res["recorder"].(fhir.Reference); r.Reference != "Practitioner/"+botKey {
		t.Errorf("default recorder = %q", r.Reference)
	}
	res = build(t, record(map[string]string{ColProvider: "dr-who"}))
	if r := res["recorder"].(fhir.Reference); r.Reference != "Practitioner/p-123" {
		t.Errorf("recorder = %q", r.Reference)
	}
}

func TestBuild_NotFoundIsTyped(t *testing.T) {
	_, err := New().Build(context.Background(), newEnv(), record(map[string]string{ColPatient: "P404"}))
	var nf *idmap.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != idmap.KindPatient || nf.ID != "P404" {
		t.Errorf("expected patient NotFoundError, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Condition.ToFHIR
// ---------------------------------------------------------------------------

func TestConditionToFHIR(t *testing.T) {
	resolved := "2024-03-05"
	c := Condition{
		PatientKey:     "c-abc",
		RecorderKey:    "p-1",
		ClinicalStatus: "resolved",
		Code:           fhir.CodeableConcept{Text: "Low back pain"},
		OnsetDate:      "2019-04-01",
		AbatementDate:  &resolved,
	}
	result := c.ToFHIR()

	if result["resourceType"] != "Condition" {
		t.Errorf("resourceType = %v", result["resourceType"])
	}
	if result["abatementDateTime"] != resolved || result["onsetDateTime"] != "2019-04-01" {
		t.Errorf("dates = %v / %v", result["onsetDateTime"], result["abatementDateTime"])
	}
	if _, ok := result["note"]; ok {
		t.Error("note must be omitted when empty")
	}
	cat := result["category"].([]fhir.CodeableConcept)
	if cat[0].Coding[0].Code != fhirmodels.ConditionCategoryEncounterDiagnosis {
		t.Errorf("category = %+v", cat)
	}
	status := result["clinicalStatus"].(fhir.CodeableConcept)
	if status.Coding[0].System != fhirmodels.SystemConditionClinical || status.Coding[0].Code != "resolved" {
		t.Errorf("clinicalStatus = %+v", status)
	}
	if s := result["subject"].(fhir.Reference); s.Reference != "Patient/c-abc" {
		t.Errorf("subject = %+v", s)
	}
}
