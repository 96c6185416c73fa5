package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/platform/document"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/ledger"
	"github.com/ehr/chartseed/internal/platform/source"
	"github.com/ehr/chartseed/internal/platform/validation"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// widgets is a minimal entity: a record names a patient and an action.
type widgets struct{}

func (widgets) Name() string         { return "widgets" }
func (widgets) ResourceType() string { return "Observation" }
func (widgets) Columns() []string    { return []string{"ID", "Patient Identifier"} }

func (widgets) Schema() *validation.Schema {
	return &validation.Schema{Fields: []validation.Field{
		{Name: "ID", Validators: []validation.Func{validation.Required()}},
		{Name: "Patient Identifier", Validators: []validation.Func{validation.Required()}},
	}}
}

func (widgets) RecordID(_ *Env, rec validation.Record) string { return rec.Get("ID") }
func (widgets) PatientID(rec validation.Record) string        { return rec.Get("Patient Identifier") }

func (widgets) Build(ctx context.Context, env *Env, rec validation.Record) (*Draft, error) {
	key, err := env.Resolver.Resolve(ctx, idmap.KindPatient, rec.Get("Patient Identifier"))
	if err != nil {
		return nil, err
	}
	switch rec.Get("Action") {
	case "ignore":
		return nil, Ignore("widget %s is retired", rec.Get("ID"))
	case "unsupported":
		return nil, &document.UnsupportedFormatError{File: "x.docx", Ext: ".docx"}
	case "missing":
		return nil, &document.MissingFilesError{Files: []string{"y.png"}}
	}
	return &Draft{PatientKey: key, Resource: map[string]string{"resourceType": "Observation", "subject": key}}, nil
}

// parents records every created widget in the provider map.
type parents struct{ widgets }

func (parents) Created(env *Env, _ validation.Record, recordID, key string) error {
	return env.Resolver.Record(idmap.KindProvider, recordID, key)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error // subject -> error
}

func (f *fakeSubmitter) Create(_ context.Context, resourceType string, payload interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if m, ok := payload.(map[string]string); ok {
		if err := f.fail[m["subject"]]; err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("key-%d", f.calls), nil
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newEnv() *Env {
	return &Env{
		Resolver: idmap.NewResolver(map[idmap.Kind]*idmap.Map{
			idmap.KindPatient: idmap.NewMap(map[string]string{
				"P100": "c-abc",
				"P200": "c-def",
			}),
		}),
		Logger: zerolog.Nop(),
	}
}

func table(rows ...string) *source.Table {
	t, err := source.ParseDelimited(strings.NewReader(strings.Join(rows, "\n")+"\n"), source.Options{})
	if err != nil {
		panic(err)
	}
	return t
}

func run(t *testing.T, dir string, entity Entity, sub Submitter, opts Options, tbl *source.Table) *Summary {
	t.Helper()
	set, err := ledger.OpenSet(dir, entity.Name())
	if err != nil {
		t.Fatalf("OpenSet: %v", err)
	}
	defer set.Close()
	summary, err := NewRunner(entity, newEnv(), sub, set, opts, zerolog.Nop()).Run(context.Background(), tbl)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

func entries(t *testing.T, dir string, kind ledger.Kind) [][]string {
	t.Helper()
	e, err := ledger.ReadEntries(filepath.Join(dir, ledger.FileName(kind, "widgets")))
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	return e
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunner_HeaderGate(t *testing.T) {
	dir := t.TempDir()
	set, _ := ledger.OpenSet(dir, "widgets")
	defer set.Close()
	sub := &fakeSubmitter{}

	_, err := NewRunner(widgets{}, newEnv(), sub, set, Options{}, zerolog.Nop()).
		Run(context.Background(), table("ID|Action", "A|"))

	var he *validation.HeaderError
	if !errors.As(err, &he) {
		t.Fatalf("expected HeaderError, got %v", err)
	}
	if len(he.Missing) != 1 || he.Missing[0] != "Patient Identifier" {
		t.Errorf("unexpected missing columns %v", he.Missing)
	}
	if sub.Calls() != 0 {
		t.Errorf("expected no submissions, got %d", sub.Calls())
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Errorf("expected no ledger files, got %d", len(files))
	}
}

func TestRunner_RoutesOutcomes(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "validation_widgets.json")
	sub := &fakeSubmitter{fail: map[string]error{"c-def": errors.New("HTTP 422: invalid subject")}}

	summary := run(t, dir, widgets{}, sub, Options{ReportPath: report}, table(
		"ID|Patient Identifier|Action",
		"B|P100|",
		"C|P999|",
		"D||",
		"E|P100|unsupported",
		"F|P200|",
		"G|P100|ignore",
		"H|P100|missing",
	))

	if summary.Done != 1 || summary.Ignored != 3 || summary.Errors != 2 || summary.Invalid != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if sub.Calls() != 2 {
		t.Errorf("expected 2 submissions, got %d", sub.Calls())
	}

	done := entries(t, dir, ledger.KindDone)
	if len(done) != 1 || strings.Join(done[0], "|") != "B|P100|c-abc|key-1" {
		t.Errorf("unexpected done ledger %v", done)
	}
	errs := entries(t, dir, ledger.KindError)
	if len(errs) != 2 {
		t.Fatalf("expected 2 error entries, got %v", errs)
	}
	for _, e := range errs {
		switch e[0] {
		case "E":
			if !strings.Contains(e[3], ".docx") {
				t.Errorf("unexpected message %q", e[3])
			}
		case "F":
			if e[2] != "c-def" || e[3] != "HTTP 422: invalid subject" {
				t.Errorf("unexpected error entry %v", e)
			}
		default:
			t.Errorf("unexpected error entry %v", e)
		}
	}
	if ignores := entries(t, dir, ledger.KindIgnore); len(ignores) != 3 {
		t.Errorf("expected 3 ignore entries, got %v", ignores)
	}
	if files := summary.MissingFiles(); len(files) != 1 || files[0] != "y.png" {
		t.Errorf("unexpected missing files %v", files)
	}

	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rep map[string][]string
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep["D"]) != 1 || !strings.HasPrefix(rep["D"][0], "Patient Identifier:") {
		t.Errorf("unexpected report %v", rep)
	}
}

func TestRunner_ResumeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	tbl := table("ID|Patient Identifier", "A|P100", "B|P999", "C|P200")

	first := run(t, dir, widgets{}, sub, Options{}, tbl)
	if first.Done != 2 || first.Ignored != 1 {
		t.Fatalf("unexpected first run %+v", first)
	}
	second := run(t, dir, widgets{}, sub, Options{}, tbl)
	if second.AlreadyRecorded != 3 || second.Done != 0 {
		t.Fatalf("unexpected second run %+v", second)
	}
	if sub.Calls() != 2 {
		t.Errorf("expected 2 submissions over both runs, got %d", sub.Calls())
	}
	if n := len(entries(t, dir, ledger.KindDone)); n != 2 {
		t.Errorf("expected 2 done entries, got %d", n)
	}
}

func commaTable(rows ...string) *source.Table {
	t, err := source.ParseDelimited(strings.NewReader(strings.Join(rows, "\n")+"\n"), source.Options{Delimiter: ','})
	if err != nil {
		panic(err)
	}
	return t
}

func TestRunner_ReservedCharacterInRecordID(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	tbl := commaTable("ID,Patient Identifier", "A|1,P100", "A/1,P100")

	for i := 0; i < 2; i++ {
		summary := run(t, dir, widgets{}, sub, Options{}, tbl)
		if summary.Invalid != 1 {
			t.Errorf("run %d: expected the piped id to be invalid, got %+v", i, summary)
		}
		if i == 0 && summary.Done != 1 {
			t.Errorf("first run: expected A/1 done, got %+v", summary)
		}
		if i == 1 && (summary.Done != 0 || summary.AlreadyRecorded != 1) {
			t.Errorf("second run: expected A/1 already recorded only, got %+v", summary)
		}
	}
	if sub.Calls() != 1 {
		t.Errorf("expected a single submission, got %d", sub.Calls())
	}
	done := entries(t, dir, ledger.KindDone)
	if len(done) != 1 || done[0][0] != "A/1" {
		t.Errorf("unexpected done entries %v", done)
	}
}

func TestRunner_DuplicateRecordIDs(t *testing.T) {
	sub := &fakeSubmitter{}
	summary := run(t, t.TempDir(), widgets{}, sub, Options{}, table(
		"ID|Patient Identifier", "A|P100", "A|P200", "B|P100"))
	if summary.Duplicates != 1 || summary.Done != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if sub.Calls() != 2 {
		t.Errorf("expected 2 submissions, got %d", sub.Calls())
	}
}

func TestRunner_Workers(t *testing.T) {
	dir := t.TempDir()
	rows := []string{"ID|Patient Identifier"}
	for i := 0; i < 40; i++ {
		rows = append(rows, fmt.Sprintf("R%02d|P100", i))
	}
	sub := &fakeSubmitter{}
	summary := run(t, dir, widgets{}, sub, Options{Workers: 8}, table(rows...))

	if summary.Done != 40 || sub.Calls() != 40 {
		t.Fatalf("expected 40 done and 40 calls, got %d and %d", summary.Done, sub.Calls())
	}
	seen := make(map[string]bool)
	for _, e := range entries(t, dir, ledger.KindDone) {
		if len(e) != 4 || seen[e[0]] {
			t.Fatalf("bad done entry %v", e)
		}
		seen[e[0]] = true
	}
	if len(seen) != 40 {
		t.Errorf("expected 40 distinct done entries, got %d", len(seen))
	}
}

func TestRunner_DryRun(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	summary := run(t, dir, widgets{}, sub, Options{DryRun: true}, table(
		"ID|Patient Identifier", "A|P100", "B|P999"))

	if summary.Planned != 1 || summary.Ignored != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if sub.Calls() != 0 {
		t.Errorf("dry run submitted %d records", sub.Calls())
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Errorf("dry run wrote %d files", len(files))
	}
}

func TestRunner_CreatorRunsBeforeDone(t *testing.T) {
	dir := t.TempDir()
	set, _ := ledger.OpenSet(dir, "widgets")
	defer set.Close()
	env := newEnv()

	_, err := NewRunner(parents{}, env, &fakeSubmitter{}, set, Options{}, zerolog.Nop()).
		Run(context.Background(), table("ID|Patient Identifier", "A|P100"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if key, ok := env.Resolver.Map(idmap.KindProvider).Get("A"); !ok || key != "key-1" {
		t.Errorf("expected A -> key-1 in the map, got %q", key)
	}
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	set, _ := ledger.OpenSet(dir, "widgets")
	defer set.Close()
	sub := &fakeSubmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := NewRunner(widgets{}, newEnv(), sub, set, Options{}, zerolog.Nop()).
		Run(ctx, table("ID|Patient Identifier", "A|P100", "B|P100"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Interrupted || sub.Calls() != 0 {
		t.Errorf("expected an interrupted run with no submissions, got %+v and %d calls", summary, sub.Calls())
	}
}

func TestCheck(t *testing.T) {
	report, valid, err := Check(widgets{}, newEnv(), table("ID|Patient Identifier", "A|P100", "|P100", "C|"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if valid != 1 || report.Len() != 2 {
		t.Errorf("expected 1 valid and 2 rejected, got %d and %d", valid, report.Len())
	}
	if msgs := report.Messages("line 3"); len(msgs) != 2 {
		t.Errorf("expected the empty id and the missing field for line 3, got %v", msgs)
	}
}

func TestCheck_RecordIDWithLineBreak(t *testing.T) {
	tbl := &source.Table{
		Columns: []string{"ID", "Patient Identifier"},
		Records: []validation.Record{
			{"ID": "A\nB", "Patient Identifier": "P100"},
			{"ID": "C", "Patient Identifier": "P100"},
		},
	}
	report, valid, err := Check(widgets{}, newEnv(), tbl)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if valid != 1 || report.Len() != 1 {
		t.Errorf("expected 1 valid and 1 rejected, got %d and %d", valid, report.Len())
	}
	if msgs := report.Messages("line 2"); len(msgs) != 1 || !strings.Contains(msgs[0], "line break") {
		t.Errorf("unexpected messages for line 2: %v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Routing and summaries
// ---------------------------------------------------------------------------

func TestRoute(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		state  State
		ignore bool
	}{
		{"not found", &idmap.NotFoundError{Kind: idmap.KindPatient, ID: "P1"}, SkippedMapping, true},
		{"wrapped not found", fmt.Errorf("resolve: %w", &idmap.NotFoundError{}), SkippedMapping, true},
		{"entity rule", Ignore("too long"), SkippedMapping, true},
		{"missing files", &document.MissingFilesError{Files: []string{"a.pdf"}}, SkippedEncoding, true},
		{"unsupported", &document.UnsupportedFormatError{File: "a.doc", Ext: ".doc"}, SkippedEncoding, false},
		{"encoding", &document.EncodingError{File: "a.tif", Err: errors.New("bad")}, SkippedEncoding, false},
		{"other", errors.New("boom"), Error, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, ignore := Route(tt.err)
			if state != tt.state || ignore != tt.ignore {
				t.Errorf("Route = %s, %v; want %s, %v", state, ignore, tt.state, tt.ignore)
			}
		})
	}
}

func TestBreakdown(t *testing.T) {
	groups := map[string][]string{"rare": {"Z"}}
	for i := 0; i < 12; i++ {
		groups["common"] = append(groups["common"], fmt.Sprintf("R%d", i))
	}
	lines := breakdown(groups)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "common (12): R0, R1") || !strings.HasSuffix(lines[0], "R9 and 2 more") {
		t.Errorf("unexpected line %q", lines[0])
	}
	if lines[1] != "rare (1): Z" {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, widgets{}, &fakeSubmitter{}, Options{}, table(
		"ID|Patient Identifier", "A|P100", "B|P999", "C|P998"))

	s, err := Status(dir, "widgets")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if s.Done != 1 || s.Ignored != 2 || s.Total != 3 {
		t.Errorf("unexpected status %+v", s)
	}
	if lines := s.IgnoreBreakdown(); len(lines) != 2 {
		t.Errorf("expected one line per distinct reason, got %v", lines)
	}
}
