// Package sandbox provides a local stand-in for the target record system and
// a generator of synthetic source exports, for rehearsal runs and tests.
//
// The generator is deterministic for a given seed, so a rehearsal can be
// repeated against a fresh sandbox and produce the same record ids.
package sandbox

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehr/chartseed/pkg/fhirmodels"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated source data.
type SeedConfig struct {
	Patients             int    `json:"patients"`
	ConditionsPerPatient int    `json:"conditionsPerPatient"`
	DocumentsPerPatient  int    `json:"documentsPerPatient"`
	IdentifierSystem     string `json:"identifierSystem"`
	Seed                 int64  `json:"seed"`
}

// DefaultSeedConfig returns a small data set suitable for a rehearsal run.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Patients:             25,
		ConditionsPerPatient: 2,
		DocumentsPerPatient:  1,
		IdentifierSystem:     "urn:chartseed:source:mrn",
	}
}

// SeedResult summarizes what Generate wrote.
type SeedResult struct {
	Dir         string        `json:"dir"`
	Patients    int           `json:"patients"`
	Conditions  int           `json:"conditions"`
	Documents   int           `json:"documents"`
	Attachments int           `json:"attachments"`
	Duration    time.Duration `json:"duration"`
}

// Output file names, relative to the seed directory.
const (
	PatientsFile    = "patients.csv"
	ConditionsFile  = "conditions.csv"
	DocumentsFile   = "documents.csv"
	CodingMapFile   = "coding_map.json"
	AttachmentsDir  = "documents"
	sourceDelimiter = '|'
)

// Column layouts of the generated exports.
var (
	PatientColumns = []string{
		"First Name", "Middle Name", "Last Name", "Preferred Name",
		"Date of Birth", "Sex at Birth", "Gender",
		"Address Line 1", "Address Line 2", "City", "State", "Postal Code", "Country",
		"Mobile Phone Number", "Mobile Text Consent", "Home Phone Number",
		"Email", "Email Consent", "Timezone",
		"Identifier System 1", "Identifier Value 1",
		"Identifier System 2", "Identifier Value 2",
		"Clinical Note", "Administrative Note",
	}
	ConditionColumns = []string{
		"ID", "Patient Identifier", "Clinical Status", "ICD-10 Code",
		"Onset Date", "Resolved Date", "Name", "Free text notes", "Recorded Provider",
	}
	DocumentColumns = []string{
		"ID", "Patient Identifier", "Type", "Clinical Date", "Category",
		"Document", "Description", "Comment", "Provider",
	}
)

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

type codeEntry struct {
	Code    string
	Display string
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Joseph",
		"Thomas", "Daniel", "Matthew", "Anthony", "Andrew", "Kevin", "Brian",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Elizabeth", "Susan", "Sarah",
		"Karen", "Nancy", "Margaret", "Emily", "Michelle", "Laura", "Rachel",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Garcia", "Miller", "Davis",
		"Martinez", "Wilson", "Anderson", "Taylor", "Moore", "Nguyen", "Rivera",
	}

	// addresses keep city, state and zip consistent with each other.
	addresses = []struct{ City, State, Zip string }{
		{"New York", "NY", "10001"},
		{"Los Angeles", "CA", "90001"},
		{"Chicago", "IL", "60601"},
		{"Houston", "TX", "77001"},
		{"Phoenix", "AZ", "85001"},
		{"Philadelphia", "PA", "19101"},
		{"Jacksonville", "FL", "32201"},
		{"Columbus", "OH", "43201"},
		{"Charlotte", "NC", "28201"},
		{"Denver", "CO", "80201"},
	}
	streets = []string{
		"123 Main St", "456 Oak Ave", "789 Elm St", "321 Pine Rd",
		"654 Maple Dr", "987 Cedar Ln", "147 Birch Blvd", "258 Walnut Way",
	}
	timezones = []string{"EST", "CST", "MST", "PST", "America/New_York", ""}

	icd10Conditions = []codeEntry{
		{"E11.9", "Type 2 diabetes mellitus without complications"},
		{"I10", "Essential (primary) hypertension"},
		{"J45.909", "Unspecified asthma, uncomplicated"},
		{"E78.5", "Hyperlipidemia, unspecified"},
		{"M54.5", "Low back pain"},
		{"F41.1", "Generalized anxiety disorder"},
		{"K21.9", "Gastro-esophageal reflux disease without esophagitis"},
		{"E03.9", "Hypothyroidism, unspecified"},
	}
	clinicalStatuses = []string{"active", "active", "resolved", "inactive", "remission"}

	loincDocuments = []codeEntry{
		{"11488-4", "Consult note"},
		{"18842-5", "Discharge summary"},
		{"34117-2", "History and physical note"},
		{"11506-3", "Progress note"},
		{"64290-0", "Insurance card"},
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic source rows.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
	system  string
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64, identifierSystem string) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng:    rand.New(rand.NewSource(seed)),
		system: identifierSystem,
	}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) pickCode(pool []codeEntry) codeEntry {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28) // safe for all months
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

func (g *DataGenerator) yesNo() string {
	if g.rng.Intn(2) == 0 {
		return "yes"
	}
	return "no"
}

// GeneratePatient returns one patients row keyed by column. The record's
// identifier value is its MRN.
func (g *DataGenerator) GeneratePatient() map[string]string {
	sex, firstName := "F", g.pick(firstNamesFemale)
	if g.rng.Intn(2) == 0 {
		sex, firstName = "M", g.pick(firstNamesMale)
	}
	lastName := g.pick(lastNames)
	addr := addresses[g.rng.Intn(len(addresses))]

	row := map[string]string{
		"First Name":          firstName,
		"Last Name":           lastName,
		"Date of Birth":       g.randomDate(1940, 2010),
		"Sex at Birth":        sex,
		"Mobile Phone Number": g.randomPhone(),
		"Mobile Text Consent": g.yesNo(),
		"Email":               strings.ToLower(fmt.Sprintf("%s.%s@example.com", firstName, lastName)),
		"Email Consent":       g.yesNo(),
		"Timezone":            g.pick(timezones),
		"Identifier System 1": g.system,
		"Identifier Value 1":  fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000)),
	}
	// Roughly one patient in three has no address on file.
	if g.rng.Intn(3) > 0 {
		row["Address Line 1"] = g.pick(streets)
		row["City"] = addr.City
		row["State"] = addr.State
		row["Postal Code"] = addr.Zip
	}
	if g.rng.Intn(4) == 0 {
		row["Home Phone Number"] = g.randomPhone()
	}
	if g.rng.Intn(5) == 0 {
		row["Identifier System 2"] = "urn:chartseed:source:account"
		row["Identifier Value 2"] = g.nextID("acct")
	}
	return row
}

// GenerateCondition returns one conditions row for the patient.
func (g *DataGenerator) GenerateCondition(patientID string) map[string]string {
	cond := g.pickCode(icd10Conditions)
	status := g.pick(clinicalStatuses)
	onset := g.randomDate(2005, 2020)

	row := map[string]string{
		"ID":                 g.nextID("cond"),
		"Patient Identifier": patientID,
		"Clinical Status":    status,
		"ICD-10 Code":        cond.Code,
		"Onset Date":         onset,
		"Name":               cond.Display,
	}
	if status == "resolved" {
		row["Resolved Date"] = g.randomDate(2021, 2024)
	}
	if g.rng.Intn(3) == 0 {
		row["Free text notes"] = fmt.Sprintf("Reported by patient at intake, %s.", onset)
	}
	return row
}

// GenerateDocument returns one documents row for the patient referencing
// the given attachment files.
func (g *DataGenerator) GenerateDocument(patientID string, files []string) map[string]string {
	doc := g.pickCode(loincDocuments)
	category := "uncategorizedclinicaldocument"
	if doc.Code == "64290-0" {
		category = "patientadministrativedocument"
	}
	list, _ := json.Marshal(files)
	return map[string]string{
		"ID":                 g.nextID("doc"),
		"Patient Identifier": patientID,
		"Type":               doc.Code,
		"Clinical Date":      g.randomDate(2015, 2024),
		"Category":           category,
		"Document":           string(list),
		"Description":        doc.Display,
	}
}

// attachment is a small solid-colour PNG standing in for a scanned page.
func (g *DataGenerator) attachment() image.Image {
	w, h := 60+g.rng.Intn(60), 80+g.rng.Intn(60)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{uint8(g.rng.Intn(256)), uint8(g.rng.Intn(256)), uint8(g.rng.Intn(256)), 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder writes a complete synthetic source export to a directory.
type Seeder struct {
	config    SeedConfig
	generator *DataGenerator
}

// NewSeeder creates a seeder. Zero counts fall back to DefaultSeedConfig.
func NewSeeder(config SeedConfig) *Seeder {
	def := DefaultSeedConfig()
	if config.Patients <= 0 {
		config.Patients = def.Patients
	}
	if config.ConditionsPerPatient < 0 {
		config.ConditionsPerPatient = 0
	}
	if config.DocumentsPerPatient < 0 {
		config.DocumentsPerPatient = 0
	}
	if config.IdentifierSystem == "" {
		config.IdentifierSystem = def.IdentifierSystem
	}
	return &Seeder{
		config:    config,
		generator: NewDataGenerator(config.Seed, config.IdentifierSystem),
	}
}

// Generate writes patients, conditions and documents exports, the PNG
// attachments the documents reference, and a coding map covering every
// generated condition term.
func (s *Seeder) Generate(dir string) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{Dir: dir}

	if err := os.MkdirAll(filepath.Join(dir, AttachmentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create seed directory: %w", err)
	}

	var patients, conditions, documents []map[string]string
	for i := 0; i < s.config.Patients; i++ {
		p := s.generator.GeneratePatient()
		patients = append(patients, p)
		patientID := p["Identifier Value 1"]

		for j := 0; j < s.config.ConditionsPerPatient; j++ {
			conditions = append(conditions, s.generator.GenerateCondition(patientID))
		}

		for j := 0; j < s.config.DocumentsPerPatient; j++ {
			pages := 1 + s.generator.rng.Intn(2)
			var files []string
			for k := 0; k < pages; k++ {
				name := fmt.Sprintf("%s-%d-%d.png", patientID, j, k)
				if err := writeImage(filepath.Join(dir, AttachmentsDir, name), s.generator.attachment()); err != nil {
					return nil, err
				}
				files = append(files, name)
				result.Attachments++
			}
			documents = append(documents, s.generator.GenerateDocument(patientID, files))
		}
	}

	if err := writeExport(filepath.Join(dir, PatientsFile), PatientColumns, patients); err != nil {
		return nil, err
	}
	if err := writeExport(filepath.Join(dir, ConditionsFile), ConditionColumns, conditions); err != nil {
		return nil, err
	}
	if err := writeExport(filepath.Join(dir, DocumentsFile), DocumentColumns, documents); err != nil {
		return nil, err
	}
	if err := writeCodingMap(filepath.Join(dir, CodingMapFile)); err != nil {
		return nil, err
	}

	result.Patients = len(patients)
	result.Conditions = len(conditions)
	result.Documents = len(documents)
	result.Duration = time.Since(start)
	return result, nil
}

func writeExport(path string, columns []string, rows []map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = sourceDelimiter
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("write %s header: %w", filepath.Base(path), err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			record[i] = row[c]
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// writeCodingMap maps every condition term in the pool to its ICD-10 coding.
func writeCodingMap(path string) error {
	entries := make(map[string]interface{}, len(icd10Conditions))
	for _, c := range icd10Conditions {
		entries[c.Display+"|"+c.Code] = map[string]string{
			"system":  fhirmodels.SystemICD10CM,
			"code":    c.Code,
			"display": c.Display,
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode coding map: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write coding map: %w", err)
	}
	return nil
}

func writeImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode attachment %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
