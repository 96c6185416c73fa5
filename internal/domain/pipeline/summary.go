package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/platform/ledger"
)

// breakdownIDs is how many record ids a breakdown line lists per message.
const breakdownIDs = 10

// Summary counts the outcomes of one run.
type Summary struct {
	Entity          string `json:"entity"`
	Total           int    `json:"total"`
	Done            int    `json:"done"`
	Errors          int    `json:"errors"`
	Ignored         int    `json:"ignored"`
	Invalid         int    `json:"invalid"`
	AlreadyRecorded int    `json:"alreadyRecorded"`
	Duplicates      int    `json:"duplicates"`
	// Planned counts records a dry run would have submitted.
	Planned     int  `json:"planned"`
	Interrupted bool `json:"interrupted"`

	mu      sync.Mutex
	missing map[string]bool
	ignores map[string][]string
	errors  map[string][]string
}

func newSummary(entity string) *Summary {
	return &Summary{
		Entity:  entity,
		missing: make(map[string]bool),
		ignores: make(map[string][]string),
		errors:  make(map[string][]string),
	}
}

func (s *Summary) add(counter *int) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

func (s *Summary) addIgnore(id, reason string, missingFiles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ignored++
	s.ignores[reason] = append(s.ignores[reason], id)
	for _, f := range missingFiles {
		s.missing[f] = true
	}
}

func (s *Summary) addError(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
	s.errors[message] = append(s.errors[message], id)
}

// MissingFiles returns every attachment that was referenced but not found,
// sorted.
func (s *Summary) MissingFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.missing))
	for f := range s.missing {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// IgnoreBreakdown groups ignored record ids by reason.
func (s *Summary) IgnoreBreakdown() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return breakdown(s.ignores)
}

// ErrorBreakdown groups failed record ids by error message.
func (s *Summary) ErrorBreakdown() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return breakdown(s.errors)
}

// breakdown renders one line per message, most frequent first, listing up
// to breakdownIDs ids.
func breakdown(groups map[string][]string) []string {
	messages := make([]string, 0, len(groups))
	for m := range groups {
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool {
		a, b := len(groups[messages[i]]), len(groups[messages[j]])
		if a != b {
			return a > b
		}
		return messages[i] < messages[j]
	})

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		ids := groups[m]
		shown := ids
		if len(shown) > breakdownIDs {
			shown = shown[:breakdownIDs]
		}
		line := fmt.Sprintf("%s (%d): %s", m, len(ids), strings.Join(shown, ", "))
		if rest := len(ids) - len(shown); rest > 0 {
			line += fmt.Sprintf(" and %d more", rest)
		}
		lines = append(lines, line)
	}
	return lines
}

// Log writes the summary. The counts line is written at every log level.
func (s *Summary) Log(logger zerolog.Logger) {
	logger.WithLevel(zerolog.NoLevel).
		Str("entity", s.Entity).
		Int("total", s.Total).
		Int("done", s.Done).
		Int("error", s.Errors).
		Int("ignore", s.Ignored).
		Int("invalid", s.Invalid).
		Int("already_recorded", s.AlreadyRecorded).
		Int("duplicate", s.Duplicates).
		Int("planned", s.Planned).
		Bool("interrupted", s.Interrupted).
		Msg("run summary")

	if files := s.MissingFiles(); len(files) > 0 {
		logger.Warn().Strs("files", files).Msg("missing document files")
	}
	for _, line := range s.IgnoreBreakdown() {
		logger.Warn().Str("entity", s.Entity).Msg("ignored: " + line)
	}
	for _, line := range s.ErrorBreakdown() {
		logger.Warn().Str("entity", s.Entity).Msg("failed: " + line)
	}
}

// Status rebuilds a summary of everything recorded so far from an entity's
// ledgers in dir.
func Status(dir, entity string) (*Summary, error) {
	s := newSummary(entity)
	read := func(kind ledger.Kind) ([][]string, error) {
		return ledger.ReadEntries(filepath.Join(dir, ledger.FileName(kind, entity)))
	}

	done, err := read(ledger.KindDone)
	if err != nil {
		return nil, err
	}
	s.Done = len(done)

	failed, err := read(ledger.KindError)
	if err != nil {
		return nil, err
	}
	for _, e := range failed {
		s.addError(e[0], e[len(e)-1])
	}

	ignored, err := read(ledger.KindIgnore)
	if err != nil {
		return nil, err
	}
	for _, e := range ignored {
		s.addIgnore(e[0], e[len(e)-1], nil)
	}

	s.Total = s.Done + s.Errors + s.Ignored
	return s, nil
}
