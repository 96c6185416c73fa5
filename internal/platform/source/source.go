// Package source reads delimited or JSON source exports into records.
package source

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/ehr/chartseed/internal/platform/validation"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrEmpty is returned for a source with no header row.
var ErrEmpty = errors.New("source has no header")

// Table is a fully read source export.
type Table struct {
	Columns []string
	Records []validation.Record
	// Lines holds the 1-based source line of each record, when known.
	Lines []int
}

// Options controls how a source file is parsed.
type Options struct {
	// Delimiter separates fields in delimited sources. Zero means '|'.
	Delimiter rune
}

// Load reads path. Files ending in .json, or whose first byte is '[', are
// read as a JSON array of objects; anything else is delimited text.
func Load(path string, opts Options) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	data, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode source %s: %w", path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if strings.EqualFold(filepath.Ext(path), ".json") || (len(trimmed) > 0 && trimmed[0] == '[') {
		return ParseJSON(data)
	}
	return ParseDelimited(bytes.NewReader(data), opts)
}

// Decode strips a UTF-8 byte order mark and converts Windows-1252 input,
// which is how most legacy exports arrive, to UTF-8.
func Decode(raw []byte) ([]byte, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return raw, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseDelimited reads a header row followed by records. Short rows get empty
// values for their missing columns.
func ParseDelimited(r io.Reader, opts Options) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = opts.Delimiter
	if cr.Comma == 0 {
		cr.Comma = '|'
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	t := &Table{Columns: columns}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		line, _ := cr.FieldPos(0)
		rec := make(validation.Record, len(columns))
		for i, col := range columns {
			if col == "" {
				continue
			}
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		t.Records = append(t.Records, rec)
		t.Lines = append(t.Lines, line)
	}
	return t, nil
}

// ParseJSON reads an array of flat objects. Non-string values are rendered
// with their JSON text; null becomes empty.
func ParseJSON(data []byte) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []map[string]interface{}
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode json records: %w", err)
	}

	seen := make(map[string]bool)
	t := &Table{}
	for _, row := range rows {
		rec := make(validation.Record, len(row))
		for k, v := range row {
			key := strings.TrimSpace(k)
			if !seen[key] {
				seen[key] = true
				t.Columns = append(t.Columns, key)
			}
			rec[key] = stringify(v)
		}
		t.Records = append(t.Records, rec)
	}
	sort.Strings(t.Columns)
	return t, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
