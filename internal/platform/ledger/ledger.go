// Package ledger implements the append-only checkpoint files that make a
// migration run resumable.
//
// A ledger is a pipe-delimited text file with a fixed header line. The header
// is written lazily with the first entry. Every entry is written as one whole
// line with a single write call and synced before Append returns, so a killed
// process leaves at most the in-flight line missing. A torn trailing line left
// by a crash during that write is cut off when the ledger is reopened.
package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const separator = "|"

var (
	// ErrFieldCount is returned when an entry does not match the ledger header.
	ErrFieldCount = errors.New("ledger: field count does not match header")
	// ErrInvalidID is returned for record ids a ledger line cannot hold.
	ErrInvalidID = errors.New("ledger: record id contains a reserved character")
)

// CheckID reports whether id can be stored as the first field of an entry
// and read back unchanged.
func CheckID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if strings.ContainsAny(id, separator+"\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Ledger is a single append-only outcome file. It is safe for concurrent use;
// appends are serialized by the ledger's own lock.
type Ledger struct {
	path   string
	header []string

	mu   sync.Mutex
	file *os.File
	ids  map[string]struct{}
}

// Open loads the ids already recorded at path and prepares the ledger for
// appends. The file itself is only created on the first Append.
func Open(path string, header []string) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		header: header,
		ids:    make(map[string]struct{}),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", l.path, err)
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		if err := os.Truncate(l.path, int64(cut)); err != nil {
			return fmt.Errorf("repair torn line in %s: %w", l.path, err)
		}
		data = data[:cut]
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if line != strings.Join(l.header, separator) {
				return fmt.Errorf("ledger %s: unexpected header %q", l.path, line)
			}
			continue
		}
		if line == "" {
			continue
		}
		id, _, _ := strings.Cut(line, separator)
		l.ids[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan ledger %s: %w", l.path, err)
	}
	return nil
}

// Path returns the ledger's file path.
func (l *Ledger) Path() string { return l.path }

// Has reports whether id already has an entry.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of distinct ids recorded.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// Append writes one entry. The first field is the record id.
func (l *Ledger) Append(fields ...string) error {
	if len(fields) != len(l.header) {
		return fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), len(l.header))
	}
	if err := CheckID(fields[0]); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	if l.file == nil {
		fresh, err := l.openFile()
		if err != nil {
			return err
		}
		if fresh {
			buf.WriteString(strings.Join(l.header, separator))
			buf.WriteByte('\n')
		}
	}

	clean := make([]string, len(fields))
	clean[0] = fields[0]
	for i := 1; i < len(fields); i++ {
		clean[i] = sanitize(fields[i])
	}
	buf.WriteString(strings.Join(clean, separator))
	buf.WriteByte('\n')

	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to ledger %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger %s: %w", l.path, err)
	}
	l.ids[clean[0]] = struct{}{}
	return nil
}

// openFile opens the ledger for appending and reports whether the file was
// empty, meaning the header still has to be written.
func (l *Ledger) openFile() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false, fmt.Errorf("stat ledger %s: %w", l.path, err)
	}
	l.file = f
	return info.Size() == 0, nil
}

// Close releases the underlying file, if it was ever opened.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// sanitize keeps a value field on one line and inside its column.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, separator, "/")
}

// ReadEntries returns every entry of the ledger file at path, without the
// header. A missing file yields no entries.
func ReadEntries(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()

	var entries [][]string
	r := bufio.NewReader(f)
	first := true
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// An unterminated final line is a torn write and not an entry.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ledger %s: %w", path, err)
		}
		line = strings.TrimRight(line, "\n")
		if first {
			first = false
			continue
		}
		if line == "" {
			continue
		}
		entries = append(entries, strings.Split(line, separator))
	}
	return entries, nil
}
