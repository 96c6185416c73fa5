package document

import (
	"fmt"
	"strings"
)

// MissingFilesError lists every referenced attachment that does not exist.
// No conversion is attempted when it is returned.
type MissingFilesError struct {
	Files []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("missing document files: %s", strings.Join(e.Files, ", "))
}

// UnsupportedFormatError is returned for an attachment extension the encoder
// cannot convert.
type UnsupportedFormatError struct {
	File string
	Ext  string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Ext == "" {
		return fmt.Sprintf("unsupported document format for %s: no extension", e.File)
	}
	return fmt.Sprintf("unsupported document format %q for %s", e.Ext, e.File)
}

// EncodingError wraps a conversion failure for one attachment, or for the
// bundle as a whole when File is empty.
type EncodingError struct {
	File string
	Err  error
}

func (e *EncodingError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("encode documents: %v", e.Err)
	}
	return fmt.Sprintf("encode %s: %v", e.File, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
