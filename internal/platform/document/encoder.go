// Package document normalizes heterogeneous attachments into one PDF and
// encodes it for transport.
//
// PDFs pass through untouched when they are the only attachment. Raster images
// become one page each, multi-page TIFFs one page per frame, and HTML is
// rendered through a Renderer. Multiple attachments are merged in order.
package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog"
)

// ContentType is the content type of every encoded bundle.
const ContentType = "application/pdf"

type format int

const (
	formatUnsupported format = iota
	formatPDF
	formatImage  // imported as is
	formatRaster // decoded and re-encoded as PNG first
	formatTIFF
	formatHTML
)

var formats = map[string]format{
	".pdf":  formatPDF,
	".png":  formatImage,
	".jpg":  formatImage,
	".jpeg": formatImage,
	".gif":  formatRaster,
	".bmp":  formatRaster,
	".webp": formatRaster,
	".tif":  formatTIFF,
	".tiff": formatTIFF,
	".html": formatHTML,
	".htm":  formatHTML,
}

func formatOf(name string) (format, string) {
	ext := strings.ToLower(filepath.Ext(name))
	return formats[ext], ext
}

// Bundle is the encoded form of a record's attachments.
type Bundle struct {
	// Files are the attachments that were encoded, in page order. An HTML
	// reference with a sibling PDF is replaced by the PDF.
	Files       []string
	Payload     string
	ContentType string
	Pages       int
}

var disableConfigDir sync.Once

// pdfConfig returns a relaxed pdfcpu configuration that never touches the
// user's config directory.
func pdfConfig() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Option configures an Encoder.
type Option func(*Encoder)

func WithRenderer(r Renderer) Option {
	return func(e *Encoder) { e.renderer = r }
}

// WithScratchDir sets the parent directory of per-call temp directories.
func WithScratchDir(dir string) Option {
	return func(e *Encoder) { e.scratch = dir }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Encoder) { e.logger = logger }
}

// Encoder converts attachment references into a Bundle.
type Encoder struct {
	store    Store
	renderer Renderer
	scratch  string
	logger   zerolog.Logger
}

func NewEncoder(store Store, opts ...Option) *Encoder {
	e := &Encoder{store: store, logger: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Resolve checks that every reference exists and returns the files that will
// actually be encoded. HTML references prefer a sibling PDF of the same base
// name. All missing files are reported together.
func (e *Encoder) Resolve(ctx context.Context, refs []string) ([]string, error) {
	files := make([]string, 0, len(refs))
	var missing []string
	for _, ref := range refs {
		if f, _ := formatOf(ref); f == formatHTML {
			sibling := strings.TrimSuffix(ref, filepath.Ext(ref)) + ".pdf"
			ok, err := e.store.Exists(ctx, sibling)
			if err != nil {
				return nil, &EncodingError{File: sibling, Err: err}
			}
			if ok {
				files = append(files, sibling)
				continue
			}
		}
		ok, err := e.store.Exists(ctx, ref)
		if err != nil {
			return nil, &EncodingError{File: ref, Err: err}
		}
		if !ok {
			missing = append(missing, ref)
			continue
		}
		files = append(files, ref)
	}
	if len(missing) > 0 {
		return nil, &MissingFilesError{Files: missing}
	}
	return files, nil
}

// Encode normalizes refs into one PDF and returns it base64 encoded. Every
// intermediate file is removed before Encode returns.
func (e *Encoder) Encode(ctx context.Context, refs []string) (*Bundle, error) {
	if len(refs) == 0 {
		return nil, &EncodingError{Err: errors.New("no documents referenced")}
	}
	files, err := e.Resolve(ctx, refs)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		format, ext := formatOf(f)
		if format == formatUnsupported {
			return nil, &UnsupportedFormatError{File: f, Ext: ext}
		}
		if format == formatHTML && e.renderer == nil {
			return nil, &EncodingError{File: f, Err: errors.New("no HTML renderer configured")}
		}
	}

	tmp, err := os.MkdirTemp(e.scratch, "chartseed-encode-*")
	if err != nil {
		return nil, &EncodingError{Err: fmt.Errorf("create temp dir: %w", err)}
	}
	defer os.RemoveAll(tmp)

	out, err := e.build(ctx, files, tmp)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	pages, err := api.PageCountFile(out)
	if err != nil {
		// A passthrough PDF the reader cannot parse is still sent as is.
		e.logger.Warn().Err(err).Strs("files", files).Msg("could not count pages")
		pages = 0
	}

	return &Bundle{
		Files:       files,
		Payload:     base64.StdEncoding.EncodeToString(data),
		ContentType: ContentType,
		Pages:       pages,
	}, nil
}

// build produces the final PDF under tmp and returns its path.
func (e *Encoder) build(ctx context.Context, files []string, tmp string) (string, error) {
	conf := pdfConfig()

	var (
		parts []string
		run   []string // consecutive images awaiting import
	)
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		out := filepath.Join(tmp, fmt.Sprintf("part%03d.pdf", len(parts)+1))
		if err := api.ImportImagesFile(run, out, nil, conf); err != nil {
			return &EncodingError{File: filepath.Base(run[0]), Err: fmt.Errorf("import images: %w", err)}
		}
		parts = append(parts, out)
		run = nil
		return nil
	}

	for i, name := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		local, err := e.store.Fetch(ctx, name, tmp)
		if err != nil {
			return "", &EncodingError{File: name, Err: err}
		}
		stem := fmt.Sprintf("f%03d", i+1)

		format, ext := formatOf(name)
		switch format {
		case formatPDF:
			if len(files) == 1 {
				return local, nil
			}
			if err := flush(); err != nil {
				return "", err
			}
			parts = append(parts, local)

		case formatImage:
			// pdfcpu picks the image type from the extension, so keep it.
			run = append(run, local)

		case formatRaster:
			png, err := convertToPNG(local, ext, tmp, stem)
			if err != nil {
				return "", &EncodingError{File: name, Err: err}
			}
			run = append(run, png)

		case formatTIFF:
			frames, err := splitTIFF(local, tmp, stem)
			if err != nil {
				return "", &EncodingError{File: name, Err: err}
			}
			run = append(run, frames...)

		case formatHTML:
			if err := flush(); err != nil {
				return "", err
			}
			out := filepath.Join(tmp, stem+".pdf")
			if err := e.renderer.Render(ctx, local, out); err != nil {
				return "", &EncodingError{File: name, Err: err}
			}
			parts = append(parts, out)
		}
	}
	if err := flush(); err != nil {
		return "", err
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	out := filepath.Join(tmp, "merged.pdf")
	if err := api.MergeCreateFile(parts, out, false, conf); err != nil {
		return "", &EncodingError{Err: fmt.Errorf("merge: %w", err)}
	}
	e.logger.Debug().Int("parts", len(parts)).Strs("files", files).Msg("merged document parts")
	return out, nil
}
