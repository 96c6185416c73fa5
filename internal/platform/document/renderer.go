package document

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Renderer turns an HTML file into a PDF file.
type Renderer interface {
	Render(ctx context.Context, htmlPath, pdfPath string) error
}

// CommandRenderer shells out to an external converter such as wkhtmltopdf,
// invoked as `Binary [Args...] <html> <pdf>`.
type CommandRenderer struct {
	Binary string
	Args   []string
}

func NewCommandRenderer(binary string, args ...string) *CommandRenderer {
	if len(args) == 0 {
		args = []string{"--quiet", "--encoding", "utf-8"}
	}
	return &CommandRenderer{Binary: binary, Args: args}
}

func (r *CommandRenderer) Render(ctx context.Context, htmlPath, pdfPath string) error {
	args := append(append([]string{}, r.Args...), htmlPath, pdfPath)
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", r.Binary, err)
		}
		return fmt.Errorf("%s: %w: %s", r.Binary, err, msg)
	}
	return nil
}
