package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFile is returned for file types that cannot be extracted.
var ErrUnsupportedFile = errors.New("unsupported file type")

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Extractor turns source files into page text. PDFs go through the
// pdftotext binary; plain text and markdown are read directly.
type Extractor struct {
	pdfToText string
	runner    CommandRunner
}

type ExtractorConfig struct {
	PDFToText string        // binary name or path, default "pdftotext"
	Runner    CommandRunner // nil = os/exec
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.PDFToText == "" {
		cfg.PDFToText = "pdftotext"
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	return &Extractor{pdfToText: cfg.PDFToText, runner: cfg.Runner}
}

// Supported reports whether the file extension can be extracted.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}

// Extract returns the non-empty pages of the file.
func (e *Extractor) Extract(ctx context.Context, path string) ([]Page, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		out, err := e.runner.Run(ctx, e.pdfToText, "-enc", "UTF-8", "-layout", path, "-")
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
		}
		return splitPages(string(out)), nil
	case ".txt", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		return splitPages(string(data)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(path))
	}
}

// splitPages splits on form feeds, which pdftotext emits between pages.
func splitPages(text string) []Page {
	var pages []Page
	for i, body := range strings.Split(text, "\f") {
		if strings.TrimSpace(body) == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: body})
	}
	return pages
}
