// Package export renders a beam and its reflection tree to PDF or DOCX.
package export

import (
	"errors"

	"zuzalu/api/internal/extract"
	"zuzalu/api/internal/reflections"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat maps a query value onto a Format. Empty means PDF.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatPDF, nil
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(s), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	BeamID             string
	Format             Format
	IncludeReflections bool
	// Extract carries the decryption settings of the hosting app.
	Extract  extract.Options
	MaxDepth int
}

func (r Request) treeOptions() reflections.Options {
	return reflections.Options{Extract: r.Extract, MaxDepth: r.MaxDepth}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates the requested format is not one of html, pdf or docx.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
