// Package export renders content versions to portable formats.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
)

// ParseFormat validates a format string, defaulting to PDF when empty.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatPDF, nil
	case FormatPDF, FormatDOCX, FormatHTML:
		return Format(s), nil
	default:
		return "", errors.New("unsupported export format: " + s)
	}
}

// Request contains parameters for an export operation
type Request struct {
	OrganizationID string
	ContentID      string
	Version        int // 0 = current version
	Format         Format
}

// Result contains the export output
type Result struct {
	Data      []byte
	Filename  string
	MimeType  string
	ObjectURL string // set when the artifact was uploaded to object storage
}

// ContentInfo holds content metadata for the rendered header.
type ContentInfo struct {
	ID               string
	Title            string
	Slug             string
	ContentType      string
	OrganizationName string
	UpdatedAt        time.Time
}

// VersionInfo holds the version payload to render.
type VersionInfo struct {
	Version   int
	Body      string
	CreatedAt time.Time
	CreatedBy string
}

var (
	// ErrContentUnavailable indicates the content or version could not be loaded.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
