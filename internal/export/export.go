// Package export renders conversation transcripts for compliance review,
// either as standalone HTML or as a PDF produced by headless Chrome.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Entry is a single message in a transcript, already filtered for the
// requesting viewer.
type Entry struct {
	MessageID  string
	Author     string
	Body       string
	Topic      string
	Recipients []string
	SentAt     time.Time
	Deleted    bool
}

// Transcript contains everything needed to render one conversation.
type Transcript struct {
	ConversationID string
	Title          string
	CompanyID      int64
	GeneratedBy    string
	GeneratedAt    time.Time
	Entries        []Entry
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrEmptyTranscript indicates there were no visible messages to export.
	ErrEmptyTranscript = errors.New("export transcript empty")
)

// Service renders transcripts. With PDF disabled it still serves HTML,
// which keeps the endpoint usable on hosts without Chromium.
type Service struct {
	pdfDisabled bool
}

// NewService creates a new export service
func NewService(pdfDisabled bool) *Service {
	return &Service{pdfDisabled: pdfDisabled}
}

// Export renders the transcript in the requested format.
func (s *Service) Export(ctx context.Context, t Transcript, format Format) (*Result, error) {
	if len(t.Entries) == 0 {
		return nil, ErrEmptyTranscript
	}

	html, err := RenderTranscriptHTML(t)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(t.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		if s.pdfDisabled {
			return nil, fmt.Errorf("%w: pdf export disabled", ErrPDFDependencyMissing)
		}
		return exportPDF(ctx, html, t.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
