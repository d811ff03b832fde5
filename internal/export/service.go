package export

import (
	"context"
	"fmt"
	"time"

	"workshelf/api/internal/store"
)

const defaultTimeout = 30 * time.Second

type renderFunc func(ctx context.Context, html string) ([]byte, error)

// Service renders a stored version into a downloadable file.
type Service struct {
	timeout time.Duration
	pdf     renderFunc
	docx    renderFunc
}

// NewService creates an export service. A non-positive timeout falls back to 30s.
func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{timeout: timeout, pdf: renderPDF, docx: renderDOCX}
}

// HTML renders the standalone HTML page for a version.
func HTML(v store.Version) (string, error) {
	return RenderDocumentHTML(TemplateData{
		Title:         v.Title,
		Mode:          v.Mode.String(),
		VersionNumber: v.VersionNumber,
		Author:        v.AuthorID,
		ChangeSummary: v.ChangeSummary,
		CreatedAt:     v.CreatedAt,
		ContentHTML:   ContentHTML(v.Content),
	})
}

// Export generates a version export in the requested format.
func (s *Service) Export(ctx context.Context, v store.Version, format Format) (*Result, error) {
	page, err := HTML(v)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := fmt.Sprintf("%s-v%d", sanitizeFilename(v.Title), v.VersionNumber)
	switch format {
	case FormatHTML, "":
		return &Result{Data: []byte(page), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.run(ctx, s.pdf, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := s.run(ctx, s.docx, page)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func (s *Service) run(ctx context.Context, render renderFunc, page string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return render(ctx, page)
}
