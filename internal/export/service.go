package export

import (
	"context"
	"fmt"
	"html/template"
	"log"
)

// DataStore defines the data access the export service needs.
type DataStore interface {
	GetContentInfo(ctx context.Context, orgID, contentID string) (ContentInfo, error)
	GetVersionInfo(ctx context.Context, contentID string, version int) (VersionInfo, error)
}

// Service renders content versions to PDF, DOCX, or standalone HTML.
type Service struct {
	store   DataStore
	objects *ObjectStore // nil when object storage is not configured
}

func NewService(store DataStore, objects *ObjectStore) *Service {
	return &Service{store: store, objects: objects}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	info, err := s.store.GetContentInfo(ctx, req.OrganizationID, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	version, err := s.store.GetVersionInfo(ctx, req.ContentID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:            info.Title,
		ContentType:      info.ContentType,
		OrganizationName: info.OrganizationName,
		Version:          version.Version,
		CreatedAt:        version.CreatedAt,
		BodyHTML:         template.HTML(MarkdownToHTML(version.Body)),
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var result *Result
	switch req.Format {
	case FormatPDF:
		result, err = exportPDF(ctx, html, info.Title)
	case FormatDOCX:
		result, err = exportDOCX(ctx, html, info.Title)
	case FormatHTML:
		result = &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(info.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.objects != nil {
		key := fmt.Sprintf("%s/%s/v%d/%s", req.OrganizationID, req.ContentID, version.Version, result.Filename)
		objectURL, putErr := s.objects.Put(ctx, key, result.Data, result.MimeType)
		if putErr != nil {
			// Upload failure is not fatal; the caller still gets the bytes.
			log.Printf("export: object upload failed for %s: %v", key, putErr)
		} else {
			result.ObjectURL = objectURL
		}
	}

	return result, nil
}
