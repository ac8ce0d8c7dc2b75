package app

import (
	"context"

	"quill/api/internal/export"
	"quill/api/internal/store"
)

// exportStore adapts the relational store to the export service's narrow view.
type exportStore struct {
	store *store.PostgresStore
}

// NewExportStore wires the Postgres store behind the export DataStore interface.
func NewExportStore(ds *store.PostgresStore) export.DataStore {
	return &exportStore{store: ds}
}

func (e *exportStore) GetContentInfo(ctx context.Context, orgID, contentID string) (export.ContentInfo, error) {
	content, err := e.store.GetContent(ctx, orgID, contentID)
	if err != nil {
		return export.ContentInfo{}, err
	}
	info := export.ContentInfo{
		ID:          content.ID,
		Title:       content.Title,
		Slug:        content.Slug,
		ContentType: string(content.ContentType),
		UpdatedAt:   content.UpdatedAt,
	}
	if org, err := e.store.GetOrganization(ctx, orgID); err == nil {
		info.OrganizationName = org.Name
	}
	return info, nil
}

func (e *exportStore) GetVersionInfo(ctx context.Context, contentID string, version int) (export.VersionInfo, error) {
	var (
		item store.ContentVersion
		err  error
	)
	if version <= 0 {
		item, err = e.store.GetCurrentVersion(ctx, contentID)
	} else {
		item, err = e.store.GetContentVersionByNumber(ctx, contentID, version)
	}
	if err != nil {
		return export.VersionInfo{}, err
	}
	return export.VersionInfo{
		Version:   item.Version,
		Body:      item.BodyMarkdown,
		CreatedAt: item.CreatedAt,
		CreatedBy: item.CreatedByUserID,
	}, nil
}
