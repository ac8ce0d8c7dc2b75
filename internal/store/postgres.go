package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quill/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, org Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, org.ID, org.Name, org.Slug)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, organizationID string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM organizations
		WHERE id=$1
	`, organizationID).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return Organization{}, err
	}
	return org, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) error {
	role := m.Role
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_memberships (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, m.OrganizationID, m.UserID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// ListUserOrganizations returns the ids of every organization the user belongs
// to, oldest membership first. The workspace compiler walks this list when a
// content id is not found in the active organization.
func (s *PostgresStore) ListUserOrganizations(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id
		FROM organization_memberships
		WHERE user_id=$1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user organizations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organization ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) InsertContent(ctx context.Context, item Content) error {
	status := item.Status
	if status == "" {
		status = StatusDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contents (id, organization_id, slug, title, status, content_type, source_content_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.OrganizationID, item.Slug, item.Title, status, item.ContentType, item.SourceContentID)
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

// GetContent looks a content up inside one organization. Callers treat
// sql.ErrNoRows as "not here", not as failure.
func (s *PostgresStore) GetContent(ctx context.Context, organizationID, contentID string) (Content, error) {
	var item Content
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, slug, title, status, content_type, source_content_id, current_version_id, created_at, updated_at
		FROM contents
		WHERE organization_id=$1 AND id=$2
	`, organizationID, contentID).Scan(
		&item.ID,
		&item.OrganizationID,
		&item.Slug,
		&item.Title,
		&item.Status,
		&item.ContentType,
		&item.SourceContentID,
		&item.CurrentVersionID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Content{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListContents(ctx context.Context, organizationID string) ([]Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, slug, title, status, content_type, source_content_id, current_version_id, created_at, updated_at
		FROM contents
		WHERE organization_id=$1
		ORDER BY updated_at DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}
	defer rows.Close()

	items := make([]Content, 0)
	for rows.Next() {
		var item Content
		if err := rows.Scan(
			&item.ID,
			&item.OrganizationID,
			&item.Slug,
			&item.Title,
			&item.Status,
			&item.ContentType,
			&item.SourceContentID,
			&item.CurrentVersionID,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contents: %w", err)
	}
	return items, nil
}

// CreateContentVersion inserts an immutable version row and repoints the
// parent content's current_version_id in one transaction. The version number
// is one greater than the current maximum for the content (1 when none
// exists); the unique (content_id, version) index turns a duplicate
// allocation under concurrent writers into a transaction failure instead of
// silent corruption.
func (s *PostgresStore) CreateContentVersion(ctx context.Context, item ContentVersion) (ContentVersion, error) {
	if item.ID == "" {
		item.ID = util.NewID()
	}
	frontmatter, err := json.Marshal(item.Frontmatter)
	if err != nil {
		return ContentVersion{}, fmt.Errorf("marshal frontmatter: %w", err)
	}
	sections := item.Sections
	if sections == nil {
		sections = []Section{}
	}
	encodedSections, err := json.Marshal(sections)
	if err != nil {
		return ContentVersion{}, fmt.Errorf("marshal sections: %w", err)
	}
	assets := item.Assets
	if assets == nil {
		assets = map[string]any{}
	}
	encodedAssets, err := json.Marshal(assets)
	if err != nil {
		return ContentVersion{}, fmt.Errorf("marshal assets: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ContentVersion{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO content_versions (id, content_id, version, frontmatter, body_markdown, sections, assets, created_by_user_id)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3::jsonb, $4, $5::jsonb, $6::jsonb, NULLIF($7, '')::uuid
		FROM content_versions
		WHERE content_id=$2
		RETURNING version, created_at
	`, item.ID, item.ContentID, string(frontmatter), item.BodyMarkdown, string(encodedSections), string(encodedAssets), item.CreatedByUserID).
		Scan(&item.Version, &item.CreatedAt)
	if err != nil {
		return ContentVersion{}, fmt.Errorf("insert content version: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE contents SET current_version_id=$2, updated_at=NOW() WHERE id=$1
	`, item.ContentID, item.ID)
	if err != nil {
		return ContentVersion{}, fmt.Errorf("repoint current version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ContentVersion{}, fmt.Errorf("repoint current version rows: %w", err)
	}
	if affected == 0 {
		return ContentVersion{}, sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return ContentVersion{}, fmt.Errorf("commit version tx: %w", err)
	}
	item.Sections = sections
	item.Assets = assets
	return item, nil
}

func (s *PostgresStore) GetContentVersion(ctx context.Context, versionID string) (ContentVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, content_id, version, frontmatter, body_markdown, sections, assets, COALESCE(created_by_user_id::text, ''), created_at
		FROM content_versions
		WHERE id=$1
	`, versionID))
}

// GetContentVersionByNumber loads one version by its per-content number.
func (s *PostgresStore) GetContentVersionByNumber(ctx context.Context, contentID string, version int) (ContentVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, content_id, version, frontmatter, body_markdown, sections, assets, COALESCE(created_by_user_id::text, ''), created_at
		FROM content_versions
		WHERE content_id=$1 AND version=$2
	`, contentID, version))
}

// GetCurrentVersion loads the version the content's current_version_id points
// at. Returns sql.ErrNoRows when the content has no versions yet.
func (s *PostgresStore) GetCurrentVersion(ctx context.Context, contentID string) (ContentVersion, error) {
	return s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT v.id, v.content_id, v.version, v.frontmatter, v.body_markdown, v.sections, v.assets, COALESCE(v.created_by_user_id::text, ''), v.created_at
		FROM contents c
		JOIN content_versions v ON v.id = c.current_version_id
		WHERE c.id=$1
	`, contentID))
}

func (s *PostgresStore) ListContentVersions(ctx context.Context, contentID string, limit int) ([]ContentVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_id, version, frontmatter, body_markdown, sections, assets, COALESCE(created_by_user_id::text, ''), created_at
		FROM content_versions
		WHERE content_id=$1
		ORDER BY version DESC
		LIMIT $2
	`, contentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list content versions: %w", err)
	}
	defer rows.Close()

	items := make([]ContentVersion, 0)
	for rows.Next() {
		item, err := s.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content versions: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanVersion(row rowScanner) (ContentVersion, error) {
	var item ContentVersion
	var frontmatterRaw, sectionsRaw, assetsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ContentID,
		&item.Version,
		&frontmatterRaw,
		&item.BodyMarkdown,
		&sectionsRaw,
		&assetsRaw,
		&item.CreatedByUserID,
		&item.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContentVersion{}, err
		}
		return ContentVersion{}, fmt.Errorf("scan content version: %w", err)
	}
	if err := json.Unmarshal(frontmatterRaw, &item.Frontmatter); err != nil {
		return ContentVersion{}, fmt.Errorf("decode frontmatter: %w", err)
	}
	if err := json.Unmarshal(sectionsRaw, &item.Sections); err != nil {
		return ContentVersion{}, fmt.Errorf("decode sections: %w", err)
	}
	_ = json.Unmarshal(assetsRaw, &item.Assets)
	return item, nil
}

func (s *PostgresStore) InsertSourceContent(ctx context.Context, item SourceContent) error {
	status := item.IngestStatus
	if status == "" {
		status = IngestPending
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal source metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_contents (id, organization_id, source_type, external_id, title, source_text, metadata, ingest_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, item.ID, item.OrganizationID, item.SourceType, item.ExternalID, item.Title, item.SourceText, string(encoded), status)
	if err != nil {
		return fmt.Errorf("insert source content: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSourceContent(ctx context.Context, organizationID, sourceID string) (SourceContent, error) {
	var item SourceContent
	var metadataRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, source_type, external_id, title, source_text, metadata, ingest_status, created_at, updated_at
		FROM source_contents
		WHERE organization_id=$1 AND id=$2
	`, organizationID, sourceID).Scan(
		&item.ID,
		&item.OrganizationID,
		&item.SourceType,
		&item.ExternalID,
		&item.Title,
		&item.SourceText,
		&metadataRaw,
		&item.IngestStatus,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return SourceContent{}, err
	}
	_ = json.Unmarshal(metadataRaw, &item.Metadata)
	return item, nil
}

func (s *PostgresStore) ListSourceContents(ctx context.Context, organizationID string) ([]SourceContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, source_type, external_id, title, source_text, metadata, ingest_status, created_at, updated_at
		FROM source_contents
		WHERE organization_id=$1
		ORDER BY created_at DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list source contents: %w", err)
	}
	defer rows.Close()

	items := make([]SourceContent, 0)
	for rows.Next() {
		var item SourceContent
		var metadataRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.OrganizationID,
			&item.SourceType,
			&item.ExternalID,
			&item.Title,
			&item.SourceText,
			&metadataRaw,
			&item.IngestStatus,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan source content: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source contents: %w", err)
	}
	return items, nil
}

// UpdateSourceIngestStatus is the only mutation source rows see after insert.
func (s *PostgresStore) UpdateSourceIngestStatus(ctx context.Context, organizationID, sourceID string, status IngestStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE source_contents SET ingest_status=$3, updated_at=NOW()
		WHERE organization_id=$1 AND id=$2
	`, organizationID, sourceID, status)
	if err != nil {
		return false, fmt.Errorf("update ingest status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update ingest status rows: %w", err)
	}
	return affected > 0, nil
}

// ListReferenceCandidates projects contents and sources of one organization
// into the matchable shape the reference resolver consumes.
func (s *PostgresStore) ListReferenceCandidates(ctx context.Context, organizationID string) ([]ReferenceCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'content', id, organization_id, slug, title, ''::text, ''::text
		FROM contents
		WHERE organization_id=$1
		UNION ALL
		SELECT 'source', id, organization_id, ''::text, title, external_id, LEFT(source_text, 280)
		FROM source_contents
		WHERE organization_id=$1
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list reference candidates: %w", err)
	}
	defer rows.Close()

	items := make([]ReferenceCandidate, 0)
	for rows.Next() {
		var item ReferenceCandidate
		if err := rows.Scan(&item.Kind, &item.ID, &item.OrganizationID, &item.Slug, &item.Title, &item.ExternalID, &item.Excerpt); err != nil {
			return nil, fmt.Errorf("scan reference candidate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference candidates: %w", err)
	}
	return items, nil
}

// GetOrCreateChatSession finds the session for (organization, content) or
// creates it. Safe to call concurrently; the unique scope index makes the
// insert race lose gracefully.
func (s *PostgresStore) GetOrCreateChatSession(ctx context.Context, organizationID string, contentID *string) (ChatSession, error) {
	session, err := s.GetChatSession(ctx, organizationID, contentID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, organization_id, content_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, (COALESCE(content_id::text, ''))) DO NOTHING
	`, util.NewID(), organizationID, contentID)
	if err != nil {
		return ChatSession{}, fmt.Errorf("insert chat session: %w", err)
	}
	return s.GetChatSession(ctx, organizationID, contentID)
}

func (s *PostgresStore) GetChatSession(ctx context.Context, organizationID string, contentID *string) (ChatSession, error) {
	var item ChatSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, content_id, created_at, updated_at
		FROM chat_sessions
		WHERE organization_id=$1 AND COALESCE(content_id::text, '') = COALESCE($2, '')
	`, organizationID, contentID).Scan(&item.ID, &item.OrganizationID, &item.ContentID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ChatSession{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, item ChatMessage) error {
	payload := item.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, payload, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, item.ID, item.SessionID, item.Role, item.Content, string(encoded), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, payload, created_at
		FROM chat_messages
		WHERE session_id=$1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Role, &item.Content, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChatLogEntry(ctx context.Context, item ChatLogEntry) error {
	detail := item.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal log detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_log_entries (id, session_id, event, detail)
		VALUES ($1, $2, $3, $4::jsonb)
	`, item.ID, item.SessionID, item.Event, string(encoded))
	if err != nil {
		return fmt.Errorf("insert chat log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatLogEntries(ctx context.Context, sessionID string) ([]ChatLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event, detail, created_at
		FROM chat_log_entries
		WHERE session_id=$1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat log entries: %w", err)
	}
	defer rows.Close()

	items := make([]ChatLogEntry, 0)
	for rows.Next() {
		var item ChatLogEntry
		var detailRaw []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Event, &detailRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat log entry: %w", err)
		}
		_ = json.Unmarshal(detailRaw, &item.Detail)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat log entries: %w", err)
	}
	return items, nil
}
