package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"quill/api/internal/archive"
	"quill/api/internal/cache"
	"quill/api/internal/export"
	"quill/api/internal/genai"
	"quill/api/internal/refparse"
	"quill/api/internal/refresolve"
	"quill/api/internal/search"
	"quill/api/internal/store"
	"quill/api/internal/util"
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetOrganization(ctx context.Context, organizationID string) (store.Organization, error)
	ListUserOrganizations(ctx context.Context, userID string) ([]string, error)
	InsertContent(ctx context.Context, item store.Content) error
	GetContent(ctx context.Context, organizationID, contentID string) (store.Content, error)
	ListContents(ctx context.Context, organizationID string) ([]store.Content, error)
	CreateContentVersion(ctx context.Context, item store.ContentVersion) (store.ContentVersion, error)
	GetContentVersion(ctx context.Context, versionID string) (store.ContentVersion, error)
	GetContentVersionByNumber(ctx context.Context, contentID string, version int) (store.ContentVersion, error)
	GetCurrentVersion(ctx context.Context, contentID string) (store.ContentVersion, error)
	ListContentVersions(ctx context.Context, contentID string, limit int) ([]store.ContentVersion, error)
	InsertSourceContent(ctx context.Context, item store.SourceContent) error
	GetSourceContent(ctx context.Context, organizationID, sourceID string) (store.SourceContent, error)
	ListSourceContents(ctx context.Context, organizationID string) ([]store.SourceContent, error)
	UpdateSourceIngestStatus(ctx context.Context, organizationID, sourceID string, status store.IngestStatus) (bool, error)
	ListReferenceCandidates(ctx context.Context, organizationID string) ([]store.ReferenceCandidate, error)
	GetOrCreateChatSession(ctx context.Context, organizationID string, contentID *string) (store.ChatSession, error)
	InsertChatMessage(ctx context.Context, item store.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]store.ChatMessage, error)
	InsertChatLogEntry(ctx context.Context, item store.ChatLogEntry) error
	ListChatLogEntries(ctx context.Context, sessionID string) ([]store.ChatLogEntry, error)
}

type Service struct {
	store     dataStore
	cache     cache.Store
	generator genai.Generator
	search    *search.Service
	exporter  *export.Service
	archive   *archive.Service
}

// Dependencies holds the optional collaborators. A nil Cache falls back to
// the in-memory store; every other nil simply disables that feature.
type Dependencies struct {
	Cache     cache.Store
	Generator genai.Generator
	Search    *search.Service
	Export    *export.Service
	Archive   *archive.Service
}

func New(dataStore *store.PostgresStore, deps Dependencies) *Service {
	cacheStore := deps.Cache
	if cacheStore == nil {
		cacheStore = cache.NewMemoryStore()
	}
	return &Service{
		store:     dataStore,
		cache:     cacheStore,
		generator: deps.Generator,
		search:    deps.Search,
		exporter:  deps.Export,
		archive:   deps.Archive,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ContentView is the wire shape of a content row.
type ContentView struct {
	ID               string              `json:"id"`
	OrganizationID   string              `json:"organizationId"`
	Slug             string              `json:"slug"`
	Title            string              `json:"title"`
	Status           store.ContentStatus `json:"status"`
	ContentType      store.ContentType   `json:"contentType"`
	SourceContentID  *string             `json:"sourceContentId"`
	CurrentVersionID *string             `json:"currentVersionId"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// VersionView is the wire shape of a content version.
type VersionView struct {
	ID              string            `json:"id"`
	ContentID       string            `json:"contentId"`
	Version         int               `json:"version"`
	Frontmatter     store.Frontmatter `json:"frontmatter"`
	BodyMarkdown    string            `json:"bodyMarkdown"`
	Sections        []store.Section   `json:"sections"`
	Assets          map[string]any    `json:"assets,omitempty"`
	CreatedByUserID string            `json:"createdByUserId"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// SourceView is the wire shape of an ingested source.
type SourceView struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organizationId"`
	SourceType     string             `json:"sourceType"`
	ExternalID     string             `json:"externalId,omitempty"`
	Title          string             `json:"title"`
	SourceText     string             `json:"sourceText,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	IngestStatus   store.IngestStatus `json:"ingestStatus"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

type ChatMessageView struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type ChatLogView struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ChatView bundles a session with its ordered messages and trace log.
type ChatView struct {
	SessionID string            `json:"sessionId"`
	ContentID *string           `json:"contentId"`
	Messages  []ChatMessageView `json:"messages"`
	Logs      []ChatLogView     `json:"logs"`
}

// WorkspacePayload is the compiled, read-ready bundle for one content item.
type WorkspacePayload struct {
	Content        ContentView  `json:"content"`
	CurrentVersion *VersionView `json:"currentVersion,omitempty"`
	Source         *SourceView  `json:"source,omitempty"`
	Chat           *ChatView    `json:"chat,omitempty"`
}

func toContentView(c store.Content) ContentView {
	return ContentView{
		ID:               c.ID,
		OrganizationID:   c.OrganizationID,
		Slug:             c.Slug,
		Title:            c.Title,
		Status:           c.Status,
		ContentType:      c.ContentType,
		SourceContentID:  c.SourceContentID,
		CurrentVersionID: c.CurrentVersionID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func toVersionView(v store.ContentVersion) VersionView {
	return VersionView{
		ID:              v.ID,
		ContentID:       v.ContentID,
		Version:         v.Version,
		Frontmatter:     v.Frontmatter,
		BodyMarkdown:    v.BodyMarkdown,
		Sections:        v.Sections,
		Assets:          v.Assets,
		CreatedByUserID: v.CreatedByUserID,
		CreatedAt:       v.CreatedAt,
	}
}

func toSourceView(src store.SourceContent) SourceView {
	return SourceView{
		ID:             src.ID,
		OrganizationID: src.OrganizationID,
		SourceType:     src.SourceType,
		ExternalID:     src.ExternalID,
		Title:          src.Title,
		SourceText:     src.SourceText,
		Metadata:       src.Metadata,
		IngestStatus:   src.IngestStatus,
		CreatedAt:      src.CreatedAt,
		UpdatedAt:      src.UpdatedAt,
	}
}

// ParseReferences extracts reference tokens from a chat message. Pure text
// processing, no I/O.
func (s *Service) ParseReferences(message string) []refparse.Token {
	return refparse.Parse(message)
}

// ResolveInput scopes one resolution run.
type ResolveInput struct {
	OrganizationID   string
	Message          string
	CurrentContentID string
	IncludeSelf      bool
	Mode             refresolve.Mode
}

// ResolveReferences parses the message and matches every token against the
// organization's candidate set. Ambiguity comes back as data, never an error.
func (s *Service) ResolveReferences(ctx context.Context, input ResolveInput) (refresolve.Result, error) {
	if strings.TrimSpace(input.OrganizationID) == "" {
		return refresolve.Result{}, validationError("organizationId is required", nil)
	}

	tokens := refparse.Parse(input.Message)
	if len(tokens) == 0 {
		return refresolve.Result{
			Tokens:     []refparse.Token{},
			Resolved:   []refresolve.Match{},
			Ambiguous:  []refresolve.AmbiguousMatch{},
			Unresolved: []refparse.Token{},
		}, nil
	}

	rows, err := s.store.ListReferenceCandidates(ctx, input.OrganizationID)
	if err != nil {
		return refresolve.Result{}, fmt.Errorf("list reference candidates: %w", err)
	}

	candidates := make([]refresolve.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, refresolve.Candidate{
			Kind:           refresolve.CandidateKind(row.Kind),
			ID:             row.ID,
			OrganizationID: row.OrganizationID,
			Title:          row.Title,
			Slug:           row.Slug,
			ExternalID:     row.ExternalID,
			Excerpt:        row.Excerpt,
		})
	}

	return refresolve.Resolve(tokens, candidates, refresolve.Options{
		CurrentContentID: input.CurrentContentID,
		IncludeSelf:      input.IncludeSelf,
		Mode:             input.Mode,
	}), nil
}

type CreateContentInput struct {
	Slug            string  `json:"slug"`
	Title           string  `json:"title"`
	ContentType     string  `json:"contentType"`
	SourceContentID *string `json:"sourceContentId"`
}

func (s *Service) CreateContent(ctx context.Context, organizationID string, input CreateContentInput) (ContentView, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return ContentView{}, validationError("title is required", nil)
	}
	contentType := store.ContentType(input.ContentType)
	if input.ContentType == "" {
		contentType = store.TypeBlogPost
	}
	if !contentType.Valid() {
		return ContentView{}, validationError("contentType must be one of blog_post, recipe, faq", nil)
	}
	slug := strings.TrimSpace(input.Slug)
	if slug == "" {
		slug = util.Slugify(title)
	}
	if slug == "" {
		return ContentView{}, validationError("slug could not be derived from title", nil)
	}
	if input.SourceContentID != nil {
		if !util.IsUUID(*input.SourceContentID) {
			return ContentView{}, validationError("sourceContentId must be a UUID", nil)
		}
		if _, err := s.store.GetSourceContent(ctx, organizationID, *input.SourceContentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ContentView{}, sourceNotFound()
			}
			return ContentView{}, fmt.Errorf("check source content: %w", err)
		}
	}

	item := store.Content{
		ID:              util.NewID(),
		OrganizationID:  organizationID,
		Slug:            slug,
		Title:           title,
		Status:          store.StatusDraft,
		ContentType:     contentType,
		SourceContentID: input.SourceContentID,
	}
	if err := s.store.InsertContent(ctx, item); err != nil {
		return ContentView{}, fmt.Errorf("insert content: %w", err)
	}

	if s.search != nil {
		s.search.IndexContent(search.ContentRecord{
			ID:             item.ID,
			OrganizationID: item.OrganizationID,
			Slug:           item.Slug,
			Title:          item.Title,
			Status:         string(item.Status),
		})
	}

	created, err := s.store.GetContent(ctx, organizationID, item.ID)
	if err != nil {
		return ContentView{}, fmt.Errorf("reload content: %w", err)
	}
	return toContentView(created), nil
}

func (s *Service) GetContentView(ctx context.Context, organizationID, contentID string) (ContentView, error) {
	content, err := s.store.GetContent(ctx, organizationID, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContentView{}, contentNotFound()
		}
		return ContentView{}, fmt.Errorf("get content: %w", err)
	}
	return toContentView(content), nil
}

func (s *Service) ListContents(ctx context.Context, organizationID string) ([]ContentView, error) {
	items, err := s.store.ListContents(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}
	views := make([]ContentView, 0, len(items))
	for _, item := range items {
		views = append(views, toContentView(item))
	}
	return views, nil
}

type CreateVersionInput struct {
	BodyMarkdown string             `json:"bodyMarkdown"`
	Sections     []store.Section    `json:"sections"`
	Frontmatter  *store.Frontmatter `json:"frontmatter"`
	Assets       map[string]any     `json:"assets"`
}

// CreateVersion writes the next immutable version for a content and repoints
// currentVersionId, both in one transaction. The workspace cache entry is
// invalidated strictly after the commit.
func (s *Service) CreateVersion(ctx context.Context, organizationID, userID, contentID string, input CreateVersionInput) (VersionView, error) {
	content, err := s.store.GetContent(ctx, organizationID, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VersionView{}, contentNotFound()
		}
		return VersionView{}, fmt.Errorf("get content: %w", err)
	}

	body := input.BodyMarkdown
	sections := input.Sections
	switch {
	case body == "" && len(sections) == 0:
		return VersionView{}, validationError("bodyMarkdown or sections is required", nil)
	case len(sections) == 0:
		sections = splitSections(body)
	case body == "":
		body = joinSections(sections)
	}
	sections = normalizeSections(sections)

	frontmatter := store.Frontmatter{ContentType: string(content.ContentType)}
	if input.Frontmatter != nil {
		frontmatter = *input.Frontmatter
		if frontmatter.ContentType == "" {
			frontmatter.ContentType = string(content.ContentType)
		}
	}
	if previous, err := s.store.GetCurrentVersion(ctx, contentID); err == nil {
		frontmatter.DiffAdditions, frontmatter.DiffDeletions = diffStats(previous.BodyMarkdown, body)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return VersionView{}, fmt.Errorf("get current version: %w", err)
	} else {
		frontmatter.DiffAdditions, frontmatter.DiffDeletions = diffStats("", body)
	}

	created, err := s.store.CreateContentVersion(ctx, store.ContentVersion{
		ID:              util.NewID(),
		ContentID:       contentID,
		Frontmatter:     frontmatter,
		BodyMarkdown:    body,
		Sections:        sections,
		Assets:          input.Assets,
		CreatedByUserID: userID,
	})
	if err != nil {
		return VersionView{}, fmt.Errorf("create content version: %w", err)
	}

	s.afterVersionWrite(ctx, content, created, userID)
	return toVersionView(created), nil
}

// afterVersionWrite runs the post-commit side effects: cache invalidation
// under the owning organization, best-effort git archival, search reindex.
// None of these can fail the already-committed write.
func (s *Service) afterVersionWrite(ctx context.Context, content store.Content, version store.ContentVersion, userID string) {
	key := cache.Key{OrganizationID: content.OrganizationID, ContentID: content.ID}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		log.Printf("app: invalidate workspace cache %s/%s: %v", key.OrganizationID, key.ContentID, err)
	}

	if s.archive != nil {
		meta, err := json.Marshal(version.Frontmatter)
		if err != nil {
			meta = nil
		}
		author := userID
		if author == "" {
			author = "system"
		}
		if _, err := s.archive.CommitVersion(content.ID, archive.Snapshot{
			Version:     version.Version,
			Title:       content.Title,
			Body:        version.BodyMarkdown,
			Frontmatter: meta,
		}, author); err != nil {
			log.Printf("app: archive version %d of %s: %v", version.Version, content.ID, err)
		}
	}

	if s.search != nil {
		s.search.IndexContent(search.ContentRecord{
			ID:             content.ID,
			OrganizationID: content.OrganizationID,
			Slug:           content.Slug,
			Title:          content.Title,
			Status:         string(content.Status),
		})
	}
}

func (s *Service) ListVersions(ctx context.Context, organizationID, contentID string, limit int) ([]VersionView, error) {
	if _, err := s.store.GetContent(ctx, organizationID, contentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contentNotFound()
		}
		return nil, fmt.Errorf("get content: %w", err)
	}
	items, err := s.store.ListContentVersions(ctx, contentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list content versions: %w", err)
	}
	views := make([]VersionView, 0, len(items))
	for _, item := range items {
		views = append(views, toVersionView(item))
	}
	return views, nil
}

type PatchSectionInput struct {
	Instructions string            `json:"instructions"`
	Context      map[string]string `json:"context"`
}

type PatchSectionResult struct {
	Content  ContentView   `json:"content"`
	Version  VersionView   `json:"version"`
	Markdown string        `json:"markdown"`
	Section  store.Section `json:"section"`
}

// PatchSection rewrites one section through the generation collaborator and
// commits the result as a full new version with the other sections copied
// unchanged. Generator failure or empty output leaves the prior version
// current (fail-closed).
func (s *Service) PatchSection(ctx context.Context, organizationID, userID, contentID, sectionID string, input PatchSectionInput) (PatchSectionResult, error) {
	if strings.TrimSpace(input.Instructions) == "" {
		return PatchSectionResult{}, validationError("instructions is required", nil)
	}
	if s.generator == nil {
		return PatchSectionResult{}, generationFailure("content generation is not configured")
	}

	content, err := s.store.GetContent(ctx, organizationID, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PatchSectionResult{}, contentNotFound()
		}
		return PatchSectionResult{}, fmt.Errorf("get content: %w", err)
	}

	current, err := s.store.GetCurrentVersion(ctx, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PatchSectionResult{}, sectionNotFound(sectionID)
		}
		return PatchSectionResult{}, fmt.Errorf("get current version: %w", err)
	}

	targetIdx := -1
	for i, section := range current.Sections {
		if section.ID == sectionID {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return PatchSectionResult{}, sectionNotFound(sectionID)
	}
	target := current.Sections[targetIdx]

	generated, err := s.generator.Generate(ctx, genai.Request{
		Instructions: input.Instructions,
		SourceText:   target.Body,
		Context:      input.Context,
	})
	if err != nil {
		return PatchSectionResult{}, generationFailure(fmt.Sprintf("section rewrite failed: %v", err))
	}
	if strings.TrimSpace(generated.Body) == "" {
		return PatchSectionResult{}, generationFailure("generator returned empty section body")
	}

	sections := make([]store.Section, len(current.Sections))
	copy(sections, current.Sections)
	patched := target
	patched.Body = generated.Body
	if generated.Title != "" {
		patched.Title = generated.Title
	}
	patched.WordCount = countWords(patched.Body)
	sections[targetIdx] = patched
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].Index < sections[j].Index })

	newBody := joinSections(sections)
	frontmatter := current.Frontmatter
	frontmatter.DiffAdditions, frontmatter.DiffDeletions = diffStats(current.BodyMarkdown, newBody)

	created, err := s.store.CreateContentVersion(ctx, store.ContentVersion{
		ID:              util.NewID(),
		ContentID:       contentID,
		Frontmatter:     frontmatter,
		BodyMarkdown:    newBody,
		Sections:        sections,
		Assets:          current.Assets,
		CreatedByUserID: userID,
	})
	if err != nil {
		return PatchSectionResult{}, fmt.Errorf("create patched version: %w", err)
	}

	s.afterVersionWrite(ctx, content, created, userID)

	return PatchSectionResult{
		Content:  toContentView(content),
		Version:  toVersionView(created),
		Markdown: newBody,
		Section:  patched,
	}, nil
}

// WorkspaceOptions select optional payload parts.
type WorkspaceOptions struct {
	IncludeChat bool
}

// GetWorkspace compiles the read-ready bundle for a content id, trying the
// active organization first and falling back across the caller's other
// memberships. The compiled payload (without chat, which is append-hot) is
// cached as raw bytes under the content's owning organization so repeat
// reads are byte-identical. The fallback never mutates the active org.
func (s *Service) GetWorkspace(ctx context.Context, organizationID, userID, contentID string, opts WorkspaceOptions) ([]byte, error) {
	raw, owningOrg, err := s.workspaceBytes(ctx, organizationID, userID, contentID)
	if err != nil {
		return nil, err
	}
	if !opts.IncludeChat {
		return raw, nil
	}

	var payload WorkspacePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode cached workspace: %w", err)
	}
	chat, err := s.loadChat(ctx, owningOrg, contentID)
	if err != nil {
		return nil, err
	}
	payload.Chat = chat
	enriched, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode workspace: %w", err)
	}
	return enriched, nil
}

func (s *Service) workspaceBytes(ctx context.Context, organizationID, userID, contentID string) ([]byte, string, error) {
	key := cache.Key{OrganizationID: organizationID, ContentID: contentID}
	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		log.Printf("app: workspace cache get %s/%s: %v", organizationID, contentID, err)
	} else if ok {
		return raw, organizationID, nil
	}

	content, err := s.lookupContent(ctx, organizationID, userID, contentID)
	if err != nil {
		return nil, "", err
	}

	payload, err := s.compileWorkspace(ctx, content)
	if err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode workspace: %w", err)
	}

	owningKey := cache.Key{OrganizationID: content.OrganizationID, ContentID: content.ID}
	if err := s.cache.Set(ctx, owningKey, raw); err != nil {
		log.Printf("app: workspace cache set %s/%s: %v", owningKey.OrganizationID, contentID, err)
	}
	return raw, content.OrganizationID, nil
}

// lookupContent is the cross-org fallback: active organization first, then
// every other org the user belongs to, in membership order. Read-only.
func (s *Service) lookupContent(ctx context.Context, organizationID, userID, contentID string) (store.Content, error) {
	content, err := s.store.GetContent(ctx, organizationID, contentID)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Content{}, fmt.Errorf("get content: %w", err)
	}
	if userID == "" {
		return store.Content{}, contentNotFound()
	}

	orgs, err := s.store.ListUserOrganizations(ctx, userID)
	if err != nil {
		return store.Content{}, fmt.Errorf("list user organizations: %w", err)
	}
	for _, other := range orgs {
		if other == organizationID {
			continue
		}
		content, err := s.store.GetContent(ctx, other, contentID)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Content{}, fmt.Errorf("get content in %s: %w", other, err)
		}
	}
	return store.Content{}, contentNotFound()
}

func (s *Service) compileWorkspace(ctx context.Context, content store.Content) (WorkspacePayload, error) {
	payload := WorkspacePayload{Content: toContentView(content)}

	if content.CurrentVersionID != nil {
		version, err := s.store.GetContentVersion(ctx, *content.CurrentVersionID)
		if err != nil {
			return WorkspacePayload{}, fmt.Errorf("get current version: %w", err)
		}
		view := toVersionView(version)
		payload.CurrentVersion = &view
	}

	if content.SourceContentID != nil {
		source, err := s.store.GetSourceContent(ctx, content.OrganizationID, *content.SourceContentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return WorkspacePayload{}, fmt.Errorf("get source content: %w", err)
		}
		if err == nil {
			view := toSourceView(source)
			payload.Source = &view
		}
	}

	return payload, nil
}

func (s *Service) loadChat(ctx context.Context, organizationID, contentID string) (*ChatView, error) {
	session, err := s.store.GetOrCreateChatSession(ctx, organizationID, &contentID)
	if err != nil {
		return nil, fmt.Errorf("get chat session: %w", err)
	}
	messages, err := s.store.ListChatMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	logs, err := s.store.ListChatLogEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list chat log entries: %w", err)
	}

	view := &ChatView{
		SessionID: session.ID,
		ContentID: session.ContentID,
		Messages:  make([]ChatMessageView, 0, len(messages)),
		Logs:      make([]ChatLogView, 0, len(logs)),
	}
	for _, m := range messages {
		view.Messages = append(view.Messages, ChatMessageView{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Content:   m.Content,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt,
		})
	}
	for _, l := range logs {
		view.Logs = append(view.Logs, ChatLogView{
			ID:        l.ID,
			Event:     l.Event,
			Detail:    l.Detail,
			CreatedAt: l.CreatedAt,
		})
	}
	return view, nil
}

type CreateSourceInput struct {
	SourceType string         `json:"sourceType"`
	ExternalID string         `json:"externalId"`
	Title      string         `json:"title"`
	SourceText string         `json:"sourceText"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Service) CreateSource(ctx context.Context, organizationID string, input CreateSourceInput) (SourceView, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return SourceView{}, validationError("title is required", nil)
	}
	sourceType := strings.TrimSpace(input.SourceType)
	if sourceType == "" {
		sourceType = "manual"
	}

	item := store.SourceContent{
		ID:             util.NewID(),
		OrganizationID: organizationID,
		SourceType:     sourceType,
		ExternalID:     strings.TrimSpace(input.ExternalID),
		Title:          title,
		SourceText:     input.SourceText,
		Metadata:       input.Metadata,
		IngestStatus:   store.IngestPending,
	}
	if err := s.store.InsertSourceContent(ctx, item); err != nil {
		return SourceView{}, fmt.Errorf("insert source content: %w", err)
	}

	if s.search != nil {
		s.search.IndexSource(search.SourceRecord{
			ID:             item.ID,
			OrganizationID: item.OrganizationID,
			ExternalID:     item.ExternalID,
			Title:          item.Title,
			Excerpt:        excerpt(item.SourceText, 280),
		})
	}

	created, err := s.store.GetSourceContent(ctx, organizationID, item.ID)
	if err != nil {
		return SourceView{}, fmt.Errorf("reload source content: %w", err)
	}
	return toSourceView(created), nil
}

func (s *Service) ListSources(ctx context.Context, organizationID string) ([]SourceView, error) {
	items, err := s.store.ListSourceContents(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list source contents: %w", err)
	}
	views := make([]SourceView, 0, len(items))
	for _, item := range items {
		views = append(views, toSourceView(item))
	}
	return views, nil
}

// UpdateSourceStatus transitions a source's ingest status. Only the three
// pipeline states are accepted.
func (s *Service) UpdateSourceStatus(ctx context.Context, organizationID, sourceID string, status string) (SourceView, error) {
	ingestStatus := store.IngestStatus(status)
	if !ingestStatus.Valid() {
		return SourceView{}, validationError("status must be one of pending, ingested, failed", nil)
	}
	affected, err := s.store.UpdateSourceIngestStatus(ctx, organizationID, sourceID, ingestStatus)
	if err != nil {
		return SourceView{}, fmt.Errorf("update ingest status: %w", err)
	}
	if !affected {
		return SourceView{}, sourceNotFound()
	}
	updated, err := s.store.GetSourceContent(ctx, organizationID, sourceID)
	if err != nil {
		return SourceView{}, fmt.Errorf("reload source content: %w", err)
	}
	return toSourceView(updated), nil
}

type ChatMessageInput struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Payload map[string]any `json:"payload"`
}

// ChatAppendResult carries the stored message plus the reference resolution
// run against the message text.
type ChatAppendResult struct {
	Message    ChatMessageView   `json:"message"`
	References refresolve.Result `json:"references"`
}

// AppendChatMessage stores a message on the idempotently-created session for
// (organization, content) and resolves any references the text carries.
func (s *Service) AppendChatMessage(ctx context.Context, organizationID string, contentID *string, input ChatMessageInput) (ChatAppendResult, error) {
	if strings.TrimSpace(input.Content) == "" {
		return ChatAppendResult{}, validationError("content is required", nil)
	}
	role := input.Role
	if role == "" {
		role = "user"
	}
	switch role {
	case "user", "assistant", "system":
	default:
		return ChatAppendResult{}, validationError("role must be one of user, assistant, system", nil)
	}

	session, err := s.store.GetOrCreateChatSession(ctx, organizationID, contentID)
	if err != nil {
		return ChatAppendResult{}, fmt.Errorf("get chat session: %w", err)
	}

	currentContentID := ""
	if contentID != nil {
		currentContentID = *contentID
	}
	references, err := s.ResolveReferences(ctx, ResolveInput{
		OrganizationID:   organizationID,
		Message:          input.Content,
		CurrentContentID: currentContentID,
		Mode:             refresolve.ModeChat,
	})
	if err != nil {
		return ChatAppendResult{}, err
	}

	message := store.ChatMessage{
		ID:        util.NewID(),
		SessionID: session.ID,
		Role:      role,
		Content:   input.Content,
		Payload:   input.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertChatMessage(ctx, message); err != nil {
		return ChatAppendResult{}, fmt.Errorf("insert chat message: %w", err)
	}

	if len(references.Tokens) > 0 {
		entry := store.ChatLogEntry{
			ID:        util.NewID(),
			SessionID: session.ID,
			Event:     "references_resolved",
			Detail: map[string]any{
				"messageId":  message.ID,
				"tokens":     len(references.Tokens),
				"resolved":   len(references.Resolved),
				"ambiguous":  len(references.Ambiguous),
				"unresolved": len(references.Unresolved),
			},
		}
		if err := s.store.InsertChatLogEntry(ctx, entry); err != nil {
			log.Printf("app: insert chat log entry: %v", err)
		}
	}

	stored := ChatMessageView{
		ID:        message.ID,
		SessionID: message.SessionID,
		Role:      message.Role,
		Content:   message.Content,
		Payload:   message.Payload,
		CreatedAt: message.CreatedAt,
	}
	return ChatAppendResult{Message: stored, References: references}, nil
}

func (s *Service) ListChat(ctx context.Context, organizationID string, contentID *string) (*ChatView, error) {
	id := ""
	if contentID != nil {
		id = *contentID
	}
	if id == "" {
		session, err := s.store.GetOrCreateChatSession(ctx, organizationID, nil)
		if err != nil {
			return nil, fmt.Errorf("get chat session: %w", err)
		}
		return s.chatViewForSession(ctx, session)
	}
	return s.loadChat(ctx, organizationID, id)
}

func (s *Service) chatViewForSession(ctx context.Context, session store.ChatSession) (*ChatView, error) {
	messages, err := s.store.ListChatMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	logs, err := s.store.ListChatLogEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list chat log entries: %w", err)
	}
	view := &ChatView{
		SessionID: session.ID,
		ContentID: session.ContentID,
		Messages:  make([]ChatMessageView, 0, len(messages)),
		Logs:      make([]ChatLogView, 0, len(logs)),
	}
	for _, m := range messages {
		view.Messages = append(view.Messages, ChatMessageView{
			ID: m.ID, SessionID: m.SessionID, Role: m.Role, Content: m.Content, Payload: m.Payload, CreatedAt: m.CreatedAt,
		})
	}
	for _, l := range logs {
		view.Logs = append(view.Logs, ChatLogView{ID: l.ID, Event: l.Event, Detail: l.Detail, CreatedAt: l.CreatedAt})
	}
	return view, nil
}

// Search proxies the query to the search facade with the caller's org scope.
func (s *Service) Search(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q)
}

type ExportInput struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

func (s *Service) Export(ctx context.Context, organizationID, contentID string, input ExportInput) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	format, err := export.ParseFormat(input.Format)
	if err != nil {
		return nil, validationError(err.Error(), nil)
	}
	if _, err := s.store.GetContent(ctx, organizationID, contentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contentNotFound()
		}
		return nil, fmt.Errorf("get content: %w", err)
	}

	result, err := s.exporter.Export(ctx, export.Request{
		OrganizationID: organizationID,
		ContentID:      contentID,
		Version:        input.Version,
		Format:         format,
	})
	if err != nil {
		if errors.Is(err, export.ErrContentUnavailable) {
			return nil, contentNotFound()
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) History(ctx context.Context, organizationID, contentID string, limit int) ([]archive.CommitInfo, error) {
	if _, err := s.store.GetContent(ctx, organizationID, contentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contentNotFound()
		}
		return nil, fmt.Errorf("get content: %w", err)
	}
	if s.archive == nil {
		return []archive.CommitInfo{}, nil
	}
	return s.archive.History(contentID, limit)
}

// splitSections derives the section list from a markdown body: each `## `
// heading opens a section; leading text before the first heading becomes an
// untitled intro section.
func splitSections(body string) []store.Section {
	lines := strings.Split(body, "\n")
	var sections []store.Section
	var currentTitle string
	var currentLines []string
	flush := func() {
		text := strings.TrimSpace(strings.Join(currentLines, "\n"))
		if text == "" && currentTitle == "" {
			return
		}
		sections = append(sections, store.Section{
			Title: currentTitle,
			Body:  text,
		})
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			flush()
			currentTitle = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			currentLines = nil
			continue
		}
		currentLines = append(currentLines, line)
	}
	flush()
	return sections
}

// joinSections rebuilds the full markdown body from ordered sections.
func joinSections(sections []store.Section) string {
	ordered := make([]store.Section, len(sections))
	copy(ordered, sections)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var parts []string
	for _, section := range ordered {
		if section.Title != "" {
			parts = append(parts, "## "+section.Title+"\n\n"+section.Body)
		} else {
			parts = append(parts, section.Body)
		}
	}
	return strings.Join(parts, "\n\n")
}

// normalizeSections assigns ids, contiguous indexes, and word counts.
func normalizeSections(sections []store.Section) []store.Section {
	out := make([]store.Section, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = util.NewID()
		}
		out[i].Index = i
		out[i].WordCount = countWords(out[i].Body)
	}
	return out
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

// diffStats computes character-level addition/deletion counts between two
// bodies for the list-view badge.
func diffStats(before, after string) (additions, deletions int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			deletions += len([]rune(d.Text))
		}
	}
	return additions, deletions
}

func excerpt(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
