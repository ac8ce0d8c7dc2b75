package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"quill/api/internal/cache"
	"quill/api/internal/genai"
	"quill/api/internal/refresolve"
	"quill/api/internal/store"
	"quill/api/internal/util"
)

type fakeStore struct {
	mu sync.Mutex

	orgsByUser map[string][]string
	contents   map[string]store.Content
	versions   map[string][]store.ContentVersion
	sources    map[string]store.SourceContent
	candidates []store.ReferenceCandidate
	sessions   map[string]store.ChatSession
	messages   map[string][]store.ChatMessage
	logs       map[string][]store.ChatLogEntry

	getContentCalls int
	getVersionCalls int

	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgsByUser: map[string][]string{},
		contents:   map[string]store.Content{},
		versions:   map[string][]store.ContentVersion{},
		sources:    map[string]store.SourceContent{},
		sessions:   map[string]store.ChatSession{},
		messages:   map[string][]store.ChatMessage{},
		logs:       map[string][]store.ChatLogEntry{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetOrganization(_ context.Context, organizationID string) (store.Organization, error) {
	return store.Organization{ID: organizationID, Name: "Org " + organizationID}, nil
}

func (f *fakeStore) ListUserOrganizations(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orgsByUser[userID], nil
}

func (f *fakeStore) InsertContent(_ context.Context, item store.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = fixedTime
	item.UpdatedAt = fixedTime
	f.contents[item.ID] = item
	return nil
}

func (f *fakeStore) GetContent(_ context.Context, organizationID, contentID string) (store.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getContentCalls++
	item, ok := f.contents[contentID]
	if !ok || item.OrganizationID != organizationID {
		return store.Content{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) ListContents(_ context.Context, organizationID string) ([]store.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Content
	for _, item := range f.contents {
		if item.OrganizationID == organizationID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *fakeStore) CreateContentVersion(_ context.Context, item store.ContentVersion) (store.ContentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[item.ContentID]
	if !ok {
		return store.ContentVersion{}, sql.ErrNoRows
	}
	next := 1
	for _, existing := range f.versions[item.ContentID] {
		if existing.Version >= next {
			next = existing.Version + 1
		}
	}
	item.Version = next
	item.CreatedAt = fixedTime
	f.versions[item.ContentID] = append(f.versions[item.ContentID], item)
	id := item.ID
	content.CurrentVersionID = &id
	f.contents[item.ContentID] = content
	return item, nil
}

func (f *fakeStore) GetContentVersion(_ context.Context, versionID string) (store.ContentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getVersionCalls++
	for _, list := range f.versions {
		for _, item := range list {
			if item.ID == versionID {
				return item, nil
			}
		}
	}
	return store.ContentVersion{}, sql.ErrNoRows
}

func (f *fakeStore) GetContentVersionByNumber(_ context.Context, contentID string, version int) (store.ContentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.versions[contentID] {
		if item.Version == version {
			return item, nil
		}
	}
	return store.ContentVersion{}, sql.ErrNoRows
}

func (f *fakeStore) GetCurrentVersion(_ context.Context, contentID string) (store.ContentVersion, error) {
	f.mu.Lock()
	content, ok := f.contents[contentID]
	f.mu.Unlock()
	if !ok || content.CurrentVersionID == nil {
		return store.ContentVersion{}, sql.ErrNoRows
	}
	return f.GetContentVersion(context.Background(), *content.CurrentVersionID)
}

func (f *fakeStore) ListContentVersions(_ context.Context, contentID string, limit int) ([]store.ContentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.versions[contentID]
	out := make([]store.ContentVersion, len(items))
	copy(out, items)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) InsertSourceContent(_ context.Context, item store.SourceContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = fixedTime
	item.UpdatedAt = fixedTime
	f.sources[item.ID] = item
	return nil
}

func (f *fakeStore) GetSourceContent(_ context.Context, organizationID, sourceID string) (store.SourceContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.sources[sourceID]
	if !ok || item.OrganizationID != organizationID {
		return store.SourceContent{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) ListSourceContents(_ context.Context, organizationID string) ([]store.SourceContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.SourceContent
	for _, item := range f.sources {
		if item.OrganizationID == organizationID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateSourceIngestStatus(_ context.Context, organizationID, sourceID string, status store.IngestStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.sources[sourceID]
	if !ok || item.OrganizationID != organizationID {
		return false, nil
	}
	item.IngestStatus = status
	f.sources[sourceID] = item
	return true, nil
}

func (f *fakeStore) ListReferenceCandidates(_ context.Context, organizationID string) ([]store.ReferenceCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.ReferenceCandidate
	for _, c := range f.candidates {
		if c.OrganizationID == organizationID {
			items = append(items, c)
		}
	}
	return items, nil
}

func (f *fakeStore) GetOrCreateChatSession(_ context.Context, organizationID string, contentID *string) (store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := organizationID + "|"
	if contentID != nil {
		key += *contentID
	}
	if session, ok := f.sessions[key]; ok {
		return session, nil
	}
	session := store.ChatSession{ID: util.NewID(), OrganizationID: organizationID, ContentID: contentID, CreatedAt: fixedTime}
	f.sessions[key] = session
	return session, nil
}

func (f *fakeStore) InsertChatMessage(_ context.Context, item store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[item.SessionID] = append(f.messages[item.SessionID], item)
	return nil
}

func (f *fakeStore) ListChatMessages(_ context.Context, sessionID string) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[sessionID], nil
}

func (f *fakeStore) InsertChatLogEntry(_ context.Context, item store.ChatLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[item.SessionID] = append(f.logs[item.SessionID], item)
	return nil
}

func (f *fakeStore) ListChatLogEntries(_ context.Context, sessionID string) ([]store.ChatLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[sessionID], nil
}

var fixedTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	result genai.Result
	err    error
	calls  int
}

func (g *fakeGenerator) Generate(context.Context, genai.Request) (genai.Result, error) {
	g.calls++
	if g.err != nil {
		return genai.Result{}, g.err
	}
	return g.result, nil
}

func newTestService(fake *fakeStore) *Service {
	return &Service{
		store: fake,
		cache: cache.NewMemoryStore(),
	}
}

func seedContent(fake *fakeStore, orgID, contentID, slug, title string) {
	fake.contents[contentID] = store.Content{
		ID:             contentID,
		OrganizationID: orgID,
		Slug:           slug,
		Title:          title,
		Status:         store.StatusDraft,
		ContentType:    store.TypeBlogPost,
		CreatedAt:      fixedTime,
		UpdatedAt:      fixedTime,
	}
}

func TestCreateVersionMonotonicAndRepoints(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "gingerbread-basics", "Gingerbread Basics")
	svc := newTestService(fake)
	ctx := context.Background()

	first, err := svc.CreateVersion(ctx, "org-a", "user-1", "c1", CreateVersionInput{
		BodyMarkdown: "## Intro\n\nFirst draft.",
	})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("first version = %d, want 1", first.Version)
	}

	second, err := svc.CreateVersion(ctx, "org-a", "user-1", "c1", CreateVersionInput{
		BodyMarkdown: "## Intro\n\nSecond draft with more detail.",
	})
	if err != nil {
		t.Fatalf("CreateVersion() second error = %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("second version = %d, want 2", second.Version)
	}

	content := fake.contents["c1"]
	if content.CurrentVersionID == nil || *content.CurrentVersionID != second.ID {
		t.Fatalf("currentVersionId not repointed: %v", content.CurrentVersionID)
	}
	if second.Frontmatter.DiffAdditions == 0 {
		t.Fatal("expected nonzero diff additions for a changed body")
	}
}

func TestCreateVersionDerivesSectionsFromBody(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "faq", "FAQ")
	svc := newTestService(fake)

	view, err := svc.CreateVersion(context.Background(), "org-a", "user-1", "c1", CreateVersionInput{
		BodyMarkdown: "Intro paragraph.\n\n## Shipping\n\nShips in 3 days.\n\n## Returns\n\n30 day window.",
	})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if len(view.Sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(view.Sections))
	}
	if view.Sections[1].Title != "Shipping" || view.Sections[2].Title != "Returns" {
		t.Fatalf("unexpected section titles: %+v", view.Sections)
	}
	for i, section := range view.Sections {
		if section.Index != i {
			t.Fatalf("section %d has index %d", i, section.Index)
		}
		if section.ID == "" {
			t.Fatalf("section %d has no id", i)
		}
		if section.WordCount == 0 {
			t.Fatalf("section %d has zero word count", i)
		}
	}
}

func TestCreateVersionRequiresBodyOrSections(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "slug", "Title")
	svc := newTestService(fake)

	_, err := svc.CreateVersion(context.Background(), "org-a", "user-1", "c1", CreateVersionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCreateVersionUnknownContent(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.CreateVersion(context.Background(), "org-a", "user-1", "missing", CreateVersionInput{BodyMarkdown: "x"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONTENT_NOT_FOUND" {
		t.Fatalf("expected CONTENT_NOT_FOUND, got %v", err)
	}
}

func TestGetWorkspaceCacheIdempotence(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "gingerbread-basics", "Gingerbread Basics")
	svc := newTestService(fake)
	ctx := context.Background()

	created, err := svc.CreateVersion(ctx, "org-a", "user-1", "c1", CreateVersionInput{BodyMarkdown: "## Intro\n\nBody."})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}

	firstRaw, err := svc.GetWorkspace(ctx, "org-a", "user-1", "c1", WorkspaceOptions{})
	if err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	callsAfterFirst := fake.getContentCalls + fake.getVersionCalls

	secondRaw, err := svc.GetWorkspace(ctx, "org-a", "user-1", "c1", WorkspaceOptions{})
	if err != nil {
		t.Fatalf("GetWorkspace() second error = %v", err)
	}
	if !bytes.Equal(firstRaw, secondRaw) {
		t.Fatal("repeat workspace reads are not byte-identical")
	}
	if calls := fake.getContentCalls + fake.getVersionCalls; calls != callsAfterFirst {
		t.Fatalf("second read hit the store (%d calls, want %d)", calls, callsAfterFirst)
	}

	var payload WorkspacePayload
	if err := json.Unmarshal(firstRaw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CurrentVersion == nil || payload.CurrentVersion.Version != created.Version {
		t.Fatalf("payload current version = %+v, want version %d", payload.CurrentVersion, created.Version)
	}
}

func TestCreateVersionInvalidatesWorkspaceCache(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "slug", "Title")
	svc := newTestService(fake)
	ctx := context.Background()

	if _, err := svc.CreateVersion(ctx, "org-a", "u", "c1", CreateVersionInput{BodyMarkdown: "v1"}); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if _, err := svc.GetWorkspace(ctx, "org-a", "u", "c1", WorkspaceOptions{}); err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	if _, ok, _ := svc.cache.Get(ctx, cache.Key{OrganizationID: "org-a", ContentID: "c1"}); !ok {
		t.Fatal("expected cached entry after workspace read")
	}

	if _, err := svc.CreateVersion(ctx, "org-a", "u", "c1", CreateVersionInput{BodyMarkdown: "v2"}); err != nil {
		t.Fatalf("CreateVersion() second error = %v", err)
	}
	if _, ok, _ := svc.cache.Get(ctx, cache.Key{OrganizationID: "org-a", ContentID: "c1"}); ok {
		t.Fatal("cache entry survived a version write")
	}

	raw, err := svc.GetWorkspace(ctx, "org-a", "u", "c1", WorkspaceOptions{})
	if err != nil {
		t.Fatalf("GetWorkspace() after write error = %v", err)
	}
	var payload WorkspacePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CurrentVersion == nil || payload.CurrentVersion.Version != 2 {
		t.Fatalf("workspace still serves stale version: %+v", payload.CurrentVersion)
	}
}

func TestGetWorkspaceCrossOrgFallback(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-b", "c1", "slug", "Title")
	fake.orgsByUser["member"] = []string{"org-a", "org-b"}
	fake.orgsByUser["outsider"] = []string{"org-a"}
	svc := newTestService(fake)
	ctx := context.Background()

	raw, err := svc.GetWorkspace(ctx, "org-a", "member", "c1", WorkspaceOptions{})
	if err != nil {
		t.Fatalf("GetWorkspace() fallback error = %v", err)
	}
	var payload WorkspacePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Content.OrganizationID != "org-b" {
		t.Fatalf("content org = %s, want org-b", payload.Content.OrganizationID)
	}

	_, err = svc.GetWorkspace(ctx, "org-a", "outsider", "c1", WorkspaceOptions{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONTENT_NOT_FOUND" {
		t.Fatalf("outsider expected CONTENT_NOT_FOUND, got %v", err)
	}

	_, err = svc.GetWorkspace(ctx, "org-a", "", "c1", WorkspaceOptions{})
	if !errors.As(err, &domainErr) || domainErr.Code != "CONTENT_NOT_FOUND" {
		t.Fatalf("anonymous expected CONTENT_NOT_FOUND, got %v", err)
	}
}

func TestPatchSectionRoundTrip(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "slug", "Title")
	svc := newTestService(fake)
	gen := &fakeGenerator{result: genai.Result{Body: "Rewritten shipping details."}}
	svc.generator = gen
	ctx := context.Background()

	base, err := svc.CreateVersion(ctx, "org-a", "u", "c1", CreateVersionInput{
		BodyMarkdown: "Intro.\n\n## Shipping\n\nOld shipping text.\n\n## Returns\n\nReturns text.",
	})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	target := base.Sections[1]

	result, err := svc.PatchSection(ctx, "org-a", "u", "c1", target.ID, PatchSectionInput{Instructions: "tighten it"})
	if err != nil {
		t.Fatalf("PatchSection() error = %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls)
	}
	if result.Version.Version != base.Version+1 {
		t.Fatalf("patched version = %d, want %d", result.Version.Version, base.Version+1)
	}
	if len(result.Version.Sections) != len(base.Sections) {
		t.Fatalf("section count changed: %d -> %d", len(base.Sections), len(result.Version.Sections))
	}
	if result.Section.Body != "Rewritten shipping details." {
		t.Fatalf("target body = %q", result.Section.Body)
	}
	for i, section := range result.Version.Sections {
		if section.Index != i {
			t.Fatalf("section order broken at %d (index %d)", i, section.Index)
		}
		if section.ID == target.ID {
			continue
		}
		if section.Body != base.Sections[i].Body {
			t.Fatalf("untouched section %d changed: %q", i, section.Body)
		}
	}
	if result.Version.Frontmatter.DiffAdditions == 0 || result.Version.Frontmatter.DiffDeletions == 0 {
		t.Fatalf("diff stats missing: %+v", result.Version.Frontmatter)
	}

	content := fake.contents["c1"]
	if content.CurrentVersionID == nil || *content.CurrentVersionID != result.Version.ID {
		t.Fatal("currentVersionId not repointed to patched version")
	}
}

func TestPatchSectionUnknownSectionLeavesStateUnchanged(t *testing.T) {
	fake := newFakeStore()
	seedContent(fake, "org-a", "c1", "slug", "Title")
	svc := newTestService(fake)
	svc.generator = &fakeGenerator{result: genai.Result{Body: "x"}}
	ctx := context.Background()

	base, err := svc.CreateVersion(ctx, "org-a", "u", "c1", CreateVersionInput{BodyMarkdown: "## A\n\nBody."})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}

	_, err = svc.PatchSection(ctx, "org-a", "u", "c1", "no-such-section", PatchSectionInput{Instructions: "x"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "SECTION_NOT_FOUND" {
		t.Fatalf("expected SECTION_NOT_FOUND, got %v", err)
	}
	if len(fake.versions["c1"]) != 1 {
		t.Fatalf("version count = %d, want 1", len(fake.versions["c1"]))
	}
	if *fake.contents["c1"].CurrentVersionID != base.ID {
		t.Fatal("currentVersionId moved despite failed patch")
	}
}

func TestPatchSectionFailClosed(t *testing.T) {
	cases := map[string]*fakeGenerator{
		"generator error": {err: fmt.Errorf("model overloaded")},
		"empty body":      {result: genai.Result{Body: "   "}},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			fake := newFakeStore()
			seedContent(fake, "org-a", "c1", "slug", "Title")
			svc := newTestService(fake)
			svc.generator = gen
			ctx := context.Background()

			base, err := svc.CreateVersion(ctx, "org-a", "u", "c1", CreateVersionInput{BodyMarkdown: "## A\n\nBody."})
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}

			_, err = svc.PatchSection(ctx, "org-a", "u", "c1", base.Sections[0].ID, PatchSectionInput{Instructions: "x"})
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != "GENERATION_FAILURE" {
				t.Fatalf("expected GENERATION_FAILURE, got %v", err)
			}
			if len(fake.versions["c1"]) != 1 {
				t.Fatalf("version written despite generation failure")
			}
			if *fake.contents["c1"].CurrentVersionID != base.ID {
				t.Fatal("currentVersionId moved despite generation failure")
			}
		})
	}
}

func TestResolveReferencesThroughService(t *testing.T) {
	fake := newFakeStore()
	fake.candidates = []store.ReferenceCandidate{
		{Kind: "content", ID: "1", OrganizationID: "org-a", Slug: "classic-gingerbread-cookies", Title: "Classic Gingerbread Cookies"},
		{Kind: "content", ID: "2", OrganizationID: "org-a", Slug: "classic-chocolate-cake", Title: "Classic Chocolate Cake"},
		{Kind: "content", ID: "3", OrganizationID: "org-a", Slug: "gingerbread-basics", Title: "Gingerbread Basics"},
		{Kind: "content", ID: "4", OrganizationID: "org-b", Slug: "classic-other-org", Title: "Other Org"},
	}
	svc := newTestService(fake)
	ctx := context.Background()

	result, err := svc.ResolveReferences(ctx, ResolveInput{
		OrganizationID: "org-a",
		Message:        `see @gingerbread-basics and @classic`,
		Mode:           refresolve.ModeChat,
	})
	if err != nil {
		t.Fatalf("ResolveReferences() error = %v", err)
	}
	if len(result.Resolved) != 1 || result.Resolved[0].Candidate.ID != "3" {
		t.Fatalf("resolved = %+v", result.Resolved)
	}
	if len(result.Ambiguous) != 1 || len(result.Ambiguous[0].Candidates) != 2 {
		t.Fatalf("ambiguous = %+v", result.Ambiguous)
	}
	// the org-b candidate never leaks into org-a resolution
	for _, c := range result.Ambiguous[0].Candidates {
		if c.OrganizationID != "org-a" {
			t.Fatalf("cross-org candidate leaked: %+v", c)
		}
	}

	_, err = svc.ResolveReferences(ctx, ResolveInput{Message: "@x"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for missing org, got %v", err)
	}
}

func TestAppendChatMessageResolvesReferences(t *testing.T) {
	fake := newFakeStore()
	fake.candidates = []store.ReferenceCandidate{
		{Kind: "content", ID: "1", OrganizationID: "org-a", Slug: "gingerbread-basics", Title: "Gingerbread Basics"},
	}
	svc := newTestService(fake)
	ctx := context.Background()
	contentID := "c9"

	result, err := svc.AppendChatMessage(ctx, "org-a", &contentID, ChatMessageInput{
		Content: "please update @gingerbread-basics",
	})
	if err != nil {
		t.Fatalf("AppendChatMessage() error = %v", err)
	}
	if result.Message.Role != "user" {
		t.Fatalf("role = %q, want user default", result.Message.Role)
	}
	if result.Message.CreatedAt.IsZero() {
		t.Fatal("returned message has zero createdAt")
	}
	if len(result.References.Resolved) != 1 {
		t.Fatalf("references = %+v", result.References)
	}

	session, _ := fake.GetOrCreateChatSession(ctx, "org-a", &contentID)
	if len(fake.messages[session.ID]) != 1 {
		t.Fatalf("stored messages = %d, want 1", len(fake.messages[session.ID]))
	}
	if len(fake.logs[session.ID]) != 1 || fake.logs[session.ID][0].Event != "references_resolved" {
		t.Fatalf("stored logs = %+v", fake.logs[session.ID])
	}

	// same (org, content) pair reuses the session
	if _, err := svc.AppendChatMessage(ctx, "org-a", &contentID, ChatMessageInput{Content: "another"}); err != nil {
		t.Fatalf("second append error = %v", err)
	}
	if len(fake.sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(fake.sessions))
	}
}

func TestCreateContentDefaultsAndValidation(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()

	view, err := svc.CreateContent(ctx, "org-a", CreateContentInput{Title: "Holiday Baking Guide"})
	if err != nil {
		t.Fatalf("CreateContent() error = %v", err)
	}
	if view.Slug != "holiday-baking-guide" {
		t.Fatalf("slug = %q", view.Slug)
	}
	if view.Status != store.StatusDraft || view.ContentType != store.TypeBlogPost {
		t.Fatalf("defaults wrong: %+v", view)
	}

	_, err = svc.CreateContent(ctx, "org-a", CreateContentInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	_, err = svc.CreateContent(ctx, "org-a", CreateContentInput{Title: "t", ContentType: "podcast"})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for bad type, got %v", err)
	}

	badSource := "not-a-uuid"
	_, err = svc.CreateContent(ctx, "org-a", CreateContentInput{Title: "t", SourceContentID: &badSource})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for bad source id, got %v", err)
	}
}

func TestUpdateSourceStatus(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()

	created, err := svc.CreateSource(ctx, "org-a", CreateSourceInput{Title: "Interview transcript", SourceText: "raw text"})
	if err != nil {
		t.Fatalf("CreateSource() error = %v", err)
	}
	if created.IngestStatus != store.IngestPending {
		t.Fatalf("initial status = %s", created.IngestStatus)
	}

	updated, err := svc.UpdateSourceStatus(ctx, "org-a", created.ID, "ingested")
	if err != nil {
		t.Fatalf("UpdateSourceStatus() error = %v", err)
	}
	if updated.IngestStatus != store.IngestIngested {
		t.Fatalf("status = %s, want ingested", updated.IngestStatus)
	}

	_, err = svc.UpdateSourceStatus(ctx, "org-a", created.ID, "vanished")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	_, err = svc.UpdateSourceStatus(ctx, "org-b", created.ID, "failed")
	if !errors.As(err, &domainErr) || domainErr.Code != "SOURCE_NOT_FOUND" {
		t.Fatalf("expected SOURCE_NOT_FOUND across orgs, got %v", err)
	}
}

func TestSplitAndJoinSectionsRoundTrip(t *testing.T) {
	body := "Intro paragraph.\n\n## Shipping\n\nShips fast.\n\n## Returns\n\n30 days."
	sections := normalizeSections(splitSections(body))
	if len(sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(sections))
	}
	rebuilt := joinSections(sections)
	if rebuilt != body {
		t.Fatalf("round trip mismatch:\n%q\n%q", body, rebuilt)
	}
}
