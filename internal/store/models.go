package store

import "time"

type ContentStatus string

const (
	StatusDraft     ContentStatus = "draft"
	StatusPublished ContentStatus = "published"
	StatusArchived  ContentStatus = "archived"
)

func (s ContentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	}
	return false
}

type ContentType string

const (
	TypeBlogPost ContentType = "blog_post"
	TypeRecipe   ContentType = "recipe"
	TypeFAQ      ContentType = "faq"
)

func (t ContentType) Valid() bool {
	switch t {
	case TypeBlogPost, TypeRecipe, TypeFAQ:
		return true
	}
	return false
}

type IngestStatus string

const (
	IngestPending  IngestStatus = "pending"
	IngestIngested IngestStatus = "ingested"
	IngestFailed   IngestStatus = "failed"
)

func (s IngestStatus) Valid() bool {
	switch s {
	case IngestPending, IngestIngested, IngestFailed:
		return true
	}
	return false
}

type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Membership struct {
	OrganizationID string
	UserID         string
	Role           string
	CreatedAt      time.Time
}

// Content is a logical document owned by one organization. CurrentVersionID
// is nil until the first version is written and from then on always points
// at a version of this content.
type Content struct {
	ID               string
	OrganizationID   string
	Slug             string
	Title            string
	Status           ContentStatus
	ContentType      ContentType
	SourceContentID  *string
	CurrentVersionID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Section is a named, ordered sub-unit of a version body, independently patchable.
type Section struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Index     int    `json:"index"`
	WordCount int    `json:"wordCount"`
	Body      string `json:"body"`
}

// Frontmatter is the structured metadata stored with every version.
type Frontmatter struct {
	ContentType    string `json:"contentType,omitempty"`
	SEOTitle       string `json:"seoTitle,omitempty"`
	SEODescription string `json:"seoDescription,omitempty"`
	DiffAdditions  int    `json:"diffAdditions"`
	DiffDeletions  int    `json:"diffDeletions"`
}

// ContentVersion is an immutable snapshot. Rows are append-only; version
// numbers start at 1 per content and only grow.
type ContentVersion struct {
	ID              string
	ContentID       string
	Version         int
	Frontmatter     Frontmatter
	BodyMarkdown    string
	Sections        []Section
	Assets          map[string]any
	CreatedByUserID string
	CreatedAt       time.Time
}

type SourceContent struct {
	ID             string
	OrganizationID string
	SourceType     string
	ExternalID     string
	Title          string
	SourceText     string
	Metadata       map[string]any
	IngestStatus   IngestStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChatSession is a thread of interaction scoped to one content (or none for
// general chat), found by (organization, content) and created on first use.
type ChatSession struct {
	ID             string
	OrganizationID string
	ContentID      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Payload   map[string]any
	CreatedAt time.Time
}

type ChatLogEntry struct {
	ID        string
	SessionID string
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// ReferenceCandidate is the queryable projection of Content and SourceContent
// the resolver matches tokens against.
type ReferenceCandidate struct {
	Kind           string // "content" or "source"
	ID             string
	OrganizationID string
	Slug           string
	Title          string
	ExternalID     string
	Excerpt        string
}
