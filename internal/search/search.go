package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultContent ResultType = "content"
	ResultSource  ResultType = "source"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type           ResultType `json:"type"`
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Title          string     `json:"title"`
	Slug           string     `json:"slug,omitempty"`
	Snippet        string     `json:"snippet"`
}

// Query describes a search request. OrganizationID is mandatory: results
// never cross tenants.
type Query struct {
	Text           string
	OrganizationID string
	FilterType     ResultType // empty = both types
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ContentRecord is the data indexed for a content item.
type ContentRecord struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Slug           string `json:"slug"`
	Title          string `json:"title"`
	Status         string `json:"status"`
}

// SourceRecord is the data indexed for an ingested source.
type SourceRecord struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	ExternalID     string `json:"externalId"`
	Title          string `json:"title"`
	Excerpt        string `json:"excerpt"`
}
