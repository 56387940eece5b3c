// Package search provides full-text search over messages, backed by
// Meilisearch with a PostgreSQL FTS fallback.
package search

// MessageRecord is the data indexed per message. Recipients are indexed
// so private messages can be filtered to their participants at query
// time.
type MessageRecord struct {
	ID              string   `json:"id"`
	CompanyID       int64    `json:"companyId"`
	AuthorEmpid     string   `json:"authorEmpid"`
	Body            string   `json:"body"`
	Topic           string   `json:"topic"`
	ConversationID  string   `json:"conversationId,omitempty"`
	MessageClass    string   `json:"messageClass"`
	VisibilityScope string   `json:"visibilityScope"`
	Recipients      []string `json:"recipients"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string `json:"id"`
	Snippet        string `json:"snippet"`
	Topic          string `json:"topic,omitempty"`
	AuthorEmpid    string `json:"authorEmpid"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Query describes a search request. ViewerEmpid scopes private messages;
// a moderator viewer sees everything in the company.
type Query struct {
	CompanyID   int64
	ViewerEmpid string
	Moderator   bool
	Text        string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessage(record MessageRecord) error
	DeleteMessage(id string) error
}
