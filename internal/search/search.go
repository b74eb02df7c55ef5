package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProspect ResultType = "prospect"
	ResultProperty ResultType = "property"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	BrokerID string     `json:"brokerId,omitempty"`
	OwnerID  string     `json:"ownerId,omitempty"`
	Status   string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterBrokerID string     // scopes prospect hits to one broker's pipeline
	Limit          int
	Offset         int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProspect(p ProspectRecord) error
	IndexProperty(p PropertyRecord) error
	DeleteProspect(id string) error
	DeleteProperty(id string) error
}

// ProspectRecord is the data we index for a pipeline prospect.
type ProspectRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Notes    string `json:"notes"`
	BrokerID string `json:"brokerId"`
	Status   string `json:"status"`
}

// PropertyRecord is the data we index for a property.
type PropertyRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Address string `json:"address"`
	City    string `json:"city"`
	OwnerID string `json:"ownerId"`
	Status  string `json:"status"`
}
