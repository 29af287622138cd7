package crawler

// WebURL is a normalized absolute address and the depth it was discovered at.
// Seeds have depth 0.
type WebURL struct {
	URL   string
	Depth int
}

// Page is the record extracted from a successfully fetched document.
// Hash is the address ID assigned by the URL index.
type Page struct {
	Hash        int64  `json:"hash"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Text        string `json:"text"`
}

// FetchResult is the body of a successful (200) response.
type FetchResult struct {
	Body        []byte
	ContentType string
	FinalURL    string // After following redirects
}

// FrontierStats is a point-in-time view of the frontier.
type FrontierStats struct {
	Indexed       int64 // Addresses ever admitted
	Pending       int64 // Entries waiting in the work queue
	TotalInserted int64 // Entries ever enqueued
	Dispatched    int64 // Entries removed by dispatch
	InProgress    int   // Dispatched but not completed
}

// SupervisorStats is a snapshot taken at the latest monitor tick.
type SupervisorStats struct {
	Workers  int
	Working  int
	Buffered int
	Restarts int
	Drains   int
	Saved    int
	Frontier FrontierStats
}
