// Package crawler implements the crawl engine: a persisted frontier that
// deduplicates and budgets addresses, the workers that fetch and extract
// pages, and the supervisor that restarts workers, drains their records
// to a sink and decides when the crawl is over.
package crawler

import (
	"context"

	"github.com/masahif/politecrawl/internal/parser"
)

// URLIndex is the persisted address -> ID mapping that decides whether an
// address has ever been seen.
type URLIndex interface {
	// Put assigns the next ID to url unless it is already present.
	Put(url string) error
	// ID returns the ID for url and whether it is present.
	ID(url string) (int64, bool, error)
	// Count returns the number of indexed addresses.
	Count() (int64, error)
	Reset() error
	Close() error
}

// WorkQueue is the persisted FIFO of addresses awaiting a fetch.
type WorkQueue interface {
	Enqueue(item WebURL) error
	// DequeueBatch removes and returns up to n entries from the head.
	DequeueBatch(n int) ([]WebURL, error)
	// TotalInserted is the number of entries ever enqueued, not the queue length.
	TotalInserted() (int64, error)
	Len() (int64, error)
	Reset() error
	Close() error
}

// Fetcher retrieves the body of an address. Any non-200 status or I/O error is
// reported as an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// Extractor turns a fetched document into title, plain text and outbound links.
// It returns parser.ErrGarbledText together with the links when the text is unusable.
type Extractor interface {
	Extract(content []byte, pageURL string) (*parser.Document, error)
}

// Sink delivers a drained batch of records.
type Sink interface {
	Save(ctx context.Context, pages []Page) error
	Close() error
}

// Throttle enforces the politeness delay before a fetch.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}
