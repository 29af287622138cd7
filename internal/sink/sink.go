// Package sink delivers drained page batches. The file sink appends one JSON
// line per batch for offline runs; the Kafka sink hands each batch to the
// online analyzer and returns once the brokers acknowledge it.
package sink

import (
	"bytes"
	"encoding/json"

	"github.com/masahif/politecrawl/internal/crawler"
)

// Batch is the payload written for one drain.
type Batch struct {
	Pages []crawler.Page `json:"pages"`
}

// encodeBatch renders pages as one newline-terminated JSON object. Markup
// characters in page text are kept as is.
func encodeBatch(pages []crawler.Page) ([]byte, error) {
	if pages == nil {
		pages = []crawler.Page{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Batch{Pages: pages}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
