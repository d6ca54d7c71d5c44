package audit

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
)

// SearchIndex is an optional full-text index over cold-tier audit
// events, so an operator can query "which checks against r:doc1 were
// denied" or "show every ATTACK event for u:alice" without scanning the
// whole bbolt file. It is a pure addition on top of the hot-to-cold
// retention policy — a searchable index is one way to make that cold
// tier useful rather than write-only.
type SearchIndex struct {
	index bleve.Index
}

// NewMemorySearchIndex builds an in-memory bleve index, suitable for a
// single coordinator instance indexing its own cold tier as events
// arrive.
func NewMemorySearchIndex() (*SearchIndex, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("audit: build search index: %w", err)
	}
	return &SearchIndex{index: idx}, nil
}

// Index adds or replaces an event in the search index.
func (s *SearchIndex) Index(ev Event) error {
	return s.index.Index(ev.ID, ev)
}

// Query runs a free-text query (bleve query-string syntax, e.g.
// `subjectId:u:alice AND outcome:DENIED`) and returns matching event
// IDs, most relevant first.
func (s *SearchIndex) Query(q string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("audit: search query %q: %w", q, err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases index resources.
func (s *SearchIndex) Close() error {
	return s.index.Close()
}
