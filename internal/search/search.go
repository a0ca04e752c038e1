// Package search indexes generated titles and contents into
// Elasticsearch for the (out-of-scope) page-rendering layer to query.
// Indexing is best-effort: an Elasticsearch outage never fails the
// generator pipeline that feeds it.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"crawlpipe/pkg/logger"
)

const contentIndex = "crawlpipe-contents"

// Document is what gets indexed for one generated content row.
type Document struct {
	GroupID   int64     `json:"group_id"`
	BatchID   int64     `json:"batch_id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Indexer wraps an Elasticsearch client for the generator pipeline.
type Indexer struct {
	client *elasticsearch.Client
}

// New builds an Indexer against addrs. A malformed address list is a
// configuration error; Elasticsearch being unreachable at runtime is
// not, and is handled per-call.
func New(addrs []string) (*Indexer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addrs})
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Indexer{client: client}, nil
}

// IndexBatch indexes every doc, logging (not returning) per-document
// failures so one bad document never blocks the rest of the batch.
func (ix *Indexer) IndexBatch(ctx context.Context, docs []Document) {
	if ix == nil || ix.client == nil {
		return
	}
	for _, doc := range docs {
		if err := ix.indexOne(ctx, doc); err != nil {
			logger.Get().WithField("group_id", doc.GroupID).WithField("batch_id", doc.BatchID).
				WithError(err).Warn("search: index document failed")
		}
	}
}

func (ix *Indexer) indexOne(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	resp, err := ix.client.Index(
		contentIndex,
		strings.NewReader(string(data)),
		ix.client.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("elasticsearch returned %s", resp.Status())
	}
	return nil
}
