// Package searchindex defines the full-text indexing callback contract
// (spec.md §7.10/§7.13: "treated as a callback-driven subsystem") plus
// a bleve-backed default implementation exercised by
// internal/distsearch's data-node side. Grounded on
// `ar4mirez/maia`'s use of bleve as its search engine
// (_examples/other_examples/manifests/ar4mirez-maia/go.mod).
package searchindex

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
)

// Hook is notified of every CRDT merge so it can keep a full-text index
// in sync; mapName+key identify the record, doc is whatever
// JSON-marshalable projection of the value the caller wants indexed.
// deleted=true means the record was tombstoned and should be removed
// from the index.
type Hook interface {
	OnDataChange(mapName, key string, doc any, deleted bool) error
}

// Hit is one search result.
type Hit struct {
	MapName string
	Key     string
	Score   float64
}

// Index performs full-text search over whatever documents OnDataChange
// has indexed.
type Index interface {
	Hook
	Search(mapName, query string, limit int) ([]Hit, error)
}

// BleveIndex is the default Index: one in-memory bleve index per
// mapName, created lazily on first use.
type BleveIndex struct {
	mu      sync.Mutex
	indexes map[string]bleve.Index
}

// NewBleveIndex creates an empty BleveIndex.
func NewBleveIndex() *BleveIndex {
	return &BleveIndex{indexes: make(map[string]bleve.Index)}
}

func (b *BleveIndex) indexFor(mapName string) (bleve.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.indexes[mapName]; ok {
		return idx, nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("searchindex: create index for %q: %w", mapName, err)
	}
	b.indexes[mapName] = idx
	return idx, nil
}

// docID namespaces keys by mapName so two maps can't collide within
// one bleve index were one ever shared.
func docID(mapName, key string) string { return mapName + "/" + key }

// OnDataChange implements Hook.
func (b *BleveIndex) OnDataChange(mapName, key string, doc any, deleted bool) error {
	idx, err := b.indexFor(mapName)
	if err != nil {
		return err
	}
	if deleted {
		return idx.Delete(docID(mapName, key))
	}
	return idx.Index(docID(mapName, key), doc)
}

// Search implements Index.
func (b *BleveIndex) Search(mapName, query string, limit int) ([]Hit, error) {
	idx, err := b.indexFor(mapName)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	result, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searchindex: search %q: %w", mapName, err)
	}

	prefix := mapName + "/"
	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		key := h.ID
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			key = key[len(prefix):]
		}
		hits = append(hits, Hit{MapName: mapName, Key: key, Score: h.Score})
	}
	return hits, nil
}
