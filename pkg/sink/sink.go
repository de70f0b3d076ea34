// Package sink persists completed trace snapshots, satellite to the
// tracing core proper (spec.md §1 names persistent storage an external
// collaborator). Adapted from the teacher's write-behind cache
// (pkg/cache/write_behind_cache.go): a ristretto in-memory cache absorbs
// repeat reads, writes queue up and flush to Elasticsearch in batches
// instead of one request per snapshot.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/parabinda/glowroot/pkg/snapshot"
)

// flushThreshold is the number of queued snapshots that triggers a bulk
// flush to Elasticsearch, matching the teacher's write-behind cache's
// own threshold.
const flushThreshold = 100

var (
	ErrKeyNotFound = errors.New("trace id not found in the sink's cache")
	ErrSetFailed   = errors.New("failed to cache a flushed snapshot")
)

// Sink buffers trace snapshots in memory, batching writes to Elasticsearch
// and serving recently-written snapshots straight out of cache without a
// round trip. Safe for concurrent use: Write is called from whichever
// goroutine pkg/pipeline delivers completed traces on, while Get may be
// called from any reader goroutine (e.g. a query surface, out of scope
// here).
type Sink struct {
	mu         sync.Mutex
	cache      *ristretto.Cache
	writeQueue map[string]*snapshot.TraceSnapshot

	es        *elasticsearch.Client
	indexName string
	logger    *zap.Logger
}

// New returns a Sink backed by cache and es, writing documents into
// indexName. Passing a nil es disables the Elasticsearch flush: snapshots
// are only ever servable from cache, and each Flush (explicit, or
// triggered by Write at flushThreshold) discards the write queue, useful
// for tests and for running the core with no persistence backend
// configured.
func New(cache *ristretto.Cache, es *elasticsearch.Client, indexName string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		cache:      cache,
		writeQueue: make(map[string]*snapshot.TraceSnapshot),
		es:         es,
		indexName:  indexName,
		logger:     logger,
	}
}

// Get returns the cached snapshot for id, if present. A miss here does not
// imply the trace was never written — it may simply have aged out of
// cache after its flush to Elasticsearch; querying the backing store for
// cache misses is a query-surface concern outside this package.
func (s *Sink) Get(id string) (*snapshot.TraceSnapshot, error) {
	value, found := s.cache.Get(id)
	if !found {
		return nil, ErrKeyNotFound
	}
	snap, ok := value.(*snapshot.TraceSnapshot)
	if !ok {
		return nil, fmt.Errorf("value of unexpected type %T cached under %q", value, id)
	}
	return snap, nil
}

// Write queues snap for persistence and caches it immediately so a reader
// can observe it without waiting on the next flush.
func (s *Sink) Write(ctx context.Context, snap *snapshot.TraceSnapshot) error {
	s.mu.Lock()
	s.writeQueue[snap.ID] = snap
	shouldFlush := len(s.writeQueue) >= flushThreshold
	s.mu.Unlock()

	if !s.cache.Set(snap.ID, snap, 1) {
		return ErrSetFailed
	}
	if shouldFlush {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes every currently queued snapshot to Elasticsearch as a
// single bulk request and empties the queue. If no Elasticsearch client
// was configured, the queue is emptied without being written anywhere.
func (s *Sink) Flush(ctx context.Context) error {
	if s.es == nil {
		s.mu.Lock()
		s.writeQueue = make(map[string]*snapshot.TraceSnapshot)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	queued := s.writeQueue
	s.writeQueue = make(map[string]*snapshot.TraceSnapshot)
	s.mu.Unlock()

	if len(queued) == 0 {
		return nil
	}

	var bulkData []interface{}
	for id, snap := range queued {
		bulkData = append(bulkData, map[string]interface{}{
			"index": map[string]string{"_id": id},
		})
		bulkData = append(bulkData, snap)
	}

	bulkJSON, err := json.Marshal(bulkData)
	if err != nil {
		return fmt.Errorf("marshaling bulk snapshot flush: %w", err)
	}

	res, err := s.es.Bulk(bytes.NewReader(bulkJSON),
		s.es.Bulk.WithIndex(s.indexName),
		s.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("flushing snapshots to Elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch bulk flush returned status %s", res.Status())
	}
	s.logger.Info("flushed trace snapshots to Elasticsearch",
		zap.Int("count", len(queued)), zap.String("index", s.indexName))
	return nil
}
