package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/coder/hnsw"
	"github.com/viterin/vek/vek32"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// VectorHit is one nearest-neighbor result. Similarity is cosine similarity
// in [-1, 1].
type VectorHit struct {
	ChunkID    string
	Similarity float32
}

// VectorStoreConfig configures an HNSWStore.
type VectorStoreConfig struct {
	Dimensions int
	M          int // max neighbors per node. Default: 16
	EfSearch   int // search breadth. Default: 20
}

// HNSWStore is a cosine vector store over coder/hnsw, keyed by chunk ID.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	orphans int

	// generation changes whenever the set of vectors does.
	generation atomic.Uint64

	closed bool
}

type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Orphans int
	Config  VectorStoreConfig
}

// NewHNSWStore creates an empty store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}
	s := &HNSWStore{config: cfg}
	s.reset()
	return s, nil
}

func (s *HNSWStore) reset() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = s.config.M
	g.EfSearch = s.config.EfSearch
	g.Ml = 0.25
	s.graph = g
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.nextKey = 0
	s.orphans = 0
}

// Dimensions returns the vector length the store accepts.
func (s *HNSWStore) Dimensions() int {
	return s.config.Dimensions
}

// Upsert stores vec under chunkID, replacing any previous vector.
func (s *HNSWStore) Upsert(ctx context.Context, chunkID string, vec []float32) error {
	return s.UpsertBatch(ctx, []string{chunkID}, [][]float32{vec})
}

// UpsertBatch stores several vectors at once.
func (s *HNSWStore) UpsertBatch(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return cserrors.FromContext(err, "vector upsert")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return cserrors.Newf(cserrors.ErrCodeDimensionMismatch,
				"vector has %d dimensions, store expects %d", len(v), s.config.Dimensions)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for i, id := range ids {
		// Replaced nodes stay in the graph as orphans; deleting from
		// coder/hnsw can break the graph when the last node goes.
		if old, ok := s.idMap[id]; ok {
			delete(s.keyMap, old)
			s.orphans++
		}
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}
	s.generation.Add(1)
	return nil
}

// Nearest returns up to k chunks ordered by descending similarity.
func (s *HNSWStore) Nearest(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, cserrors.FromContext(err, "vector search")
	}
	if len(query) != s.config.Dimensions {
		return nil, cserrors.Newf(cserrors.ErrCodeDimensionMismatch,
			"query has %d dimensions, store expects %d", len(query), s.config.Dimensions)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	if k <= 0 || len(s.idMap) == 0 {
		return []VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	nodes := s.graph.Search(q, k+s.orphans)
	hits := make([]VectorHit, 0, len(nodes))
	for _, n := range nodes {
		id, ok := s.keyMap[n.Key]
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{ChunkID: id, Similarity: vek32.CosineSimilarity(q, n.Value)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes chunk IDs. Unknown IDs are ignored.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}
	removed := false
	for _, id := range ids {
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			s.orphans++
			removed = true
		}
	}
	if removed {
		s.generation.Add(1)
	}
	return nil
}

// Generation returns a counter that changes on every upsert, delete, load
// and compaction.
func (s *HNSWStore) Generation() uint64 {
	return s.generation.Load()
}

// HNSWStats counts live vectors and the replaced or deleted nodes still
// held by the graph.
type HNSWStats struct {
	Live    int
	Orphans int
}

// OrphanRatio is the share of graph nodes that are orphans.
func (st HNSWStats) OrphanRatio() float64 {
	total := st.Live + st.Orphans
	if total == 0 {
		return 0
	}
	return float64(st.Orphans) / float64(total)
}

// Stats returns the live and orphan node counts.
func (s *HNSWStore) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return HNSWStats{Live: len(s.idMap), Orphans: s.orphans}
}

// Compact rebuilds the graph from the live vectors only, dropping every
// orphan. Keys are renumbered; chunk IDs are unchanged.
func (s *HNSWStore) Compact(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("vector store is closed")
	}
	if s.orphans == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := make([]hnsw.Node[uint64], 0, len(ids))
	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, cserrors.FromContext(err, "vector compaction")
			}
		}
		vec, ok := s.graph.Lookup(s.idMap[id])
		if !ok {
			return 0, fmt.Errorf("vector %s missing from graph", id)
		}
		nodes = append(nodes, hnsw.MakeNode(uint64(i), vec))
	}

	removed := s.orphans
	s.reset()
	for i, n := range nodes {
		s.graph.Add(n)
		s.idMap[ids[i]] = n.Key
		s.keyMap[n.Key] = ids[i]
	}
	s.nextKey = uint64(len(nodes))
	s.generation.Add(1)
	return removed, nil
}

// Contains reports whether chunkID has a vector.
func (s *HNSWStore) Contains(chunkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[chunkID]
	return ok
}

// IDs returns the chunk IDs that have a vector, sorted.
func (s *HNSWStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Save writes the graph to path and the ID mapping to path+".meta", each
// through a temp file and rename.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := s.graph.Export(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	meta := hnswMetadata{IDMap: s.idMap, NextKey: s.nextKey, Orphans: s.orphans, Config: s.config}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load replaces the store contents with the files written by Save. A store
// saved with different dimensions is rejected.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	meta, err := readMetadata(path + ".meta")
	if err != nil {
		return err
	}
	if meta.Config.Dimensions != s.config.Dimensions {
		return cserrors.Newf(cserrors.ErrCodeDimensionMismatch,
			"stored vectors have %d dimensions, store expects %d", meta.Config.Dimensions, s.config.Dimensions)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	s.reset()
	if err := s.graph.Import(bufio.NewReader(f)); err != nil {
		s.reset()
		return fmt.Errorf("failed to import graph: %w", err)
	}
	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.orphans = meta.Orphans
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	s.generation.Add(1)
	return nil
}

func readMetadata(path string) (*hnswMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()
	var meta hnswMetadata
	if err := gob.NewDecoder(f).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode hnsw metadata: %w", err)
	}
	if meta.IDMap == nil {
		meta.IDMap = make(map[string]uint64)
	}
	return &meta, nil
}

// Close releases the graph.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
	n := math32.Sqrt(vek32.Dot(v, v))
	if n == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, 1/n)
}
