package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWStore implements VectorStore using the coder/hnsw pure Go HNSW graph.
// Vectors live in-process and persist via Save/Load; payloads are stored in
// a sidecar gob file next to the graph.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	// ID mapping (string <-> uint64) plus payloads and a per-document index
	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]VectorPayload
	byDoc    map[string]map[string]struct{}
	nextKey  uint64

	closed bool
}

var _ VectorStore = (*HNSWStore)(nil)

// hnswMetadata stores ID mappings and payloads for persistence.
type hnswMetadata struct {
	IDMap    map[string]uint64
	Payloads map[string]VectorPayload
	NextKey  uint64
	Config   VectorStoreConfig
}

// NewHNSWStore creates a new HNSW-based vector store.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 32
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]VectorPayload),
		byDoc:    make(map[string]map[string]struct{}),
	}, nil
}

// Add inserts vectors with their payloads. Existing IDs are replaced using
// lazy deletion (the old node is orphaned in the graph, not removed, which
// sidesteps a coder/hnsw issue when deleting the last node).
func (s *HNSWStore) Add(ctx context.Context, items []*VectorItem) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, item := range items {
		if len(item.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(item.Vector)}
		}
	}

	for _, item := range items {
		if existingKey, exists := s.idMap[item.ID]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, item.ID)
			s.removeDocRef(item.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(item.Vector))
		copy(vec, item.Vector)
		normalizeVectorInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[item.ID] = key
		s.keyMap[key] = item.ID
		s.payloads[item.ID] = item.Payload

		docID := item.Payload.DocumentID
		if s.byDoc[docID] == nil {
			s.byDoc[docID] = make(map[string]struct{})
		}
		s.byDoc[docID][item.ID] = struct{}{}
	}

	return nil
}

// Search finds the k nearest vectors to the query.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeVectorInPlace(normalized)

	// Over-fetch to compensate for lazy-deleted orphans in the graph
	nodes := s.graph.Search(normalized, k+s.graph.Len()-len(s.idMap))

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // orphaned by lazy deletion
		}

		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			ID:      id,
			Score:   cosineDistanceToScore(distance),
			Payload: s.payloads[id],
		})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

// Delete removes vectors by ID using lazy deletion.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
			s.removeDocRef(id)
		}
	}
	return nil
}

// DeleteByDocument removes every vector belonging to a document.
func (s *HNSWStore) DeleteByDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for id := range s.byDoc[documentID] {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
		delete(s.payloads, id)
	}
	delete(s.byDoc, documentID)
	return nil
}

// removeDocRef drops the per-document reference for a chunk ID.
// Caller must hold the write lock.
func (s *HNSWStore) removeDocRef(id string) {
	if p, ok := s.payloads[id]; ok {
		if set := s.byDoc[p.DocumentID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byDoc, p.DocumentID)
			}
		}
	}
}

// AllIDs returns all vector IDs in the store.
func (s *HNSWStore) AllIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids, nil
}

// Count returns the number of active vectors.
func (s *HNSWStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}
	return len(s.idMap), nil
}

// Healthy answers a trivial query to verify the store is usable.
func (s *HNSWStore) Healthy(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.graph.Len() == 0 {
		return nil
	}
	probe := make([]float32, s.config.Dimensions)
	probe[0] = 1
	_ = s.graph.Search(probe, 1)
	return nil
}

// Save persists the graph and payload metadata to disk.
// Uses atomic writes (temp file + rename).
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

// saveMetadata writes ID mappings and payloads to a gob sidecar file.
func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:    s.idMap,
		Payloads: s.payloads,
		NextKey:  s.nextKey,
		Config:   s.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores the graph and payload metadata from disk.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires io.ByteReader
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

// loadMetadata restores ID mappings and payloads from the gob sidecar.
func (s *HNSWStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	if meta.Config.Dimensions != s.config.Dimensions {
		return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: meta.Config.Dimensions}
	}

	s.idMap = meta.IDMap
	s.payloads = meta.Payloads
	s.nextKey = meta.NextKey

	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	s.byDoc = make(map[string]map[string]struct{})
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
		docID := meta.Payloads[id].DocumentID
		if s.byDoc[docID] == nil {
			s.byDoc[docID] = make(map[string]struct{})
		}
		s.byDoc[docID][id] = struct{}{}
	}
	return nil
}

// Reset discards all vectors and mappings, leaving an empty store.
func (s *HNSWStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = s.config.M
	graph.EfSearch = s.config.EfSearch
	graph.Ml = 0.25

	s.graph = graph
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.payloads = make(map[string]VectorPayload)
	s.byDoc = make(map[string]map[string]struct{})
	s.nextKey = 0
	return nil
}

// Close marks the store closed. Persistence is explicit via Save.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// normalizeVectorInPlace scales the vector to unit length for cosine distance.
func normalizeVectorInPlace(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// cosineDistanceToScore maps cosine distance (0-2) to similarity (0-1).
func cosineDistanceToScore(distance float32) float32 {
	score := 1 - distance/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
