package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements VectorStore backed by a remote Qdrant server.
// Persistence is server-side, so Save and Load are no-ops.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	config     VectorStoreConfig
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and ensures the collection exists.
// urlStr is the HTTP endpoint (e.g. "http://localhost:6333"); the gRPC
// port is derived as HTTP port + 1.
func NewQdrantStore(ctx context.Context, urlStr, collection string, cfg VectorStoreConfig) (*QdrantStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant URL: %w", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 6334
	if parsedURL.Port() != "" {
		if httpPort, err := strconv.Atoi(parsedURL.Port()); err == nil {
			port = httpPort + 1
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: collection,
		config:     cfg,
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureCollection creates the collection if absent and validates the
// vector size when it already exists.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to get collection info: %w", err)
	}
	if config := info.Config; config != nil && config.Params != nil {
		if vc := config.Params.GetVectorsConfig(); vc != nil {
			if params := vc.GetParams(); params != nil && params.Size != 0 {
				if int(params.Size) != s.config.Dimensions {
					return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: int(params.Size)}
				}
			}
		}
	}
	return nil
}

// Add upserts vectors with their payloads.
func (s *QdrantStore) Add(ctx context.Context, items []*VectorItem) error {
	if len(items) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(items))
	for _, item := range items {
		if len(item.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(item.Vector)}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(toPointUUID(item.ID)),
			Vectors: qdrant.NewVectors(item.Vector...),
			Payload: qdrant.NewValueMap(payloadToMap(item.Payload)),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search finds the k nearest vectors to the query.
func (s *QdrantStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if k <= 0 {
		return []*VectorResult{}, nil
	}

	limit := uint64(k)
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]*VectorResult, 0, len(scored))
	for _, point := range scored {
		if point.Id == nil {
			continue
		}
		results = append(results, &VectorResult{
			ID:      fromPointUUID(point.Id.GetUuid()),
			Score:   point.Score,
			Payload: payloadFromMap(point.Payload),
		})
	}
	return results, nil
}

// Delete removes vectors by ID.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(toPointUUID(id)))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// DeleteByDocument removes every vector whose payload references the document.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for document %s: %w", documentID, err)
	}
	return nil
}

// AllIDs scrolls the collection and returns every vector ID.
func (s *QdrantStore) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var offset *qdrant.PointId
	limit := uint32(256)

	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(false),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll points: %w", err)
		}
		if len(points) == 0 {
			break
		}
		for _, point := range points {
			if point.Id != nil {
				ids = append(ids, fromPointUUID(point.Id.GetUuid()))
			}
		}
		offset = points[len(points)-1].Id
		if len(points) < int(limit) {
			break
		}
	}
	return ids, nil
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

// Healthy verifies the server is reachable and the collection exists.
func (s *QdrantStore) Healthy(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("collection %s does not exist", s.collection)
	}
	return nil
}

// Reset drops and recreates the collection.
func (s *QdrantStore) Reset(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.ensureCollection(ctx)
}

// Save is a no-op; Qdrant persists server-side.
func (s *QdrantStore) Save(path string) error { return nil }

// Load is a no-op; Qdrant persists server-side.
func (s *QdrantStore) Load(path string) error { return nil }

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// toPointUUID formats a 32-char hex chunk ID as a canonical UUID,
// which Qdrant requires for string point IDs.
func toPointUUID(id string) string {
	if len(id) != 32 {
		return id
	}
	return id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32]
}

// fromPointUUID strips the dashes back out of a point UUID.
func fromPointUUID(u string) string {
	return strings.ReplaceAll(u, "-", "")
}

func payloadToMap(p VectorPayload) map[string]any {
	return map[string]any{
		"document_id":     p.DocumentID,
		"level":           p.Level,
		"chunk_index":     int64(p.Index),
		"parent_heading":  p.ParentHeading,
		"section_path":    p.SectionPath,
		"chunk_hash":      p.ChunkHash,
		"embedding_model": p.EmbeddingModel,
	}
}

func payloadFromMap(m map[string]*qdrant.Value) VectorPayload {
	var p VectorPayload
	if v, ok := m["document_id"]; ok {
		p.DocumentID = v.GetStringValue()
	}
	if v, ok := m["level"]; ok {
		p.Level = v.GetStringValue()
	}
	if v, ok := m["chunk_index"]; ok {
		p.Index = int(v.GetIntegerValue())
	}
	if v, ok := m["parent_heading"]; ok {
		p.ParentHeading = v.GetStringValue()
	}
	if v, ok := m["section_path"]; ok {
		p.SectionPath = v.GetStringValue()
	}
	if v, ok := m["chunk_hash"]; ok {
		p.ChunkHash = v.GetStringValue()
	}
	if v, ok := m["embedding_model"]; ok {
		p.EmbeddingModel = v.GetStringValue()
	}
	return p
}
