package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

const (
	courseIDField   = "course_id"
	upsertBatchSize = 256
)

// QdrantStore mirrors a corpus snapshot into a Qdrant collection and serves
// subset searches from it.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant client bound to the collection for the
// corpus snapshot identified by checksum.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, checksum string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: CollectionName(checksum)}, nil
}

// CollectionName is the collection holding the snapshot with this checksum.
func CollectionName(checksum string) string {
	return "syllabus_" + short(checksum)
}

// Collection returns the bound collection name.
func (s *QdrantStore) Collection() string {
	return s.collection
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the snapshot collection and uploads points. An
// existing collection is reused only when it holds exactly len(points)
// points; a partial upload from an interrupted start is dropped and rebuilt.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int, points []Point) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	var count uint64
	if exists {
		count, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collection,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to count points: %w", err)
		}
	}

	switch collectionAction(exists, count, len(points)) {
	case actionReuse:
		slog.Debug("qdrant collection already present", "collection", s.collection, "points", count)
		return nil
	case actionRebuild:
		slog.Warn("qdrant collection incomplete, rebuilding",
			"collection", s.collection,
			"points", count,
			"want", len(points),
		)
		if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Euclid,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for start := 0; start < len(points); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(points))
		if err := s.upsert(ctx, points[start:end]); err != nil {
			return err
		}
	}

	slog.Info("qdrant collection populated", "collection", s.collection, "points", len(points))
	return nil
}

type ensureAction int

const (
	actionCreate ensureAction = iota
	actionReuse
	actionRebuild
)

// collectionAction decides what to do with the snapshot collection given
// whether it exists and how many points it holds.
func collectionAction(exists bool, count uint64, want int) ensureAction {
	switch {
	case !exists:
		return actionCreate
	case count == uint64(want):
		return actionReuse
	default:
		return actionRebuild
	}
}

func (s *QdrantStore) upsert(ctx context.Context, points []Point) error {
	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				courseIDField: qdrant.NewValueString(p.CourseID),
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// SearchIDs returns the k nearest points among ids. Qdrant reports Euclid
// distance, which is squared here to match FlatIndex.
func (s *QdrantStore) SearchIDs(ctx context.Context, query []float32, ids []int, k int) ([]Hit, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyCorpus
	}
	if k <= 0 {
		return nil, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDNum(uint64(id))
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewHasID(pointIDs...),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, 0, len(response))
	for _, point := range response {
		hits = append(hits, Hit{
			ID:       int(point.Id.GetNum()),
			Distance: point.Score * point.Score,
		})
	}
	sortHits(hits)
	return hits, nil
}

// Ensure QdrantStore implements SubsetSearcher
var _ SubsetSearcher = (*QdrantStore)(nil)
