package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"memory-gateway/config"
	"memory-gateway/memerr"
)

const (
	payloadID       = "id"
	payloadText     = "text"
	payloadMetadata = "metadata"
)

/*
Qdrant forwards to a remote Qdrant server over gRPC. It is the deployment
where the store only knows one shared API key and the gateway is the sole
holder of it.

Qdrant point IDs are numeric or UUIDs, so the caller's opaque ID is hashed to
a uint64 and kept verbatim in the payload.
*/
type Qdrant struct {
	client   *qdrant.Client
	distance config.DistanceType
	// dimensionality per collection, filled lazily
	dims sync.Map
}

/*
NewQdrant connects to the server at storeConfig.QdrantURL. The HTTP port
6333 is mapped to the gRPC port 6334.
*/
func NewQdrant(storeConfig config.StoreConfig, distance config.DistanceType) (*Qdrant, error) {
	if _, err := qdrantDistance(distance); err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(storeConfig.QdrantURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	port := 6334
	if portStr := parsedURL.Port(); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil && p != 6333 {
			port = p
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   parsedURL.Hostname(),
		Port:                   port,
		APIKey:                 storeConfig.QdrantAPIKey,
		UseTLS:                 storeConfig.QdrantTLS || parsedURL.Scheme == "https",
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, memerr.Unreachable(err, "connect to qdrant at %s", parsedURL.Host)
	}

	q := &Qdrant{client: client, distance: distance}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Ping(ctx); err != nil {
		// the health endpoint keeps reporting it; requests fail with upstream errors
		log.WithError(err).Warn("Qdrant is not reachable yet")
	}
	return q, nil
}

func (q *Qdrant) CreateCollection(ctx context.Context, name string, dims int) error {
	if dims <= 0 {
		return memerr.New(memerr.KindValidation, "dimensions must be positive, got %d", dims)
	}

	existing, err := q.CollectionInfo(ctx, name)
	if err == nil {
		return checkDimensions(name, existing.Dimensions, dims)
	}
	if !errors.Is(err, memerr.ErrNotFound) {
		return err
	}

	distance, _ := qdrantDistance(q.distance)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: distance,
		}),
	})
	if status.Code(err) == codes.AlreadyExists {
		// lost a creation race; the winner decides the dimensionality
		existing, infoErr := q.CollectionInfo(ctx, name)
		if infoErr != nil {
			return infoErr
		}
		return checkDimensions(name, existing.Dimensions, dims)
	}
	if err != nil {
		return q.mapError(err, "create collection %s", name)
	}
	q.dims.Store(name, dims)
	return nil
}

func (q *Qdrant) CollectionInfo(ctx context.Context, name string) (Collection, error) {
	info, err := q.client.GetCollectionInfo(ctx, name)
	if err != nil {
		if isNotFound(err) {
			q.dims.Delete(name)
			return Collection{}, collectionNotFound(name)
		}
		return Collection{}, q.mapError(err, "read collection %s", name)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	dims := int(params.GetSize())
	q.dims.Store(name, dims)
	return Collection{
		Name:       name,
		Dimensions: dims,
		Distance:   fromQdrantDistance(params.GetDistance()),
		Count:      int(info.GetPointsCount()),
	}, nil
}

func (q *Qdrant) ListCollections(ctx context.Context) ([]Collection, error) {
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, q.mapError(err, "list collections")
	}
	sort.Strings(names)

	collections := make([]Collection, 0, len(names))
	for _, name := range names {
		info, err := q.CollectionInfo(ctx, name)
		if errors.Is(err, memerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		collections = append(collections, info)
	}
	return collections, nil
}

func (q *Qdrant) DeleteCollection(ctx context.Context, name string) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return q.mapError(err, "check collection %s", name)
	}
	if !exists {
		return collectionNotFound(name)
	}
	if err := q.client.DeleteCollection(ctx, name); err != nil {
		return q.mapError(err, "delete collection %s", name)
	}
	q.dims.Delete(name)
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	dims, err := q.dimensions(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDimensions(collection, dims, len(record.Embedding)); err != nil {
		return err
	}

	payload, err := buildPayload(record)
	if err != nil {
		return err
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDNum(hashID(record.ID)),
				Vectors: qdrant.NewVectors(record.Embedding...),
				Payload: payload,
			},
		},
	})
	if err != nil {
		return q.collectionError(err, collection, "upsert %s into %s", record.ID, collection)
	}
	return nil
}

func (q *Qdrant) Get(ctx context.Context, collection, id string) (Record, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(hashID(id))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return Record{}, q.collectionError(err, collection, "get %s from %s", id, collection)
	}
	return retrievedRecord(collection, id, points)
}

/*
retrievedRecord picks the record stored under id from the points of a lookup.
Point IDs are hashes, so a point whose payload carries another ID is a
collision and counts as absent.
*/
func retrievedRecord(collection, id string, points []*qdrant.RetrievedPoint) (Record, error) {
	for _, point := range points {
		if point.GetPayload()[payloadID].GetStringValue() == id {
			return payloadToRecord(point.GetPayload(), vectorData(point.GetVectors())), nil
		}
	}
	return Record{}, recordNotFound(collection, id)
}

func (q *Qdrant) Query(ctx context.Context, collection string, embedding []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, memerr.New(memerr.KindValidation, "k must be positive, got %d", k)
	}
	info, err := q.CollectionInfo(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimensions(collection, info.Dimensions, len(embedding)); err != nil {
		return nil, err
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, q.collectionError(err, collection, "query %s", collection)
	}

	matches := make([]Match, 0, len(points))
	for _, point := range points {
		matches = append(matches, Match{
			Record:   payloadToRecord(point.GetPayload(), vectorData(point.GetVectors())),
			Distance: scoreToDistance(info.Distance, point.GetScore()),
		})
	}
	return matches, nil
}

func (q *Qdrant) Delete(ctx context.Context, collection, id string) error {
	// a point holding a colliding ID is left alone
	if _, err := q.Get(ctx, collection, id); err != nil {
		return err
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(hashID(id))),
	})
	if err != nil {
		return q.collectionError(err, collection, "delete %s from %s", id, collection)
	}
	return nil
}

func (q *Qdrant) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return memerr.Unreachable(err, "qdrant health check")
	}
	return nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func (q *Qdrant) dimensions(ctx context.Context, collection string) (int, error) {
	if dims, ok := q.dims.Load(collection); ok {
		return dims.(int), nil
	}
	info, err := q.CollectionInfo(ctx, collection)
	if err != nil {
		return 0, err
	}
	return info.Dimensions, nil
}

// collectionError maps a point-level failure, treating gRPC NotFound as a missing collection.
func (q *Qdrant) collectionError(err error, collection, format string, args ...any) error {
	if isNotFound(err) {
		q.dims.Delete(collection)
		return collectionNotFound(collection)
	}
	return q.mapError(err, format, args...)
}

func (q *Qdrant) mapError(err error, format string, args ...any) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return memerr.Unreachable(err, format, args...)
	case codes.Unauthenticated, codes.PermissionDenied:
		// the gateway's own store credential was refused; not the caller's fault
		return memerr.Unreachable(err, format, args...)
	case codes.InvalidArgument:
		return memerr.Wrap(memerr.KindValidation, err, format, args...)
	case codes.Canceled:
		return memerr.Wrap(memerr.KindUpstream, err, format, args...)
	default:
		return upstream(err, format, args...)
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// hashID maps an opaque record ID to a Qdrant point ID using the first 8 bytes of its SHA-256.
func hashID(id string) uint64 {
	h := sha256.Sum256([]byte(id))
	return binary.BigEndian.Uint64(h[:8])
}

func qdrantDistance(dt config.DistanceType) (qdrant.Distance, error) {
	switch dt {
	case config.DistanceTypeCosine:
		return qdrant.Distance_Cosine, nil
	case config.DistanceTypeEuclidean:
		return qdrant.Distance_Euclid, nil
	case config.DistanceTypeManhattan:
		return qdrant.Distance_Manhattan, nil
	default:
		return 0, fmt.Errorf("qdrant does not support %s distance", dt)
	}
}

func fromQdrantDistance(d qdrant.Distance) config.DistanceType {
	switch d {
	case qdrant.Distance_Euclid:
		return config.DistanceTypeEuclidean
	case qdrant.Distance_Manhattan:
		return config.DistanceTypeManhattan
	default:
		return config.DistanceTypeCosine
	}
}

// scoreToDistance turns a Qdrant score into a distance where smaller is nearer.
func scoreToDistance(dt config.DistanceType, score float32) float32 {
	if dt == config.DistanceTypeCosine {
		return 1 - score
	}
	// euclid and manhattan scores are already distances
	return score
}

func buildPayload(record Record) (map[string]*qdrant.Value, error) {
	metadata := make(map[string]any, len(record.Metadata))
	for key, value := range record.Metadata {
		// the client only knows plain Go scalars
		if f, ok := toFloat(value); ok {
			value = f
		}
		metadata[key] = value
	}

	payload, err := qdrant.TryValueMap(map[string]any{
		payloadID:       record.ID,
		payloadText:     record.Text,
		payloadMetadata: metadata,
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, err, "encode payload of %s", record.ID)
	}
	return payload, nil
}

func buildFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}

	conditions := make([]*qdrant.Condition, 0, len(filter))
	for _, key := range filter.Keys() {
		field := payloadMetadata + "." + key
		switch value := filter[key].(type) {
		case string:
			conditions = append(conditions, qdrant.NewMatch(field, value))
		case bool:
			conditions = append(conditions, qdrant.NewMatchBool(field, value))
		default:
			// numbers match by a closed range so integer and double payloads compare equal
			if f, ok := toFloat(value); ok {
				conditions = append(conditions, qdrant.NewRange(field, &qdrant.Range{Gte: &f, Lte: &f}))
			}
		}
	}
	return &qdrant.Filter{Must: conditions}
}

func payloadToRecord(payload map[string]*qdrant.Value, embedding []float32) Record {
	record := Record{
		ID:        payload[payloadID].GetStringValue(),
		Text:      payload[payloadText].GetStringValue(),
		Embedding: embedding,
	}
	if fields := payload[payloadMetadata].GetStructValue().GetFields(); len(fields) > 0 {
		record.Metadata = make(map[string]any, len(fields))
		for key, value := range fields {
			record.Metadata[key] = convertQdrantValue(value)
		}
	}
	return record
}

func vectorData(vectors *qdrant.VectorsOutput) []float32 {
	vector := vectors.GetVector()
	if dense := vector.GetDense(); dense != nil {
		return dense.GetData()
	}
	return vector.GetData()
}

func convertQdrantValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.GetStringValue()
	case *qdrant.Value_IntegerValue:
		return float64(v.GetIntegerValue())
	case *qdrant.Value_DoubleValue:
		return v.GetDoubleValue()
	case *qdrant.Value_BoolValue:
		return v.GetBoolValue()
	default:
		// not written by this gateway; surface it as JSON text
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(data)
	}
}
