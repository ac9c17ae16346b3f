// Package semantic owns the vector index: the Qdrant-backed VectorStore, an
// in-process MemoryStore with the same behaviour, and the scalar metadata
// and filter model shared by both.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/folio-press/folio/engine/domain"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointNamespace seeds the name-based UUIDs Qdrant requires as point ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://folio.press/content"))

var errNotReady = errors.New("semantic: collection not ready")

// PointID maps a content id onto the stable Qdrant point id.
func PointID(contentID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(contentID)).String()
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Options tunes a VectorStore.
type Options struct {
	// Timeout bounds every call to Qdrant.
	Timeout time.Duration
	// ReadyTimeout bounds the wait for a freshly created collection.
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		ReadyTimeout: 5 * time.Second,
	}
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	opts        Options
	log         *slog.Logger

	ready  atomic.Bool
	dims   atomic.Int64
	metric atomic.Value // Metric
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// The store reports unavailable until EnsureIndex succeeds.
func New(addr, collection string, opts Options) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, opts)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore on pre-built gRPC clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, opts Options) *VectorStore {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = def.ReadyTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	vs := &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		opts:        opts,
		log:         log,
	}
	vs.metric.Store(MetricCosine)
	return vs
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Available reports whether the collection has been provisioned.
func (v *VectorStore) Available() bool { return v.ready.Load() }

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

func (v *VectorStore) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, v.opts.Timeout)
}

// EnsureIndex creates the collection if it doesn't exist, then waits a
// bounded time for Qdrant to report it ready. An existing collection with a
// different vector size is a provisioning failure.
func (v *VectorStore) EnsureIndex(ctx context.Context, dims int, metric Metric) error {
	if dims <= 0 {
		return domain.NewError(domain.ErrIndexProvisioningFailed, "semantic.ensure_index", fmt.Errorf("invalid dimension %d", dims))
	}
	distance, err := toDistance(metric)
	if err != nil {
		return domain.NewError(domain.ErrIndexProvisioningFailed, "semantic.ensure_index", err)
	}

	exists, err := v.exists(ctx)
	if err != nil {
		return domain.NewError(domain.ErrIndexProvisioningFailed, "semantic.ensure_index", err)
	}

	if exists {
		if err := v.checkDimension(ctx, dims); err != nil {
			return domain.NewError(domain.ErrIndexProvisioningFailed, "semantic.ensure_index", err)
		}
	} else {
		cctx, cancel := v.call(ctx)
		_, err = v.collections.Create(cctx, &pb.CreateCollection{
			CollectionName: v.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(dims),
						Distance: distance,
					},
				},
			},
		})
		cancel()
		if err != nil {
			return domain.NewError(domain.ErrIndexProvisioningFailed, "semantic.ensure_index",
				fmt.Errorf("create collection %s: %w", v.collection, err))
		}
		v.log.Info("semantic: collection created", "collection", v.collection, "dims", dims, "metric", metric)
		if err := v.waitReady(ctx); err != nil {
			// Provisioning is asynchronous on the Qdrant side; writes before
			// green are still accepted, so a slow collection is not fatal.
			v.log.Warn("semantic: collection not ready within bound", "collection", v.collection, "error", err)
		}
	}

	v.dims.Store(int64(dims))
	v.metric.Store(metric)
	v.ready.Store(true)
	return nil
}

func (v *VectorStore) exists(ctx context.Context) (bool, error) {
	cctx, cancel := v.call(ctx)
	defer cancel()
	list, err := v.collections.List(cctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return true, nil
		}
	}
	return false, nil
}

func (v *VectorStore) checkDimension(ctx context.Context, dims int) error {
	cctx, cancel := v.call(ctx)
	defer cancel()
	info, err := v.collections.Get(cctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("collection info %s: %w", v.collection, err)
	}
	size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != 0 && size != uint64(dims) {
		return fmt.Errorf("collection %s has dimension %d, want %d", v.collection, size, dims)
	}
	return nil
}

func (v *VectorStore) waitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = v.opts.ReadyTimeout

	return backoff.Retry(func() error {
		cctx, cancel := v.call(ctx)
		defer cancel()
		info, err := v.collections.Get(cctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
		if err != nil {
			return err
		}
		if info.GetResult().GetStatus() != pb.CollectionStatus_Green {
			return errNotReady
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// DeleteCollection deletes the collection and marks the store unavailable.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	cctx, cancel := v.call(ctx)
	defer cancel()
	_, err := v.collections.Delete(cctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	v.ready.Store(false)
	return nil
}

// Upsert writes one record with overwrite semantics. A store that has not
// been provisioned logs and skips the write.
func (v *VectorStore) Upsert(ctx context.Context, id string, embedding []float32, md Metadata) error {
	const op = "semantic.upsert"
	if !v.Available() {
		v.log.Warn("semantic: index unavailable, skipping upsert", "content_id", id)
		return nil
	}
	if dims := int(v.dims.Load()); dims > 0 && len(embedding) != dims {
		return domain.NewErrorID(domain.ErrIndexWriteFailed, op, id,
			fmt.Errorf("embedding has %d dimensions, index has %d", len(embedding), dims))
	}
	if md.ContentID == "" {
		md.ContentID = id
	}
	payload, err := toPayload(md.Fields())
	if err != nil {
		return domain.NewErrorID(domain.ErrIndexWriteFailed, op, id, err)
	}

	wait := true
	cctx, cancel := v.call(ctx)
	defer cancel()
	_, err = v.points.Upsert(cctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: embedding},
				},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return domain.NewErrorID(domain.ErrIndexWriteFailed, op, id, err)
	}
	return nil
}

// Delete removes one record. Deleting a missing id is not an error.
func (v *VectorStore) Delete(ctx context.Context, id string) error {
	return v.DeleteMany(ctx, []string{id})
}

// DeleteMany removes records by content id.
func (v *VectorStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if !v.Available() {
		v.log.Warn("semantic: index unavailable, skipping delete", "count", len(ids))
		return nil
	}

	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}

	wait := true
	cctx, cancel := v.call(ctx)
	defer cancel()
	_, err := v.points.Delete(cctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return domain.NewError(domain.ErrIndexWriteFailed, "semantic.delete",
			fmt.Errorf("delete %d points: %w", len(ids), err))
	}
	return nil
}

// Query returns up to topK records nearest to embedding, ordered by score
// descending. The filter is evaluated by Qdrant.
func (v *VectorStore) Query(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Match, error) {
	const op = "semantic.query"
	if !v.Available() {
		return nil, domain.NewError(domain.ErrIndexUnavailable, op, nil)
	}
	if topK <= 0 {
		return nil, nil
	}
	qf, err := toFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cctx, cancel := v.call(ctx)
	defer cancel()
	resp, err := v.points.Search(cctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		Filter:         qf,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, domain.NewError(domain.ErrIndexUnavailable, op, err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		md := MetadataFromFields(fromPayload(r.GetPayload()))
		id := md.ContentID
		if id == "" {
			id = r.GetId().GetUuid()
		}
		matches = append(matches, Match{ID: id, Score: r.GetScore(), Metadata: md})
	}
	return matches, nil
}

// FetchByID returns the stored record for a content id; ok is false when
// the id is not indexed.
func (v *VectorStore) FetchByID(ctx context.Context, id string) (rec Record, ok bool, err error) {
	const op = "semantic.fetch"
	if !v.Available() {
		return Record{}, false, domain.NewErrorID(domain.ErrIndexUnavailable, op, id, nil)
	}

	cctx, cancel := v.call(ctx)
	defer cancel()
	resp, err := v.points.Get(cctx, &pb.GetPoints{
		CollectionName: v.collection,
		Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return Record{}, false, domain.NewErrorID(domain.ErrIndexUnavailable, op, id, err)
	}
	if len(resp.GetResult()) == 0 {
		return Record{}, false, nil
	}

	p := resp.GetResult()[0]
	return Record{
		ID:        id,
		Embedding: p.GetVectors().GetVector().GetData(),
		Metadata:  MetadataFromFields(fromPayload(p.GetPayload())),
	}, true, nil
}

// Stats reports record count and configured dimension.
func (v *VectorStore) Stats(ctx context.Context) (Stats, error) {
	if !v.Available() {
		return Stats{}, domain.NewError(domain.ErrIndexUnavailable, "semantic.stats", nil)
	}
	cctx, cancel := v.call(ctx)
	defer cancel()
	info, err := v.collections.Get(cctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return Stats{}, domain.NewError(domain.ErrIndexUnavailable, "semantic.stats", err)
	}
	res := info.GetResult()
	st := Stats{
		Count:     res.GetPointsCount(),
		Dimension: int(res.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
		Metric:    v.metric.Load().(Metric),
	}
	if st.Dimension == 0 {
		st.Dimension = int(v.dims.Load())
	}
	return st, nil
}

// Count returns the exact number of stored records.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	if !v.Available() {
		return 0, domain.NewError(domain.ErrIndexUnavailable, "semantic.count", nil)
	}
	exact := true
	cctx, cancel := v.call(ctx)
	defer cancel()
	resp, err := v.points.Count(cctx, &pb.CountPoints{CollectionName: v.collection, Exact: &exact})
	if err != nil {
		return 0, domain.NewError(domain.ErrIndexUnavailable, "semantic.count", err)
	}
	return resp.GetResult().GetCount(), nil
}

func toDistance(m Metric) (pb.Distance, error) {
	switch m {
	case MetricCosine, "":
		return pb.Distance_Cosine, nil
	case MetricDot:
		return pb.Distance_Dot, nil
	case MetricEuclidean:
		return pb.Distance_Euclid, nil
	default:
		return pb.Distance_UnknownDistance, fmt.Errorf("unsupported metric %q", m)
	}
}

func toPayload(fields map[string]Value) (map[string]*pb.Value, error) {
	payload := make(map[string]*pb.Value, len(fields))
	for k, val := range fields {
		switch val.Kind() {
		case KindString:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: val.Str()}}
		case KindInt:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val.Int()}}
		case KindFloat:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val.Float()}}
		case KindBool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val.Bool()}}
		default:
			return nil, fmt.Errorf("%w: key %q", ErrUnsupportedValue, k)
		}
	}
	return payload, nil
}

// fromPayload decodes scalar payload values; lists, structs and nulls are skipped.
func fromPayload(payload map[string]*pb.Value) map[string]Value {
	out := make(map[string]Value, len(payload))
	for k, val := range payload {
		switch kv := val.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = String(kv.StringValue)
		case *pb.Value_IntegerValue:
			out[k] = Int(kv.IntegerValue)
		case *pb.Value_DoubleValue:
			out[k] = Float(kv.DoubleValue)
		case *pb.Value_BoolValue:
			out[k] = Bool(kv.BoolValue)
		}
	}
	return out
}

func toFilter(f Filter) (*pb.Filter, error) {
	if f.IsEmpty() {
		return nil, nil
	}
	out := &pb.Filter{}
	for _, c := range f.Must {
		cond, err := fieldMatch(c.Key, c.Value)
		if err != nil {
			return nil, err
		}
		out.Must = append(out.Must, cond)
	}
	for _, c := range f.MustNot {
		cond, err := fieldMatch(c.Key, c.Value)
		if err != nil {
			return nil, err
		}
		out.MustNot = append(out.MustNot, cond)
	}
	return out, nil
}

func fieldMatch(key string, value Value) (*pb.Condition, error) {
	fc := &pb.FieldCondition{Key: key}
	switch value.Kind() {
	case KindString:
		fc.Match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value.Str()}}
	case KindInt:
		fc.Match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: value.Int()}}
	case KindBool:
		fc.Match = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: value.Bool()}}
	case KindFloat:
		// Qdrant has no exact float match; a closed range is equivalent.
		f := value.Float()
		fc.Range = &pb.Range{Gte: &f, Lte: &f}
	default:
		return nil, fmt.Errorf("%w: filter key %q", ErrUnsupportedValue, key)
	}
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: fc}}, nil
}
