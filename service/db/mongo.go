package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/normalize"
	"github.com/brojonat/tokenflow/service/transfers"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore reads transfers from a MongoDB database holding one collection
// per protocol. Documents keep whatever field names their exporter used and
// are normalized on read; queries match the "from" and "to" fields in both
// lowercase and checksum form.
type MongoStore struct {
	db              *mongo.Database
	defaultDecimals int32
	logger          *slog.Logger
}

// ConnectMongo opens a client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// NewMongoStore wraps database. defaultDecimals applies to documents
// without a decimals field.
func NewMongoStore(database *mongo.Database, defaultDecimals int32, logger *slog.Logger) *MongoStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MongoStore{db: database, defaultDecimals: defaultDecimals, logger: logger}
}

func addressVariants(addr string) bson.M {
	lower := strings.ToLower(addr)
	return bson.M{"$in": bson.A{lower, ledger.ChecksumAddress(lower)}}
}

func (s *MongoStore) candidateCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	sort.Strings(names)
	out := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, "system.") || transfers.SideCollections[name] {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// SelectPartition returns the first collection, by name, holding a
// document sent by protocol.
func (s *MongoStore) SelectPartition(ctx context.Context, protocol string) (string, error) {
	names, err := s.candidateCollections(ctx)
	if err != nil {
		return "", err
	}
	filter := bson.M{"from": addressVariants(protocol)}
	for _, name := range names {
		err := s.db.Collection(name).FindOne(ctx, filter).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to probe collection %s: %w", name, err)
		}
		s.logger.DebugContext(ctx, "selected transfer collection", "protocol", protocol, "collection", name)
		return name, nil
	}
	return "", transfers.ErrNoPartition
}

// Outgoing returns transfers sent by address inside window. Timestamps are
// stored in several encodings, so the window is applied after decoding.
func (s *MongoStore) Outgoing(ctx context.Context, partition, address string, window transfers.TimeRange) ([]ledger.TransferRecord, error) {
	cur, err := s.db.Collection(partition).Find(ctx, bson.M{"from": addressVariants(address)})
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing transfers: %w", err)
	}
	defer cur.Close(ctx)

	var out []ledger.TransferRecord
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode transfer: %w", err)
		}
		rec, err := RecordFromDocument(ctx, doc, s.defaultDecimals)
		if err != nil {
			return nil, err
		}
		if !rec.Timestamp.IsZero() && !window.Contains(rec.Timestamp) {
			continue
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	transfers.SortRecords(out)
	return out, nil
}

// Senders returns the distinct senders of transfers to address.
func (s *MongoStore) Senders(ctx context.Context, partition, to string) ([]string, error) {
	values, err := s.db.Collection(partition).Distinct(ctx, "from", bson.M{"to": addressVariants(to)})
	if err != nil {
		return nil, fmt.Errorf("failed to query senders: %w", err)
	}
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		str = strings.ToLower(str)
		if !seen[str] {
			seen[str] = true
			out = append(out, str)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListPartitions reports the estimated size of every candidate collection.
func (s *MongoStore) ListPartitions(ctx context.Context) ([]transfers.PartitionStats, error) {
	names, err := s.candidateCollections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transfers.PartitionStats, 0, len(names))
	for _, name := range names {
		n, err := s.db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count collection %s: %w", name, err)
		}
		out = append(out, transfers.PartitionStats{Name: name, Records: n})
	}
	return out, nil
}

// RecordFromDocument converts a raw Mongo document to a TransferRecord.
func RecordFromDocument(ctx context.Context, doc bson.M, defaultDecimals int32) (ledger.TransferRecord, error) {
	obj, ok := jqValue(doc).(map[string]any)
	if !ok {
		return ledger.TransferRecord{}, fmt.Errorf("unexpected document shape %T", doc)
	}
	rec, err := normalize.Transfer(ctx, obj, defaultDecimals)
	if err != nil {
		return ledger.TransferRecord{}, fmt.Errorf("failed to normalize transfer: %w", err)
	}
	return rec, nil
}

// jqValue converts BSON values into the plain types jq programs accept.
func jqValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jqValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jqValue(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = jqValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jqValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jqValue(val)
		}
		return out
	case primitive.DateTime:
		return int(t.Time().Unix())
	case primitive.Timestamp:
		return int(t.T)
	case primitive.Decimal128:
		return t.String()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return fmt.Sprint(t)
	}
}
