package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
)

// system databases never included when a deployment scope is expanded
var systemDatabases = map[string]bool{"admin": true, "config": true, "local": true}

// MongoClient implements Client against a live MongoDB deployment.
type MongoClient struct {
	client *mongo.Client
}

type MongoConfig struct {
	// URI is the deployment connection string.
	URI string
	// ConnectTimeout bounds the initial server selection.
	ConnectTimeout time.Duration
}

func (c *MongoConfig) validate() error {
	var errGrp []error
	if c.URI == "" {
		errGrp = append(errGrp, errors.New("connection URI cannot be empty"))
	}
	return errors.Join(errGrp...)
}

// NewMongoClient connects and verifies the deployment is reachable.
func NewMongoClient(ctx context.Context, cfg *MongoConfig) (*MongoClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach deployment: %w", err)
	}

	return &MongoClient{client: client}, nil
}

func (m *MongoClient) Watch(ctx context.Context, opts WatchOptions) (ChangeStream, error) {
	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if opts.MaxAwait > 0 {
		csOpts.SetMaxAwaitTime(opts.MaxAwait)
	}
	if opts.BatchSize > 0 {
		csOpts.SetBatchSize(opts.BatchSize)
	}
	// StartAfter rather than ResumeAfter: it survives resuming past an
	// invalidate event, which the reopen path depends on.
	if len(opts.ResumeAfter) > 0 {
		csOpts.SetStartAfter(opts.ResumeAfter)
	} else if opts.StartAtOperationTime != nil {
		csOpts.SetStartAtOperationTime(opts.StartAtOperationTime)
	}

	pl := opts.Pipeline
	if pl == nil {
		pl = mongo.Pipeline{}
	}

	var (
		cs  *mongo.ChangeStream
		err error
	)
	switch {
	case opts.Scope.IsDeployment():
		cs, err = m.client.Watch(ctx, pl, csOpts)
	case opts.Scope.IsDatabase():
		cs, err = m.client.Database(opts.Scope.Database).Watch(ctx, pl, csOpts)
	default:
		cs, err = m.client.Database(opts.Scope.Database).
			Collection(opts.Scope.Collection).
			Watch(ctx, pl, csOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream at %s: %w", opts.Scope, err)
	}
	return &mongoChangeStream{cs: cs}, nil
}

func (m *MongoClient) ScanExisting(ctx context.Context, ns namespace.Namespace, part Partition, filter mongo.Pipeline) (DocumentCursor, error) {
	pl := mongo.Pipeline{}
	if part.Total > 1 {
		// hashed-id bucketing; $toHashedIndexKey needs server 7.0 or later
		pl = append(pl, bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{
			{Key: "$eq", Value: bson.A{
				bson.D{{Key: "$abs", Value: bson.D{{Key: "$mod", Value: bson.A{
					bson.D{{Key: "$toHashedIndexKey", Value: "$_id"}},
					part.Total,
				}}}}},
				part.Index,
			}},
		}}}}})
	}
	pl = append(pl, filter...)

	cur, err := m.client.Database(ns.Database).Collection(ns.Collection).Aggregate(ctx, pl)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan of %s: %w", ns, err)
	}
	return &mongoDocumentCursor{cur: cur}, nil
}

func (m *MongoClient) ListNamespaces(ctx context.Context, scope namespace.Namespace) ([]namespace.Namespace, error) {
	if scope.IsCollection() {
		return []namespace.Namespace{scope}, nil
	}

	databases := []string{scope.Database}
	if scope.IsDeployment() {
		names, err := m.client.ListDatabaseNames(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("failed to list databases: %w", err)
		}
		databases = databases[:0]
		for _, name := range names {
			if !systemDatabases[name] {
				databases = append(databases, name)
			}
		}
	}

	var out []namespace.Namespace
	for _, db := range databases {
		colls, err := m.client.Database(db).ListCollectionNames(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("failed to list collections of %s: %w", db, err)
		}
		for _, coll := range colls {
			if strings.HasPrefix(coll, "system.") {
				continue
			}
			out = append(out, namespace.New(db, coll))
		}
	}
	return out, nil
}

// CurrentPosition opens a throwaway stream on the scope and takes its
// post-batch resume token, a position valid at or before the call. Falls back
// to the wall clock when the server reports no token.
func (m *MongoClient) CurrentPosition(ctx context.Context, scope namespace.Namespace) (cursor.Position, error) {
	stream, err := m.Watch(ctx, WatchOptions{Scope: scope, MaxAwait: time.Millisecond})
	if err != nil {
		return cursor.Position{}, fmt.Errorf("failed to capture start position: %w", err)
	}
	defer func() {
		if cerr := stream.Close(ctx); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close position probe stream")
		}
	}()

	// a single pull forces the server to report a post-batch token
	if _, _, err := stream.TryNext(ctx); err != nil {
		return cursor.Position{}, fmt.Errorf("failed to capture start position: %w", err)
	}
	if token := stream.ResumeToken(); len(token) > 0 {
		return cursor.TokenPosition(token, primitiveNow()), nil
	}
	return cursor.WallClockPosition(time.Now()), nil
}

func (m *MongoClient) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func primitiveNow() primitive.Timestamp {
	return primitive.Timestamp{T: uint32(time.Now().Unix())}
}

type mongoChangeStream struct {
	cs *mongo.ChangeStream
}

func (s *mongoChangeStream) TryNext(ctx context.Context) (bson.Raw, bool, error) {
	if s.cs.TryNext(ctx) {
		// Current is reused by the driver between pulls
		out := make(bson.Raw, len(s.cs.Current))
		copy(out, s.cs.Current)
		return out, true, nil
	}
	if err := s.cs.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (s *mongoChangeStream) ResumeToken() bson.Raw {
	return s.cs.ResumeToken()
}

func (s *mongoChangeStream) Close(ctx context.Context) error {
	return s.cs.Close(ctx)
}

type mongoDocumentCursor struct {
	cur *mongo.Cursor
}

func (c *mongoDocumentCursor) Next(ctx context.Context) (bson.Raw, bool, error) {
	if c.cur.Next(ctx) {
		out := make(bson.Raw, len(c.cur.Current))
		copy(out, c.cur.Current)
		return out, true, nil
	}
	if err := c.cur.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (c *mongoDocumentCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
