package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
	"github.com/riverline/mongocdc/internal/operation"
	"github.com/riverline/mongocdc/internal/source"
)

var testRetry = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     4 * time.Millisecond,
}

// originCursor positions a watcher before the first scripted event.
func originCursor() *cursor.Cursor {
	return cursor.NewCursor(cursor.Position{ResumeToken: source.SeqPosition(0)})
}

func newTestWatcher(t *testing.T, fake *source.Fake, scope namespace.Namespace, mutate func(*Config)) *Watcher {
	t.Helper()
	cfg := &Config{
		Client: fake,
		Scope:  scope,
		Cursor: originCursor(),
		Retry:  testRetry,
	}
	if mutate != nil {
		mutate(cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	return w
}

// drain pulls operations until an empty result.
func drain(t *testing.T, w *Watcher) []*operation.Operation {
	t.Helper()
	var ops []*operation.Operation
	for {
		op, err := w.Next(context.Background())
		require.NoError(t, err)
		if op == nil {
			return ops
		}
		ops = append(ops, op)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	got, err := New(&Config{})
	require.Error(t, err)
	require.Nil(t, got)
}

func TestWatcher_TailOrdering(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	for seq := uint32(1); seq <= 3; seq++ {
		fake.AppendEvents(source.InsertEvent(ns, seq, bson.D{{Key: "_id", Value: int32(seq)}}))
	}

	w := newTestWatcher(t, fake, ns, nil)
	req.Equal(StateUnopened, w.State())

	ops := drain(t, w)
	req.Len(ops, 3)
	for i, op := range ops {
		req.Equal(operation.TypeInsert, op.Type)
		req.Equal(ns, op.Namespace)
		req.Equal(int32(i+1), op.FullDocument.Lookup("_id").Int32())
	}
	req.Equal(StateTailing, w.State())

	// the cursor sits past the last delivered event
	req.False(w.Position().IsZero())
	req.Equal(0, w.Position().Compare(cursor.Position{ResumeToken: source.SeqPosition(3)}))
}

func TestWatcher_UnknownEventTypeAdvancesCursor(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	rename, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: "000000000007"}}},
		{Key: "operationType", Value: "rename"},
	})
	req.NoError(err)

	fake := source.NewFake()
	fake.AppendEvents(rename)

	w := newTestWatcher(t, fake, ns, nil)
	ops := drain(t, w)
	req.Empty(ops)

	// rejected events still move the cursor so a restart skips them
	req.Equal(0, w.Position().Compare(cursor.Position{ResumeToken: mustToken(t, "000000000007")}))
}

func TestWatcher_DropSurvivability(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.AppendEvents(
		source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: int32(1)}}),
		source.InsertEvent(ns, 2, bson.D{{Key: "_id", Value: int32(2)}}),
		source.DropEvent(ns, 3),
		source.InsertEvent(ns, 4, bson.D{{Key: "_id", Value: int32(4)}}),
		source.InsertEvent(ns, 5, bson.D{{Key: "_id", Value: int32(5)}}),
	)

	w := newTestWatcher(t, fake, ns, nil)
	ops := drain(t, w)

	types := make([]operation.Type, 0, len(ops))
	for _, op := range ops {
		types = append(types, op.Type)
	}
	req.Equal([]operation.Type{
		operation.TypeInsert,
		operation.TypeInsert,
		operation.TypeDropCollection,
		operation.TypeInsert,
		operation.TypeInsert,
	}, types)

	// the drop forced a reopen one scope broader, pinned to the watched namespace
	calls := fake.WatchCalls()
	req.Len(calls, 2)
	req.Equal(ns, calls[0].Scope)
	req.Equal(namespace.Namespace{Database: "shop"}, calls[1].Scope)
	req.NotEmpty(calls[1].Pipeline)
	req.Equal(source.SeqPosition(3), calls[1].ResumeAfter)
}

func TestWatcher_InvalidateReopensWithoutEmitting(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.AppendEvents(
		source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: int32(1)}}),
		source.InvalidateEvent(2),
		source.InsertEvent(ns, 3, bson.D{{Key: "_id", Value: int32(3)}}),
	)

	w := newTestWatcher(t, fake, ns, nil)
	ops := drain(t, w)

	req.Len(ops, 2)
	req.Equal(operation.TypeInsert, ops[0].Type)
	req.Equal(operation.TypeInsert, ops[1].Type)

	calls := fake.WatchCalls()
	req.Len(calls, 2)
	req.Equal(namespace.Namespace{Database: "shop"}, calls[1].Scope)
}

func TestWatcher_TransientOpenRetries(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.FailNextWatch(errors.New("connection refused"))
	fake.AppendEvents(source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: int32(1)}}))

	w := newTestWatcher(t, fake, ns, nil)
	ops := drain(t, w)
	req.Len(ops, 1)
	req.Len(fake.WatchCalls(), 2)
}

func TestWatcher_OpenRetriesExhausted(t *testing.T) {
	t.Parallel()
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.FailNextWatch(
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	)

	w := newTestWatcher(t, fake, ns, nil)
	_, err := w.Next(context.Background())
	require.Error(t, err)
}

func TestWatcher_ResumeLostIsFatalByDefault(t *testing.T) {
	t.Parallel()
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.FailNextWatch(source.ErrResumeLost)

	w := newTestWatcher(t, fake, ns, nil)
	_, err := w.Next(context.Background())
	require.ErrorIs(t, err, source.ErrResumeLost)
	// only one attempt: history loss is not retried
	require.Len(t, fake.WatchCalls(), 1)
}

func TestWatcher_ResumeLostToleratedResumesFromNow(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.AppendEvents(source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: int32(1)}}))
	fake.FailNextWatch(source.ErrResumeLost)

	w := newTestWatcher(t, fake, ns, func(cfg *Config) {
		cfg.TolerateHistoryLoss = true
	})

	// the pre-existing event is behind "now" and lost, as configured
	ops := drain(t, w)
	req.Empty(ops)

	calls := fake.WatchCalls()
	req.Len(calls, 2)
	req.NotEmpty(calls[0].ResumeAfter)
	req.Empty(calls[1].ResumeAfter)
	req.Nil(calls[1].StartAtOperationTime)

	// tailing continues from the new position
	fake.AppendEvents(source.InsertEvent(ns, 2, bson.D{{Key: "_id", Value: int32(2)}}))
	ops = drain(t, w)
	req.Len(ops, 1)
}

func TestWatcher_TransientPullReopens(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.FailNextPulls(errors.New("connection reset by peer"))
	fake.AppendEvents(source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: int32(1)}}))

	w := newTestWatcher(t, fake, ns, nil)
	ops := drain(t, w)
	req.Len(ops, 1)
	req.Len(fake.WatchCalls(), 2)
}

func TestWatcher_FullDocumentOnly(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ns := namespace.New("shop", "orders")

	fake := source.NewFake()
	fake.AppendEvents(
		source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: int32(1)}}),
		// lookup came back empty: no payload to publish
		source.UpdateEvent(ns, 2, int32(1), bson.D{{Key: "qty", Value: 9}}, nil),
		source.UpdateEvent(ns, 3, int32(1), bson.D{{Key: "qty", Value: 10}},
			bson.D{{Key: "_id", Value: int32(1)}, {Key: "qty", Value: 10}}),
	)

	w := newTestWatcher(t, fake, ns, func(cfg *Config) {
		cfg.FullDocumentOnly = true
	})
	ops := drain(t, w)
	req.Len(ops, 2)
	req.True(ops[0].HasFullDocument())
	req.True(ops[1].HasFullDocument())

	// deletes are filtered server-side in this mode
	calls := fake.WatchCalls()
	req.Len(calls, 1)
	req.NotEmpty(calls[0].Pipeline)
}

func TestWatcher_MalformedEventIsStructural(t *testing.T) {
	t.Parallel()
	ns := namespace.New("shop", "orders")

	broken, err := bson.Marshal(bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: "000000000001"}}},
		{Key: "operationType", Value: "insert"},
	})
	require.NoError(t, err)

	fake := source.NewFake()
	fake.AppendEvents(broken)

	w := newTestWatcher(t, fake, ns, nil)
	_, nextErr := w.Next(context.Background())
	require.Error(t, nextErr)
}

func TestWatcher_Close(t *testing.T) {
	t.Parallel()
	ns := namespace.New("shop", "orders")
	fake := source.NewFake()

	w := newTestWatcher(t, fake, ns, nil)
	_, err := w.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, StateClosed, w.State())

	_, err = w.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func mustToken(t *testing.T, data string) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "_data", Value: data}})
	require.NoError(t, err)
	return raw
}
