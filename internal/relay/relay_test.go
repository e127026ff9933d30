package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/riverline/mongocdc/internal/coordinator"
	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/encoder"
	"github.com/riverline/mongocdc/internal/namespace"
	"github.com/riverline/mongocdc/internal/source"
	"github.com/riverline/mongocdc/internal/watcher"
)

type memStore struct {
	mu        sync.Mutex
	positions map[string]cursor.Position
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]cursor.Position)}
}

func (s *memStore) Load(_ context.Context, taskID string) (*cursor.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[taskID]
	if !ok {
		return nil, nil
	}
	cp := pos
	return &cp, nil
}

func (s *memStore) Save(_ context.Context, taskID string, pos cursor.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[taskID] = pos
	return nil
}

func (s *memStore) saved(taskID string) (cursor.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[taskID]
	return pos, ok
}

type collectorSink struct {
	mu      sync.Mutex
	records []coordinator.Record
	failErr error
}

func (s *collectorSink) Emit(records []coordinator.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *collectorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestCoordinator(t *testing.T, fake *source.Fake, st cursor.Store) *coordinator.Coordinator {
	t.Helper()
	enc, err := encoder.New(&encoder.Config{
		KeyFormat:   encoder.FormatSimplifiedJSON,
		ValueFormat: encoder.FormatSimplifiedJSON,
	})
	require.NoError(t, err)

	c, err := coordinator.New(&coordinator.Config{
		Client:    fake,
		Store:     st,
		Encoder:   enc,
		TaskID:    "task-1",
		Scope:     namespace.Namespace{Database: "shop", Collection: "orders"},
		BatchSize: 10,
		Retry: watcher.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return c
}

func TestRelay_ConfigValidation(t *testing.T) {
	_, err := New(&Config{})
	require.ErrorContains(t, err, "coordinator is required")
	require.ErrorContains(t, err, "sink is required")
}

func TestRelay_RecordsFlowAndCommit(t *testing.T) {
	ns := namespace.Namespace{Database: "shop", Collection: "orders"}
	fake := source.NewFake()
	for seq := uint32(1); seq <= 3; seq++ {
		fake.AppendEvents(source.InsertEvent(ns, seq, bson.D{{Key: "_id", Value: seq}}))
	}

	st := newMemStore()
	sink := &collectorSink{}
	r, err := New(&Config{
		Coordinator: newTestCoordinator(t, fake, st),
		Sink:        sink,
		IdleWait:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()

	require.Eventually(t, func() bool {
		return sink.count() == 3
	}, 5*time.Second, 10*time.Millisecond)

	// the position of the last emitted record must be committed
	require.Eventually(t, func() bool {
		pos, ok := st.saved("task-1")
		return ok && string(pos.ResumeToken) == string(source.SeqPosition(3))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop())
	require.NoError(t, <-errCh)
}

func TestRelay_SinkFailureIsTerminal(t *testing.T) {
	ns := namespace.Namespace{Database: "shop", Collection: "orders"}
	fake := source.NewFake()
	fake.AppendEvents(source.InsertEvent(ns, 1, bson.D{{Key: "_id", Value: "o-1"}}))

	st := newMemStore()
	r, err := New(&Config{
		Coordinator: newTestCoordinator(t, fake, st),
		Sink:        &collectorSink{failErr: errors.New("consumer gone")},
		IdleWait:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	err = r.Start()
	require.ErrorContains(t, err, "sink rejected batch")

	// nothing was committed, so a restart replays the batch
	_, ok := st.saved("task-1")
	require.False(t, ok)
}

func TestRelay_StopIsClean(t *testing.T) {
	r, err := New(&Config{
		Coordinator: newTestCoordinator(t, source.NewFake(), newMemStore()),
		Sink:        &collectorSink{},
		IdleWait:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, r.Stop())
	require.NoError(t, <-errCh)
}

func TestRelay_Name(t *testing.T) {
	r := &Relay{}
	require.Equal(t, "Capture Relay", r.Name())
}
