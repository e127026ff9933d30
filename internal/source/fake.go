package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
)

// Fake is an in-memory Client for tests: a scripted global event sequence plus
// per-namespace document sets. Pipelines handed to Watch are recorded, not
// evaluated; tests assert on the recorded options instead. Events carry
// strictly increasing sequence numbers that double as resume tokens, so a
// stream opened with ResumeAfter delivers exactly the events past that point.
type Fake struct {
	mu         sync.Mutex
	events     []bson.Raw
	docs       map[string][]bson.Raw
	namespaces []namespace.Namespace
	startPos   cursor.Position

	watchErrs  []error
	pullErrs   []error
	scanErrs   map[string]error
	scanStalls map[string]time.Duration

	watchCalls []WatchOptions
	scanCalls  []string
}

func NewFake() *Fake {
	return &Fake{
		docs:       make(map[string][]bson.Raw),
		scanErrs:   make(map[string]error),
		scanStalls: make(map[string]time.Duration),
		startPos:   cursor.Position{ClusterTime: primitive.Timestamp{T: eventEpoch, I: 0}},
	}
}

// AddDocuments registers pre-existing documents enumerated by ScanExisting.
func (f *Fake) AddDocuments(ns namespace.Namespace, docs ...bson.Raw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ns.String()
	f.docs[key] = append(f.docs[key], docs...)
}

// AppendEvents extends the live event script. Streams already opened observe
// the new events on their next pull.
func (f *Fake) AppendEvents(events ...bson.Raw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// FailNextWatch queues errors returned by the next Watch calls, in order.
func (f *Fake) FailNextWatch(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchErrs = append(f.watchErrs, errs...)
}

// FailNextPulls queues errors returned by upcoming TryNext calls, in order,
// before any scripted event is delivered.
func (f *Fake) FailNextPulls(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullErrs = append(f.pullErrs, errs...)
}

// FailScan makes ScanExisting of the namespace return err.
func (f *Fake) FailScan(ns namespace.Namespace, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanErrs[ns.String()] = err
}

// StallScan delays the namespace's document cursor by d before it yields its
// first document, to model a slow collection scan.
func (f *Fake) StallScan(ns namespace.Namespace, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanStalls[ns.String()] = d
}

// SetNamespaces overrides what ListNamespaces reports.
func (f *Fake) SetNamespaces(ns ...namespace.Namespace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces = ns
}

// SetStartPosition overrides what CurrentPosition reports.
func (f *Fake) SetStartPosition(pos cursor.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startPos = pos
}

// WatchCalls returns the options of every Watch call so far.
func (f *Fake) WatchCalls() []WatchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WatchOptions, len(f.watchCalls))
	copy(out, f.watchCalls)
	return out
}

// ScanCalls returns the namespaces scanned so far.
func (f *Fake) ScanCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.scanCalls))
	copy(out, f.scanCalls)
	return out
}

func (f *Fake) Watch(_ context.Context, opts WatchOptions) (ChangeStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.watchCalls = append(f.watchCalls, opts)
	if len(f.watchErrs) > 0 {
		err := f.watchErrs[0]
		f.watchErrs = f.watchErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	idx := len(f.events)
	switch {
	case len(opts.ResumeAfter) > 0:
		after := tokenData(opts.ResumeAfter)
		idx = 0
		for idx < len(f.events) && eventTokenData(f.events[idx]) <= after {
			idx++
		}
	case opts.StartAtOperationTime != nil:
		at := *opts.StartAtOperationTime
		idx = 0
		for idx < len(f.events) && primitive.CompareTimestamp(eventClusterTime(f.events[idx]), at) < 0 {
			idx++
		}
	}
	return &fakeStream{fake: f, idx: idx}, nil
}

func (f *Fake) ScanExisting(_ context.Context, ns namespace.Namespace, part Partition, _ mongo.Pipeline) (DocumentCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := ns.String()
	f.scanCalls = append(f.scanCalls, key)
	if err := f.scanErrs[key]; err != nil {
		return nil, err
	}

	stall := f.scanStalls[key]
	total := part.Total
	if total < 2 {
		docs := make([]bson.Raw, len(f.docs[key]))
		copy(docs, f.docs[key])
		return &fakeDocCursor{docs: docs, stall: stall}, nil
	}
	var docs []bson.Raw
	for i, doc := range f.docs[key] {
		if i%total == part.Index {
			docs = append(docs, doc)
		}
	}
	return &fakeDocCursor{docs: docs, stall: stall}, nil
}

func (f *Fake) ListNamespaces(_ context.Context, scope namespace.Namespace) ([]namespace.Namespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	candidates := f.namespaces
	if candidates == nil {
		for key := range f.docs {
			ns, err := namespace.ParseQualified(key)
			if err != nil {
				continue
			}
			candidates = append(candidates, ns)
		}
	}

	var out []namespace.Namespace
	for _, ns := range candidates {
		if scope.Contains(ns) {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (f *Fake) CurrentPosition(_ context.Context, _ namespace.Namespace) (cursor.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startPos, nil
}

func (f *Fake) Close(_ context.Context) error {
	return nil
}

type fakeStream struct {
	fake      *Fake
	idx       int
	lastToken string
	closed    bool
}

func (s *fakeStream) TryNext(ctx context.Context) (bson.Raw, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()

	if len(s.fake.pullErrs) > 0 {
		err := s.fake.pullErrs[0]
		s.fake.pullErrs = s.fake.pullErrs[1:]
		return nil, false, err
	}

	if s.idx < len(s.fake.events) {
		ev := s.fake.events[s.idx]
		s.idx++
		s.lastToken = eventTokenData(ev)
		return ev, true, nil
	}

	// empty pull: the post-batch token is the script's tail
	if len(s.fake.events) > 0 {
		s.lastToken = eventTokenData(s.fake.events[len(s.fake.events)-1])
	}
	return nil, false, nil
}

func (s *fakeStream) ResumeToken() bson.Raw {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if s.lastToken == "" {
		return nil
	}
	raw, err := bson.Marshal(bson.D{{Key: "_data", Value: s.lastToken}})
	if err != nil {
		panic(fmt.Sprintf("fake stream token: %v", err))
	}
	return raw
}

func (s *fakeStream) Close(_ context.Context) error {
	s.closed = true
	return nil
}

type fakeDocCursor struct {
	docs  []bson.Raw
	idx   int
	stall time.Duration
}

func (c *fakeDocCursor) Next(ctx context.Context) (bson.Raw, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.stall > 0 && c.idx == 0 {
		select {
		case <-time.After(c.stall):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if c.idx < len(c.docs) {
		doc := c.docs[c.idx]
		c.idx++
		return doc, true, nil
	}
	return nil, false, nil
}

func (c *fakeDocCursor) Close(_ context.Context) error {
	return nil
}

func tokenData(token bson.Raw) string {
	v, err := token.LookupErr("_data")
	if err != nil {
		return ""
	}
	s, _ := v.StringValueOK()
	return s
}

func eventTokenData(event bson.Raw) string {
	v, err := event.LookupErr("_id", "_data")
	if err != nil {
		return ""
	}
	s, _ := v.StringValueOK()
	return s
}

func eventClusterTime(event bson.Raw) primitive.Timestamp {
	v, err := event.LookupErr("clusterTime")
	if err != nil {
		return primitive.Timestamp{}
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return primitive.Timestamp{}
	}
	return primitive.Timestamp{T: t, I: i}
}
