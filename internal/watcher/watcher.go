// Package watcher is the tailing engine: it owns one live stream, converts
// native events to operations, keeps the resume cursor moving, and survives
// namespace drops by reopening at a broader scope. Exactly one watcher
// instance advances a given cursor; callers drive it from a single goroutine.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
	"github.com/riverline/mongocdc/internal/operation"
	"github.com/riverline/mongocdc/internal/pipeline"
	"github.com/riverline/mongocdc/internal/source"
)

// State is the watcher lifecycle position.
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateTailing
	StateReopening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateTailing:
		return "tailing"
	case StateReopening:
		return "reopening"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("watcher is closed")

// RetryPolicy bounds how the watcher handles transient stream failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	Client source.Client
	// Scope is the namespace the task was configured to watch. It never
	// changes; the stream may be opened broader after drops.
	Scope    namespace.Namespace
	Pipeline mongo.Pipeline
	// Cursor is the advancement guard this watcher takes ownership of.
	Cursor *cursor.Cursor
	// MaxAwait bounds how long one Next call may wait for an event.
	MaxAwait  time.Duration
	BatchSize int32
	// FullDocumentOnly filters payload-less operations out upstream.
	FullDocumentOnly bool
	// TolerateHistoryLoss permits resuming from "now" when the stored
	// position has been pruned. This accepts data loss and is logged as such.
	TolerateHistoryLoss bool
	Retry               RetryPolicy
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Client == nil {
		errGrp = append(errGrp, errors.New("source client is required"))
	}
	if c.Cursor == nil {
		errGrp = append(errGrp, errors.New("cursor is required"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errGrp = append(errGrp, errors.New("retry max attempts must be positive"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errGrp = append(errGrp, errors.New("retry intervals must be positive and ordered"))
	}
	return errors.Join(errGrp...)
}

type Watcher struct {
	client  source.Client
	watched namespace.Namespace
	// effective is the scope the stream is currently opened at; it only ever
	// broadens, so recreations of the watched namespace stay visible.
	effective namespace.Namespace
	userPipe  mongo.Pipeline
	cur       *cursor.Cursor

	stream  source.ChangeStream
	state   State
	backoff *backoff

	maxAwait     time.Duration
	batchSize    int32
	fullDocOnly  bool
	tolerateLoss bool
	retry        RetryPolicy

	// broaden is set when a terminal event killed the current stream scope
	broaden bool
}

func New(cfg *Config) (*Watcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Watcher{
		client:       cfg.Client,
		watched:      cfg.Scope,
		effective:    cfg.Scope,
		userPipe:     cfg.Pipeline,
		cur:          cfg.Cursor,
		state:        StateUnopened,
		backoff:      newBackoff(cfg.Retry.InitialInterval, cfg.Retry.MaxInterval),
		maxAwait:     cfg.MaxAwait,
		batchSize:    cfg.BatchSize,
		fullDocOnly:  cfg.FullDocumentOnly,
		tolerateLoss: cfg.TolerateHistoryLoss,
		retry:        cfg.Retry,
	}, nil
}

// State reports the lifecycle position, for observation only.
func (w *Watcher) State() State {
	return w.state
}

// Position returns the cursor's current position.
func (w *Watcher) Position() cursor.Position {
	return w.cur.Current()
}

// Next returns the next qualifying operation, or (nil, nil) when none arrived
// within the await window. The cursor is advanced past every native event the
// stream produced, including ones the filter rejected, so a restart never
// re-reads them.
func (w *Watcher) Next(ctx context.Context) (*operation.Operation, error) {
	if w.state == StateClosed {
		return nil, ErrClosed
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if w.broaden {
			w.closeStream(ctx)
			parent := w.effective.Parent()
			log.Info().
				Str("from", w.effective.String()).
				Str("to", parent.String()).
				Msg("watched scope ended, reopening broader")
			w.effective = parent
			w.broaden = false
			w.state = StateReopening
		}
		if w.stream == nil {
			if err := w.open(ctx); err != nil {
				return nil, err
			}
		}

		raw, ok, err := w.stream.TryNext(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			switch source.Classify(err) {
			case source.KindFatal:
				return nil, fmt.Errorf("stream pull failed: %w", err)
			default:
				// transient and history-loss errors both route through the
				// open path, which owns backoff and loss policy
				log.Warn().Err(err).Str("scope", w.effective.String()).Msg("stream pull failed, reopening")
				w.closeStream(ctx)
				w.state = StateReopening
				continue
			}
		}

		if !ok {
			// idle pull: the post-batch token still moves the cursor past
			// events the server-side filter rejected
			if token := w.stream.ResumeToken(); len(token) > 0 {
				pos := cursor.Position{ResumeToken: token}
				if w.cur.Newer(pos) {
					if err := w.cur.Advance(pos); err != nil {
						return nil, err
					}
				}
			}
			return nil, nil
		}

		op, err := operation.FromChangeEvent(raw)
		if err != nil {
			if errors.Is(err, operation.ErrFilteredOut) {
				if err := w.advancePast(w.stream.ResumeToken()); err != nil {
					return nil, err
				}
				continue
			}
			// structural: surfacing beats silently dropping a record
			return nil, fmt.Errorf("malformed change event: %w", err)
		}

		if w.cur.Newer(op.Position) {
			if err := w.cur.Advance(op.Position); err != nil {
				return nil, err
			}
		}

		if op.Type == operation.TypeInvalidate {
			// the stream is dead; reopen broader, nothing to deliver
			w.broaden = true
			continue
		}
		if op.TerminalFor(w.effective) {
			// deliver the drop exactly once, then reopen on the next call
			w.broaden = true
			return op, nil
		}
		if w.fullDocOnly && !op.HasFullDocument() {
			continue
		}
		return op, nil
	}
}

// Close releases the stream. The watcher cannot be reused afterwards.
func (w *Watcher) Close(ctx context.Context) error {
	if w.state == StateClosed {
		return nil
	}
	w.closeStream(ctx)
	w.state = StateClosed
	return nil
}

func (w *Watcher) closeStream(ctx context.Context) {
	if w.stream == nil {
		return
	}
	if err := w.stream.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to close change stream")
	}
	w.stream = nil
}

// open establishes the stream at the cursor position, retrying transient
// failures with bounded backoff. History loss is terminal unless tolerated.
func (w *Watcher) open(ctx context.Context) error {
	if w.state == StateUnopened {
		w.state = StateOpening
	}

	fromNow := false
	attempts := 0
	for {
		opts := source.WatchOptions{
			Scope:     w.effective,
			Pipeline:  w.composedPipeline(),
			MaxAwait:  w.maxAwait,
			BatchSize: w.batchSize,
		}
		if pos := w.cur.Current(); !fromNow && !pos.IsZero() {
			if len(pos.ResumeToken) > 0 {
				opts.ResumeAfter = pos.ResumeToken
			} else if !pos.ClusterTime.IsZero() {
				ts := pos.ClusterTime
				opts.StartAtOperationTime = &ts
			}
		}

		stream, err := w.client.Watch(ctx, opts)
		if err == nil {
			w.stream = stream
			w.state = StateTailing
			w.backoff.reset()
			return nil
		}

		switch source.Classify(err) {
		case source.KindResumeLost:
			if !w.tolerateLoss {
				return fmt.Errorf("cannot resume %s, stored position aged out of the stream's history "+
					"(events may have been missed): %w", w.watched, err)
			}
			log.Warn().
				Str("scope", w.watched.String()).
				Msg("stored position aged out; resuming from now and ACCEPTING DATA LOSS as configured")
			fromNow = true
		case source.KindFatal:
			return fmt.Errorf("failed to open stream at %s: %w", w.effective, err)
		default:
			attempts++
			if attempts >= w.retry.MaxAttempts {
				return fmt.Errorf("failed to open stream at %s after %d attempts: %w", w.effective, attempts, err)
			}
			log.Warn().Err(err).Int("attempt", attempts).Msg("stream open failed, backing off")
			if err := w.backoff.sleep(ctx); err != nil {
				return err
			}
		}
	}
}

// composedPipeline is the user filter plus the synthetic stages the watcher
// needs: a scope pin once the stream is broader than the watched namespace,
// and the payload-carrying type filter in full-document-only mode.
func (w *Watcher) composedPipeline() mongo.Pipeline {
	pl := w.userPipe
	if w.effective != w.watched {
		if pin := pipeline.ScopePin(w.watched); pin != nil {
			pl = pipeline.Append(pl, pin)
		}
	}
	if w.fullDocOnly {
		// deletes never carry a document; drops and invalidate must still
		// pass or the reopen logic goes blind
		pl = pipeline.Append(pl, pipeline.MatchOperationTypes(
			"insert", "update", "replace", "drop", "dropDatabase", "invalidate"))
	}
	return pl
}

func (w *Watcher) advancePast(token []byte) error {
	if len(token) == 0 {
		return nil
	}
	pos := cursor.Position{ResumeToken: token}
	if w.cur.Newer(pos) {
		return w.cur.Advance(pos)
	}
	return nil
}
