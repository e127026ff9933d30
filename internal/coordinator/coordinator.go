// Package coordinator sequences a capture task's phases: restore the persisted
// position, optionally snapshot pre-existing data, then hand off to the live
// tail at the position captured before the snapshot began. It owns the task's
// single cursor and exposes a pull-style Poll/Commit surface to the publisher.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/encoder"
	"github.com/riverline/mongocdc/internal/namespace"
	"github.com/riverline/mongocdc/internal/operation"
	"github.com/riverline/mongocdc/internal/snapshot"
	"github.com/riverline/mongocdc/internal/source"
	"github.com/riverline/mongocdc/internal/watcher"
)

// ErrShutDown is returned by Poll after Shutdown.
var ErrShutDown = errors.New("coordinator is shut down")

// Record is one encoded change, ready for a sink. Position is the cursor
// position to persist once the sink has durably taken the record.
type Record struct {
	Namespace namespace.Namespace
	Key       []byte
	Value     []byte
	Position  cursor.Position
}

type phase int

const (
	phaseStarting phase = iota
	phaseCopying
	phaseTailing
	phaseStopped
)

type Config struct {
	Client  source.Client
	Store   cursor.Store
	Encoder *encoder.Encoder
	// TaskID keys the persisted position; two tasks sharing an ID would
	// fight over one cursor.
	TaskID   string
	Scope    namespace.Namespace
	Pipeline mongo.Pipeline

	// CopyExisting snapshots the scope's current documents before tailing.
	CopyExisting   bool
	CopyWorkers    int
	CopyQueueDepth int
	CopyPartitions int
	// CopyMatcher optionally narrows which namespaces the snapshot covers.
	CopyMatcher *namespace.Matcher

	BatchSize           int32
	MaxAwait            time.Duration
	FullDocumentOnly    bool
	TolerateHistoryLoss bool
	Retry               watcher.RetryPolicy
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Client == nil {
		errGrp = append(errGrp, errors.New("source client is required"))
	}
	if c.Store == nil {
		errGrp = append(errGrp, errors.New("cursor store is required"))
	}
	if c.Encoder == nil {
		errGrp = append(errGrp, errors.New("encoder is required"))
	}
	if c.TaskID == "" {
		errGrp = append(errGrp, errors.New("task id is required"))
	}
	if c.BatchSize <= 0 {
		errGrp = append(errGrp, errors.New("batch size must be positive"))
	}
	if c.CopyExisting {
		if c.CopyWorkers <= 0 {
			errGrp = append(errGrp, errors.New("copy worker count must be positive"))
		}
		if c.CopyQueueDepth <= 0 {
			errGrp = append(errGrp, errors.New("copy queue depth must be positive"))
		}
	}
	return errors.Join(errGrp...)
}

// Coordinator is not safe for concurrent use: one goroutine drives
// Poll/Commit/Shutdown, mirroring the single-writer rule on the cursor.
type Coordinator struct {
	cfg *Config

	phase  phase
	copier *snapshot.Copier
	watch  *watcher.Watcher
}

func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Coordinator{cfg: cfg}, nil
}

// Poll returns the next batch of records, at most BatchSize. An empty batch
// means no changes arrived within the await window. Errors are terminal for
// the task; uncommitted records of a failed batch replay after restart.
func (c *Coordinator) Poll(ctx context.Context) ([]Record, error) {
	switch c.phase {
	case phaseStopped:
		return nil, ErrShutDown
	case phaseStarting:
		if err := c.start(ctx); err != nil {
			return nil, err
		}
	}

	if c.phase == phaseCopying {
		return c.pollSnapshot(ctx)
	}
	return c.pollTail(ctx)
}

// start restores the persisted position and decides the first phase. A
// position flagged as mid-snapshot restarts the snapshot from scratch: the
// copy is unordered, so a partial one cannot be resumed without gaps.
func (c *Coordinator) start(ctx context.Context) error {
	pos, err := c.cfg.Store.Load(ctx, c.cfg.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load position of task %s: %w", c.cfg.TaskID, err)
	}

	if pos != nil && !pos.Copying {
		log.Info().
			Str("task", c.cfg.TaskID).
			Str("scope", c.cfg.Scope.String()).
			Msg("resuming from stored position")
		return c.openTail(cursor.NewCursor(*pos))
	}

	if pos != nil && pos.Copying {
		if c.cfg.CopyExisting {
			log.Warn().
				Str("task", c.cfg.TaskID).
				Msg("previous snapshot was interrupted, restarting it from scratch")
		} else {
			log.Warn().
				Str("task", c.cfg.TaskID).
				Msg("previous snapshot was interrupted and copying is now disabled, " +
					"tailing from now; documents missed by the partial snapshot are lost")
		}
	}

	start, err := c.cfg.Client.CurrentPosition(ctx, c.cfg.Scope)
	if err != nil {
		return fmt.Errorf("failed to capture a start position for %s: %w", c.cfg.Scope, err)
	}

	if !c.cfg.CopyExisting {
		return c.openTail(cursor.NewCursor(start))
	}

	start.Copying = true
	copier, err := snapshot.New(&snapshot.Config{
		Client:     c.cfg.Client,
		Scope:      c.cfg.Scope,
		Matcher:    c.cfg.CopyMatcher,
		Filter:     c.cfg.Pipeline,
		Start:      start,
		Workers:    c.cfg.CopyWorkers,
		QueueDepth: c.cfg.CopyQueueDepth,
		Partitions: c.cfg.CopyPartitions,
	})
	if err != nil {
		return err
	}
	if err := copier.Start(ctx); err != nil {
		return err
	}
	c.copier = copier
	c.phase = phaseCopying
	log.Info().
		Str("task", c.cfg.TaskID).
		Str("scope", c.cfg.Scope.String()).
		Msg("snapshot started")
	return nil
}

// defaultAwait bounds a poll's wait for the first record when no MaxAwait is
// configured. Poll never blocks past its await window, even on a stalled scan.
const defaultAwait = 5 * time.Second

func (c *Coordinator) await() time.Duration {
	if c.cfg.MaxAwait > 0 {
		return c.cfg.MaxAwait
	}
	return defaultAwait
}

func (c *Coordinator) pollSnapshot(ctx context.Context) ([]Record, error) {
	timer := time.NewTimer(c.await())
	defer timer.Stop()

	batch := make([]Record, 0, c.cfg.BatchSize)
	for int32(len(batch)) < c.cfg.BatchSize {
		var (
			op *operation.Operation
			ok bool
		)
		if len(batch) == 0 {
			select {
			case op, ok = <-c.copier.Operations():
			case <-timer.C:
				// await window elapsed with nothing copied yet: an
				// empty batch, same as an idle tail
				return batch, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			select {
			case op, ok = <-c.copier.Operations():
			case <-ctx.Done():
				return batch, nil
			default:
				return batch, nil
			}
		}

		if !ok {
			if err := c.copier.Err(); err != nil {
				return nil, fmt.Errorf("snapshot failed: %w", err)
			}
			if err := c.handoff(); err != nil {
				return nil, err
			}
			return batch, nil
		}

		rec, err := c.record(op)
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

// handoff moves from the finished snapshot to the tail, resuming at the
// position captured before the scan so nothing written during the copy is
// missed. Writes that the scan also saw replay here; at-least-once holds.
func (c *Coordinator) handoff() error {
	start := c.copier.StartPosition()
	start.Copying = false
	c.copier = nil

	log.Info().
		Str("task", c.cfg.TaskID).
		Str("scope", c.cfg.Scope.String()).
		Msg("snapshot complete, tailing from pre-snapshot position")
	return c.openTail(cursor.NewCursor(start))
}

func (c *Coordinator) openTail(cur *cursor.Cursor) error {
	w, err := watcher.New(&watcher.Config{
		Client:              c.cfg.Client,
		Scope:               c.cfg.Scope,
		Pipeline:            c.cfg.Pipeline,
		Cursor:              cur,
		MaxAwait:            c.cfg.MaxAwait,
		BatchSize:           c.cfg.BatchSize,
		FullDocumentOnly:    c.cfg.FullDocumentOnly,
		TolerateHistoryLoss: c.cfg.TolerateHistoryLoss,
		Retry:               c.cfg.Retry,
	})
	if err != nil {
		return err
	}
	c.watch = w
	c.phase = phaseTailing
	return nil
}

func (c *Coordinator) pollTail(ctx context.Context) ([]Record, error) {
	batch := make([]Record, 0, c.cfg.BatchSize)
	for int32(len(batch)) < c.cfg.BatchSize {
		op, err := c.watch.Next(ctx)
		if err != nil {
			return nil, err
		}
		if op == nil {
			break
		}
		rec, err := c.record(op)
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

func (c *Coordinator) record(op *operation.Operation) (Record, error) {
	key, value, err := c.cfg.Encoder.Encode(op)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Namespace: op.Namespace,
		Key:       key,
		Value:     value,
		Position:  op.Position,
	}, nil
}

// Position reports the task's current cursor position, for observation only.
func (c *Coordinator) Position() cursor.Position {
	switch c.phase {
	case phaseCopying:
		return c.copier.StartPosition()
	case phaseTailing:
		return c.watch.Position()
	}
	return cursor.Position{}
}

// Commit persists pos as the task's restart point. Callers commit the
// position of the last record a sink durably took; anything after it
// replays on restart.
func (c *Coordinator) Commit(ctx context.Context, pos cursor.Position) error {
	if pos.IsZero() {
		return nil
	}
	if err := c.cfg.Store.Save(ctx, c.cfg.TaskID, pos); err != nil {
		return fmt.Errorf("failed to persist position of task %s: %w", c.cfg.TaskID, err)
	}
	return nil
}

// Shutdown stops the snapshot and the tail. The position is not persisted
// here; only Commit writes it, so an uncommitted tail replays after restart.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.phase == phaseStopped {
		return nil
	}
	c.phase = phaseStopped

	if c.copier != nil {
		c.copier.Stop()
		c.copier = nil
	}
	var err error
	if c.watch != nil {
		err = c.watch.Close(ctx)
		c.watch = nil
	}
	log.Info().Str("task", c.cfg.TaskID).Msg("capture task stopped")
	return err
}
