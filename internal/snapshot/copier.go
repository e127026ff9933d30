// Package snapshot bulk-copies the data that already exists before tailing
// starts: a fixed worker pool steals namespace/partition tasks from a shared
// set and feeds converted insert operations into one bounded queue. Order is
// not guaranteed within the snapshot; every copied operation carries the
// scan's consistent start position so the subsequent tail has no gap.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/namespace"
	"github.com/riverline/mongocdc/internal/operation"
	"github.com/riverline/mongocdc/internal/source"
)

type Config struct {
	Client source.Client
	// Scope is expanded into concrete namespaces at start.
	Scope namespace.Namespace
	// Matcher optionally narrows which namespaces are copied.
	Matcher *namespace.Matcher
	// Filter is the user pipeline, applied to scanned documents too so the
	// snapshot and the tail see the same shape.
	Filter mongo.Pipeline
	// Start is the consistent start position every copied operation carries.
	Start      cursor.Position
	Workers    int
	QueueDepth int
	// Partitions splits each namespace into hashed-id buckets scanned
	// independently. Zero or one means whole-namespace tasks.
	Partitions int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Client == nil {
		errGrp = append(errGrp, errors.New("source client is required"))
	}
	if c.Workers <= 0 {
		errGrp = append(errGrp, errors.New("worker count must be positive"))
	}
	if c.QueueDepth <= 0 {
		errGrp = append(errGrp, errors.New("queue depth must be positive"))
	}
	if c.Start.IsZero() {
		errGrp = append(errGrp, errors.New("consistent start position is required"))
	}
	return errors.Join(errGrp...)
}

// task is one unit of copy work, owned by exactly one worker for its lifetime.
type task struct {
	id   string
	ns   namespace.Namespace
	part source.Partition
}

type Copier struct {
	client     source.Client
	scope      namespace.Namespace
	matcher    *namespace.Matcher
	filter     mongo.Pipeline
	start      cursor.Position
	workers    int
	partitions int

	out    chan *operation.Operation
	done   chan struct{}
	cancel context.CancelFunc

	errMu    sync.Mutex
	firstErr error

	started bool
}

func New(cfg *Config) (*Copier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	partitions := cfg.Partitions
	if partitions < 1 {
		partitions = 1
	}
	return &Copier{
		client:     cfg.Client,
		scope:      cfg.Scope,
		matcher:    cfg.Matcher,
		filter:     cfg.Filter,
		start:      cfg.Start,
		workers:    cfg.Workers,
		partitions: partitions,
		out:        make(chan *operation.Operation, cfg.QueueDepth),
		done:       make(chan struct{}),
	}, nil
}

// Start enumerates the namespaces and launches the worker pool. It returns
// once the pool is running; completion is signalled through Done.
func (c *Copier) Start(ctx context.Context) error {
	if c.started {
		return errors.New("copier has already been started")
	}
	c.started = true

	namespaces, err := c.client.ListNamespaces(ctx, c.scope)
	if err != nil {
		return fmt.Errorf("failed to enumerate namespaces for snapshot: %w", err)
	}

	var tasks []task
	for _, ns := range namespaces {
		if !c.matcher.Match(ns) {
			continue
		}
		for p := 0; p < c.partitions; p++ {
			tasks = append(tasks, task{
				id:   uuid.NewString(),
				ns:   ns,
				part: source.Partition{Index: p, Total: c.partitions},
			})
		}
	}

	log.Info().
		Int("namespaces", len(namespaces)).
		Int("tasks", len(tasks)).
		Int("workers", c.workers).
		Msg("starting snapshot copy")

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	taskCh := make(chan task, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(runCtx, taskCh)
		}()
	}

	go func() {
		wg.Wait()
		// cancellation before every task finished is an abort, not a
		// completion: a partial copy must never pass for a full one
		if err := runCtx.Err(); err != nil {
			c.fail(fmt.Errorf("snapshot aborted before completion: %w", err))
		}
		cancel()
		close(c.out)
		close(c.done)
	}()

	return nil
}

// Operations is the bounded queue of copied operations. It closes when every
// task has finished or the snapshot aborted; check Err afterwards.
func (c *Copier) Operations() <-chan *operation.Operation {
	return c.out
}

// Done closes once the snapshot has finished, successfully or not.
func (c *Copier) Done() <-chan struct{} {
	return c.done
}

// Err reports the failure that aborted the snapshot, if any. Valid once Done
// is closed or the operations channel has drained.
func (c *Copier) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.firstErr
}

// Stop cancels all in-flight copy work.
func (c *Copier) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Start position accessor used by the coordinator at handoff.
func (c *Copier) StartPosition() cursor.Position {
	return c.start
}

func (c *Copier) worker(ctx context.Context, tasks <-chan task) {
	for t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := c.copyTask(ctx, t); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.fail(err)
			return
		}
	}
}

func (c *Copier) copyTask(ctx context.Context, t task) error {
	cur, err := c.client.ScanExisting(ctx, t.ns, t.part, c.filter)
	if err != nil {
		if source.Classify(err) == source.KindNamespaceGone {
			// dropped mid-snapshot: zero documents, the tail will deliver the drop
			log.Info().Str("task", t.id).Str("namespace", t.ns.String()).
				Msg("namespace disappeared during snapshot, copied nothing")
			return nil
		}
		return fmt.Errorf("snapshot scan of %s failed: %w", t.ns, err)
	}
	defer func() {
		if cerr := cur.Close(ctx); cerr != nil {
			log.Warn().Err(cerr).Str("task", t.id).Msg("failed to close snapshot cursor")
		}
	}()

	var copied int
	for {
		doc, ok, err := cur.Next(ctx)
		if err != nil {
			if source.Classify(err) == source.KindNamespaceGone {
				log.Info().Str("task", t.id).Str("namespace", t.ns.String()).
					Msg("namespace disappeared during snapshot, stopping task")
				return nil
			}
			return fmt.Errorf("snapshot read of %s failed: %w", t.ns, err)
		}
		if !ok {
			break
		}

		op, err := operation.SnapshotInsert(t.ns, doc, c.start)
		if err != nil {
			return fmt.Errorf("snapshot of %s produced an invalid document: %w", t.ns, err)
		}

		// bounded queue: block here rather than drop or buffer unboundedly
		select {
		case c.out <- op:
			copied++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Debug().Str("task", t.id).Str("namespace", t.ns.String()).Int("documents", copied).
		Msg("snapshot task complete")
	return nil
}

// fail records the first fatal error and aborts every other worker. A partial
// snapshot must never look like a successful one.
func (c *Copier) fail(err error) {
	c.errMu.Lock()
	if c.firstErr == nil {
		c.firstErr = err
	}
	c.errMu.Unlock()
	c.cancel()
}
