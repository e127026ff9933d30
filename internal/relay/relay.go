// Package relay drives the capture loop: poll the coordinator for a batch,
// hand it to the sink, then commit the position of the last record the sink
// took. Commit-after-emit is what makes delivery at-least-once: a crash
// between the two replays the batch instead of losing it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riverline/mongocdc/internal/coordinator"
)

// Sink takes a batch of records. Emit returning nil means the sink has
// accepted every record in order.
type Sink interface {
	Emit(records []coordinator.Record) error
}

type Config struct {
	Coordinator *coordinator.Coordinator
	Sink        Sink
	// IdleWait pauses the loop after an empty poll so a quiet source does
	// not spin the CPU.
	IdleWait time.Duration
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Coordinator == nil {
		errGrp = append(errGrp, errors.New("coordinator is required"))
	}
	if c.Sink == nil {
		errGrp = append(errGrp, errors.New("sink is required"))
	}
	return errors.Join(errGrp...)
}

type Relay struct {
	coord    *coordinator.Coordinator
	sink     Sink
	idleWait time.Duration

	procCtx    context.Context
	procCancel context.CancelFunc

	started atomic.Bool
	// done closes when the loop exits, so Stop never shuts the coordinator
	// down underneath a poll in flight.
	done chan struct{}
}

func New(cfg *Config) (*Relay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	idleWait := cfg.IdleWait
	if idleWait <= 0 {
		idleWait = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		coord:      cfg.Coordinator,
		sink:       cfg.Sink,
		idleWait:   idleWait,
		procCtx:    ctx,
		procCancel: cancel,
		done:       make(chan struct{}),
	}, nil
}

// Start runs the capture loop until Stop is called or the task fails. A clean
// stop returns nil; anything else is a task failure the caller should treat
// as terminal.
func (r *Relay) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("relay has already been started")
	}
	defer close(r.done)

	for {
		batch, err := r.coord.Poll(r.procCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, coordinator.ErrShutDown) {
				return nil
			}
			return fmt.Errorf("capture task failed: %w", err)
		}

		if len(batch) == 0 {
			select {
			case <-r.procCtx.Done():
				return nil
			case <-time.After(r.idleWait):
			}
			continue
		}

		if err := r.sink.Emit(batch); err != nil {
			return fmt.Errorf("sink rejected batch: %w", err)
		}
		if err := r.coord.Commit(r.procCtx, batch[len(batch)-1].Position); err != nil {
			if r.procCtx.Err() != nil {
				// uncommitted records replay on restart; that is the contract
				return nil
			}
			return err
		}
		log.Debug().Int("records", len(batch)).Msg("batch published and committed")
	}
}

func (r *Relay) Stop() error {
	r.procCancel()
	if r.started.Load() {
		<-r.done
	}
	return r.coord.Shutdown(context.Background())
}

func (r *Relay) Name() string {
	return "Capture Relay"
}
