// Package app runs the service's dependencies: it starts each one in its own
// goroutine, then blocks until a dependency fails, the OS asks for shutdown,
// or the surrounding context is cancelled, and stops everything in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=./app_mock.go -package=app -source=app.go

// Dependency is one long-lived component of the service. Start may block for
// the dependency's whole lifetime; returning an error at any point brings the
// application down.
type Dependency interface {
	Start() error
	Stop() error
	// Name identifies the dependency in logs.
	Name() string
}

type App struct {
	serviceName string
	deps        []Dependency
	// depFailChan receives the first failure of any dependency.
	depFailChan  chan error
	osSignalChan chan os.Signal
	stopCalled   *atomic.Bool
	runCalled    *atomic.Bool
	// stopTimeout bounds how long shutdown waits for dependencies to stop.
	stopTimeout time.Duration
}

type Config struct {
	ServiceName string
	StopTimeout time.Duration
}

func (c *Config) validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.StopTimeout == 0 {
		errs = append(errs, errors.New("stop timeout is required"))
	}
	return errors.Join(errs...)
}

// CreateApp builds an application around the given dependencies. Dependencies
// are started concurrently but stopped in declaration order.
func CreateApp(cfg *Config, deps ...Dependency) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &App{
		serviceName:  cfg.ServiceName,
		deps:         deps,
		stopTimeout:  cfg.StopTimeout,
		stopCalled:   &atomic.Bool{},
		runCalled:    &atomic.Bool{},
		depFailChan:  make(chan error, len(deps)),
		osSignalChan: make(chan os.Signal, 1),
	}, nil
}

// Run starts every dependency and blocks until something ends the process's
// life: a failed dependency, an OS signal, or ctx cancellation. It may only
// be called once.
func (a *App) Run(ctx context.Context) error {
	if a.runCalled.Load() {
		return errors.New("run has already been called")
	}
	a.runCalled.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		close(a.depFailChan)
		close(a.osSignalChan)
		cancel()
	}()

	for _, dep := range a.deps {
		go func(dep Dependency) {
			defer func() {
				if r := recover(); r != nil {
					a.depFailChan <- fmt.Errorf("panic in Start() for dependency %s: %v", dep.Name(), r)
				}
			}()

			log.Info().Msg("Starting dependency: " + dep.Name())
			if err := dep.Start(); err != nil {
				a.depFailChan <- fmt.Errorf("failure in Start() for dependency %s: %v", dep.Name(), err)
			}
		}(dep)
	}

	signal.Notify(a.osSignalChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-runCtx.Done():
		log.Info().Msg("App context cancelled: shutting down")
	case depErr := <-a.depFailChan:
		log.Error().Msg("Dependency failed: " + depErr.Error())
	case sig := <-a.osSignalChan:
		log.Info().Msg("OS signal received: " + sig.String() + ", shutdown beginning")
	}

	signal.Stop(a.osSignalChan)
	if err := a.stop(); err != nil {
		log.Error().Msg("Error stopping application: " + err.Error())
		return err
	}
	return nil
}

// stop shuts each dependency down, bounded by the stop timeout.
func (a *App) stop() error {
	if a.stopCalled.Load() {
		return errors.New("stop has already been called")
	}
	a.stopCalled.Store(true)

	ctxTo, cancel := context.WithTimeout(context.Background(), a.stopTimeout)

	var errs []error
	go func() {
		defer cancel()
		for _, dep := range a.deps {
			log.Info().Msg("Stopping dependency: " + dep.Name())
			if err := dep.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failure in Stop() for dependency %s: %v", dep.Name(), err))
			}
		}
	}()

	// all dependencies must stop (or time out) before returning
	<-ctxTo.Done()
	if err := ctxTo.Err(); errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
