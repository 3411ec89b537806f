// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reportworker keeps the capability registry fed: it consumes
// report and invalidation signals from the broadcast channel, and
// optionally publishes the local backend's own report on a fixed
// interval.
package reportworker

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/basalt-cloud/basalt/core/capability"
	"github.com/basalt-cloud/basalt/registry"
	"github.com/basalt-cloud/basalt/router"
)

var logger = loggo.GetLogger("basalt.worker.report")

// Source produces the local backend's capability stats, typically by
// querying the storage driver.
type Source interface {
	Report() capability.Report
}

// Config holds the worker's dependencies.
type Config struct {
	Router   *router.Router
	Registry *registry.Registry
	Clock    clock.Clock

	// Source and Interval enable local report publication. A nil
	// Source makes this a consume-only worker (e.g. on a pure
	// scheduler node).
	Source   Source
	Interval time.Duration

	// Host and Cluster identify the local backend on published
	// reports.
	Host    string
	Cluster string
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Router == nil {
		return errors.NotValidf("nil Router")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Source != nil {
		if c.Interval <= 0 {
			return errors.NotValidf("report source without interval")
		}
		if c.Host == "" {
			return errors.NotValidf("report source without host")
		}
	}
	return nil
}

// Worker bridges the broadcast channel and the registry.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts the report worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	unsub, err := w.config.Router.SubscribeBroadcast(w.onSignal)
	if err != nil {
		return errors.Trace(err)
	}
	defer unsub()

	var tick <-chan time.Time
	if w.config.Source != nil {
		if err := w.publish(); err != nil {
			return errors.Trace(err)
		}
		tick = w.config.Clock.After(w.config.Interval)
	}

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-tick:
			if err := w.publish(); err != nil {
				return errors.Trace(err)
			}
			tick = w.config.Clock.After(w.config.Interval)
		}
	}
}

// onSignal runs on the hub's dispatch goroutine; keep it cheap.
func (w *Worker) onSignal(signal router.Signal) {
	switch signal.Kind {
	case router.SignalCapabilityReport:
		if signal.Report == nil {
			logger.Warningf("capability report signal without report")
			return
		}
		ctx, cancel := w.scopedContext()
		defer cancel()
		if err := w.config.Registry.Ingest(ctx, *signal.Report); err != nil {
			logger.Warningf("ingesting report from %q: %v", signal.Report.Backend, err)
		}
	case router.SignalInvalidateCache:
		if signal.Host != "" {
			w.config.Registry.Remove(signal.Host)
		}
	default:
		logger.Debugf("ignoring broadcast signal %q", signal.Kind)
	}
}

// publish broadcasts the local backend's current stats.
func (w *Worker) publish() error {
	report := w.config.Source.Report()
	report.Version = capability.Current
	report.Backend = w.config.Host
	report.Cluster = w.config.Cluster
	report.Timestamp = w.config.Clock.Now()

	ctx, cancel := w.scopedContext()
	defer cancel()
	return errors.Trace(w.config.Router.Broadcast(ctx, router.Signal{
		Kind:   router.SignalCapabilityReport,
		Report: &report,
	}))
}

// scopedContext returns a context tied to the worker's lifetime.
func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
