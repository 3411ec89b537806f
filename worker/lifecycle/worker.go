// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lifecycle is the worker that executes resource operations.
// It registers with the router, reconciles its own ledger entries on
// startup, and then processes directed jobs: the resource was already
// claimed into a transient status by the dispatcher's conditional
// update, so this worker's job is to drive the external side effect
// and commit the terminal status with a second conditional update.
package lifecycle

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
	"github.com/basalt-cloud/basalt/core/resource"
	"github.com/basalt-cloud/basalt/core/status"
	"github.com/basalt-cloud/basalt/ledger"
	"github.com/basalt-cloud/basalt/lock"
	"github.com/basalt-cloud/basalt/router"
	"github.com/basalt-cloud/basalt/state"
)

var logger = loggo.GetLogger("basalt.worker.lifecycle")

// Driver is the storage backend integration. Execute performs the
// external side effect for one operation; its returned updates feed
// directly into the worker's terminal commit, in the same conditional
// update that writes the terminal status.
type Driver interface {
	Execute(ctx context.Context, operation string, res resource.Resource) (updates map[string]string, err error)
}

// StateAccessor is the slice of persistence the worker needs.
type StateAccessor interface {
	Resource(ctx context.Context, uuid string) (resource.Resource, error)
	ConditionalUpdate(ctx context.Context, uuid string, changes []state.Change,
		expected []state.Expect, predicates ...state.Predicate) (int64, error)
}

// Config holds the worker's dependencies.
type Config struct {
	Host    string
	Cluster string

	Router *router.Router
	State  StateAccessor
	Ledger *ledger.Service
	Locks  *lock.Manager
	Driver Driver
	Clock  clock.Clock

	// MaxConcurrent bounds in-flight operations; different resources
	// execute concurrently, the same resource is serialized by the
	// status CAS, not by this pool. Zero means 4.
	MaxConcurrent int
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if c.Router == nil {
		return errors.NotValidf("nil Router")
	}
	if c.State == nil {
		return errors.NotValidf("nil State")
	}
	if c.Ledger == nil {
		return errors.NotValidf("nil Ledger")
	}
	if c.Locks == nil {
		return errors.NotValidf("nil Locks")
	}
	if c.Driver == nil {
		return errors.NotValidf("nil Driver")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker executes lifecycle jobs for one backend.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	jobs     chan router.Job
}

// NewWorker starts a lifecycle worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 4
	}
	w := &Worker{
		config: config,
		jobs:   make(chan router.Job, config.MaxConcurrent),
	}
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
	ctx, cancel := w.scopedContext()
	defer cancel()

	// Remediate our own orphans before accepting new work; another
	// worker's entries are never ours to touch.
	report, err := w.config.Ledger.ReconcileSelf(ctx)
	if err != nil {
		return errors.Annotate(err, "startup reconciliation")
	}
	if report != (ledger.Report{}) {
		logger.Infof("startup reconciliation: %d remediated, %d skipped, %d unreachable",
			report.Remediated, report.Skipped, report.Unreachable)
	}

	unregister, err := w.config.Router.Register(w.config.Host, w.config.Cluster, w.enqueue)
	if err != nil {
		return errors.Trace(err)
	}
	defer unregister()

	var wg sync.WaitGroup
	for i := 0; i < w.config.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processLoop(ctx)
		}()
	}
	defer wg.Wait()

	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// enqueue runs on the hub's dispatch goroutine. A full queue drops the
// job: the ledger entry keeps it recoverable, and blocking here would
// stall every other topic on the hub.
func (w *Worker) enqueue(job router.Job) {
	select {
	case w.jobs <- job:
	case <-w.catacomb.Dying():
	default:
		logger.Warningf("dropping job %q (%s %s): queue full",
			job.ID, job.Operation, job.ResourceUUID)
	}
}

func (w *Worker) processLoop(ctx context.Context) {
	for {
		select {
		case <-w.catacomb.Dying():
			return
		case job := <-w.jobs:
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job router.Job) {
	if job.Operation == OpReconcile {
		report, err := w.config.Ledger.ReconcileSelf(ctx)
		if err != nil {
			logger.Errorf("directed reconciliation: %v", err)
			return
		}
		logger.Infof("directed reconciliation: %d remediated, %d skipped, %d unreachable",
			report.Remediated, report.Skipped, report.Unreachable)
		return
	}

	spec, ok := operations[job.Operation]
	if !ok {
		logger.Errorf("job %q names unknown operation %q", job.ID, job.Operation)
		return
	}
	if err := w.run(ctx, job, spec); err != nil {
		logger.Errorf("job %q (%s %s): %v", job.ID, job.Operation, job.ResourceUUID, err)
	}
}

// run drives one operation to a terminal status.
func (w *Worker) run(ctx context.Context, job router.Job, spec opSpec) error {
	res, err := w.config.State.Resource(ctx, job.ResourceUUID)
	if err != nil {
		return errors.Trace(err)
	}
	if res.Status != spec.transient {
		// The dispatcher's claim is gone: cancelled, or already
		// remediated. The job is stale; whatever holds the claim now
		// owns the resource.
		logger.Infof("job %q: resource %q in %q, expected %q, dropping",
			job.ID, res.UUID, res.Status, spec.transient)
		return nil
	}

	updates, execErr := w.execute(ctx, job, res, spec)

	terminal := spec.success
	if execErr != nil {
		logger.Warningf("job %q: driver failed: %v", job.ID, execErr)
		terminal = spec.failure
		updates = nil
	}
	if err := w.commit(ctx, res.UUID, spec, terminal, updates); err != nil {
		return errors.Trace(err)
	}

	if job.LedgerUUID != "" {
		if err := w.config.Ledger.Untrack(ctx, job.LedgerUUID); err != nil {
			return errors.Annotatef(err, "untracking %q", job.LedgerUUID)
		}
	}
	return nil
}

// execute invokes the driver, bracketed by a node-scope guard when the
// operation's side effect is not idempotent.
func (w *Worker) execute(ctx context.Context, job router.Job, res resource.Resource, spec opSpec) (map[string]string, error) {
	if spec.exclusive {
		guard, err := w.config.Locks.Acquire(ctx, lock.Node, res.UUID+"-"+job.Operation)
		if err != nil {
			return nil, errors.Annotatef(basalterrors.LockRetryable, "%v", err)
		}
		defer guard.Release()
	}
	return w.config.Driver.Execute(ctx, job.Operation, res)
}

// commit writes the terminal status and the driver's updates in one
// conditional update expecting the original claim. Zero rows affected
// means the job was cancelled underneath us; the cancelled status
// wins and the commit is discarded, which is the cheap resolution of
// the cancellation race.
func (w *Worker) commit(ctx context.Context, uuid string, spec opSpec, terminal status.Status, updates map[string]string) error {
	changes := []state.Change{
		{Column: "previous_status", FromColumn: "status"},
		{Column: "status", Value: string(terminal)},
	}
	if terminal == status.Deleted {
		changes = append(changes, state.Change{Column: "deleted_at", Value: w.config.Clock.Now().UTC()})
	}
	for column, value := range updates {
		changes = append(changes, state.Change{Column: column, Value: value})
	}

	affected, err := w.config.State.ConditionalUpdate(ctx, uuid, changes,
		[]state.Expect{state.Is("status", string(spec.transient))})
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		logger.Infof("resource %q left %q before commit; discarding result", uuid, spec.transient)
	}
	return nil
}

// scopedContext returns a context tied to the worker's lifetime.
func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
