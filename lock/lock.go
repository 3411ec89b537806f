// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lock is the mutual exclusion service. It hands out scoped
// guards: process scope serializes within one running worker, node
// scope across all worker processes on one host, and global scope
// across the fleet. Fairness is not guaranteed at node or global
// scope; callers keep critical sections narrow enough that starvation
// is inconsequential.
package lock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
)

var logger = loggo.GetLogger("basalt.lock")

// Scope selects how far a guard's exclusion reaches.
type Scope string

const (
	Process Scope = "process"
	Node    Scope = "node"
	Global  Scope = "global"
)

// Releaser releases a held guard. Release is idempotent.
type Releaser interface {
	Release()
}

// GlobalStore is the pluggable coordination backend for global-scope
// guards. The state package's expiring SQL lease implements it.
type GlobalStore interface {
	AcquireLease(ctx context.Context, name, holder string, duration time.Duration) error
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Config holds the manager's dependencies.
type Config struct {
	Clock clock.Clock

	// Holder identifies this worker in global leases.
	Holder string

	// Global is optional: single-node deployments leave it nil and
	// global scope falls back to the node primitive.
	Global GlobalStore

	// LeaseDuration bounds a global guard's validity; the guard
	// extends its lease at half-life until released. Zero means a
	// minute.
	LeaseDuration time.Duration

	// AcquireDelay is the poll interval while contending for node and
	// global guards. Zero means 250ms.
	AcquireDelay time.Duration
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Holder == "" {
		return errors.NotValidf("empty Holder")
	}
	return nil
}

// Manager hands out scoped guards.
type Manager struct {
	config  Config
	process *processLocks
}

// NewManager returns a lock manager with the given configuration.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.LeaseDuration == 0 {
		config.LeaseDuration = time.Minute
	}
	if config.AcquireDelay == 0 {
		config.AcquireDelay = 250 * time.Millisecond
	}
	return &Manager{
		config:  config,
		process: newProcessLocks(),
	}, nil
}

// Acquire takes the named guard at the given scope, blocking until it
// is held or ctx elapses. An elapsed attempt fails with a retryable
// error rather than blocking indefinitely; the caller owns the retry
// policy.
func (m *Manager) Acquire(ctx context.Context, scope Scope, name string) (Releaser, error) {
	if name == "" {
		return nil, errors.NotValidf("empty lock name")
	}
	switch scope {
	case Process:
		return m.process.acquire(ctx, name)
	case Node:
		return m.acquireNode(ctx, name)
	case Global:
		if m.config.Global == nil {
			// Single-node deployment: the node primitive already
			// covers the whole fleet.
			return m.acquireNode(ctx, name)
		}
		return m.acquireGlobal(ctx, name)
	}
	return nil, errors.NotValidf("lock scope %q", scope)
}

func (m *Manager) acquireNode(ctx context.Context, name string) (Releaser, error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:   sanitizeName(name),
		Clock:  m.config.Clock,
		Delay:  m.config.AcquireDelay,
		Cancel: ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(basalterrors.LockRetryable,
			"acquiring node lock %q: %v", name, err)
	}
	logger.Tracef("acquired node lock %q", name)
	return nodeGuard{releaser: releaser, name: name}, nil
}

type nodeGuard struct {
	releaser mutex.Releaser
	name     string
}

func (g nodeGuard) Release() {
	g.releaser.Release()
	logger.Tracef("released node lock %q", g.name)
}

var validMutexName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

// sanitizeName maps an arbitrary caller-built name ("{resource}-{op}")
// onto the host primitive's constrained namespace. Distinct names stay
// distinct: anything that does not fit verbatim is hashed.
func sanitizeName(name string) string {
	candidate := "basalt-" + strings.ToLower(name)
	if len(candidate) <= 40 && validMutexName.MatchString(candidate) {
		return candidate
	}
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("basalt-%x", sum[:16])
}
