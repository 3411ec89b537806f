// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lock

import (
	"context"
	"sync"

	"github.com/juju/errors"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
)

// processLocks serializes critical sections within one running worker.
// Acquisition is context-aware: an elapsed context fails the attempt
// instead of blocking, which the available in-process keyed mutexes do
// not offer.
type processLocks struct {
	mu    sync.Mutex
	locks map[string]*processLock
}

type processLock struct {
	ch   chan struct{}
	refs int
}

func newProcessLocks() *processLocks {
	return &processLocks{locks: make(map[string]*processLock)}
}

func (p *processLocks) acquire(ctx context.Context, name string) (Releaser, error) {
	p.mu.Lock()
	l, ok := p.locks[name]
	if !ok {
		l = &processLock{ch: make(chan struct{}, 1)}
		p.locks[name] = l
	}
	l.refs++
	p.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return &processGuard{owner: p, lock: l, name: name}, nil
	case <-ctx.Done():
		p.put(name, l)
		return nil, errors.Annotatef(basalterrors.LockRetryable,
			"acquiring process lock %q: %v", name, ctx.Err())
	}
}

// put drops one reference, removing the entry when nobody holds or
// waits on it so the map does not grow with one key per resource ever
// touched.
func (p *processLocks) put(name string, l *processLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, name)
	}
}

type processGuard struct {
	owner *processLocks
	lock  *processLock
	name  string

	once sync.Once
}

func (g *processGuard) Release() {
	g.once.Do(func() {
		<-g.lock.ch
		g.owner.put(g.name, g.lock)
	})
}
