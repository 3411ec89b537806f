// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
)

func (m *Manager) acquireGlobal(ctx context.Context, name string) (Releaser, error) {
	cfg := m.config
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return cfg.Global.AcquireLease(ctx, name, cfg.Holder, cfg.LeaseDuration)
		},
		IsFatalError: func(err error) bool {
			// Contention is the only thing worth waiting out.
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Tracef("global lock %q contended (attempt %d): %v", name, attempt, err)
		},
		Attempts: retry.UnlimitedAttempts,
		Delay:    cfg.AcquireDelay,
		Clock:    cfg.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(basalterrors.LockRetryable,
			"acquiring global lock %q: %v", name, err)
	}
	logger.Tracef("acquired global lock %q for %q", name, cfg.Holder)

	g := &globalGuard{
		manager: m,
		name:    name,
		stop:    make(chan struct{}),
	}
	go g.keepAlive()
	return g, nil
}

// globalGuard holds an expiring lease and extends it at half-life so a
// critical section outliving the configured duration stays covered
// until released.
type globalGuard struct {
	manager *Manager
	name    string

	stop chan struct{}
	once sync.Once
}

func (g *globalGuard) keepAlive() {
	cfg := g.manager.config
	interval := cfg.LeaseDuration / 2
	for {
		select {
		case <-g.stop:
			return
		case <-cfg.Clock.After(interval):
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := cfg.Global.AcquireLease(ctx, g.name, cfg.Holder, cfg.LeaseDuration)
			cancel()
			if err != nil {
				// The lease was lost; nothing to do but stop burning
				// cycles. The holder's next conditional update fails
				// anyway if someone else took over.
				logger.Warningf("extending global lock %q: %v", g.name, err)
				return
			}
		}
	}
}

func (g *globalGuard) Release() {
	g.once.Do(func() {
		close(g.stop)
		cfg := g.manager.config
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cfg.Global.ReleaseLease(ctx, g.name, cfg.Holder); err != nil {
			logger.Warningf("releasing global lock %q: %v", g.name, err)
		}
	})
}
