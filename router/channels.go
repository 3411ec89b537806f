// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package router

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
)

// hostChannel delivers to one specific worker.
type hostChannel struct {
	router *Router
	host   string
}

func (ch *hostChannel) Send(ctx context.Context, job Job) error {
	return ch.router.deliver(ctx, "host "+ch.host, func() (string, bool) {
		if !ch.router.hostRegistered(ch.host) {
			return "", false
		}
		return ch.host, true
	}, job)
}

// clusterChannel delivers to exactly one live member of a cluster,
// fairly balanced across current subscribers. Resolution happens per
// send, so a channel held across membership changes keeps working.
type clusterChannel struct {
	router  *Router
	cluster string
}

func (ch *clusterChannel) Send(ctx context.Context, job Job) error {
	return ch.router.deliver(ctx, "cluster "+ch.cluster, func() (string, bool) {
		member := ch.router.nextMember(ch.cluster)
		return member, member != ""
	}, job)
}

// broadcastChannel fans out to all current subscribers, best-effort.
type broadcastChannel struct {
	router *Router
}

func (ch *broadcastChannel) Send(ctx context.Context, job Job) error {
	if job.Mutating() {
		return errors.NotValidf("broadcast of resource-mutating job %q", job.Operation)
	}
	done, err := ch.router.config.Hub.Publish(BroadcastTopic, job)
	if err != nil {
		return errors.Annotate(err, "broadcasting job")
	}
	select {
	case <-pubsub.Wait(done):
	case <-ctx.Done():
	}
	return nil
}

// deliver resolves a subscriber and publishes the job to its host
// topic, retrying a bounded number of times with backoff when nothing
// is currently resolvable, then surfacing UnreachableTarget.
func (r *Router) deliver(ctx context.Context, desc string, resolve func() (string, bool), job Job) error {
	if job.Version.Major == 0 {
		job.Version = JobVersion
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			host, ok := resolve()
			if !ok {
				return errors.Annotatef(basalterrors.UnreachableTarget, "%s", desc)
			}
			done, err := r.config.Hub.Publish(hostTopic(host), job)
			if err != nil {
				return errors.Annotatef(err, "publishing to %q", host)
			}
			select {
			case <-pubsub.Wait(done):
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			}
			logger.Tracef("delivered job %q (%s %s) to %q",
				job.ID, job.Operation, job.ResourceUUID, host)
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, basalterrors.UnreachableTarget)
		},
		Attempts: r.config.RetryAttempts,
		Delay:    r.config.RetryDelay,
		Clock:    r.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return errors.Trace(err)
	}
	return nil
}

// memberRing is a cluster's unicast ring: conceptually round-robin
// across the current subscribers.
type memberRing struct {
	members []string
	idx     int
}

func (m *memberRing) add(host string) {
	for _, h := range m.members {
		if h == host {
			return
		}
	}
	m.members = append(m.members, host)
}

func (m *memberRing) remove(host string) {
	for i, h := range m.members {
		if h == host {
			m.members = append(m.members[:i], m.members[i+1:]...)
			if m.idx > i {
				m.idx--
			}
			return
		}
	}
}

func (m *memberRing) empty() bool {
	return len(m.members) == 0
}

func (m *memberRing) next() string {
	if len(m.members) == 0 {
		return ""
	}
	if m.idx >= len(m.members) {
		m.idx = 0
	}
	host := m.members[m.idx]
	m.idx++
	return host
}
