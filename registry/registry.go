// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry ingests periodic backend capability reports and
// cluster heartbeats, and exposes a point-in-time snapshot to the
// scheduler. The snapshot is read-mostly and may be reused for a
// bounded interval; staleness inside that interval is an accepted
// trade-off, not a correctness bug.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/basalt-cloud/basalt/core/backend"
	"github.com/basalt-cloud/basalt/core/capability"
	"github.com/basalt-cloud/basalt/state"
)

var logger = loggo.GetLogger("basalt.registry")

// HeartbeatRecorder persists backend liveness so it survives restarts.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, rec state.BackendRecord) error
}

// Config holds the registry's dependencies.
type Config struct {
	Clock clock.Clock

	// LivenessThreshold derives is_up: a backend is up while
	// now - last heartbeat stays under it. Zero means a minute.
	LivenessThreshold time.Duration

	// SnapshotMaxAge bounds reuse of a built snapshot. Zero means a
	// second.
	SnapshotMaxAge time.Duration

	// Recorder is optional heartbeat persistence.
	Recorder HeartbeatRecorder
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Registry is the in-memory capability cache. It is explicitly owned:
// initialised on the first report, refreshed on each subsequent one,
// and passed by reference into every Select call rather than read from
// ambient process state.
type Registry struct {
	config Config

	mu       sync.Mutex
	backends map[string]backend.Backend
	cached   *Snapshot
}

// New returns an empty registry.
func New(config Config) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.LivenessThreshold == 0 {
		config.LivenessThreshold = time.Minute
	}
	if config.SnapshotMaxAge == 0 {
		config.SnapshotMaxAge = time.Second
	}
	return &Registry{
		config:   config,
		backends: make(map[string]backend.Backend),
	}, nil
}

// Ingest applies one capability report. Reports are ordered per
// backend by their embedded timestamp: a report older than the one
// currently held is discarded so out-of-order delivery cannot revert
// newer stats. No ordering is implied across backends.
func (r *Registry) Ingest(ctx context.Context, report capability.Report) error {
	if err := report.Validate(); err != nil {
		return errors.Trace(err)
	}
	report, err := capability.Upgrade(report)
	if err != nil {
		return errors.Trace(err)
	}

	r.mu.Lock()
	current, ok := r.backends[report.Backend]
	if ok && !report.Timestamp.After(current.Report.Timestamp) {
		r.mu.Unlock()
		logger.Debugf("discarding stale report for %q (%s <= %s)",
			report.Backend, report.Timestamp, current.Report.Timestamp)
		return nil
	}
	heartbeat := r.config.Clock.Now()
	r.backends[report.Backend] = backend.Backend{
		Host:          report.Backend,
		Cluster:       report.Cluster,
		Report:        report,
		LastHeartbeat: heartbeat,
	}
	r.cached = nil
	r.mu.Unlock()

	if r.config.Recorder != nil {
		err := r.config.Recorder.RecordHeartbeat(ctx, state.BackendRecord{
			Host:             report.Backend,
			Cluster:          report.Cluster,
			AvailabilityZone: report.AvailabilityZone,
			LastHeartbeat:    heartbeat,
			ReportTimestamp:  report.Timestamp,
		})
		if err != nil {
			// Persistence is for restart recovery; the in-memory view
			// is already updated and scheduling keeps working.
			logger.Warningf("persisting heartbeat for %q: %v", report.Backend, err)
		}
	}
	return nil
}

// Heartbeat refreshes liveness for a backend without new capability
// data, as carried by bare cluster heartbeats.
func (r *Registry) Heartbeat(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[host]
	if !ok {
		return
	}
	b.LastHeartbeat = r.config.Clock.Now()
	r.backends[host] = b
	r.cached = nil
}

// Remove drops a backend from the registry, on operator request or a
// cache invalidation signal.
func (r *Registry) Remove(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, host)
	r.cached = nil
}

// TargetLive answers the liveness question for a directed
// reconciliation: a host is live if its heartbeat is fresh, a cluster
// if any member's is.
func (r *Registry) TargetLive(host, cluster string) bool {
	snap := r.Snapshot()
	if host != "" {
		b, ok := snap.Backend(host)
		return ok && b.UpSince(snap.CreatedAt, r.config.LivenessThreshold)
	}
	return snap.ClusterUp(cluster)
}

// Snapshot returns the current point-in-time view, reusing the cached
// one while it is younger than SnapshotMaxAge.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.config.Clock.Now()
	if r.cached != nil && now.Sub(r.cached.CreatedAt) < r.config.SnapshotMaxAge {
		return r.cached
	}

	snap := &Snapshot{
		CreatedAt: now,
		threshold: r.config.LivenessThreshold,
		backends:  make(map[string]backend.Backend, len(r.backends)),
		clusters:  make(map[string]backend.Cluster),
	}
	for host, b := range r.backends {
		snap.backends[host] = b
		if b.Cluster != "" {
			cl := snap.clusters[b.Cluster]
			cl.Name = b.Cluster
			cl.Members = append(cl.Members, b)
			snap.clusters[b.Cluster] = cl
		}
	}
	r.cached = snap
	return snap
}
