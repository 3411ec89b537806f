// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry

import (
	"sort"
	"time"

	"github.com/basalt-cloud/basalt/core/backend"
)

// Snapshot is an immutable point-in-time view of the registry, passed
// by reference into each scheduler Select call.
type Snapshot struct {
	CreatedAt time.Time

	threshold time.Duration
	backends  map[string]backend.Backend
	clusters  map[string]backend.Cluster
}

// Backend returns the named backend, if present.
func (s *Snapshot) Backend(host string) (backend.Backend, bool) {
	b, ok := s.backends[host]
	return b, ok
}

// Backends returns all backends, ordered by host for stable iteration.
func (s *Snapshot) Backends() []backend.Backend {
	out := make([]backend.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Up reports whether the named backend is live as of the snapshot.
func (s *Snapshot) Up(host string) bool {
	b, ok := s.backends[host]
	return ok && b.UpSince(s.CreatedAt, s.threshold)
}

// ClusterUp reports whether any member of the named cluster is live as
// of the snapshot.
func (s *Snapshot) ClusterUp(name string) bool {
	cl, ok := s.clusters[name]
	return ok && cl.UpSince(s.CreatedAt, s.threshold)
}

// Cluster returns the named cluster, if present.
func (s *Snapshot) Cluster(name string) (backend.Cluster, bool) {
	cl, ok := s.clusters[name]
	return cl, ok
}
