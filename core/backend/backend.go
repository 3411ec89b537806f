// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backend holds the storage endpoint and cluster types shared
// by the registry, the scheduler and the router.
package backend

import (
	"time"

	"github.com/basalt-cloud/basalt/core/capability"
)

// Backend is an addressable storage endpoint capable of executing
// resource operations. It is identified by its host; a backend may
// additionally belong to at most one cluster.
type Backend struct {
	Host    string
	Cluster string

	// Report is the newest capability report ingested for this
	// backend, ordered by its embedded timestamp.
	Report capability.Report

	// LastHeartbeat is the newest liveness signal, which may be more
	// recent than the report.
	LastHeartbeat time.Time
}

// UpSince reports whether the backend has been heard from within the
// liveness threshold ending at now.
func (b Backend) UpSince(now time.Time, threshold time.Duration) bool {
	if b.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(b.LastHeartbeat) < threshold
}

// Cluster is a named group of interchangeable backend workers sharing
// ownership of resources. Liveness aggregates across members: the
// cluster is up if any member is up.
type Cluster struct {
	Name    string
	Members []Backend
}

// UpSince reports whether any member is within the liveness threshold.
func (c Cluster) UpSince(now time.Time, threshold time.Duration) bool {
	for _, m := range c.Members {
		if m.UpSince(now, threshold) {
			return true
		}
	}
	return false
}
