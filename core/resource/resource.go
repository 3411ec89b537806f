// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package resource holds the schedulable entity shared by the
// scheduler, the transition engine and the ledger.
package resource

import (
	"github.com/juju/errors"

	"github.com/basalt-cloud/basalt/core/status"
)

// Type identifies the kind of schedulable entity.
type Type string

const (
	Volume   Type = "volume"
	Snapshot Type = "snapshot"
	Backup   Type = "backup"
	Group    Type = "group"
)

// Resource is any schedulable, stateful entity. Status writes never go
// directly to the row; they are performed by the state package's
// conditional update so that the status column doubles as the mutual
// exclusion token for lifecycle operations.
type Resource struct {
	UUID string
	Type Type

	Status         status.Status
	PreviousStatus status.Status

	// Host and Cluster are mutually exclusive; a resource is owned by
	// exactly one of them.
	Host    string
	Cluster string

	ReplicationStatus string

	// Parent links a dependent resource (a snapshot or backup) to the
	// resource it was taken from. Live dependents block deletion of
	// the parent via a correlated predicate in the same conditional
	// update that stakes the delete claim.
	Parent string

	// Version is an opaque monotonic counter bumped by every
	// conditional update, for optimistic concurrency at the callers.
	Version int64

	// PlacementHints carries capability-derived hints recorded at
	// placement time.
	PlacementHints map[string]string
}

// Owner returns the routing owner of the resource. A cluster-owned
// resource always routes through its cluster channel, even when the
// cluster has a single member, so single-node clusters stay free to
// scale without rewriting ownership.
func (r Resource) Owner() (host, cluster string, err error) {
	switch {
	case r.Cluster != "" && r.Host != "":
		return "", "", errors.NotValidf("resource %q owned by both host and cluster", r.UUID)
	case r.Cluster != "":
		return "", r.Cluster, nil
	case r.Host != "":
		return r.Host, "", nil
	}
	return "", "", errors.NotValidf("resource %q with no owner", r.UUID)
}

// Validate checks the invariants that hold for any persisted resource.
func (r Resource) Validate() error {
	if r.UUID == "" {
		return errors.NotValidf("resource with empty uuid")
	}
	switch r.Type {
	case Volume, Snapshot, Backup, Group:
	default:
		return errors.NotValidf("resource type %q", r.Type)
	}
	if _, _, err := r.Owner(); err != nil {
		return errors.Trace(err)
	}
	return nil
}
