// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the persistence layer of the control plane. Every
// lifecycle mutation of a resource goes through ConditionalUpdate: one
// atomic compare-and-swap statement that both validates preconditions
// and stakes the claim. Nothing in this package, or anywhere else,
// reads state and writes it back in separate steps.
package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/basalt-cloud/basalt/core/resource"
	"github.com/basalt-cloud/basalt/core/status"
	"github.com/basalt-cloud/basalt/internal/database"
)

var logger = loggo.GetLogger("basalt.state")

// State exposes the persisted tables to the rest of the control plane.
type State struct {
	db    *database.Database
	clock clock.Clock
}

// New returns a State backed by the given store.
func New(db *database.Database, clk clock.Clock) *State {
	return &State{db: db, clock: clk}
}

type resourceRow struct {
	UUID              string         `db:"uuid"`
	Type              string         `db:"type"`
	Status            sql.NullString `db:"status"`
	PreviousStatus    sql.NullString `db:"previous_status"`
	Host              sql.NullString `db:"host"`
	Cluster           sql.NullString `db:"cluster"`
	ReplicationStatus sql.NullString `db:"replication_status"`
	ParentUUID        sql.NullString `db:"parent_uuid"`
	Version           int64          `db:"version"`
}

func (r resourceRow) toCore() resource.Resource {
	return resource.Resource{
		UUID:              r.UUID,
		Type:              resource.Type(r.Type),
		Status:            status.Status(r.Status.String),
		PreviousStatus:    status.Status(r.PreviousStatus.String),
		Host:              r.Host.String,
		Cluster:           r.Cluster.String,
		ReplicationStatus: r.ReplicationStatus.String,
		Parent:            r.ParentUUID.String,
		Version:           r.Version,
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AddResource inserts a resource in its initial (transient) status.
// The placement caller creates the row in "creating" before the job is
// dispatched; the owning worker then mutates it exclusively through
// conditional updates.
func (st *State) AddResource(ctx context.Context, res resource.Resource) error {
	if err := res.Validate(); err != nil {
		return errors.Trace(err)
	}
	stmt, err := st.db.Prepare(`
INSERT INTO resource (uuid, type, status, previous_status, host, cluster,
                      replication_status, parent_uuid, version, updated_at)
VALUES ($resourceRow.uuid, $resourceRow.type, $resourceRow.status,
        $resourceRow.previous_status, $resourceRow.host, $resourceRow.cluster,
        $resourceRow.replication_status, $resourceRow.parent_uuid,
        $resourceRow.version, $M.now)`, resourceRow{}, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	row := resourceRow{
		UUID:              res.UUID,
		Type:              string(res.Type),
		Status:            nullable(string(res.Status)),
		PreviousStatus:    nullable(string(res.PreviousStatus)),
		Host:              nullable(res.Host),
		Cluster:           nullable(res.Cluster),
		ReplicationStatus: nullable(res.ReplicationStatus),
		ParentUUID:        nullable(res.Parent),
		Version:           res.Version,
	}
	args := sqlair.M{"now": st.clock.Now().UTC()}
	return errors.Trace(st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Annotatef(tx.Query(ctx, stmt, row, args).Run(),
			"adding resource %q", res.UUID)
	}))
}

// Resource returns the resource with the given uuid.
func (st *State) Resource(ctx context.Context, uuid string) (resource.Resource, error) {
	stmt, err := st.db.Prepare(`
SELECT &resourceRow.*
FROM   resource
WHERE  uuid = $M.uuid`, resourceRow{}, sqlair.M{})
	if err != nil {
		return resource.Resource{}, errors.Trace(err)
	}
	var row resourceRow
	err = st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, sqlair.M{"uuid": uuid}).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("resource %q", uuid)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return resource.Resource{}, errors.Trace(err)
	}
	return row.toCore(), nil
}

// ResourceOwner returns the routing owner of a resource, used by the
// scheduler's affinity filters.
func (st *State) ResourceOwner(ctx context.Context, uuid string) (host, cluster string, err error) {
	res, err := st.Resource(ctx, uuid)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	return res.Owner()
}

// now returns the current UTC time from the injected clock; every
// timestamp written by this package goes through it.
func (st *State) now() time.Time {
	return st.clock.Now().UTC()
}
