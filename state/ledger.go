// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/basalt-cloud/basalt/core/status"
)

// LedgerEntry is the durable record of one in-flight cleanable
// operation: who is working on what, and what should happen if they
// die. At most one live entry exists per (resource, operation).
type LedgerEntry struct {
	UUID         string
	ResourceType string
	ResourceUUID string
	Operation    string

	// StatusCleanup is the transient status the resource was moved
	// into when the operation began; an entry surviving past its
	// owner's death is reconciled according to this status.
	StatusCleanup status.Status

	// Exactly one of WorkerHost/WorkerCluster identifies the owner.
	WorkerHost    string
	WorkerCluster string

	// ProtocolVersion records the writer's ledger protocol, so a
	// reconciler never acts on entries written by a downlevel service
	// that could not clean up after the newer semantics.
	ProtocolVersion version.Number

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerFilter narrows queries over the ledger.
type LedgerFilter struct {
	WorkerHost    string
	WorkerCluster string
	ResourceType  string
	ResourceUUID  string
}

type ledgerRow struct {
	UUID            string         `db:"uuid"`
	ResourceType    string         `db:"resource_type"`
	ResourceUUID    string         `db:"resource_uuid"`
	Operation       string         `db:"operation"`
	StatusCleanup   string         `db:"status_cleanup"`
	WorkerHost      sql.NullString `db:"worker_host"`
	WorkerCluster   sql.NullString `db:"worker_cluster"`
	ProtocolVersion string         `db:"protocol_version"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r ledgerRow) toEntry() (LedgerEntry, error) {
	ver, err := version.Parse(r.ProtocolVersion)
	if err != nil {
		return LedgerEntry{}, errors.Annotatef(err, "ledger entry %q protocol version", r.UUID)
	}
	return LedgerEntry{
		UUID:            r.UUID,
		ResourceType:    r.ResourceType,
		ResourceUUID:    r.ResourceUUID,
		Operation:       r.Operation,
		StatusCleanup:   status.Status(r.StatusCleanup),
		WorkerHost:      r.WorkerHost.String,
		WorkerCluster:   r.WorkerCluster.String,
		ProtocolVersion: ver,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// TrackOperation records the beginning of a cleanable operation. It is
// called by the dispatching side before the job is sent. The unique
// constraint on (resource, operation) holds the at-most-one-live-entry
// invariant; a second track of the same operation fails.
func (st *State) TrackOperation(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.ResourceUUID == "" || entry.Operation == "" {
		return LedgerEntry{}, errors.NotValidf("ledger entry without resource or operation")
	}
	if (entry.WorkerHost == "") == (entry.WorkerCluster == "") {
		return LedgerEntry{}, errors.NotValidf("ledger entry must name exactly one of host or cluster")
	}
	if entry.ProtocolVersion == version.Zero {
		return LedgerEntry{}, errors.NotValidf("ledger entry without protocol version")
	}

	entry.UUID = uuid.New().String()
	entry.CreatedAt = st.now()
	entry.UpdatedAt = entry.CreatedAt

	stmt, err := st.db.Prepare(`
INSERT INTO ledger (uuid, resource_type, resource_uuid, operation,
                    status_cleanup, worker_host, worker_cluster,
                    protocol_version, created_at, updated_at)
VALUES ($ledgerRow.uuid, $ledgerRow.resource_type, $ledgerRow.resource_uuid,
        $ledgerRow.operation, $ledgerRow.status_cleanup, $ledgerRow.worker_host,
        $ledgerRow.worker_cluster, $ledgerRow.protocol_version,
        $ledgerRow.created_at, $ledgerRow.updated_at)`, ledgerRow{})
	if err != nil {
		return LedgerEntry{}, errors.Trace(err)
	}
	row := ledgerRow{
		UUID:            entry.UUID,
		ResourceType:    entry.ResourceType,
		ResourceUUID:    entry.ResourceUUID,
		Operation:       entry.Operation,
		StatusCleanup:   string(entry.StatusCleanup),
		WorkerHost:      nullable(entry.WorkerHost),
		WorkerCluster:   nullable(entry.WorkerCluster),
		ProtocolVersion: entry.ProtocolVersion.String(),
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
	}
	err = st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return LedgerEntry{}, errors.AlreadyExistsf(
				"ledger entry for %q operation %q", entry.ResourceUUID, entry.Operation)
		}
		return LedgerEntry{}, errors.Trace(err)
	}
	return entry, nil
}

// UntrackOperation removes an entry after its operation committed a
// terminal state. Removing an already-removed entry is not an error:
// reconciliation and the happy path may race benignly.
func (st *State) UntrackOperation(ctx context.Context, entryUUID string) error {
	stmt, err := st.db.Prepare(`
DELETE FROM ledger WHERE uuid = $M.uuid`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, sqlair.M{"uuid": entryUUID}).Run())
	}))
}

// LedgerEntries returns entries matching the filter, ordered by
// creation time so entries for the same resource replay in order.
func (st *State) LedgerEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	q := `
SELECT &ledgerRow.*
FROM   ledger`
	args := sqlair.M{}
	var wheres []string
	if filter.WorkerHost != "" {
		wheres = append(wheres, "worker_host = $M.worker_host")
		args["worker_host"] = filter.WorkerHost
	}
	if filter.WorkerCluster != "" {
		wheres = append(wheres, "worker_cluster = $M.worker_cluster")
		args["worker_cluster"] = filter.WorkerCluster
	}
	if filter.ResourceType != "" {
		wheres = append(wheres, "resource_type = $M.resource_type")
		args["resource_type"] = filter.ResourceType
	}
	if filter.ResourceUUID != "" {
		wheres = append(wheres, "resource_uuid = $M.resource_uuid")
		args["resource_uuid"] = filter.ResourceUUID
	}
	if len(wheres) > 0 {
		q += "\nWHERE  " + strings.Join(wheres, "\nAND    ")
	}
	q += "\nORDER BY created_at, uuid"

	samples := []any{ledgerRow{}}
	var queryArgs []any
	if len(args) > 0 {
		samples = append(samples, sqlair.M{})
		queryArgs = []any{args}
	}
	stmt, err := st.db.Prepare(q, samples...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []ledgerRow
	err = st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, queryArgs...).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries := make([]LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, errors.Trace(err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
