// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// BackendRecord is the persisted view of a backend: enough to answer
// liveness questions after a restart, not a copy of the full report.
type BackendRecord struct {
	Host             string
	Cluster          string
	AvailabilityZone string
	LastHeartbeat    time.Time
	ReportTimestamp  time.Time
}

type backendRow struct {
	Host             string         `db:"host"`
	Cluster          sql.NullString `db:"cluster"`
	AvailabilityZone sql.NullString `db:"availability_zone"`
	LastHeartbeat    time.Time      `db:"last_heartbeat"`
	ReportTimestamp  time.Time      `db:"report_timestamp"`
}

// RecordHeartbeat upserts a backend's liveness row. The update half is
// guarded on the embedded report timestamp so an out-of-order delivery
// can never revert newer stats; a stale write simply affects no rows.
func (st *State) RecordHeartbeat(ctx context.Context, rec BackendRecord) error {
	if rec.Host == "" {
		return errors.NotValidf("backend record with empty host")
	}
	stmt, err := st.db.Prepare(`
INSERT INTO backend (host, cluster, availability_zone, last_heartbeat, report_timestamp)
VALUES ($backendRow.host, $backendRow.cluster, $backendRow.availability_zone,
        $backendRow.last_heartbeat, $backendRow.report_timestamp)
ON CONFLICT(host) DO UPDATE SET
    cluster           = excluded.cluster,
    availability_zone = excluded.availability_zone,
    last_heartbeat    = excluded.last_heartbeat,
    report_timestamp  = excluded.report_timestamp
WHERE excluded.report_timestamp >= backend.report_timestamp`, backendRow{})
	if err != nil {
		return errors.Trace(err)
	}
	row := backendRow{
		Host:             rec.Host,
		Cluster:          nullable(rec.Cluster),
		AvailabilityZone: nullable(rec.AvailabilityZone),
		LastHeartbeat:    rec.LastHeartbeat.UTC(),
		ReportTimestamp:  rec.ReportTimestamp.UTC(),
	}
	return errors.Trace(st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Annotatef(tx.Query(ctx, stmt, row).Run(),
			"recording heartbeat for %q", rec.Host)
	}))
}

// Backends returns all persisted backend records.
func (st *State) Backends(ctx context.Context) ([]BackendRecord, error) {
	stmt, err := st.db.Prepare(`
SELECT &backendRow.*
FROM   backend
ORDER BY host`, backendRow{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []backendRow
	err = st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	records := make([]BackendRecord, len(rows))
	for i, row := range rows {
		records[i] = BackendRecord{
			Host:             row.Host,
			Cluster:          row.Cluster.String,
			AvailabilityZone: row.AvailabilityZone.String,
			LastHeartbeat:    row.LastHeartbeat,
			ReportTimestamp:  row.ReportTimestamp,
		}
	}
	return records, nil
}
