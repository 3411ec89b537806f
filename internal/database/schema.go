// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

// Schema DDL. Every table supports the single-statement conditional
// update pattern the transition engine relies on; there are no
// multi-statement write paths.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS resource (
    uuid               TEXT PRIMARY KEY,
    type               TEXT NOT NULL,
    status             TEXT,
    previous_status    TEXT,
    host               TEXT,
    cluster            TEXT,
    replication_status TEXT,
    parent_uuid        TEXT,
    version            INTEGER NOT NULL DEFAULT 0,
    deleted_at         DATETIME,
    updated_at         DATETIME
);

CREATE INDEX IF NOT EXISTS idx_resource_parent
ON resource (parent_uuid)
WHERE parent_uuid IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger (
    uuid             TEXT PRIMARY KEY,
    resource_type    TEXT NOT NULL,
    resource_uuid    TEXT NOT NULL,
    operation        TEXT NOT NULL,
    status_cleanup   TEXT NOT NULL,
    worker_host      TEXT,
    worker_cluster   TEXT,
    protocol_version TEXT NOT NULL,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL,
    UNIQUE (resource_uuid, operation)
);

CREATE INDEX IF NOT EXISTS idx_ledger_worker
ON ledger (worker_host, worker_cluster);

CREATE TABLE IF NOT EXISTS backend (
    host             TEXT PRIMARY KEY,
    cluster          TEXT,
    availability_zone TEXT,
    last_heartbeat   DATETIME,
    report_timestamp DATETIME
);

CREATE INDEX IF NOT EXISTS idx_backend_cluster
ON backend (cluster)
WHERE cluster IS NOT NULL;

CREATE TABLE IF NOT EXISTS lock_lease (
    name        TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at DATETIME NOT NULL,
    expiry      DATETIME NOT NULL
);
`
