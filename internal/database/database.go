// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens the control plane's SQLite store and exposes
// the transaction runner used by the state package.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

// TxnRunner runs a function inside a single database transaction.
type TxnRunner interface {
	Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error
}

// Database wraps the sqlair DB handle with a prepared statement cache.
type Database struct {
	db *sqlair.DB

	mu    sync.RWMutex
	stmts map[string]*sqlair.Statement
}

// Open opens (creating if necessary) the store at path and ensures the
// schema. An empty path opens a private in-memory store, used by tests
// and by single-shot tooling.
func Open(path string) (*Database, error) {
	dsn := "file::memory:?mode=memory"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000&_journal_mode=WAL", path)
	}
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening store")
	}
	// A single connection keeps an in-memory store coherent and
	// serialises writers on file stores, which SQLite requires anyway.
	raw.SetMaxOpenConns(1)

	db := &Database{
		db:    sqlair.NewDB(raw),
		stmts: make(map[string]*sqlair.Statement),
	}
	if _, err := raw.Exec(schemaDDL); err != nil {
		_ = raw.Close()
		return nil, errors.Annotate(err, "ensuring schema")
	}
	return db, nil
}

// Txn runs fn in a transaction, committing on nil return.
func (d *Database) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	tx, err := d.db.Begin(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "beginning transaction")
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Annotatef(err, "rolling back: %v", rbErr)
		}
		return err
	}
	return errors.Annotate(tx.Commit(), "committing transaction")
}

// Prepare returns a cached sqlair statement for the query, preparing
// it against the supplied type samples on first use.
func (d *Database) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	d.mu.RLock()
	if stmt, ok := d.stmts[query]; ok {
		d.mu.RUnlock()
		return stmt, nil
	}
	d.mu.RUnlock()

	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotatef(err, "preparing %q", query)
	}
	d.mu.Lock()
	d.stmts[query] = stmt
	d.mu.Unlock()
	return stmt, nil
}

// Close closes the underlying handle.
func (d *Database) Close() error {
	return errors.Trace(d.db.PlainDB().Close())
}
