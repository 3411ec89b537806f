// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// ErrLeaseHeld reports that a lease is currently held by another
// holder and has not expired.
const ErrLeaseHeld = errors.ConstError("lease held")

// AcquireLease claims the named expiring lease for holder. The claim
// is a single upsert whose update half only fires when the existing
// lease has expired or already belongs to the same holder, so two
// concurrent claimants cannot both succeed. Re-acquiring one's own
// live lease extends it.
func (st *State) AcquireLease(ctx context.Context, name, holder string, duration time.Duration) error {
	now := st.now()
	stmt, err := st.db.Prepare(`
INSERT INTO lock_lease (name, holder, acquired_at, expiry)
VALUES ($M.name, $M.holder, $M.now, $M.expiry)
ON CONFLICT(name) DO UPDATE SET
    holder      = excluded.holder,
    acquired_at = excluded.acquired_at,
    expiry      = excluded.expiry
WHERE lock_lease.expiry <= excluded.acquired_at
OR    lock_lease.holder = excluded.holder`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	args := sqlair.M{
		"name":   name,
		"holder": holder,
		"now":    now,
		"expiry": now.Add(duration),
	}
	var affected int64
	err = st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		var err error
		affected, err = outcome.Result().RowsAffected()
		return errors.Trace(err)
	})
	if err != nil {
		return errors.Annotatef(err, "acquiring lease %q", name)
	}
	if affected == 0 {
		return errors.Annotatef(ErrLeaseHeld, "lease %q", name)
	}
	return nil
}

// ReleaseLease drops the named lease if holder still owns it. Releasing
// a lease lost to expiry is a no-op: the next holder owns the row now.
func (st *State) ReleaseLease(ctx context.Context, name, holder string) error {
	stmt, err := st.db.Prepare(`
DELETE FROM lock_lease
WHERE name   = $M.name
AND   holder = $M.holder`, sqlair.M{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, sqlair.M{
			"name":   name,
			"holder": holder,
		}).Run())
	}))
}
