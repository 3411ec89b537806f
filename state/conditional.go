// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
	"github.com/basalt-cloud/basalt/core/status"
)

// updatableColumns is the set of resource columns a conditional update
// may write or match on. Anything else in a Change or Expect is a
// programming error surfaced before any SQL is built.
var updatableColumns = map[string]bool{
	"status":             true,
	"previous_status":    true,
	"host":               true,
	"cluster":            true,
	"replication_status": true,
	"parent_uuid":        true,
	"deleted_at":         true,
}

// Change writes one column. When FromColumn is set the value is taken
// from another column of the same row, evaluated server-side against
// the pre-update row, so "copy status into previous_status" happens in
// the same atomic statement as the status write itself.
type Change struct {
	Column     string
	Value      any
	FromColumn string
}

// Expect constrains the current value of one column. Values is the set
// of acceptable values; a nil element explicitly matches an absent
// (NULL) column, so emptiness is a distinct matchable case rather than
// being silently excluded the way a naive SQL IN would. Negate flips
// the condition to "anything but these".
type Expect struct {
	Column string
	Values []any
	Negate bool
}

// Is is shorthand for expecting an exact value.
func Is(column string, value any) Expect {
	return Expect{Column: column, Values: []any{value}}
}

// In is shorthand for expecting one of a set of values.
func In(column string, values ...any) Expect {
	return Expect{Column: column, Values: values}
}

// Not is shorthand for "anything but these values".
func Not(column string, values ...any) Expect {
	return Expect{Column: column, Values: values, Negate: true}
}

// Predicate is an extra condition referencing other rows, expressed as
// a correlated subquery inside the same statement. A separate
// pre-check-then-write would reopen the race the engine exists to
// close, so predicates never run as their own queries.
type Predicate interface {
	clause() (string, sqlair.M)
}

// NoLiveDependents asserts that no undeleted resource names this row
// as its parent. It gates deletion of a volume that still has live
// snapshots or backups.
type NoLiveDependents struct{}

func (NoLiveDependents) clause() (string, sqlair.M) {
	return `NOT EXISTS (
    SELECT 1 FROM resource AS d
    WHERE  d.parent_uuid = resource.uuid
    AND    d.deleted_at IS NULL)`, nil
}

// NoInFlightOperation asserts that no live ledger entry exists for the
// resource, regardless of operation.
type NoInFlightOperation struct{}

func (NoInFlightOperation) clause() (string, sqlair.M) {
	return `NOT EXISTS (
    SELECT 1 FROM ledger AS l
    WHERE  l.resource_uuid = resource.uuid)`, nil
}

// ConditionalUpdate performs one atomic compare-and-swap write against
// the resource row. The update succeeds (returns 1) iff every Expect
// still matches the persisted row at write time; otherwise it returns
// 0 with no error and no partial write. The row version is bumped and
// updated_at refreshed as part of the same statement.
//
// Callers seeing 0 must surface a generic conflicting-state error
// rather than issuing follow-up queries to diagnose which condition
// failed; each such query would reopen a race window.
func (st *State) ConditionalUpdate(
	ctx context.Context,
	uuid string,
	changes []Change,
	expected []Expect,
	predicates ...Predicate,
) (int64, error) {
	if len(changes) == 0 {
		return 0, errors.NotValidf("conditional update with no changes")
	}

	args := sqlair.M{
		"uuid": uuid,
		"now":  st.now(),
	}

	var sets []string
	for i, ch := range changes {
		if !updatableColumns[ch.Column] {
			return 0, errors.NotValidf("column %q in conditional update", ch.Column)
		}
		switch {
		case ch.FromColumn != "":
			if !updatableColumns[ch.FromColumn] && ch.FromColumn != "status" {
				return 0, errors.NotValidf("derived column %q", ch.FromColumn)
			}
			sets = append(sets, fmt.Sprintf("%s = %s", ch.Column, ch.FromColumn))
		default:
			key := fmt.Sprintf("set_%d", i)
			args[key] = ch.Value
			sets = append(sets, fmt.Sprintf("%s = $M.%s", ch.Column, key))
		}
	}
	sets = append(sets, "version = version + 1", "updated_at = $M.now")

	wheres := []string{"uuid = $M.uuid"}
	for i, exp := range expected {
		clause, err := buildExpect(i, exp, args)
		if err != nil {
			return 0, errors.Trace(err)
		}
		wheres = append(wheres, clause)
	}
	for _, p := range predicates {
		clause, extra := p.clause()
		for k, v := range extra {
			args[k] = v
		}
		wheres = append(wheres, clause)
	}

	q := fmt.Sprintf("UPDATE resource\nSET    %s\nWHERE  %s",
		strings.Join(sets, ",\n       "),
		strings.Join(wheres, "\nAND    "))

	stmt, err := st.db.Prepare(q, sqlair.M{})
	if err != nil {
		return 0, errors.Trace(err)
	}

	var affected int64
	err = st.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Annotatef(err, "conditional update of %q", uuid)
		}
		affected, err = outcome.Result().RowsAffected()
		return errors.Trace(err)
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	if logger.IsTraceEnabled() {
		logger.Tracef("conditional update of %q affected %d row(s)", uuid, affected)
	}
	return affected, nil
}

// buildExpect renders one Expect into a WHERE clause, splitting out a
// nil element so a NULL column is matched (or excluded) explicitly.
func buildExpect(i int, exp Expect, args sqlair.M) (string, error) {
	if !updatableColumns[exp.Column] {
		return "", errors.NotValidf("column %q in expectation", exp.Column)
	}
	if len(exp.Values) == 0 {
		return "", errors.NotValidf("expectation on %q with no values", exp.Column)
	}

	var placeholders []string
	matchNull := false
	for j, v := range exp.Values {
		if v == nil {
			matchNull = true
			continue
		}
		key := fmt.Sprintf("exp_%d_%d", i, j)
		args[key] = v
		placeholders = append(placeholders, "$M."+key)
	}

	in := ""
	if len(placeholders) > 0 {
		in = fmt.Sprintf("%s IN (%s)", exp.Column, strings.Join(placeholders, ", "))
	}

	switch {
	case exp.Negate && matchNull && in != "":
		return fmt.Sprintf("(%s IS NOT NULL AND NOT (%s))", exp.Column, in), nil
	case exp.Negate && matchNull:
		return fmt.Sprintf("%s IS NOT NULL", exp.Column), nil
	case exp.Negate:
		// NULL is "anything but" any concrete value.
		return fmt.Sprintf("(%s IS NULL OR NOT (%s))", exp.Column, in), nil
	case matchNull && in != "":
		return fmt.Sprintf("(%s IS NULL OR %s)", exp.Column, in), nil
	case matchNull:
		return fmt.Sprintf("%s IS NULL", exp.Column), nil
	default:
		return in, nil
	}
}

// Transition is the common-case conditional update: move status to the
// new value iff the current status is one of from, saving the current
// status into previous_status in the same statement. A zero-row result
// is surfaced as ConflictingState carrying the required set.
func (st *State) Transition(
	ctx context.Context,
	uuid string,
	to status.Status,
	from ...status.Status,
) error {
	if len(from) == 0 {
		return errors.NotValidf("transition with empty required set")
	}
	fromAny := make([]any, len(from))
	for i, s := range from {
		fromAny[i] = string(s)
	}
	affected, err := st.ConditionalUpdate(ctx, uuid,
		[]Change{
			{Column: "previous_status", FromColumn: "status"},
			{Column: "status", Value: string(to)},
		},
		[]Expect{{Column: "status", Values: fromAny}},
	)
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.Annotatef(basalterrors.ConflictingState,
			"resource %q, required status: %v", uuid, status.Strings(from))
	}
	return nil
}

// Destroy soft-deletes a resource. Deletion is only legal from a
// terminal status, and only when nothing live depends on the row; both
// checks ride in the single statement that stakes the claim.
func (st *State) Destroy(ctx context.Context, uuid string) error {
	affected, err := st.ConditionalUpdate(ctx, uuid,
		[]Change{
			{Column: "previous_status", FromColumn: "status"},
			{Column: "status", Value: string(status.Deleted)},
			{Column: "deleted_at", Value: st.now()},
		},
		[]Expect{In("status",
			string(status.Available), string(status.Error), string(status.Cancelled))},
		NoLiveDependents{},
	)
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.Annotatef(basalterrors.ConflictingState,
			"resource %q, required status: %v and no live dependents", uuid,
			[]status.Status{status.Available, status.Error, status.Cancelled})
	}
	return nil
}
