// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package errors holds the error taxonomy shared across the control
// plane. Callers match with errors.Is; none of these carry state.
package errors

import (
	"github.com/juju/errors"
)

const (
	// NoValidBackend is returned by the scheduler when no backend
	// satisfies the request's hard constraints. Terminal: it is
	// reported to the caller and never retried automatically.
	NoValidBackend = errors.ConstError("no valid backend")

	// ConflictingState is returned when a conditional update affected
	// zero rows: the resource is not in a valid state for the
	// operation. Terminal for this attempt; the caller may re-enter
	// with freshly read preconditions.
	ConflictingState = errors.ConstError("resource not in a valid state for this operation")

	// UnreachableTarget is returned by the router when no live
	// subscriber could be resolved for a target after bounded retry.
	UnreachableTarget = errors.ConstError("no reachable subscriber for target")

	// RemediationRequired is returned by reconciliation when an
	// orphan's policy is to resume the operation but no live worker
	// can accept it. Reported, never auto-retried.
	RemediationRequired = errors.ConstError("orphaned operation requires remediation")

	// LockRetryable is returned for any mutual exclusion acquisition
	// failure; the caller owns the retry policy.
	LockRetryable = errors.ConstError("lock acquisition failed, retryable")
)
