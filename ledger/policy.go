// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ledger

import (
	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/basalt-cloud/basalt/core/resource"
	"github.com/basalt-cloud/basalt/core/status"
)

// Protocol is the ledger protocol version written by this build. A
// service never creates entries it could not also clean up, so the
// version is recorded on every entry and gated on reconciliation.
var Protocol = version.MustParse("2.0.0")

// Action is what reconciliation does with an orphaned operation.
type Action string

const (
	// Finish moves the resource to the operation's success status
	// synchronously; the work itself had completed, only the commit was
	// lost.
	Finish Action = "finish"

	// Fail moves the resource to an error status synchronously; the
	// work cannot be completed without the dead worker's context.
	Fail Action = "fail"

	// Resume re-dispatches the operation asynchronously and keeps the
	// ledger entry until that path itself completes.
	Resume Action = "resume"
)

// Rule is the remediation for one (resource type, status) pair.
type Rule struct {
	Action Action

	// Status is the terminal status written by Finish and Fail rules.
	Status status.Status
}

// Policy is the data-driven remediation table. Reconciliation never
// hardcodes per-caller behaviour: it looks the orphan up here.
type Policy struct {
	rules map[resource.Type]map[status.Status]Rule

	// minimum is the oldest entry protocol version this policy knows
	// how to clean up, per resource type. Entries below it are skipped:
	// a downlevel worker's legacy resources are not orphans.
	minimum map[resource.Type]version.Number
}

// DefaultPolicy returns the remediation table for the built-in
// resource types.
func DefaultPolicy() Policy {
	return Policy{
		rules: map[resource.Type]map[status.Status]Rule{
			resource.Volume: {
				// A half-created volume has no recoverable content.
				status.Creating:    {Action: Fail, Status: status.Error},
				status.Downloading: {Action: Fail, Status: status.Error},
				// Deletion is idempotent: run it again.
				status.Deleting: {Action: Resume},
				// The upload source volume is intact regardless of how
				// far the copy got.
				status.Uploading: {Action: Finish, Status: status.Available},
				status.BackingUp: {Action: Finish, Status: status.Available},
				status.Attaching: {Action: Fail, Status: status.Error},
				// A lost detach leaves the volume usable.
				status.Detaching:       {Action: Finish, Status: status.Available},
				status.RestoringBackup: {Action: Fail, Status: status.Error},
			},
			resource.Snapshot: {
				status.Creating: {Action: Fail, Status: status.Error},
				status.Deleting: {Action: Resume},
			},
			resource.Backup: {
				status.Creating:        {Action: Fail, Status: status.Error},
				status.Deleting:        {Action: Resume},
				status.RestoringBackup: {Action: Fail, Status: status.Error},
			},
			resource.Group: {
				status.Creating: {Action: Fail, Status: status.Error},
				status.Deleting: {Action: Resume},
			},
		},
		minimum: map[resource.Type]version.Number{
			resource.Volume:   version.MustParse("1.0.0"),
			resource.Snapshot: version.MustParse("1.0.0"),
			resource.Backup:   version.MustParse("1.0.0"),
			resource.Group:    version.MustParse("1.0.0"),
		},
	}
}

// WithMinimum returns a copy of the policy requiring at least the
// given entry protocol version for one resource type.
func (p Policy) WithMinimum(t resource.Type, min version.Number) Policy {
	minimum := make(map[resource.Type]version.Number, len(p.minimum))
	for k, v := range p.minimum {
		minimum[k] = v
	}
	minimum[t] = min
	return Policy{rules: p.rules, minimum: minimum}
}

// Rule returns the remediation for the pair, if the policy has one.
func (p Policy) Rule(t resource.Type, s status.Status) (Rule, bool) {
	rules, ok := p.rules[t]
	if !ok {
		return Rule{}, false
	}
	r, ok := rules[s]
	return r, ok
}

// Reconcilable reports whether an entry written at the given protocol
// version may be acted on for the given resource type.
func (p Policy) Reconcilable(t resource.Type, written version.Number) bool {
	min, ok := p.minimum[t]
	if !ok {
		return false
	}
	return written.Compare(min) >= 0
}

// Validate checks every rule is internally consistent.
func (p Policy) Validate() error {
	for t, rules := range p.rules {
		for s, r := range rules {
			switch r.Action {
			case Finish, Fail:
				if !r.Status.IsTerminal() {
					return errors.NotValidf(
						"%s/%s remediation to non-terminal status %q", t, s, r.Status)
				}
			case Resume:
				if r.Status != "" {
					return errors.NotValidf(
						"%s/%s resume remediation with status %q", t, s, r.Status)
				}
			default:
				return errors.NotValidf("%s/%s remediation action %q", t, s, r.Action)
			}
		}
	}
	return nil
}
