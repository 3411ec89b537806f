// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package status defines the lifecycle states a resource moves through,
// and the sets used by the transition engine to gate operations.
package status

// Status is the lifecycle state of a resource. Transitions between
// statuses must go through the state transition engine; nothing else
// may write the column.
type Status string

const (
	// Transient statuses. A resource in one of these states is claimed
	// by exactly one in-flight operation.
	Creating        Status = "creating"
	Deleting        Status = "deleting"
	Uploading       Status = "uploading"
	Downloading     Status = "downloading"
	Attaching       Status = "attaching"
	Detaching       Status = "detaching"
	BackingUp       Status = "backing-up"
	RestoringBackup Status = "restoring-backup"

	// Terminal statuses. Operations may only begin from one of these.
	Available     Status = "available"
	InUse         Status = "in-use"
	Error         Status = "error"
	ErrorDeleting Status = "error_deleting"
	Deleted       Status = "deleted"
	Cancelled     Status = "cancelled"
)

var transient = map[Status]bool{
	Creating:        true,
	Deleting:        true,
	Uploading:       true,
	Downloading:     true,
	Attaching:       true,
	Detaching:       true,
	BackingUp:       true,
	RestoringBackup: true,
}

// IsTransient reports whether s marks a resource as claimed by an
// in-flight operation.
func (s Status) IsTransient() bool {
	return transient[s]
}

// IsTerminal reports whether s is a resting state from which a new
// operation may be started.
func (s Status) IsTerminal() bool {
	return !transient[s] && s != ""
}

func (s Status) String() string {
	return string(s)
}

// Strings converts a status set to the plain string slice used when
// binding a membership condition into a query.
func Strings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
