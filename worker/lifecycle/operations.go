// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lifecycle

import (
	"github.com/basalt-cloud/basalt/core/status"
)

// opSpec describes one lifecycle operation: the transient status the
// dispatcher claims before sending the job, and the terminal statuses
// the worker commits afterwards.
type opSpec struct {
	transient status.Status
	success   status.Status
	failure   status.Status

	// exclusive brackets the driver call with a node-scope guard. Only
	// operations whose external side effect is not itself idempotent
	// (programming host attachments) need it; everything else is
	// serialized by the status CAS alone.
	exclusive bool
}

// OpReconcile directs a worker to reconcile its own ledger entries.
// It carries no resource and never touches the operation table.
const OpReconcile = "reconcile"

var operations = map[string]opSpec{
	"create": {
		transient: status.Creating,
		success:   status.Available,
		failure:   status.Error,
	},
	"delete": {
		transient: status.Deleting,
		success:   status.Deleted,
		failure:   status.ErrorDeleting,
	},
	"upload": {
		transient: status.Uploading,
		success:   status.Available,
		failure:   status.Error,
	},
	"download": {
		transient: status.Downloading,
		success:   status.Available,
		failure:   status.Error,
	},
	"attach": {
		transient: status.Attaching,
		success:   status.InUse,
		failure:   status.Error,
		exclusive: true,
	},
	"detach": {
		transient: status.Detaching,
		success:   status.Available,
		failure:   status.Error,
		exclusive: true,
	},
	"backup": {
		transient: status.BackingUp,
		success:   status.Available,
		failure:   status.Error,
	},
	"restore-backup": {
		transient: status.RestoringBackup,
		success:   status.Available,
		failure:   status.Error,
	},
}
