// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package capability holds the periodic backend self-description
// consumed by the capability registry, and the wire versioning for it.
package capability

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/version/v2"
)

// Unknown and Infinite are the two non-numeric capacity markers a
// backend may report. They bypass numeric comparison in the capacity
// filter and are weighted lowest by the capacity weigher.
const (
	Unknown  = "unknown"
	Infinite = "infinite"
)

// Capacity is a reported capacity figure: either a byte count in GiB
// or one of the Unknown/Infinite markers.
type Capacity struct {
	GiB    uint64
	Marker string
}

// Numeric reports whether the capacity carries a usable number.
func (c Capacity) Numeric() bool {
	return c.Marker == ""
}

// Validate checks the marker is one of the two known values.
func (c Capacity) Validate() error {
	switch c.Marker {
	case "", Unknown, Infinite:
		return nil
	}
	return errors.NotValidf("capacity marker %q", c.Marker)
}

// Report is a timestamped snapshot pushed periodically by each
// backend. The timestamp is authoritative for ordering: the registry
// discards any report older than the one it already holds for the
// backend, so out-of-order delivery cannot revert newer stats.
type Report struct {
	// Version tags the wire schema of the report so that mixed-version
	// fleets can upgrade a report at the boundary instead of relying on
	// structural guesswork.
	Version version.Number `yaml:"version"`

	Backend   string    `yaml:"backend"`
	Cluster   string    `yaml:"cluster,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`

	AvailabilityZone string `yaml:"availability-zone"`

	FreeCapacity  Capacity `yaml:"free-capacity"`
	TotalCapacity Capacity `yaml:"total-capacity"`

	// AllocatedGiB is the capacity already promised to placements,
	// which may exceed free capacity under over-subscription.
	AllocatedGiB          uint64  `yaml:"allocated"`
	OverSubscriptionRatio float64 `yaml:"over-subscription-ratio"`

	// Features is the typed capability map evaluated by the
	// scheduler's predicate expressions.
	Features map[string]string `yaml:"features,omitempty"`
}

// Validate checks a report is complete enough to ingest.
func (r Report) Validate() error {
	if r.Backend == "" {
		return errors.NotValidf("capability report with empty backend")
	}
	if r.Timestamp.IsZero() {
		return errors.NotValidf("capability report for %q without timestamp", r.Backend)
	}
	if err := r.FreeCapacity.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := r.TotalCapacity.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}
