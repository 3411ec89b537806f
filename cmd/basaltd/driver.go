// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"

	"github.com/basalt-cloud/basalt/core/capability"
	"github.com/basalt-cloud/basalt/core/resource"
)

// noopDriver stands in for a storage backend integration: every
// operation succeeds with no extra field updates. Deployments replace
// it by embedding the daemon wiring with a real driver.
type noopDriver struct{}

func (noopDriver) Execute(_ context.Context, operation string, res resource.Resource) (map[string]string, error) {
	logger.Debugf("noop driver: %s %s", operation, res.UUID)
	return nil, nil
}

// localSource reports this host's stats. Without a real driver there
// are no numeric capacity figures; the unknown marker defers capacity
// admission to the backend itself.
type localSource struct {
	az string
}

func (s *localSource) Report() capability.Report {
	return capability.Report{
		AvailabilityZone:      s.az,
		FreeCapacity:          capability.Capacity{Marker: capability.Unknown},
		TotalCapacity:         capability.Capacity{Marker: capability.Unknown},
		OverSubscriptionRatio: 1.0,
	}
}
