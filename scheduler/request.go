// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler

import (
	"sort"

	"github.com/juju/errors"

	"github.com/basalt-cloud/basalt/core/capability"
	"github.com/basalt-cloud/basalt/core/resource"
)

// Request describes one placement decision to be made.
type Request struct {
	// ID is the caller's idempotency/request id, carried into logs and
	// the dispatched job.
	ID string

	ResourceType resource.Type

	// SizeGiB is the capacity the placement will consume.
	SizeGiB uint64

	// AvailabilityZone restricts candidates to one zone when set.
	AvailabilityZone string

	// Requirements are capability predicates every candidate must
	// satisfy.
	Requirements []capability.Predicate

	// SameBackendAs / DifferentBackendFrom name sibling resources whose
	// owning backend constrains this placement.
	SameBackendAs        string
	DifferentBackendFrom string

	// AttemptedHosts lists backends already tried for this request, so
	// a retry after a failed dispatch never lands on the same one.
	AttemptedHosts []string
}

// Validate checks the request is complete enough to schedule.
func (r Request) Validate() error {
	if r.ID == "" {
		return errors.NotValidf("placement request without id")
	}
	if r.ResourceType == "" {
		return errors.NotValidf("placement request %q without resource type", r.ID)
	}
	return nil
}

// ParseRequirements turns a raw key/expression map into the predicate
// list evaluated by the capability filter. Keys are processed in sorted
// order so errors are reported deterministically.
func ParseRequirements(raw map[string]string) ([]capability.Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]capability.Predicate, 0, len(keys))
	for _, k := range keys {
		p, err := capability.ParsePredicate(k, raw[k])
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, p)
	}
	return out, nil
}
