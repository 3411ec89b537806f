// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/basalt-cloud/basalt/core/backend"
)

// placement is the per-request context shared by every filter and
// weigher invocation: the request itself plus the affinity owners
// resolved once up front.
type placement struct {
	req       Request
	attempted set.Strings

	// sameHost/sameCluster are the owner of the SameBackendAs sibling,
	// when that constraint is set. Exactly one is non-empty.
	sameHost    string
	sameCluster string

	// diffHost/diffCluster likewise for DifferentBackendFrom.
	diffHost    string
	diffCluster string
}

// Filter rejects candidates that cannot serve the request. Filters are
// hard constraints: a rejected candidate is out regardless of score.
type Filter interface {
	Name() string
	Accept(p *placement, cand Candidate) (bool, error)
}

// livenessFilter drops backends whose heartbeat has lapsed. It runs
// first: a dead backend's stats are not worth evaluating.
type livenessFilter struct{}

func (livenessFilter) Name() string { return "liveness" }

func (livenessFilter) Accept(p *placement, cand Candidate) (bool, error) {
	return cand.Up, nil
}

// zoneFilter restricts candidates to the requested availability zone.
type zoneFilter struct{}

func (zoneFilter) Name() string { return "availability-zone" }

func (zoneFilter) Accept(p *placement, cand Candidate) (bool, error) {
	if p.req.AvailabilityZone == "" {
		return true, nil
	}
	return cand.Report.AvailabilityZone == p.req.AvailabilityZone, nil
}

// capacityFilter requires the requested size, scaled by the headroom
// factor, to fit in the backend's reported free capacity. The unknown
// and infinite markers bypass the numeric comparison: capacity is then
// somebody else's problem, typically the backend's own admission
// control.
type capacityFilter struct {
	headroom float64
}

func (capacityFilter) Name() string { return "capacity" }

func (f capacityFilter) Accept(p *placement, cand Candidate) (bool, error) {
	free := cand.Report.FreeCapacity
	if !free.Numeric() {
		return true, nil
	}
	need := float64(p.req.SizeGiB) * f.headroom
	return float64(free.GiB) >= need, nil
}

// requirementsFilter evaluates every request predicate against the
// candidate's feature map.
type requirementsFilter struct{}

func (requirementsFilter) Name() string { return "requirements" }

func (requirementsFilter) Accept(p *placement, cand Candidate) (bool, error) {
	for _, pred := range p.req.Requirements {
		if !pred.Eval(cand.Report.Features) {
			return false, nil
		}
	}
	return true, nil
}

// affinityFilter keeps only candidates co-located with the
// SameBackendAs sibling: the sibling's host, or any member of its
// owning cluster.
type affinityFilter struct{}

func (affinityFilter) Name() string { return "same-backend" }

func (affinityFilter) Accept(p *placement, cand Candidate) (bool, error) {
	if p.req.SameBackendAs == "" {
		return true, nil
	}
	return matchesOwner(cand, p.sameHost, p.sameCluster), nil
}

// antiAffinityFilter drops candidates co-located with the
// DifferentBackendFrom sibling.
type antiAffinityFilter struct{}

func (antiAffinityFilter) Name() string { return "different-backend" }

func (antiAffinityFilter) Accept(p *placement, cand Candidate) (bool, error) {
	if p.req.DifferentBackendFrom == "" {
		return true, nil
	}
	return !matchesOwner(cand, p.diffHost, p.diffCluster), nil
}

func matchesOwner(cand Candidate, host, cluster string) bool {
	if host != "" {
		return cand.Host == host
	}
	return cluster != "" && cand.Cluster == cluster
}

// attemptedFilter drops backends this request has already been tried
// against.
type attemptedFilter struct{}

func (attemptedFilter) Name() string { return "ignore-attempted" }

func (attemptedFilter) Accept(p *placement, cand Candidate) (bool, error) {
	return !p.attempted.Contains(cand.Host), nil
}

// Candidate is one backend under consideration, with liveness already
// derived from the snapshot it came from.
type Candidate struct {
	backend.Backend
	Up bool
}

var errNoOwner = errors.ConstError("affinity sibling has no owner")
