// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scheduler implements placement: given a snapshot of the
// capability registry and a request, it filters the backends that
// cannot serve it and ranks the survivors. Filtering is a pure
// function of the snapshot and the request, so two schedulers given
// the same inputs reach the same survivor set.
package scheduler

import (
	"context"
	"math/rand"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kr/pretty"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
	"github.com/basalt-cloud/basalt/registry"
)

var logger = loggo.GetLogger("basalt.scheduler")

// Policy selects how the ranked list is ordered from the weighed
// scores.
type Policy string

const (
	// Deterministic orders strictly by combined score, ties broken by
	// host name. Same snapshot, same request, same answer.
	Deterministic Policy = "deterministic"

	// Stochastic orders by weighted random draw proportional to score,
	// trading strict optimality for herd avoidance when many requests
	// arrive against one snapshot.
	Stochastic Policy = "stochastic"
)

// ResourceOwners resolves a resource to its owning backend, used by
// the affinity filters.
type ResourceOwners interface {
	ResourceOwner(ctx context.Context, uuid string) (host, cluster string, err error)
}

// Config holds the scheduler's dependencies and tuning.
type Config struct {
	Clock clock.Clock

	// Resources resolves affinity siblings. Required only if requests
	// carry affinity constraints.
	Resources ResourceOwners

	// HeadroomFactor scales the requested size in the capacity filter.
	// Zero means 1.0 (no headroom).
	HeadroomFactor float64

	// Multipliers adjusts the relative influence of each weigher by
	// name. Missing entries default to 1.0; a negative multiplier
	// inverts the preference.
	Multipliers map[string]float64

	// Policy defaults to Deterministic.
	Policy Policy

	// Rand drives the stochastic policy. Defaults to a source seeded
	// from the clock; tests inject a fixed seed.
	Rand *rand.Rand

	// Metrics is optional instrumentation.
	Metrics *Metrics
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	switch c.Policy {
	case "", Deterministic, Stochastic:
	default:
		return errors.NotValidf("policy %q", c.Policy)
	}
	if c.HeadroomFactor < 0 {
		return errors.NotValidf("negative headroom factor")
	}
	return nil
}

// Scheduler ranks backends for placement requests.
type Scheduler struct {
	config   Config
	filters  []Filter
	weighers []Weigher
	rand     *rand.Rand
}

// New returns a scheduler with the built-in filter and weigher
// pipeline.
func New(config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.HeadroomFactor == 0 {
		config.HeadroomFactor = 1.0
	}
	if config.Policy == "" {
		config.Policy = Deterministic
	}
	rnd := config.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(config.Clock.Now().UnixNano()))
	}
	return &Scheduler{
		config: config,
		filters: []Filter{
			livenessFilter{},
			zoneFilter{},
			capacityFilter{headroom: config.HeadroomFactor},
			requirementsFilter{},
			affinityFilter{},
			antiAffinityFilter{},
			attemptedFilter{},
		},
		weighers: []Weigher{
			freeCapacityWeigher{},
			allocatedWeigher{},
		},
		rand: rnd,
	}, nil
}

// Placement is one ranked candidate.
type Placement struct {
	Host    string
	Cluster string
	Score   float64
}

// Select returns the surviving backends ranked best-first, or
// NoValidBackend when the filters eliminate everything. The caller
// dispatches to the head of the list and retries down it (recording
// attempted hosts) on dispatch failure.
func (s *Scheduler) Select(ctx context.Context, snap *registry.Snapshot, req Request) ([]Placement, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &placement{
		req:       req,
		attempted: set.NewStrings(req.AttemptedHosts...),
	}
	if err := s.resolveAffinity(ctx, p); err != nil {
		return nil, errors.Trace(err)
	}

	var survivors []Candidate
	for _, b := range snap.Backends() {
		cand := Candidate{Backend: b, Up: snap.Up(b.Host)}
		if s.accept(p, cand) {
			survivors = append(survivors, cand)
		}
	}
	if len(survivors) == 0 {
		s.config.Metrics.exhausted()
		return nil, errors.Annotatef(basalterrors.NoValidBackend, "request %q", req.ID)
	}

	ranked := s.rank(survivors)
	s.config.Metrics.selected()
	logger.Debugf("request %q: selected %q from %d survivors",
		req.ID, ranked[0].Host, len(survivors))
	if logger.IsTraceEnabled() {
		logger.Tracef("request %q ranking: %s", req.ID, pretty.Sprint(ranked))
	}
	return ranked, nil
}

// resolveAffinity looks up the owning backend of each affinity sibling
// once, before filtering starts.
func (s *Scheduler) resolveAffinity(ctx context.Context, p *placement) error {
	lookup := func(uuid string) (string, string, error) {
		if s.config.Resources == nil {
			return "", "", errors.NotSupportedf("affinity constraints without resource lookup")
		}
		host, cluster, err := s.config.Resources.ResourceOwner(ctx, uuid)
		if err != nil {
			return "", "", errors.Trace(err)
		}
		if host == "" && cluster == "" {
			return "", "", errors.Annotatef(errNoOwner, "resource %q", uuid)
		}
		return host, cluster, nil
	}
	var err error
	if p.req.SameBackendAs != "" {
		if p.sameHost, p.sameCluster, err = lookup(p.req.SameBackendAs); err != nil {
			return errors.Trace(err)
		}
	}
	if p.req.DifferentBackendFrom != "" {
		if p.diffHost, p.diffCluster, err = lookup(p.req.DifferentBackendFrom); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// accept runs the candidate through every filter. An evaluation error
// excludes only that candidate: one backend reporting garbage must not
// fail the whole request.
func (s *Scheduler) accept(p *placement, cand Candidate) bool {
	for _, f := range s.filters {
		ok, err := f.Accept(p, cand)
		if err != nil {
			logger.Errorf("request %q: filter %q failed on %q: %v",
				p.req.ID, f.Name(), cand.Host, err)
			s.config.Metrics.fault("filter", f.Name())
			return false
		}
		if !ok {
			logger.Tracef("request %q: filter %q rejected %q",
				p.req.ID, f.Name(), cand.Host)
			return false
		}
	}
	return true
}

type scored struct {
	cand  Candidate
	score float64
	// faulted marks a candidate a weigher errored on; it sinks to the
	// bottom of the ranking but stays selectable as a last resort.
	faulted bool
}

// rank weighs the survivors and orders them per the configured policy.
func (s *Scheduler) rank(survivors []Candidate) []Placement {
	scores := make([]scored, len(survivors))
	for i, cand := range survivors {
		scores[i].cand = cand
	}

	for _, w := range s.weighers {
		raw := make([]float64, len(survivors))
		usable := make([]bool, len(survivors))
		for i, cand := range survivors {
			v, ok, err := w.Score(cand)
			if err != nil {
				logger.Errorf("weigher %q failed on %q: %v", w.Name(), cand.Host, err)
				s.config.Metrics.fault("weigher", w.Name())
				scores[i].faulted = true
				continue
			}
			raw[i], usable[i] = v, ok
		}
		norm := normalise(raw, usable, w.LowerIsBetter())
		multiplier := 1.0
		if m, ok := s.config.Multipliers[w.Name()]; ok {
			multiplier = m
		}
		for i := range scores {
			if !scores[i].faulted {
				scores[i].score += multiplier * norm[i]
			}
		}
	}

	// Stable order by host first so equal scores rank deterministically.
	sort.Slice(scores, func(i, j int) bool { return scores[i].cand.Host < scores[j].cand.Host })
	switch s.config.Policy {
	case Stochastic:
		scores = s.drawOrder(scores)
	default:
		sort.SliceStable(scores, func(i, j int) bool {
			if scores[i].faulted != scores[j].faulted {
				return !scores[i].faulted
			}
			return scores[i].score > scores[j].score
		})
	}

	out := make([]Placement, len(scores))
	for i, sc := range scores {
		out[i] = Placement{
			Host:    sc.cand.Host,
			Cluster: sc.cand.Cluster,
			Score:   sc.score,
		}
	}
	return out
}

// drawOrder orders candidates by repeated weighted draw without
// replacement, weights proportional to score shifted to be positive.
// Faulted candidates are appended after everything else.
func (s *Scheduler) drawOrder(scores []scored) []scored {
	var pool, faulted []scored
	for _, sc := range scores {
		if sc.faulted {
			faulted = append(faulted, sc)
		} else {
			pool = append(pool, sc)
		}
	}
	shift := 0.0
	for _, sc := range pool {
		if sc.score < shift {
			shift = sc.score
		}
	}

	out := make([]scored, 0, len(scores))
	for len(pool) > 0 {
		total := 0.0
		for _, sc := range pool {
			total += sc.score - shift
		}
		pick := 0
		if total > 0 {
			r := s.rand.Float64() * total
			for i, sc := range pool {
				r -= sc.score - shift
				if r <= 0 {
					pick = i
					break
				}
			}
		} else {
			pick = s.rand.Intn(len(pool))
		}
		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return append(out, faulted...)
}
