// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ledger is the crash-recovery service over the persisted
// operation ledger. The dispatching side tracks a cleanable operation
// before the job is sent; the owning worker untracks it after the
// terminal state commit; an entry surviving past its owner's death is
// an orphan, reconciled according to the data-driven policy table.
package ledger

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
	"github.com/basalt-cloud/basalt/core/resource"
	"github.com/basalt-cloud/basalt/core/status"
	"github.com/basalt-cloud/basalt/router"
	"github.com/basalt-cloud/basalt/state"
)

var logger = loggo.GetLogger("basalt.ledger")

// OperationStore is the slice of persistence the service needs.
type OperationStore interface {
	TrackOperation(ctx context.Context, entry state.LedgerEntry) (state.LedgerEntry, error)
	UntrackOperation(ctx context.Context, entryUUID string) error
	LedgerEntries(ctx context.Context, filter state.LedgerFilter) ([]state.LedgerEntry, error)
	Transition(ctx context.Context, uuid string, to status.Status, from ...status.Status) error
}

// Liveness answers whether a reconciliation target can accept work,
// from the capability registry's heartbeat view.
type Liveness interface {
	TargetLive(host, cluster string) bool
}

// Dispatcher resolves a target to a job delivery channel.
type Dispatcher interface {
	Route(target router.Target) (router.Channel, error)
}

// Identity names the local worker for self-reconciliation.
type Identity struct {
	Host    string
	Cluster string
}

// Config holds the service's dependencies.
type Config struct {
	Store    OperationStore
	Liveness Liveness
	Router   Dispatcher
	Identity Identity

	// Policy defaults to DefaultPolicy.
	Policy *Policy
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Router == nil {
		return errors.NotValidf("nil Router")
	}
	if c.Identity.Host == "" {
		return errors.NotValidf("identity without host")
	}
	return nil
}

// Service coordinates tracking and reconciliation.
type Service struct {
	config Config
	policy Policy
}

// NewService returns a ledger service.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	policy := DefaultPolicy()
	if config.Policy != nil {
		policy = *config.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{config: config, policy: policy}, nil
}

// Track records the beginning of a cleanable operation against the
// resource's current transient status. Called by the dispatching side
// before the job is sent.
func (s *Service) Track(ctx context.Context, res resource.Resource, operation string) (state.LedgerEntry, error) {
	if !res.Status.IsTransient() {
		return state.LedgerEntry{}, errors.NotValidf(
			"tracking %q in non-transient status %q", res.UUID, res.Status)
	}
	host, cluster, err := res.Owner()
	if err != nil {
		return state.LedgerEntry{}, errors.Trace(err)
	}
	entry, err := s.config.Store.TrackOperation(ctx, state.LedgerEntry{
		ResourceType:    string(res.Type),
		ResourceUUID:    res.UUID,
		Operation:       operation,
		StatusCleanup:   res.Status,
		WorkerHost:      host,
		WorkerCluster:   cluster,
		ProtocolVersion: Protocol,
	})
	return entry, errors.Trace(err)
}

// Untrack removes an entry after its operation committed a terminal
// state.
func (s *Service) Untrack(ctx context.Context, entryUUID string) error {
	return errors.Trace(s.config.Store.UntrackOperation(ctx, entryUUID))
}

// Report summarises one reconciliation pass.
type Report struct {
	// Remediated counts entries whose remediation completed or was
	// re-dispatched.
	Remediated int

	// Skipped counts entries left alone: version-gated, no policy
	// rule, or the resource had already moved on.
	Skipped int

	// Unreachable counts entries whose remediation needed a live
	// worker and none could be found.
	Unreachable int
}

// ReconcileSelf remediates entries owned by the local worker, called
// on startup before new work is accepted. Another worker's entries are
// never touched: two reconcilers acting on the same orphan would
// duplicate remediation.
func (s *Service) ReconcileSelf(ctx context.Context) (Report, error) {
	filters := []state.LedgerFilter{{WorkerHost: s.config.Identity.Host}}
	if s.config.Identity.Cluster != "" {
		filters = append(filters, state.LedgerFilter{WorkerCluster: s.config.Identity.Cluster})
	}
	var report Report
	for _, filter := range filters {
		entries, err := s.config.Store.LedgerEntries(ctx, filter)
		if err != nil {
			return Report{}, errors.Trace(err)
		}
		for _, entry := range entries {
			s.remediate(ctx, entry, &report)
		}
	}
	return report, nil
}

// Filter narrows an operator-initiated reconciliation.
type Filter struct {
	WorkerHost    string
	WorkerCluster string
	ResourceType  string
}

// Reconcile is the operator surface: it confirms each orphan's owner
// is live via the registry, then dispatches a directed reconciliation
// job through the router; the owner remediates its own entries. Dead
// owners are reported as unreachable, never remediated remotely.
func (s *Service) Reconcile(ctx context.Context, filter Filter) (Report, error) {
	if s.config.Liveness == nil {
		return Report{}, errors.NotSupportedf("operator reconciliation without liveness source")
	}
	entries, err := s.config.Store.LedgerEntries(ctx, state.LedgerFilter{
		WorkerHost:    filter.WorkerHost,
		WorkerCluster: filter.WorkerCluster,
		ResourceType:  filter.ResourceType,
	})
	if err != nil {
		return Report{}, errors.Trace(err)
	}

	var report Report
	for _, entry := range entries {
		if !s.policy.Reconcilable(resource.Type(entry.ResourceType), entry.ProtocolVersion) {
			logger.Infof("skipping entry %q: protocol %s below supported minimum",
				entry.UUID, entry.ProtocolVersion)
			report.Skipped++
			continue
		}
		if !s.config.Liveness.TargetLive(entry.WorkerHost, entry.WorkerCluster) {
			logger.Warningf("owner of entry %q (host %q cluster %q) is not live",
				entry.UUID, entry.WorkerHost, entry.WorkerCluster)
			report.Unreachable++
			continue
		}
		if err := s.dispatch(ctx, entry, "reconcile"); err != nil {
			logger.Warningf("dispatching reconciliation for entry %q: %v", entry.UUID, err)
			report.Unreachable++
			continue
		}
		report.Remediated++
	}
	return report, nil
}

// remediate applies the policy rule for one orphaned entry.
func (s *Service) remediate(ctx context.Context, entry state.LedgerEntry, report *Report) {
	resType := resource.Type(entry.ResourceType)
	if !s.policy.Reconcilable(resType, entry.ProtocolVersion) {
		logger.Infof("skipping entry %q: protocol %s below supported minimum",
			entry.UUID, entry.ProtocolVersion)
		report.Skipped++
		return
	}
	rule, ok := s.policy.Rule(resType, entry.StatusCleanup)
	if !ok {
		logger.Warningf("no remediation rule for %s in %q, leaving entry %q",
			entry.ResourceType, entry.StatusCleanup, entry.UUID)
		report.Skipped++
		return
	}

	switch rule.Action {
	case Finish, Fail:
		err := s.config.Store.Transition(ctx, entry.ResourceUUID, rule.Status, entry.StatusCleanup)
		switch {
		case errors.Is(err, basalterrors.ConflictingState):
			// The resource moved on without us: the operation completed
			// or was cancelled elsewhere. The entry is stale either way.
			logger.Infof("entry %q: resource %q no longer in %q, dropping entry",
				entry.UUID, entry.ResourceUUID, entry.StatusCleanup)
			report.Skipped++
		case err != nil:
			logger.Errorf("remediating entry %q: %v", entry.UUID, err)
			report.Skipped++
			return
		default:
			logger.Infof("entry %q: moved resource %q from %q to %q",
				entry.UUID, entry.ResourceUUID, entry.StatusCleanup, rule.Status)
			report.Remediated++
		}
		if err := s.config.Store.UntrackOperation(ctx, entry.UUID); err != nil {
			logger.Errorf("untracking entry %q: %v", entry.UUID, err)
		}

	case Resume:
		// The entry stays until the resumed operation itself completes
		// and untracks it.
		if err := s.dispatch(ctx, entry, entry.Operation); err != nil {
			logger.Warningf("entry %q: %v", entry.UUID,
				errors.Annotatef(basalterrors.RemediationRequired,
					"resuming %q: %v", entry.Operation, err))
			report.Unreachable++
			return
		}
		report.Remediated++
	}
}

// dispatch sends a directed job to the entry's owner.
func (s *Service) dispatch(ctx context.Context, entry state.LedgerEntry, operation string) error {
	target := router.HostTarget(entry.WorkerHost)
	if entry.WorkerHost == "" {
		target = router.ClusterTarget(entry.WorkerCluster)
	}
	ch, err := s.config.Router.Route(target)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(ch.Send(ctx, router.Job{
		ID:           entry.UUID,
		Operation:    operation,
		ResourceType: entry.ResourceType,
		ResourceUUID: entry.ResourceUUID,
		LedgerUUID:   entry.UUID,
	}))
}
