// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ledger_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	"github.com/basalt-cloud/basalt/core/resource"
	"github.com/basalt-cloud/basalt/core/status"
	dbtesting "github.com/basalt-cloud/basalt/internal/database/testing"
	"github.com/basalt-cloud/basalt/ledger"
	"github.com/basalt-cloud/basalt/router"
	"github.com/basalt-cloud/basalt/state"
	"github.com/basalt-cloud/basalt/testing"
)

type livenessStub map[string]bool

func (l livenessStub) TargetLive(host, cluster string) bool {
	if host != "" {
		return l[host]
	}
	return l[cluster]
}

type serviceSuite struct {
	dbtesting.DatabaseSuite

	clock    *testclock.Clock
	st       *state.State
	r        *router.Router
	liveness livenessStub
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.DatabaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.st = state.New(s.DB, s.clock)

	r, err := router.New(router.Config{
		Hub:           pubsub.NewStructuredHub(nil),
		Clock:         s.clock,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.r = r
	s.liveness = livenessStub{}
}

func (s *serviceSuite) newService(c *gc.C, identity ledger.Identity, policy *ledger.Policy) *ledger.Service {
	svc, err := ledger.NewService(ledger.Config{
		Store:    s.st,
		Liveness: s.liveness,
		Router:   s.r,
		Identity: identity,
		Policy:   policy,
	})
	c.Assert(err, jc.ErrorIsNil)
	return svc
}

func (s *serviceSuite) addResource(c *gc.C, uuid string, st status.Status) resource.Resource {
	res := resource.Resource{
		UUID:   uuid,
		Type:   resource.Volume,
		Status: st,
		Host:   "h1",
	}
	c.Assert(s.st.AddResource(context.Background(), res), jc.ErrorIsNil)
	return res
}

func (s *serviceSuite) TestTrackRecordsOwnerAndProtocol(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Creating)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)

	entry, err := svc.Track(context.Background(), res, "create")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entry.WorkerHost, gc.Equals, "h1")
	c.Check(entry.StatusCleanup, gc.Equals, status.Creating)
	c.Check(entry.ProtocolVersion, gc.DeepEquals, ledger.Protocol)

	c.Assert(svc.Untrack(context.Background(), entry.UUID), jc.ErrorIsNil)
	entries, err := s.st.LedgerEntries(context.Background(), state.LedgerFilter{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 0)
}

func (s *serviceSuite) TestTrackRejectsTerminalStatus(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Available)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)

	_, err := svc.Track(context.Background(), res, "create")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *serviceSuite) TestSelfReconcileFailsOrphanedCreate(c *gc.C) {
	// Track, then "crash": nothing untracks. On restart the orphan's
	// policy fails the half-created volume to error and drops the
	// entry.
	res := s.addResource(c, "vol-1", status.Creating)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)
	_, err := svc.Track(context.Background(), res, "create")
	c.Assert(err, jc.ErrorIsNil)

	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Remediated: 1})

	got, err := s.st.Resource(context.Background(), "vol-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, status.Error)
	c.Check(got.PreviousStatus, gc.Equals, status.Creating)

	entries, err := s.st.LedgerEntries(context.Background(), state.LedgerFilter{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 0)
}

func (s *serviceSuite) TestSelfReconcileFinishesOrphanedUpload(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Uploading)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)
	_, err := svc.Track(context.Background(), res, "upload")
	c.Assert(err, jc.ErrorIsNil)

	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Remediated: 1})

	got, err := s.st.Resource(context.Background(), "vol-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, status.Available)
}

func (s *serviceSuite) TestSelfReconcileResumesDelete(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Deleting)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)
	entry, err := svc.Track(context.Background(), res, "delete")
	c.Assert(err, jc.ErrorIsNil)

	jobs := make(chan router.Job, 1)
	unsub, err := s.r.Register("h1", "", func(j router.Job) { jobs <- j })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Remediated: 1})

	select {
	case j := <-jobs:
		c.Check(j.Operation, gc.Equals, "delete")
		c.Check(j.ResourceUUID, gc.Equals, "vol-1")
		c.Check(j.LedgerUUID, gc.Equals, entry.UUID)
	case <-time.After(testing.LongWait):
		c.Fatal("resumed job never delivered")
	}

	// The entry stays until the resumed delete completes.
	entries, err := s.st.LedgerEntries(context.Background(), state.LedgerFilter{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 1)
}

func (s *serviceSuite) TestSelfReconcileResumeWithoutWorkerUnreachable(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Deleting)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)
	_, err := svc.Track(context.Background(), res, "delete")
	c.Assert(err, jc.ErrorIsNil)

	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Unreachable: 1})
}

func (s *serviceSuite) TestSelfReconcileIgnoresOtherWorkers(c *gc.C) {
	other := resource.Resource{
		UUID: "vol-2", Type: resource.Volume, Status: status.Creating, Host: "h2",
	}
	c.Assert(s.st.AddResource(context.Background(), other), jc.ErrorIsNil)

	dispatcher := s.newService(c, ledger.Identity{Host: "h2"}, nil)
	_, err := dispatcher.Track(context.Background(), other, "create")
	c.Assert(err, jc.ErrorIsNil)

	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)
	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{})

	got, err := s.st.Resource(context.Background(), "vol-2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, status.Creating)
}

func (s *serviceSuite) TestVersionGateSkipsDownlevelEntries(c *gc.C) {
	s.addResource(c, "vol-1", status.Creating)
	_, err := s.st.TrackOperation(context.Background(), state.LedgerEntry{
		ResourceType:    "volume",
		ResourceUUID:    "vol-1",
		Operation:       "create",
		StatusCleanup:   status.Creating,
		WorkerHost:      "h1",
		ProtocolVersion: version.MustParse("1.0.0"),
	})
	c.Assert(err, jc.ErrorIsNil)

	policy := ledger.DefaultPolicy().WithMinimum(resource.Volume, version.MustParse("2.0.0"))
	svc := s.newService(c, ledger.Identity{Host: "h1"}, &policy)

	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Skipped: 1})

	// Neither the resource nor the entry was touched.
	got, err := s.st.Resource(context.Background(), "vol-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, status.Creating)
	entries, err := s.st.LedgerEntries(context.Background(), state.LedgerFilter{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 1)
}

func (s *serviceSuite) TestRemediationToleratesCancellationRace(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Creating)
	svc := s.newService(c, ledger.Identity{Host: "h1"}, nil)
	_, err := svc.Track(context.Background(), res, "create")
	c.Assert(err, jc.ErrorIsNil)

	// An operator cancelled the resource between the crash and the
	// reconcile: the remediation CAS fails cheaply and the stale entry
	// is dropped without clobbering the cancelled status.
	err = s.st.Transition(context.Background(), "vol-1", status.Cancelled, status.Creating)
	c.Assert(err, jc.ErrorIsNil)

	report, err := svc.ReconcileSelf(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Skipped: 1})

	got, err := s.st.Resource(context.Background(), "vol-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, status.Cancelled)
	entries, err := s.st.LedgerEntries(context.Background(), state.LedgerFilter{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 0)
}

func (s *serviceSuite) TestOperatorReconcileChecksLivenessFirst(c *gc.C) {
	res := s.addResource(c, "vol-1", status.Creating)
	svc := s.newService(c, ledger.Identity{Host: "operator"}, nil)
	_, err := svc.Track(context.Background(), res, "create")
	c.Assert(err, jc.ErrorIsNil)

	report, err := svc.Reconcile(context.Background(), ledger.Filter{WorkerHost: "h1"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Unreachable: 1})

	// Once the owner is live again, a directed job goes out.
	s.liveness["h1"] = true
	jobs := make(chan router.Job, 1)
	unsub, err := s.r.Register("h1", "", func(j router.Job) { jobs <- j })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	report, err = svc.Reconcile(context.Background(), ledger.Filter{WorkerHost: "h1"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Remediated: 1})

	select {
	case j := <-jobs:
		c.Check(j.Operation, gc.Equals, "reconcile")
		c.Check(j.ResourceUUID, gc.Equals, "vol-1")
	case <-time.After(testing.LongWait):
		c.Fatal("directed reconciliation job never delivered")
	}
}

func (s *serviceSuite) TestOperatorReconcileClusterTarget(c *gc.C) {
	res := resource.Resource{
		UUID: "vol-1", Type: resource.Volume, Status: status.Deleting, Cluster: "east",
	}
	c.Assert(s.st.AddResource(context.Background(), res), jc.ErrorIsNil)

	svc := s.newService(c, ledger.Identity{Host: "operator"}, nil)
	_, err := svc.Track(context.Background(), res, "delete")
	c.Assert(err, jc.ErrorIsNil)

	s.liveness["east"] = true
	jobs := make(chan router.Job, 1)
	unsub, err := s.r.Register("e1", "east", func(j router.Job) { jobs <- j })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	report, err := svc.Reconcile(context.Background(), ledger.Filter{WorkerCluster: "east"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report, gc.DeepEquals, ledger.Report{Remediated: 1})

	select {
	case j := <-jobs:
		c.Check(j.ResourceUUID, gc.Equals, "vol-1")
	case <-time.After(testing.LongWait):
		c.Fatal("directed reconciliation job never delivered")
	}
}
