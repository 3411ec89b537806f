// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	"github.com/basalt-cloud/basalt/core/capability"
	"github.com/basalt-cloud/basalt/registry"
	"github.com/basalt-cloud/basalt/testing"
)

type registrySuite struct {
	testing.BaseSuite

	clock *testclock.Clock
	reg   *registry.Registry
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg, err := registry.New(registry.Config{
		Clock:             s.clock,
		LivenessThreshold: time.Minute,
		SnapshotMaxAge:    time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.reg = reg
}

func (s *registrySuite) report(host, cluster string, free uint64) capability.Report {
	return capability.Report{
		Version:               capability.Current,
		Backend:               host,
		Cluster:               cluster,
		Timestamp:             s.clock.Now(),
		AvailabilityZone:      "az1",
		FreeCapacity:          capability.Capacity{GiB: free},
		TotalCapacity:         capability.Capacity{GiB: 1000},
		OverSubscriptionRatio: 1.0,
	}
}

func (s *registrySuite) TestIngestAndSnapshot(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "", 100))
	c.Assert(err, jc.ErrorIsNil)

	snap := s.reg.Snapshot()
	b, ok := snap.Backend("h1")
	c.Assert(ok, jc.IsTrue)
	c.Check(b.Report.FreeCapacity.GiB, gc.Equals, uint64(100))
	c.Check(snap.Up("h1"), jc.IsTrue)
}

func (s *registrySuite) TestStaleReportDiscarded(c *gc.C) {
	newer := s.report("h1", "", 200)
	err := s.reg.Ingest(context.Background(), newer)
	c.Assert(err, jc.ErrorIsNil)

	stale := s.report("h1", "", 50)
	stale.Timestamp = newer.Timestamp.Add(-10 * time.Second)
	err = s.reg.Ingest(context.Background(), stale)
	c.Assert(err, jc.ErrorIsNil)

	b, ok := s.reg.Snapshot().Backend("h1")
	c.Assert(ok, jc.IsTrue)
	c.Check(b.Report.FreeCapacity.GiB, gc.Equals, uint64(200))
}

func (s *registrySuite) TestOldVersionReportUpgraded(c *gc.C) {
	old := s.report("h1", "", 100)
	old.Version = version.MustParse("1.0.0")
	old.OverSubscriptionRatio = 0

	err := s.reg.Ingest(context.Background(), old)
	c.Assert(err, jc.ErrorIsNil)

	b, ok := s.reg.Snapshot().Backend("h1")
	c.Assert(ok, jc.IsTrue)
	c.Check(b.Report.Version, gc.DeepEquals, capability.Current)
	c.Check(b.Report.OverSubscriptionRatio, gc.Equals, 1.0)
}

func (s *registrySuite) TestLivenessExpires(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "", 100))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.reg.TargetLive("h1", ""), jc.IsTrue)

	s.clock.Advance(2 * time.Minute)
	c.Check(s.reg.TargetLive("h1", ""), jc.IsFalse)
}

func (s *registrySuite) TestHeartbeatRefreshesLiveness(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "", 100))
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(45 * time.Second)
	s.reg.Heartbeat("h1")
	s.clock.Advance(45 * time.Second)

	// The report is 90s old but the heartbeat is only 45s old.
	c.Check(s.reg.TargetLive("h1", ""), jc.IsTrue)
}

func (s *registrySuite) TestClusterUpIfAnyMemberUp(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "east", 100))
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(2 * time.Minute)
	err = s.reg.Ingest(context.Background(), s.report("h2", "east", 100))
	c.Assert(err, jc.ErrorIsNil)

	// h1 is down, h2 is up: the cluster remains reachable.
	c.Check(s.reg.TargetLive("h1", ""), jc.IsFalse)
	c.Check(s.reg.TargetLive("h2", ""), jc.IsTrue)
	c.Check(s.reg.TargetLive("", "east"), jc.IsTrue)
}

func (s *registrySuite) TestSnapshotReusedWithinMaxAge(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "", 100))
	c.Assert(err, jc.ErrorIsNil)

	first := s.reg.Snapshot()
	s.clock.Advance(500 * time.Millisecond)
	c.Check(s.reg.Snapshot(), gc.Equals, first)

	s.clock.Advance(time.Second)
	c.Check(s.reg.Snapshot(), gc.Not(gc.Equals), first)
}

func (s *registrySuite) TestIngestInvalidatesSnapshot(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "", 100))
	c.Assert(err, jc.ErrorIsNil)
	first := s.reg.Snapshot()

	s.clock.Advance(time.Millisecond)
	err = s.reg.Ingest(context.Background(), s.report("h2", "", 100))
	c.Assert(err, jc.ErrorIsNil)

	snap := s.reg.Snapshot()
	c.Check(snap, gc.Not(gc.Equals), first)
	_, ok := snap.Backend("h2")
	c.Check(ok, jc.IsTrue)
}

func (s *registrySuite) TestRemoveReflectedInNextSnapshot(c *gc.C) {
	err := s.reg.Ingest(context.Background(), s.report("h1", "", 100))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(len(s.reg.Snapshot().Backends()), gc.Equals, 1)

	s.reg.Remove("h1")
	c.Check(len(s.reg.Snapshot().Backends()), gc.Equals, 0)
}

func (s *registrySuite) TestRejectsFutureMajorVersion(c *gc.C) {
	future := s.report("h1", "", 100)
	future.Version = version.MustParse("3.0.0")
	err := s.reg.Ingest(context.Background(), future)
	c.Assert(err, gc.NotNil)
}
