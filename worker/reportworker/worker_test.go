// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reportworker_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/basalt-cloud/basalt/core/capability"
	"github.com/basalt-cloud/basalt/registry"
	"github.com/basalt-cloud/basalt/router"
	"github.com/basalt-cloud/basalt/testing"
	"github.com/basalt-cloud/basalt/worker/reportworker"
)

type workerSuite struct {
	testing.BaseSuite

	clock *testclock.Clock
	r     *router.Router
	reg   *registry.Registry
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r, err := router.New(router.Config{
		Hub:           pubsub.NewStructuredHub(nil),
		Clock:         s.clock,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.r = r
	reg, err := registry.New(registry.Config{
		Clock:             s.clock,
		LivenessThreshold: time.Minute,
		SnapshotMaxAge:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.reg = reg
}

func (s *workerSuite) waitBackend(c *gc.C, host string, want bool) {
	deadline := time.After(testing.LongWait)
	for {
		_, ok := s.reg.Snapshot().Backend(host)
		if ok == want {
			return
		}
		select {
		case <-deadline:
			c.Fatalf("backend %q presence never became %v", host, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *workerSuite) report(host string) capability.Report {
	return capability.Report{
		Version:               capability.Current,
		Backend:               host,
		Timestamp:             s.clock.Now(),
		AvailabilityZone:      "az1",
		FreeCapacity:          capability.Capacity{GiB: 100},
		TotalCapacity:         capability.Capacity{GiB: 1000},
		OverSubscriptionRatio: 1.0,
	}
}

func (s *workerSuite) TestIngestsBroadcastReports(c *gc.C) {
	w, err := reportworker.NewWorker(reportworker.Config{
		Router:   s.r,
		Registry: s.reg,
		Clock:    s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	rep := s.report("h1")
	err = s.r.Broadcast(context.Background(), router.Signal{
		Kind:   router.SignalCapabilityReport,
		Report: &rep,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.waitBackend(c, "h1", true)
}

func (s *workerSuite) TestInvalidationRemovesBackend(c *gc.C) {
	w, err := reportworker.NewWorker(reportworker.Config{
		Router:   s.r,
		Registry: s.reg,
		Clock:    s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	rep := s.report("h1")
	err = s.r.Broadcast(context.Background(), router.Signal{
		Kind:   router.SignalCapabilityReport,
		Report: &rep,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.waitBackend(c, "h1", true)

	err = s.r.Broadcast(context.Background(), router.Signal{
		Kind: router.SignalInvalidateCache,
		Host: "h1",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.waitBackend(c, "h1", false)
}

type sourceStub struct {
	free uint64
}

func (s sourceStub) Report() capability.Report {
	return capability.Report{
		AvailabilityZone:      "az1",
		FreeCapacity:          capability.Capacity{GiB: s.free},
		TotalCapacity:         capability.Capacity{GiB: 1000},
		OverSubscriptionRatio: 1.0,
	}
}

func (s *workerSuite) TestPublishesOwnReportPeriodically(c *gc.C) {
	signals := make(chan router.Signal, 4)
	unsub, err := s.r.SubscribeBroadcast(func(sig router.Signal) { signals <- sig })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	w, err := reportworker.NewWorker(reportworker.Config{
		Router:   s.r,
		Registry: s.reg,
		Clock:    s.clock,
		Source:   sourceStub{free: 100},
		Interval: 30 * time.Second,
		Host:     "h1",
		Cluster:  "east",
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// One report at startup.
	select {
	case sig := <-signals:
		c.Assert(sig.Kind, gc.Equals, router.SignalCapabilityReport)
		c.Assert(sig.Report, gc.NotNil)
		c.Check(sig.Report.Backend, gc.Equals, "h1")
		c.Check(sig.Report.Cluster, gc.Equals, "east")
		c.Check(sig.Report.Version, gc.DeepEquals, capability.Current)
	case <-time.After(testing.LongWait):
		c.Fatal("startup report never published")
	}

	// And one per interval.
	err = s.clock.WaitAdvance(30*time.Second, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	select {
	case sig := <-signals:
		c.Check(sig.Report.Timestamp.Equal(s.clock.Now()), jc.IsTrue)
	case <-time.After(testing.LongWait):
		c.Fatal("periodic report never published")
	}

	// The worker consumes its own broadcast, so the registry sees the
	// local backend too.
	s.waitBackend(c, "h1", true)
}
