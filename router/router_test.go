// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package router_test

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	basalterrors "github.com/basalt-cloud/basalt/core/errors"
	"github.com/basalt-cloud/basalt/router"
	"github.com/basalt-cloud/basalt/testing"
)

type routerSuite struct {
	testing.BaseSuite

	hub *pubsub.StructuredHub
	r   *router.Router
}

var _ = gc.Suite(&routerSuite{})

func (s *routerSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.hub = pubsub.NewStructuredHub(nil)
	r, err := router.New(router.Config{
		Hub:           s.hub,
		Clock:         clock.WallClock,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.r = r
}

// collect registers a worker whose received jobs land on the returned
// channel.
func (s *routerSuite) collect(c *gc.C, host, cluster string) (<-chan router.Job, func()) {
	jobs := make(chan router.Job, 16)
	unsub, err := s.r.Register(host, cluster, func(j router.Job) {
		jobs <- j
	})
	c.Assert(err, jc.ErrorIsNil)
	return jobs, unsub
}

func job(id string) router.Job {
	return router.Job{
		ID:           id,
		Operation:    "create",
		ResourceType: "volume",
		ResourceUUID: "vol-" + id,
	}
}

func (s *routerSuite) TestHostUnicast(c *gc.C) {
	jobs, unsub := s.collect(c, "h1", "")
	defer unsub()
	other, unsubOther := s.collect(c, "h2", "")
	defer unsubOther()

	ch, err := s.r.Route(router.HostTarget("h1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ch.Send(context.Background(), job("1")), jc.ErrorIsNil)

	select {
	case got := <-jobs:
		c.Check(got.ID, gc.Equals, "1")
		c.Check(got.Version, gc.DeepEquals, router.JobVersion)
	case <-time.After(testing.LongWait):
		c.Fatal("job never delivered")
	}
	select {
	case <-other:
		c.Fatal("job leaked to another host")
	case <-time.After(testing.ShortWait):
	}
}

func (s *routerSuite) TestClusterUnicastExactlyOne(c *gc.C) {
	h1, unsub1 := s.collect(c, "h1", "east")
	defer unsub1()
	h2, unsub2 := s.collect(c, "h2", "east")
	defer unsub2()

	ch, err := s.r.Route(router.ClusterTarget("east"))
	c.Assert(err, jc.ErrorIsNil)

	const n = 6
	for i := 0; i < n; i++ {
		c.Assert(ch.Send(context.Background(), job(fmt.Sprint(i))), jc.ErrorIsNil)
	}

	seen := map[string]int{}
	count1, count2 := 0, 0
	timeout := time.After(testing.LongWait)
	for len(seen) < n {
		select {
		case j := <-h1:
			seen[j.ID]++
			count1++
		case j := <-h2:
			seen[j.ID]++
			count2++
		case <-timeout:
			c.Fatalf("only %d of %d jobs delivered", len(seen), n)
		}
	}
	// Exactly one subscriber per job, fairly balanced.
	for id, deliveries := range seen {
		c.Check(deliveries, gc.Equals, 1, gc.Commentf("job %s", id))
	}
	c.Check(count1, gc.Equals, n/2)
	c.Check(count2, gc.Equals, n/2)
}

func (s *routerSuite) TestSingleMemberClusterRoutesViaCluster(c *gc.C) {
	// A cluster currently holding one member still routes through the
	// cluster channel, so it can grow without ownership rewrites.
	jobs, unsub := s.collect(c, "h1", "east")
	defer unsub()

	ch, err := s.r.Route(router.ClusterTarget("east"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ch.Send(context.Background(), job("1")), jc.ErrorIsNil)

	select {
	case got := <-jobs:
		c.Check(got.ID, gc.Equals, "1")
	case <-time.After(testing.LongWait):
		c.Fatal("job never delivered")
	}
}

func (s *routerSuite) TestClusterSkipsDepartedMember(c *gc.C) {
	h1, unsub1 := s.collect(c, "h1", "east")
	h2, unsub2 := s.collect(c, "h2", "east")
	defer unsub2()

	unsub1()

	ch, err := s.r.Route(router.ClusterTarget("east"))
	c.Assert(err, jc.ErrorIsNil)
	for i := 0; i < 3; i++ {
		c.Assert(ch.Send(context.Background(), job(fmt.Sprint(i))), jc.ErrorIsNil)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-h2:
		case <-time.After(testing.LongWait):
			c.Fatal("job never delivered to surviving member")
		}
	}
	select {
	case <-h1:
		c.Fatal("departed member still receiving")
	case <-time.After(testing.ShortWait):
	}
}

func (s *routerSuite) TestUnreachableTarget(c *gc.C) {
	ch, err := s.r.Route(router.HostTarget("ghost"))
	c.Assert(err, jc.ErrorIsNil)
	err = ch.Send(context.Background(), job("1"))
	c.Assert(err, jc.ErrorIs, basalterrors.UnreachableTarget)

	ch, err = s.r.Route(router.ClusterTarget("empty"))
	c.Assert(err, jc.ErrorIsNil)
	err = ch.Send(context.Background(), job("1"))
	c.Assert(err, jc.ErrorIs, basalterrors.UnreachableTarget)
}

func (s *routerSuite) TestBroadcastRejectsMutatingJobs(c *gc.C) {
	ch, err := s.r.Route(router.BroadcastTarget())
	c.Assert(err, jc.ErrorIsNil)
	err = ch.Send(context.Background(), job("1"))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *routerSuite) TestBroadcastFansOut(c *gc.C) {
	got1 := make(chan router.Signal, 1)
	unsub1, err := s.r.SubscribeBroadcast(func(sig router.Signal) { got1 <- sig })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub1()
	got2 := make(chan router.Signal, 1)
	unsub2, err := s.r.SubscribeBroadcast(func(sig router.Signal) { got2 <- sig })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub2()

	err = s.r.Broadcast(context.Background(), router.Signal{Kind: "invalidate-cache"})
	c.Assert(err, jc.ErrorIsNil)

	for _, ch := range []<-chan router.Signal{got1, got2} {
		select {
		case sig := <-ch:
			c.Check(sig.Kind, gc.Equals, "invalidate-cache")
		case <-time.After(testing.LongWait):
			c.Fatal("signal never delivered")
		}
	}
}

func (s *routerSuite) TestBroadcastHasNoHistoryForLateJoiners(c *gc.C) {
	err := s.r.Broadcast(context.Background(), router.Signal{Kind: "invalidate-cache"})
	c.Assert(err, jc.ErrorIsNil)

	got := make(chan router.Signal, 1)
	unsub, err := s.r.SubscribeBroadcast(func(sig router.Signal) { got <- sig })
	c.Assert(err, jc.ErrorIsNil)
	defer unsub()

	select {
	case <-got:
		c.Fatal("late joiner replayed a stale signal")
	case <-time.After(testing.ShortWait):
	}
}
