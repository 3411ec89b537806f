// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	dbtesting "github.com/basalt-cloud/basalt/internal/database/testing"
	"github.com/basalt-cloud/basalt/state"
)

type leaseSuite struct {
	dbtesting.DatabaseSuite

	clock *testclock.Clock
	st    *state.State
}

var _ = gc.Suite(&leaseSuite{})

func (s *leaseSuite) SetUpTest(c *gc.C) {
	s.DatabaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.st = state.New(s.DB, s.clock)
}

func (s *leaseSuite) TestAcquireAndContend(c *gc.C) {
	err := s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-a", time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	err = s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-b", time.Minute)
	c.Assert(err, jc.ErrorIs, state.ErrLeaseHeld)

	// An unrelated name does not serialize against it.
	err = s.st.AcquireLease(context.Background(), "vol-2-delete", "holder-b", time.Minute)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *leaseSuite) TestReacquireExtendsOwnLease(c *gc.C) {
	err := s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-a", time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(30 * time.Second)
	err = s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-a", time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	// 40s later the original expiry has passed but the extension holds.
	s.clock.Advance(40 * time.Second)
	err = s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-b", time.Minute)
	c.Assert(err, jc.ErrorIs, state.ErrLeaseHeld)
}

func (s *leaseSuite) TestExpiredLeaseIsClaimable(c *gc.C) {
	err := s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-a", time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(2 * time.Minute)
	err = s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-b", time.Minute)
	c.Assert(err, jc.ErrorIsNil)

	// The late release by the previous holder must not drop the new
	// holder's lease.
	err = s.st.ReleaseLease(context.Background(), "vol-1-delete", "holder-a")
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-a", time.Minute)
	c.Assert(err, jc.ErrorIs, state.ErrLeaseHeld)
}

func (s *leaseSuite) TestReleaseMakesNameFree(c *gc.C) {
	err := s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-a", time.Minute)
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.ReleaseLease(context.Background(), "vol-1-delete", "holder-a")
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.AcquireLease(context.Background(), "vol-1-delete", "holder-b", time.Minute)
	c.Assert(err, jc.ErrorIsNil)
}
