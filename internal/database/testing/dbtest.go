// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides an in-memory store for state tests.
package testing

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/basalt-cloud/basalt/internal/database"
)

// DatabaseSuite opens a fresh in-memory store per test.
type DatabaseSuite struct {
	DB *database.Database
}

func (s *DatabaseSuite) SetUpTest(c *gc.C) {
	db, err := database.Open("")
	c.Assert(err, jc.ErrorIsNil)
	s.DB = db
}

func (s *DatabaseSuite) TearDownTest(c *gc.C) {
	if s.DB != nil {
		c.Assert(s.DB.Close(), jc.ErrorIsNil)
		s.DB = nil
	}
}
