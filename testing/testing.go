// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides the shared helpers and wait durations used
// by the package test suites.
package testing

import (
	"time"

	jujutesting "github.com/juju/testing"
)

const (
	// LongWait is used when something should have already happened,
	// and the test only waits to avoid a racy failure.
	LongWait = 10 * time.Second

	// ShortWait is a reasonable pause when nothing is expected to
	// arrive at all.
	ShortWait = 50 * time.Millisecond
)

// BaseSuite isolates tests from the host environment.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
