// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package capability

import (
	"github.com/juju/errors"
	"github.com/juju/version/v2"
)

// Current is the report schema version this build writes.
var Current = version.MustParse("2.0.0")

// upgrades maps a major version to the pure transform that lifts a
// report across the boundary to the next major. Each transform is
// total: it fills fields the older writer could not have known with
// their documented defaults.
var upgrades = map[int]func(Report) Report{
	// 1 -> 2: the over-subscription ratio was introduced in 2.0.0.
	// Older backends implicitly ran with no over-subscription.
	1: func(r Report) Report {
		r.OverSubscriptionRatio = 1.0
		r.Version = version.MustParse("2.0.0")
		return r
	},
}

// Upgrade lifts a report from its tagged version to Current, applying
// one boundary transform at a time. A report from the future is
// rejected rather than guessed at.
func Upgrade(r Report) (Report, error) {
	if r.Version == version.Zero {
		return Report{}, errors.NotValidf("capability report from %q without version tag", r.Backend)
	}
	for r.Version.Major < Current.Major {
		up, ok := upgrades[r.Version.Major]
		if !ok {
			return Report{}, errors.NotFoundf("upgrade transform from report version %s", r.Version)
		}
		r = up(r)
	}
	if r.Version.Major > Current.Major {
		return Report{}, errors.NotSupportedf("capability report version %s", r.Version)
	}
	return r, nil
}
