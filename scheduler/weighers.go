// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler

// Weigher scores surviving candidates. Raw scores are min-max
// normalised into [0, 1] per weigher before multipliers are applied,
// so weighers with different units compose.
type Weigher interface {
	Name() string

	// Score returns the candidate's raw score. ok is false when the
	// candidate has no usable value for this weigher; it then
	// normalises to the floor.
	Score(cand Candidate) (score float64, ok bool, err error)

	// LowerIsBetter reports the scoring direction; normalisation
	// inverts when true.
	LowerIsBetter() bool
}

// freeCapacityWeigher prefers backends with more free capacity. The
// unknown and infinite markers carry no usable number and weigh
// lowest: a backend that cannot say what it has left should not win on
// capacity.
type freeCapacityWeigher struct{}

func (freeCapacityWeigher) Name() string        { return "free-capacity" }
func (freeCapacityWeigher) LowerIsBetter() bool { return false }

func (freeCapacityWeigher) Score(cand Candidate) (float64, bool, error) {
	free := cand.Report.FreeCapacity
	if !free.Numeric() {
		return 0, false, nil
	}
	return float64(free.GiB), true, nil
}

// allocatedWeigher prefers backends with less capacity already
// promised, spreading load across the fleet.
type allocatedWeigher struct{}

func (allocatedWeigher) Name() string        { return "allocated-load" }
func (allocatedWeigher) LowerIsBetter() bool { return true }

func (allocatedWeigher) Score(cand Candidate) (float64, bool, error) {
	return float64(cand.Report.AllocatedGiB), true, nil
}

// normalise maps raw scores into [0, 1]. Candidates without a usable
// value get the floor. When every usable value is equal they all get
// the ceiling, which still keeps them above the unusable ones.
func normalise(raw []float64, usable []bool, lowerIsBetter bool) []float64 {
	min, max, any := 0.0, 0.0, false
	for i, v := range raw {
		if !usable[i] {
			continue
		}
		if !any || v < min {
			min = v
		}
		if !any || v > max {
			max = v
		}
		any = true
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		switch {
		case !usable[i]:
			out[i] = 0
		case max == min:
			out[i] = 1
		case lowerIsBetter:
			out[i] = (max - v) / (max - min)
		default:
			out[i] = (v - min) / (max - min)
		}
	}
	return out
}
