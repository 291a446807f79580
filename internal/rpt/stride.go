package rpt

import "fmt"

// Stride describes an element-range selection into an array using Python
// slice semantics (spec.md §3.4: "reads and writes address a stride of an
// array the same way a Python slice addresses a sequence"): Start and Stop
// may be negative (counted from the end), Step may be any nonzero integer,
// and either bound may be omitted (nil) to mean "to the beginning/end".
type Stride struct {
	Start *int64
	Stop  *int64
	Step  int64
}

// ResolvedStride is a fully clamped, concrete stride: a first element
// index, a step, and a count of elements to touch. Count may be zero
// (empty selection) but is never negative.
type ResolvedStride struct {
	First int64 // index of the first selected element
	Step  int64 // nonzero; negative strides walk backward from First
	Count int64 // number of elements selected
}

// ResolveUserStride clamps a Stride against an array of the given total
// length, exactly the way CPython's slice.indices() resolves a slice
// against a sequence length: negative bounds count from the end, bounds
// beyond the array are clamped, and an omitted bound defaults depending on
// the step's sign.
func ResolveUserStride(s Stride, length int64) (ResolvedStride, error) {
	step := s.Step
	if step == 0 {
		return ResolvedStride{}, fmt.Errorf("rpt: stride step must not be zero")
	}

	normalize := func(v int64) int64 {
		if v < 0 {
			v += length
		}
		return v
	}

	var lower, upper int64
	if step > 0 {
		lower, upper = 0, length
	} else {
		lower, upper = -1, length-1
	}

	clamp := func(v, lo, hi int64) int64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}

	var start int64
	if s.Start == nil {
		if step > 0 {
			start = lower
		} else {
			start = upper
		}
	} else {
		v := normalize(*s.Start)
		if step > 0 {
			start = clamp(v, lower, upper)
		} else {
			start = clamp(v, lower, upper)
		}
	}

	var stop int64
	if s.Stop == nil {
		if step > 0 {
			stop = upper
		} else {
			stop = lower
		}
	} else {
		v := normalize(*s.Stop)
		if step > 0 {
			stop = clamp(v, lower, upper)
		} else {
			stop = clamp(v, lower, upper)
		}
	}

	var count int64
	if step > 0 {
		if stop > start {
			count = (stop - start + step - 1) / step
		}
	} else {
		if start > stop {
			count = (start - stop + (-step) - 1) / (-step)
		}
	}

	return ResolvedStride{First: start, Step: step, Count: count}, nil
}

// Contiguous reports whether the stride walks forward one element at a
// time (Step == 1).
func (r ResolvedStride) Contiguous() bool {
	return r.Step == 1
}

// End returns the index one past the last selected element for a
// contiguous (Step == 1) resolved stride.
func (r ResolvedStride) End() int64 {
	return r.First + r.Count
}
