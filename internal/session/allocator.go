package session

import "sort"

// portRange is a half-open interval [Base, Base+Stride).
type portRange struct {
	Base   int
	Stride int
}

func (r portRange) end() int { return r.Base + r.Stride }

func (r portRange) overlaps(o portRange) bool {
	return r.Base < o.end() && o.Base < r.end()
}

// findFreeBase returns the lowest base >= minBase such that
// [base, base+stride) does not overlap any range in occupied. occupied
// need not be sorted; the result is deterministic given the same input.
func findFreeBase(occupied []portRange, stride, minBase int) int {
	sorted := make([]portRange, len(occupied))
	copy(sorted, occupied)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	candidate := minBase
	for _, r := range sorted {
		want := portRange{Base: candidate, Stride: stride}
		if want.overlaps(r) {
			if r.end() > candidate {
				candidate = r.end()
			}
		}
	}
	return candidate
}
