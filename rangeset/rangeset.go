// Package rangeset encodes sets of block sequence numbers compactly.
//
// Deflate turns a set into its first value followed by ascending deltas.
// Inflate turns that sequence back into minimal half-open ranges, so runs of
// consecutive blocks cost one delta of 1 each on the wire and collapse into a
// single Range when decoded.
package rangeset

import "slices"

// Range is a half-open interval [Start, End).
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Len returns the number of integers covered by the range.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// Contains reports whether n falls in the range.
func (r Range) Contains(n uint64) bool {
	return n >= r.Start && n < r.End
}

// Deflate sorts the set and emits the first value followed by the difference
// of each element from its predecessor. Duplicates are dropped so every
// emitted difference is at least 1.
func Deflate(set []uint64) []uint64 {
	if len(set) == 0 {
		return nil
	}

	sorted := slices.Clone(set)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := make([]uint64, len(sorted))
	out[0] = sorted[0]
	for i := 1; i < len(sorted); i++ {
		out[i] = sorted[i] - sorted[i-1]
	}
	return out
}

// Inflate reverses Deflate. A difference of exactly 1 extends the current
// range, anything else closes it and opens a new one.
func Inflate(seq []uint64) []Range {
	if len(seq) == 0 {
		return nil
	}

	ranges := []Range{{Start: seq[0], End: seq[0] + 1}}
	sum := seq[0]
	for _, n := range seq[1:] {
		sum += n
		if n == 1 {
			ranges[len(ranges)-1].End++
			continue
		}
		ranges = append(ranges, Range{Start: sum, End: sum + 1})
	}
	return ranges
}

// Expand enumerates every integer covered by ranges, in order.
func Expand(ranges []Range) []uint64 {
	out := make([]uint64, 0, Count(ranges))
	for _, r := range ranges {
		for n := r.Start; n < r.End; n++ {
			out = append(out, n)
		}
	}
	return out
}

// Count returns the number of integers covered by ranges.
func Count(ranges []Range) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}
	return total
}
