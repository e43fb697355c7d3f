// Package stats provides the percentile and success-ratio math shared by
// the RoundTripTime and Benchmark judgments (spec.md §4.7), mirroring the
// standalone stats helper (mbr_stats) the original Rust implementation
// used from its judgment engine instead of duplicating the math inline.
package stats

import "sort"

// SuccessRatio returns successCount/totalCount as a percentage in
// [0, 100]. Returns 0 if totalCount is 0.
func SuccessRatio(successCount, totalCount int) float64 {
	if totalCount == 0 {
		return 0
	}
	return float64(successCount) / float64(totalCount) * 100
}

// Percentile returns the p-th percentile (0-100) of samples using
// linear interpolation between the two closest ranks (truncated to an
// integer). samples need not be pre-sorted; Percentile
// does not mutate the input. Returns 0 for an empty input.
func Percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + int64(frac*float64(sorted[hi]-sorted[lo]))
}
