package audit

import (
	"math"

	"github.com/jacktea/chunkvault/pkg/meta"
)

// DefaultFloor is the smallest next allocation a failing node keeps.
const DefaultFloor = 25

// DefaultAlpha weights the previous score in the moving average.
const DefaultAlpha = 0.9

// Result classifies one challenge.
type Result int

const (
	// ResultSkipped means the node had no allocation to sample.
	ResultSkipped Result = iota
	// ResultSoftMiss means no expected hash was recorded for the sampled chunk.
	ResultSoftMiss
	// ResultFailure covers errors, timeouts, empty answers and hash mismatches.
	ResultFailure
	// ResultSuccess means the node returned the expected bytes.
	ResultSuccess
)

func (r Result) String() string {
	switch r {
	case ResultSoftMiss:
		return "soft_miss"
	case ResultFailure:
		return "failure"
	case ResultSuccess:
		return "success"
	default:
		return "skipped"
	}
}

// Grow returns floor(n * 1.1).
func Grow(n uint32) uint32 {
	v := uint64(n) * 11 / 10
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Shrink returns max(floor(n * 0.9), floor).
func Shrink(n, floor uint32) uint32 {
	v := uint32(uint64(n) * 9 / 10)
	if v < floor {
		return floor
	}
	return v
}

// Apply folds one result into rec. Soft misses and skips leave it unchanged.
// Verified never exceeds next afterwards unless it already did.
func Apply(rec *meta.AllocationRecord, r Result, alpha float64, floor uint32) {
	switch r {
	case ResultSuccess:
		rec.NextChunks = Grow(rec.NextChunks)
		rec.VerifiedChunks = rec.NextChunks
		rec.Score = alpha*rec.Score + (1 - alpha)
	case ResultFailure:
		rec.NextChunks = Shrink(rec.NextChunks, floor)
		if rec.VerifiedChunks > rec.NextChunks {
			rec.VerifiedChunks = rec.NextChunks
		}
		rec.Score = alpha * rec.Score
	}
}

// Normalize scales scores so they sum to one. An all-zero input stays zero.
func Normalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	var sum float64
	for _, s := range scores {
		sum += math.Abs(s)
	}
	if sum == 0 {
		return out
	}
	for i, s := range scores {
		out[i] = s / sum
	}
	return out
}
