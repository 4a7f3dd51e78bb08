package vacuum

import (
	"time"
)

// requeryEveryChunks controls how often (in chunks) usage is re-derived
// from a fresh engine query instead of just subtracting the deleted
// image's reported size, per spec §9's "truly freed bytes" note.
const requeryEveryChunks = 5

// Options configures a single Engine, matching the CLI surface of
// spec §6.
type Options struct {
	ThresholdExpr string
	KeepPatterns  []string
	MinAge        time.Duration
	ChunkSize     int
}

// Result summarizes one vacuum run, for logging and metrics
// (SPEC_FULL.md §4.5).
type Result struct {
	InitialUsage   int64
	FinalUsage     int64
	ThresholdBytes int64
	ThresholdMet   bool
	Deleted        []string
	BytesFreed     int64
	Errors         []error
}
