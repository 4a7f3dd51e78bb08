package threshold

import "errors"

// ErrPercentageUnsupported is returned when a "<N>%" expression is
// resolved on a platform where filesystem capacity cannot be
// discovered -- a configuration error per spec §4.3, not a retryable
// condition.
var ErrPercentageUnsupported = errors.New("threshold: percentage thresholds are not supported on this platform")

// Expression is a parsed, not-yet-resolved threshold (spec §4.3): either
// an absolute byte count, or a percentage of filesystem capacity.
type Expression struct {
	bytes      int64
	percentage float64
	isPercent  bool
}
