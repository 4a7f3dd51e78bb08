package threshold

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/inhies/go-bytesize"
)

// Parse recognizes the two forms of spec §4.3: an absolute byte
// expression ("10 GB", "512MiB", ...), a number followed by an optional
// case-insensitive unit where kB/MB/GB/TB are powers of 1000 and
// KiB/MiB/GiB/TiB are powers of 1024, or a bare percentage ("85%").
func Parse(expr string) (Expression, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Expression{}, fmt.Errorf("threshold: empty expression")
	}

	if strings.HasSuffix(expr, "%") {
		numeric := strings.TrimSpace(strings.TrimSuffix(expr, "%"))
		pct, err := strconv.ParseFloat(numeric, 64)
		if err != nil {
			return Expression{}, fmt.Errorf("threshold: invalid percentage %q: %w", expr, err)
		}
		if pct <= 0 || pct > 100 {
			return Expression{}, fmt.Errorf("threshold: percentage %q out of range (0, 100]", expr)
		}
		return Expression{isPercent: true, percentage: pct}, nil
	}

	head := strings.TrimRightFunc(expr, unicode.IsLetter)
	multiplier, known := map[string]float64{"": 1, "B": 1,
		"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "KIB": 1 << 10, "MIB": 1 << 20, "GIB": 1 << 30, "TIB": 1 << 40,
	}[strings.ToUpper(expr[len(head):])]
	n, err := strconv.ParseFloat(strings.TrimSpace(head), 64)
	if !known || err != nil || n < 0 {
		return Expression{}, fmt.Errorf("threshold: invalid byte expression %q", expr)
	}
	return Expression{bytes: int64(n * multiplier)}, nil
}

// Resolve produces an absolute byte count at vacuum time, so that
// percentage thresholds track capacity changes (spec §4.3). dir is the
// directory whose filesystem capacity backs a percentage expression;
// pkg/vacuum passes the daemon's state directory.
func (e Expression) Resolve(dir string) (int64, error) {
	if !e.isPercent {
		return e.bytes, nil
	}

	capacity, err := filesystemCapacity(dir)
	if err != nil {
		return 0, err
	}
	return int64(float64(capacity) * e.percentage / 100.0), nil
}

// String renders the expression as text (the percentage, or the byte
// count as formatted by go-bytesize).
func (e Expression) String() string {
	if e.isPercent {
		return fmt.Sprintf("%g%%", e.percentage)
	}
	return bytesize.New(float64(e.bytes)).String()
}
