package stress

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/gpustress/internal/compute"
)

// ErrMismatch is wrapped by every correctness failure.
var ErrMismatch = errors.New("FAILED COMPUTATIONS")

// MismatchError reports a pass whose result differs from the reference.
type MismatchError struct {
	Pass int
	// Offset is the first differing byte.
	Offset int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: pass %d differs from reference at byte %d", ErrMismatch, e.Pass, e.Offset)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Outcome is the final state of a session. It is written at most once.
type Outcome struct {
	Failed  bool
	Message string
	Err     error
}

// Report is a periodic throughput estimate.
type Report struct {
	Pass       int
	Elapsed    time.Duration
	Bandwidth  float64
	Throughput float64
}

// describe renders the diagnostic text for a session failure.
func describe(err error) string {
	var ce *compute.Error
	if errors.As(err, &ce) {
		return fmt.Sprintf("compute error happened: %v, code: %d", err, ce.Status)
	}
	return err.Error()
}

// firstDifference returns the index of the first byte where a and b differ,
// or -1 when they are equal.
func firstDifference(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}
