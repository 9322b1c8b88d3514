// Package diag provides post-mortem diagnostics for the PMAP engine: a
// frame-leak accounting report built on github.com/google/pprof/profile
// (the same profile format biscuit's vendored pprof dependency targets),
// and fault-instruction disassembly for panic reports built on
// golang.org/x/arch/x86/x86asm. Neither is exercised by the hot path;
// both are opt-in tooling a caller reaches for when a testable property
// fails (spec.md's frame-accounting and fault-report properties).
package diag

import (
	"fmt"
	"time"

	"github.com/google/pprof/profile"
)

// FrameSample is one observation of outstanding frame counts at a point in
// time, the unit LeakCheck accumulates into a pprof profile.
type FrameSample struct {
	Label     string
	Allocated uint64
}

// LeakCheck accumulates FrameSample observations and renders them as a
// pprof heap-style profile, so a failing testable property ("frame count
// after Destroy must return to its pre-test baseline") can be inspected
// with the standard pprof toolchain instead of a bare integer diff.
type LeakCheck struct {
	samples []FrameSample
}

// NewLeakCheck returns an empty accumulator.
func NewLeakCheck() *LeakCheck { return &LeakCheck{} }

// Observe records one sample.
func (lc *LeakCheck) Observe(label string, allocated uint64) {
	lc.samples = append(lc.samples, FrameSample{Label: label, Allocated: allocated})
}

// Leaked reports the net frame count retained between the first and last
// observation: a nonzero result after a Create/.../Destroy cycle indicates
// the cycle leaked frames.
func (lc *LeakCheck) Leaked() int64 {
	if len(lc.samples) < 2 {
		return 0
	}
	first := lc.samples[0].Allocated
	last := lc.samples[len(lc.samples)-1].Allocated
	return int64(last) - int64(first)
}

// Profile renders the accumulated samples as a pprof *profile.Profile with
// one "frames" sample per observation, so callers can write it with
// (*profile.Profile).Write and inspect it with `go tool pprof`.
func (lc *LeakCheck) Profile() *profile.Profile {
	st := &profile.ValueType{Type: "frames", Unit: "count"}
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{st},
		TimeNanos:     time.Now().UnixNano(),
		PeriodType:    st,
		Period:        1,
		DefaultSampleType: "frames",
	}
	fn := &profile.Function{ID: 1, Name: "leakcheck.observation", SystemName: "leakcheck.observation"}
	p.Function = append(p.Function, fn)
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Location = append(p.Location, loc)

	for i, s := range lc.samples {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.Allocated)},
			Label:    map[string][]string{"observation": {fmt.Sprintf("%d:%s", i, s.Label)}},
		})
	}
	return p
}
