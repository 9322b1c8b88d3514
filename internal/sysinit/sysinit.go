// Package sysinit is a dependency-ordered module init-step sequencer,
// grounded directly on include/sys/sysinit.h's SYSINIT_EARLY/SYSINIT_LATE
// linker-set design: every module declares a bitmask identifying itself,
// a depends_mask of modules that must run first, and whether a failure
// should only warn rather than abort the whole sequence. EARLY is an
// implicit prerequisite of every non-EARLY module; LATE implicitly
// depends on everything else. Order among modules at the same dependency
// depth is unspecified by design, the same freedom the linker-set
// approach gives the C source, exploited here by running each depth's
// modules concurrently with golang.org/x/sync/errgroup.
package sysinit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"pmapos/internal/kernelerr"
	"pmapos/internal/klog"
)

var log = klog.For("sysinit")

// Module identifies one init step by a single bit, mirroring the
// SYSINIT_EARLY/SYSINIT_LATE-style bitmask module IDs.
type Module uint64

const (
	// Early is the implicit prerequisite of every other module: nothing
	// else may run until every step registered as Early has completed.
	Early Module = 1 << 0
	// Late implicitly depends on every other registered module.
	Late Module = 1 << 63
)

// Step is one registered init function: its identifying module bit, the
// modules it depends on, its body, and whether a failure should only log
// a warning instead of aborting the sequence (SYSINIT_STEP_CANFAIL).
type Step struct {
	Module     Module
	DependsOn  Module
	Name       string
	WarnOnFail bool
	Fn         func(ctx context.Context) error
}

// Sequencer collects steps and runs them in dependency order.
type Sequencer struct {
	steps []Step
}

// New returns an empty Sequencer.
func New() *Sequencer { return &Sequencer{} }

// Register adds a step. Registration order does not determine run order;
// only Module/DependsOn/Early/Late do.
func (s *Sequencer) Register(step Step) {
	if step.Module != Early && step.Module != Late {
		step.DependsOn |= Early
	}
	s.steps = append(s.steps, step)
}

// dependencySatisfied reports whether every module bit step depends on is
// present in done. Late's implicit "depends on everything else" mask is
// merged into DependsOn by Run before this is ever called.
func dependencySatisfied(step Step, done Module) bool {
	return step.DependsOn&^done == 0
}

// Run executes every registered step, grouping steps whose dependencies
// are already satisfied into concurrent batches (errgroup.Group), and
// advancing to the next batch only once the current one completes.
//
// A step that fails with WarnOnFail false makes Run panic via
// kernelerr.Panic on the calling goroutine as soon as that step's batch has
// stopped (its siblings see their context cancelled) and before any later
// batch starts, the analogue of sys_init's "otherwise it panics
// immediately." A WarnOnFail step that fails is logged and treated as done
// regardless, but its failure is remembered: warned reports true if any
// step warned, the Go equivalent of sys_init "returns 1 at the end." err is
// non-nil only for a structural problem with the registration itself (an
// unsatisfiable dependency cycle); step failures never surface through it.
func (s *Sequencer) Run(ctx context.Context) (warned bool, err error) {
	remaining := append([]Step(nil), s.steps...)
	var done Module
	var warnedMu sync.Mutex

	// Late modules implicitly depend on every module registered
	// elsewhere (not on each other, unless they name one another
	// explicitly), computed once up front.
	var everythingElse Module
	for _, st := range remaining {
		if st.Module != Late {
			everythingElse |= st.Module
		}
	}
	for i := range remaining {
		if remaining[i].Module == Late {
			remaining[i].DependsOn |= everythingElse
		}
	}
	// With no Early step registered, the implicit Early prerequisite that
	// Register adds is already met.
	if everythingElse&Early == 0 {
		done |= Early
	}

	for len(remaining) > 0 {
		var batch []Step
		var next []Step
		for _, st := range remaining {
			if dependencySatisfied(st, done) {
				batch = append(batch, st)
			} else {
				next = append(next, st)
			}
		}
		if len(batch) == 0 {
			names := make([]string, len(remaining))
			for i, st := range remaining {
				names[i] = st.Name
			}
			return warned, fmt.Errorf("sysinit: unsatisfiable dependency cycle among %v", names)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, st := range batch {
			st := st
			g.Go(func() error {
				log.WithField("step", st.Name).Debug("running init step")
				ferr := st.Fn(gctx)
				if ferr != nil {
					if st.WarnOnFail {
						log.WithField("step", st.Name).WithError(ferr).Warn("init step failed, continuing")
						warnedMu.Lock()
						warned = true
						warnedMu.Unlock()
						return nil
					}
					log.WithField("step", st.Name).WithError(ferr).Error("init step failed")
					return &kernelerr.KernelError{Module: "sysinit", Message: fmt.Sprintf("%s: %v", st.Name, ferr)}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			kernelerr.Panic(err)
		}

		for _, st := range batch {
			done |= st.Module
		}
		remaining = next
	}
	return warned, nil
}
