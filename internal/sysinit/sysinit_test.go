package sysinit

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRunOrdersByDependency(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	const (
		modA Module = 1 << 1
		modB Module = 1 << 2
		modC Module = 1 << 3
	)

	s := New()
	s.Register(Step{Module: Early, Name: "early", Fn: record("early")})
	s.Register(Step{Module: modC, DependsOn: modA | modB, Name: "c", Fn: record("c")})
	s.Register(Step{Module: modA, Name: "a", Fn: record("a")})
	s.Register(Step{Module: modB, DependsOn: modA, Name: "b", Fn: record("b")})
	s.Register(Step{Module: Late, Name: "late", Fn: record("late")})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if pos["early"] != 0 {
		t.Fatalf("early ran at position %d, want 0", pos["early"])
	}
	if pos["a"] >= pos["b"] {
		t.Fatalf("a (%d) must run before b (%d)", pos["a"], pos["b"])
	}
	if pos["b"] >= pos["c"] || pos["a"] >= pos["c"] {
		t.Fatalf("c (%d) must run after a (%d) and b (%d)", pos["c"], pos["a"], pos["b"])
	}
	if pos["late"] != len(order)-1 {
		t.Fatalf("late ran at position %d, want last (%d)", pos["late"], len(order)-1)
	}
}

func TestRunPanicsOnNonWarnOnFailFailure(t *testing.T) {
	const modA Module = 1 << 1
	s := New()
	s.Register(Step{Module: modA, Name: "fails", Fn: func(context.Context) error {
		return errors.New("boom")
	}})
	defer func() {
		if recover() == nil {
			t.Fatal("expected Run to panic on a non-warn-on-fail step failure")
		}
	}()
	s.Run(context.Background())
}

func TestWarnOnFailDoesNotAbort(t *testing.T) {
	const (
		modA Module = 1 << 1
		modB Module = 1 << 2
	)
	var ranB bool
	s := New()
	s.Register(Step{Module: modA, WarnOnFail: true, Name: "warns", Fn: func(context.Context) error {
		return errors.New("soft failure")
	}})
	s.Register(Step{Module: modB, DependsOn: modA, Name: "b", Fn: func(context.Context) error {
		ranB = true
		return nil
	}})
	warned, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ranB {
		t.Fatal("expected dependent step to run after a warn-on-fail failure")
	}
	if !warned {
		t.Fatal("expected Run to report that a warn-on-fail step failed")
	}
}

func TestUnsatisfiableCycleErrors(t *testing.T) {
	const (
		modA Module = 1 << 1
		modB Module = 1 << 2
	)
	s := New()
	s.Register(Step{Module: modA, DependsOn: modB, Name: "a", Fn: func(context.Context) error { return nil }})
	s.Register(Step{Module: modB, DependsOn: modA, Name: "b", Fn: func(context.Context) error { return nil }})
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("expected cycle detection error")
	}
}
