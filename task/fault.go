// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

// FaultCriterion decides whether a task should be treated as faulty
// this round — either an outright process-group failure or a silent
// data corruption injected into a task's own grid for detector
// validation. It is consulted once per run, so a criterion
// driven by randomness should seed itself from the task ID for
// reproducibility across a rerun.
type FaultCriterion func(t *FuncTask, round int) bool

var faultRegistry = make(map[string]FaultCriterion)

// RegisterFaultCriterion makes a FaultCriterion available under name,
// mirroring RegisterSolver's name-based indirection so fault injection
// policy can be selected by configuration rather than compiled in.
func RegisterFaultCriterion(name string, fn FaultCriterion) {
	faultRegistry[name] = fn
}

// LookupFaultCriterion returns the FaultCriterion registered under name,
// if any.
func LookupFaultCriterion(name string) (FaultCriterion, bool) {
	fn, ok := faultRegistry[name]
	return fn, ok
}

// InjectAdditiveBias returns a FaultCriterion that, on the given round,
// adds bias to every point of the task's grid and reports the task as
// faulty — a deterministic way to corrupt a single component grid and
// check that the detector localizes it.
func InjectAdditiveBias(round int, bias float64) FaultCriterion {
	return func(t *FuncTask, r int) bool {
		if r != round {
			return false
		}
		g := t.Grid()
		for i := range g.Data {
			g.Data[i] += bias
		}
		return true
	}
}

func init() {
	RegisterFaultCriterion("none", func(t *FuncTask, round int) bool { return false })
}
