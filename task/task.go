// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package task implements the unit of work a process group owns for
// its lifetime: one anisotropic component grid, the solver that
// advances it, and the status (WAIT/BUSY/FAIL) a worker reports back to
// the manager after running it.
//
// The task lifecycle is split from the concrete PDE solver: a FuncTask
// carries the grid and scheme metadata, while the solver is a
// registered SolverFunc looked up by name, so a task deserialized on
// another process group can recover its executable behavior.
package task

import (
	"context"
	"fmt"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
)

// Status is a task's last-reported run outcome, aggregated by the
// manager across a process group into the group's overall status.
type Status int

const (
	// StatusWait means the task has not been run this round, or last ran
	// successfully and is idle awaiting the next signal.
	StatusWait Status = iota
	// StatusBusy means a worker is currently running the task.
	StatusBusy
	// StatusFail means the task's last run returned an error, or its
	// solution was flagged by the SDC detector.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusWait:
		return "WAIT"
	case StatusBusy:
		return "BUSY"
	case StatusFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SolverFunc advances a task's component grid by one combination-round
// time step (or, for RunFirst, performs whatever one-time
// initialization the PDE solver needs before its first step). It
// receives the task's own DistributedFullGrid so it can read and write
// nodal values directly.
type SolverFunc func(ctx context.Context, g *dfg.DistributedFullGrid[float64]) error

var solverRegistry = make(map[string]SolverFunc)

// RegisterSolver makes a SolverFunc available under name for later
// lookup by BindSolver, the step a worker takes after deserializing a
// task migrated in from another process group: the wire format carries
// the solver's name, not its code, since the code already exists in
// every worker's binary.
func RegisterSolver(name string, fn SolverFunc) {
	solverRegistry[name] = fn
}

// LookupSolver returns the SolverFunc registered under name, if any.
func LookupSolver(name string) (SolverFunc, bool) {
	fn, ok := solverRegistry[name]
	return fn, ok
}

// FuncTask is the concrete Task combidist ships: an anisotropic
// component grid driven by a named, registered SolverFunc.
type FuncTask struct {
	IDVal            combidist.TaskID
	LevelVal         combidist.LevelVector
	BoundaryVal      combidist.Boundary
	DecompositionVal combidist.IndexVector
	RankVal          combidist.IndexVector
	SolverName       string
	FaultName        string
	CoefficientVal   float64
	StatusVal        Status
	Round            int

	grid  *dfg.DistributedFullGrid[float64]
	solve SolverFunc
	fault FaultCriterion
}

// NewFuncTask builds a task owning a freshly-allocated component grid of
// the given level, decomposed across the calling worker's process group
// per decomposition/rank, driven by the SolverFunc registered under
// solverName.
func NewFuncTask(id combidist.TaskID, level combidist.LevelVector, boundary combidist.Boundary, decomposition, rank combidist.IndexVector, solverName string) (*FuncTask, error) {
	solve, ok := LookupSolver(solverName)
	if !ok {
		return nil, fmt.Errorf("task: no solver registered under name %q", solverName)
	}
	g, err := dfg.NewDistributedFullGrid[float64](level, boundary, decomposition, rank)
	if err != nil {
		return nil, err
	}
	return &FuncTask{
		IDVal:            id,
		LevelVal:         level,
		BoundaryVal:      boundary,
		DecompositionVal: decomposition,
		RankVal:          rank,
		SolverName:       solverName,
		StatusVal:        StatusWait,
		grid:             g,
		solve:            solve,
	}, nil
}

// ID returns the task's identity, stable for its lifetime.
func (t *FuncTask) ID() combidist.TaskID { return t.IDVal }

// Level returns the task's component grid level.
func (t *FuncTask) Level() combidist.LevelVector { return t.LevelVal }

// Coefficient returns the task's current combination coefficient.
func (t *FuncTask) Coefficient() float64 { return t.CoefficientVal }

// SetCoefficient updates the task's combination coefficient, as the
// manager does after a scheme change (UPDATE_COMBI_PARAMETERS).
func (t *FuncTask) SetCoefficient(c float64) { t.CoefficientVal = c }

// Status returns the task's last-reported run outcome.
func (t *FuncTask) Status() Status { return t.StatusVal }

// SetStatus updates the task's status.
func (t *FuncTask) SetStatus(s Status) { t.StatusVal = s }

// Grid returns the task's component grid.
func (t *FuncTask) Grid() *dfg.DistributedFullGrid[float64] { return t.grid }

// BindSolver looks SolverName (and FaultName, if set) up in the
// registries and attaches them, required after Deserialize since
// neither function can itself travel over the wire.
func (t *FuncTask) BindSolver() error {
	solve, ok := LookupSolver(t.SolverName)
	if !ok {
		return fmt.Errorf("task: no solver registered under name %q", t.SolverName)
	}
	t.solve = solve
	if t.FaultName != "" {
		fault, ok := LookupFaultCriterion(t.FaultName)
		if !ok {
			return fmt.Errorf("task: no fault criterion registered under name %q", t.FaultName)
		}
		t.fault = fault
	}
	return nil
}

// SetFaultCriterion attaches the fault criterion registered under name,
// consulted once per run.
func (t *FuncTask) SetFaultCriterion(name string) error {
	fault, ok := LookupFaultCriterion(name)
	if !ok {
		return fmt.Errorf("task: no fault criterion registered under name %q", name)
	}
	t.FaultName = name
	t.fault = fault
	return nil
}

// RunFirst performs the task's first solve step, setting StatusBusy
// for the duration and StatusFail if the solver returns an error.
func (t *FuncTask) RunFirst(ctx context.Context) error {
	return t.run(ctx)
}

// RunNext performs one further solve step (RUN_NEXT).
func (t *FuncTask) RunNext(ctx context.Context) error {
	return t.run(ctx)
}

func (t *FuncTask) run(ctx context.Context) error {
	if t.solve == nil {
		return fmt.Errorf("task %d: solver not bound (call BindSolver after deserialization)", t.IDVal)
	}
	t.StatusVal = StatusBusy
	t.Round++
	if err := t.solve(ctx, t.grid); err != nil {
		t.StatusVal = StatusFail
		return fmt.Errorf("task %d: %w", t.IDVal, err)
	}
	if t.fault != nil && t.fault(t, t.Round) {
		t.StatusVal = StatusFail
		return fmt.Errorf("task %d: fault criterion %q triggered on round %d", t.IDVal, t.FaultName, t.Round)
	}
	t.StatusVal = StatusWait
	return nil
}
