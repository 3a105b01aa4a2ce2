// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
)

func init() {
	gob.Register(&FuncTask{})
}

// wireTask is FuncTask's transport shape: metadata plus the task's
// global grid data gathered into one slice (so a migrated task arrives
// with its in-progress solution, not just its parameters). It carries
// SolverName rather than the SolverFunc itself — the receiving worker's
// binary already has the solver registered and rebinds it via
// BindSolver.
//
// The concrete type is registered with gob at init so a task can
// travel behind an interface; any unexported or non-serializable field
// (here, FuncTask.solve) is simply absent from what gob encodes.
type wireTask struct {
	ID            combidist.TaskID
	Level         combidist.LevelVector
	Boundary      combidist.Boundary
	Decomposition combidist.IndexVector
	SolverName    string
	FaultName     string
	Coefficient   float64
	Status        Status
	Round         int
	GlobalSizes   combidist.IndexVector
	Data          []float64
}

// Serialize gob-encodes the task's complete migratable state to w, with
// fullData (the caller's already gathered, non-decomposed grid data) as
// the task's grid contents.
func Serialize(w io.Writer, t *FuncTask, fullData []float64) error {
	wt := wireTask{
		ID:            t.IDVal,
		Level:         t.LevelVal,
		Boundary:      t.BoundaryVal,
		Decomposition: t.DecompositionVal,
		SolverName:    t.SolverName,
		FaultName:     t.FaultName,
		Coefficient:   t.CoefficientVal,
		Status:        t.StatusVal,
		Round:         t.Round,
		GlobalSizes:   t.grid.GlobalSizes(),
		Data:          fullData,
	}
	return gob.NewEncoder(w).Encode(&wt)
}

// Deserialize decodes a task previously written by Serialize,
// reconstructing it as a single-partition (decomposition all-ones)
// DistributedFullGrid owned entirely by the calling worker; the
// receiving process group is expected to immediately re-decompose it
// across its own workers, or run it single-owner until the next
// combination round. The solver is not bound; call BindSolver before
// running the task.
func Deserialize(r io.Reader) (*FuncTask, error) {
	var wt wireTask
	if err := gob.NewDecoder(r).Decode(&wt); err != nil {
		return nil, fmt.Errorf("task: deserialize: %w", err)
	}
	dim := wt.Level.Dim()
	decomposition := make(combidist.IndexVector, dim)
	rank := make(combidist.IndexVector, dim)
	for i := range decomposition {
		decomposition[i] = 1
	}
	g, err := dfg.NewDistributedFullGrid[float64](wt.Level, wt.Boundary, decomposition, rank)
	if err != nil {
		return nil, err
	}
	if len(wt.Data) != len(g.Data) {
		return nil, fmt.Errorf("task: deserialize: grid data length %d does not match expected %d", len(wt.Data), len(g.Data))
	}
	copy(g.Data, wt.Data)

	return &FuncTask{
		IDVal:            wt.ID,
		LevelVal:         wt.Level,
		BoundaryVal:      wt.Boundary,
		DecompositionVal: decomposition,
		RankVal:          rank,
		SolverName:       wt.SolverName,
		FaultName:        wt.FaultName,
		CoefficientVal:   wt.Coefficient,
		StatusVal:        wt.Status,
		Round:            wt.Round,
		grid:             g,
	}, nil
}

// EncodeBytes is a convenience wrapper around Serialize for callers that
// want an in-memory byte slice (e.g. to hand to a channel simulating
// inter-group communication) instead of an io.Writer.
func EncodeBytes(t *FuncTask, fullData []float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := Serialize(&buf, t, fullData); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes is the inverse of EncodeBytes.
func DecodeBytes(data []byte) (*FuncTask, error) {
	return Deserialize(bytes.NewReader(data))
}
