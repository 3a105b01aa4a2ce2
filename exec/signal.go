// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the manager/process-group control plane: the
// Manager drives every process group through the combination-technique
// round cycle by dispatching Signal values, and each group's
// ProcessGroupWorker runs the handler the signal names against its
// owned tasks.
package exec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Signal is a control-plane message the manager sends to a process
// group's workers, wire-encoded as a single little-endian int32.
// combidist keeps that wire shape even though, in this single-process
// simulation, a signal never actually leaves the machine.
type Signal int32

const (
	RunFirst Signal = iota
	RunNext
	AddTask
	Eval
	Exit
	SyncTasks
	Combine
	GridEval
	CombineFG
	UpdateCombiParameters
	Recompute
	SearchSDC
	ReinitTask
)

func (s Signal) String() string {
	switch s {
	case RunFirst:
		return "RUN_FIRST"
	case RunNext:
		return "RUN_NEXT"
	case AddTask:
		return "ADD_TASK"
	case Eval:
		return "EVAL"
	case Exit:
		return "EXIT"
	case SyncTasks:
		return "SYNC_TASKS"
	case Combine:
		return "COMBINE"
	case GridEval:
		return "GRID_EVAL"
	case CombineFG:
		return "COMBINE_FG"
	case UpdateCombiParameters:
		return "UPDATE_COMBI_PARAMETERS"
	case Recompute:
		return "RECOMPUTE"
	case SearchSDC:
		return "SEARCH_SDC"
	case ReinitTask:
		return "REINIT_TASK"
	default:
		return fmt.Sprintf("Signal(%d)", int32(s))
	}
}

// EncodeSignal writes s to w as a little-endian int32.
func EncodeSignal(w io.Writer, s Signal) error {
	return binary.Write(w, binary.LittleEndian, int32(s))
}

// DecodeSignal reads a Signal from r as a little-endian int32.
func DecodeSignal(r io.Reader) (Signal, error) {
	var v int32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, err
	}
	return Signal(v), nil
}
