// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package combicom implements the combination operator: folding a
// task's hierarchized component grid into a process-local sparse grid
// (RegisterUniformSG/AddToUniformSG), negotiating subspace sizes and
// summing sparse grids across a communicator (NegotiateDataSizes,
// Reduce), and pulling the combined surpluses back out into a
// (generally different) component grid (ExtractFromUniformSG).
package combicom

import (
	"fmt"
	"math/bits"

	"github.com/grailbio/base/errors"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/dsg"
	"github.com/sgpp-go/combidist/hierarchize"
	"github.com/sgpp-go/combidist/topology"
)

// pointCoord describes where one point of a hierarchized full grid lands
// in the sparse grid: its subspace level and its 0-based offset within
// that subspace's data slice.
type pointCoord struct {
	level combidist.LevelVector
	index int
}

// locate computes, for every axis, the point's native hierarchical level
// and its position within that level's subspace, then combines the
// per-axis positions into a single flat subspace index. ok is false when
// the point's native level exceeds sgLMax on some axis: the combination
// round builds its sparse grid one level coarser than the scheme's lmax,
// so a component grid's finest hierarchical surplus survives untouched
// through AddToUniformSG/ExtractFromUniformSG rather than being folded
// into a subspace that was never allocated for it.
//
// The scheme requires LMin==1 on every axis: with that restriction the
// only folding case is boundary points (native level 0) collapsing into
// the level-1 subspace, which the level-1-and-boundary branch below
// handles. A pruned sparse grid with lmin>1 would need a second,
// level-dependent folding rule this package does not implement.
func locate[T dfg.Number](g *dfg.DistributedFullGrid[T], boundary combidist.Boundary, sgLMax combidist.LevelVector, globalIdx combidist.IndexVector) (pointCoord, bool) {
	dim := len(globalIdx)
	level := make(combidist.LevelVector, dim)
	axisIdx := make(combidist.IndexVector, dim)

	for a := 0; a < dim; a++ {
		L := g.Level[a]
		n2 := 1 << uint(L)
		var realK int
		if boundary[a] {
			realK = globalIdx[a]
		} else {
			realK = globalIdx[a] + 1
		}

		var lvl, idx int
		if boundary[a] && (realK == 0 || realK == n2) {
			lvl = 1
			step := 1 << uint(L-1)
			idx = realK / step // 0 or 2
		} else {
			v2 := bits.TrailingZeros(uint(realK))
			lvl = L - v2
			if lvl < 1 {
				lvl = 1
			}
			step := 1 << uint(L-lvl)
			scaled := realK / step
			idx = (scaled - 1) / 2
			if boundary[a] && lvl == 1 {
				idx = 1
			}
		}
		if lvl > sgLMax[a] {
			return pointCoord{}, false
		}
		level[a] = lvl
		axisIdx[a] = idx
	}

	flat := 0
	for a := 0; a < dim; a++ {
		flat = flat*level.SubspaceSizePerAxis(a, boundary) + axisIdx[a]
	}
	return pointCoord{level: level, index: flat}, true
}

// RegisterUniformSG declares, for every subspace g's component grid
// touches — every level vector componentwise between (1,...,1) and
// min(g.Level, sg.LMax) — the stripe size this worker will hold of it
// (the full subspace, for a uniform sparse grid). Levels beyond sg.LMax
// are g's own finest hierarchical surplus, deliberately excluded from
// the group-wide sparse grid (see locate). The caller negotiates sizes
// across the group and allocates with sg.CreateSubspaceData before any
// AddToUniformSG.
func RegisterUniformSG[T dfg.Number](g *dfg.DistributedFullGrid[T], sg *dsg.DistributedSparseGridUniform[T]) error {
	dim := g.Level.Dim()
	lo := make(combidist.LevelVector, dim)
	hi := make(combidist.LevelVector, dim)
	for i := range lo {
		lo[i] = 1
		hi[i] = g.Level[i]
		if sg.LMax[i] < hi[i] {
			hi[i] = sg.LMax[i]
		}
	}
	cur := make(combidist.LevelVector, dim)
	var rec func(axis int) error
	rec = func(axis int) error {
		if axis == dim {
			// The box up to hi can exceed the sparse grid's sum
			// truncation; levels outside the subspace set are simply not
			// part of the reduction.
			if sg.IndexOf(cur) < 0 {
				return nil
			}
			return sg.SetDataSize(cur, sg.SizeOf(cur))
		}
		for l := lo[axis]; l <= hi[axis]; l++ {
			cur[axis] = l
			if err := rec(axis + 1); err != nil {
				return err
			}
		}
		return nil
	}
	return rec(0)
}

// NegotiateDataSizes MAX-allreduces the sparse grid's per-subspace data
// sizes across comm, so every rank of the same spatial-decomposition
// class agrees on each stripe's size before allocation. A rank whose
// tasks never registered a subspace enters the negotiation with zero
// and leaves with its peers' size, so the subspace is later allocated
// zero-filled and contributes nothing but receives the reduced result.
func NegotiateDataSizes[T dfg.Number](sg *dsg.DistributedSparseGridUniform[T], comm *topology.Communicator, rank int) error {
	mine := sg.DataSizes()
	agreed := topology.Allreduce(comm, rank, mine, func(a, b []int) []int {
		out := make([]int, len(a))
		for i := range a {
			if a[i] > b[i] {
				out[i] = a[i]
			} else {
				out[i] = b[i]
			}
		}
		return out
	})
	return sg.ApplyDataSizes(agreed)
}

// AddToUniformSG folds g's (already-hierarchized) local partition into
// sg, scaled by coeff, adding to whatever sg already holds. g must have
// been passed through hierarchize.Hierarchize first, and sg's backing
// buffer must exist; touching an unallocated sparse grid is the fatal
// allocation-mismatch error, not a recoverable condition.
func AddToUniformSG[T dfg.Number](g *dfg.DistributedFullGrid[T], sg *dsg.DistributedSparseGridUniform[T], coeff T) error {
	if !sg.IsAllocated() {
		return errors.E(errors.Fatal, "combicom: AddToUniformSG before CreateSubspaceData")
	}
	var outerErr error
	forEachLocalPoint(g.LocalSizes(), func(localIdx combidist.IndexVector) {
		if outerErr != nil {
			return
		}
		global := addOffset(localIdx, g.LocalOffset())
		coord, ok := locate(g, g.Boundary, sg.LMax, global)
		if !ok || sg.IndexOf(coord.level) < 0 {
			// Beyond sg.LMax or outside the sum truncation: this task's
			// own finest surplus, excluded from the group reduction.
			return
		}
		data := sg.GetData(coord.level)
		if data == nil {
			outerErr = errors.E(errors.Fatal, fmt.Sprintf("combicom: subspace %v touched by task grid %v was never registered", coord.level, g.Level))
			return
		}
		data[coord.index] += coeff * g.Data[g.LinearIndex(localIdx)]
	})
	return outerErr
}

// ExtractFromUniformSG overwrites g's local partition with the values sg
// holds for the corresponding subspaces; a subsequent
// hierarchize.Dehierarchize(g, ...) recovers nodal values. Points whose
// subspace lies beyond sg.LMax, outside the sum truncation, or was
// never allocated are left untouched: those surpluses were never folded
// into sg (see RegisterUniformSG), so g's own value is what should
// survive into Dehierarchize.
func ExtractFromUniformSG[T dfg.Number](g *dfg.DistributedFullGrid[T], sg *dsg.DistributedSparseGridUniform[T]) error {
	forEachLocalPoint(g.LocalSizes(), func(localIdx combidist.IndexVector) {
		global := addOffset(localIdx, g.LocalOffset())
		coord, ok := locate(g, g.Boundary, sg.LMax, global)
		if !ok || sg.IndexOf(coord.level) < 0 {
			return
		}
		data := sg.GetData(coord.level)
		if data == nil {
			// No rank registered this subspace, so the combined grid
			// carries no information for it; the task's own surplus
			// survives.
			return
		}
		g.Data[g.LinearIndex(localIdx)] = data[coord.index]
	})
	return nil
}

func addOffset(idx, offset combidist.IndexVector) combidist.IndexVector {
	out := make(combidist.IndexVector, len(idx))
	for i := range idx {
		out[i] = idx[i] + offset[i]
	}
	return out
}

func forEachLocalPoint(sizes combidist.IndexVector, f func(idx combidist.IndexVector)) {
	idx := make(combidist.IndexVector, len(sizes))
	total := sizes.Product()
	for n := 0; n < total; n++ {
		rem := n
		for i := len(sizes) - 1; i >= 0; i-- {
			idx[i] = rem % sizes[i]
			rem /= sizes[i]
		}
		f(idx)
	}
}

// Options configures Reduce. Trace, when non-nil, receives each reduced
// subspace's combined stripe — opt-in timing/value diagnostics that
// never perturb the collective path when unset. Nonblocking selects the
// whole-buffer reduction: instead of one allreduce per subspace, the
// entire flat backing buffer travels in a single allreduce, the shape a
// nonblocking per-subspace issue-then-waitall collapses into for a
// uniform sparse grid. Callers typically wire it to the
// USE_NONBLOCKING_MPI_COLLECTIVE environment toggle of the embedding
// binary.
type Options struct {
	Trace       func(event string, level combidist.LevelVector, value any)
	Nonblocking bool
}

// Reduce combines every rank's copy of sg into the elementwise sum via
// comm's allreduce and leaves the combined result in every rank's sg.
// Ranks must agree on each subspace's data size (NegotiateDataSizes)
// and have allocated the backing buffer; a rank that never registered a
// subspace contributes its zero-filled stripe.
func Reduce[T dfg.Number](sg *dsg.DistributedSparseGridUniform[T], comm *topology.Communicator, rank int, opts Options) error {
	if !sg.IsAllocated() {
		return errors.E(errors.Fatal, "combicom: Reduce before CreateSubspaceData")
	}
	if opts.Nonblocking {
		raw := sg.RawData()
		combined := topology.Allreduce(comm, rank, append([]T(nil), raw...), sumSlices[T])
		copy(raw, combined)
		if opts.Trace != nil {
			sg.ForEachAllocated(func(level combidist.LevelVector, data []T) {
				opts.Trace("reduce", level, data)
			})
		}
		return nil
	}
	for _, level := range sg.Levels() {
		if sg.GetDataSize(level) == 0 {
			continue
		}
		data := sg.GetData(level)
		combined := topology.Allreduce(comm, rank, append([]T(nil), data...), sumSlices[T])
		copy(data, combined)
		if opts.Trace != nil {
			opts.Trace("reduce", level, combined)
		}
	}
	return nil
}

func sumSlices[T dfg.Number](a, b []T) []T {
	if len(a) != len(b) {
		panic(fmt.Sprintf("combicom: mismatched subspace sizes %d vs %d", len(a), len(b)))
	}
	out := make([]T, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// GatherFullGrid assembles g's full (non-decomposed) grid on every rank
// of comm, for checkpointing and final evaluation.
func GatherFullGrid[T dfg.Number](g *dfg.DistributedFullGrid[T], comm *topology.Communicator, rank int) (*dfg.FullGrid[T], error) {
	return hierarchize.GatherFull(g, comm, rank)
}
