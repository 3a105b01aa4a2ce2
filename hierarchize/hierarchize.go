// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package hierarchize implements the hierarchical (hat-basis) transform
// between nodal and hierarchical surplus representations of a component
// grid, the operation a DistributedFullGrid undergoes before its values
// can be folded into a DistributedSparseGridUniform: a sequence of
// independent 1-D sweeps, one per axis, each replacing a point's nodal
// value with its hierarchical surplus relative to its two
// level-parents.
//
// The simulated topology has no ghost-layer primitive, so a sweep
// gathers the full grid across the owning ranks via topology.Gather,
// hierarchizes centrally, and re-extracts each rank's partition — the
// same answer a stencil-exchange sweep would produce, traded for
// simplicity over the real system's locality.
package hierarchize

import (
	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/topology"
)

// Hierarchize transforms g's nodal values into hierarchical surpluses in
// place, sweeping every axis in turn. comm must be the process group's
// Local communicator and rank this worker's linear index within it.
func Hierarchize[T dfg.Number](g *dfg.DistributedFullGrid[T], comm *topology.Communicator, rank int) error {
	return sweep(g, comm, rank, hierarchizeLine[T])
}

// Dehierarchize is the inverse of Hierarchize: it reconstructs g's nodal
// values from hierarchical surpluses in place.
func Dehierarchize[T dfg.Number](g *dfg.DistributedFullGrid[T], comm *topology.Communicator, rank int) error {
	return sweep(g, comm, rank, dehierarchizeLine[T])
}

// sweep assembles the full (non-distributed) grid by gathering every
// rank's local partition, applies lineOp along each axis of the
// assembled array, then re-extracts this rank's own partition.
func sweep[T dfg.Number](g *dfg.DistributedFullGrid[T], comm *topology.Communicator, rank int, lineOp func([]T)) error {
	full, err := GatherFull(g, comm, rank)
	if err != nil {
		return err
	}
	sizes := full.Sizes()
	for axis := range sizes {
		boundary := g.Boundary[axis]
		forEachLine(sizes, axis, func(base, stride, n int) {
			line := make([]T, n)
			for k := 0; k < n; k++ {
				line[k] = full.Data[base+k*stride]
			}
			applyLineOp(line, boundary, lineOp)
			for k := 0; k < n; k++ {
				full.Data[base+k*stride] = line[k]
			}
		})
	}
	extractLocal(g, full)
	return nil
}

// applyLineOp runs lineOp over line, first embedding it in a virtual
// zero-boundary extension when the axis carries no boundary points: a
// hat-basis line always needs its two level-0 endpoints, so a
// non-boundary axis borrows implicit zeros for them (the standard
// combination-technique convention for homogeneous boundary conditions).
func applyLineOp[T dfg.Number](line []T, boundary bool, lineOp func([]T)) {
	if boundary {
		lineOp(line)
		return
	}
	ext := make([]T, len(line)+2)
	copy(ext[1:], line)
	lineOp(ext)
	copy(line, ext[1:len(ext)-1])
}

// GatherFull assembles g's global grid by collecting every rank's local
// data and metadata over comm, recomputing each rank's partition layout
// from dfg.PartitionBounds (deterministic, so only the data itself needs
// to travel). It is the building block behind Hierarchize/Dehierarchize
// and is also exported directly for the final full-grid evaluation
// combicom.GatherFullGrid needs at the end of a run.
func GatherFull[T dfg.Number](g *dfg.DistributedFullGrid[T], comm *topology.Communicator, rank int) (*dfg.FullGrid[T], error) {
	allData := topology.Gather(comm, rank, 0, append([]T(nil), g.Data...))

	full := dfg.NewFullGrid[T](g.Level, g.Boundary)
	for r, data := range allData {
		pos := dfg.RankToCartesian(r, g.Decomposition)
		_, localSizes, localOffset, err := dfg.PartitionBounds(g.Level, g.Boundary, g.Decomposition, pos)
		if err != nil {
			return nil, err
		}
		copyLocalIntoFull(full, data, localSizes, localOffset)
	}
	return full, nil
}

// extractLocal copies this rank's partition box back out of the
// reassembled full grid into g.Data.
func extractLocal[T dfg.Number](g *dfg.DistributedFullGrid[T], full *dfg.FullGrid[T]) {
	forEachLocalPoint(g.LocalSizes(), func(localIdx combidist.IndexVector) {
		globalIdx := make(combidist.IndexVector, len(localIdx))
		for i := range localIdx {
			globalIdx[i] = localIdx[i] + g.LocalOffset()[i]
		}
		g.Data[g.LinearIndex(localIdx)] = full.Data[full.LinearIndex(globalIdx)]
	})
}

func copyLocalIntoFull[T dfg.Number](full *dfg.FullGrid[T], data []T, localSizes, localOffset combidist.IndexVector) {
	forEachLocalPoint(localSizes, func(localIdx combidist.IndexVector) {
		globalIdx := make(combidist.IndexVector, len(localIdx))
		for i := range localIdx {
			globalIdx[i] = localIdx[i] + localOffset[i]
		}
		off := 0
		for i := range localIdx {
			off = off*localSizes[i] + localIdx[i]
		}
		full.Data[full.LinearIndex(globalIdx)] = data[off]
	})
}

// forEachLocalPoint enumerates every multi-index in a box of the given
// shape in row-major order.
func forEachLocalPoint(sizes combidist.IndexVector, f func(idx combidist.IndexVector)) {
	idx := make(combidist.IndexVector, len(sizes))
	if len(sizes) == 0 {
		f(idx)
		return
	}
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

// forEachLine enumerates every 1-D line of the grid parallel to axis,
// invoking f with the linear offset of the line's first point, the
// stride between consecutive points, and the line's length.
func forEachLine(sizes combidist.IndexVector, axis int, f func(base, stride, n int)) {
	d := len(sizes)
	stride := 1
	for i := d - 1; i > axis; i-- {
		stride *= sizes[i]
	}
	n := sizes[axis]
	outer := 1
	for i := 0; i < d; i++ {
		if i != axis {
			outer *= sizes[i]
		}
	}
	idx := make(combidist.IndexVector, d)
	for o := 0; o < outer; o++ {
		rem := o
		for i := d - 1; i >= 0; i-- {
			if i == axis {
				continue
			}
			idx[i] = rem % sizes[i]
			rem /= sizes[i]
		}
		idx[axis] = 0
		base := 0
		for i := 0; i < d; i++ {
			base = base*sizes[i] + idx[i]
		}
		f(base, stride, n)
	}
}

// hierarchizeLine applies the standard hat-basis sweep to a single 1-D
// line of nodal values, replacing each point's value with its
// hierarchical surplus value - (left+right)/2 relative to its two
// level-parents. The sweep runs finest level first: each point must be
// differenced against the NODAL values of its parents, so a level may
// only be overwritten once every finer level has been consumed. line
// must have length 2^l+1 for some l>=0 (boundary points included at
// both ends).
func hierarchizeLine[T dfg.Number](line []T) {
	n := len(line) - 1
	if n <= 0 {
		return
	}
	for step := 1; step <= n/2; step *= 2 {
		for i := step; i < len(line); i += 2 * step {
			parent := (line[i-step] + line[i+step]) / T(2)
			line[i] -= parent
		}
	}
}

// dehierarchizeLine is the exact inverse of hierarchizeLine, running
// coarsest level first so every parent already holds its nodal value by
// the time a finer point adds it back.
func dehierarchizeLine[T dfg.Number](line []T) {
	n := len(line) - 1
	if n <= 0 {
		return
	}
	for step := n / 2; step >= 1; step /= 2 {
		for i := step; i < len(line); i += 2 * step {
			parent := (line[i-step] + line[i+step]) / T(2)
			line[i] += parent
		}
		if step == 1 {
			break
		}
	}
}
