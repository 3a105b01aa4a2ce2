// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dfg implements the distributed full grid: the dense,
// Cartesian-decomposed component grid each process group jointly owns
// for the lifetime of a task.
package dfg

import (
	"fmt"

	"github.com/sgpp-go/combidist"
)

// Number is the set of element types a grid may hold; complex128
// serves solvers whose state carries phase information.
type Number interface {
	~float64 | ~complex128
}

// FullGrid is a dense, non-distributed component grid: every point lives
// in a single contiguous slice, row-major with axis 0 varying slowest.
// It is the shape GatherFullGrid assembles a DistributedFullGrid into.
type FullGrid[T Number] struct {
	Level    combidist.LevelVector
	Boundary combidist.Boundary
	sizes    combidist.IndexVector
	Data     []T
}

// NewFullGrid allocates a zeroed dense grid of the given level.
func NewFullGrid[T Number](level combidist.LevelVector, boundary combidist.Boundary) *FullGrid[T] {
	sizes := make(combidist.IndexVector, level.Dim())
	for i := range sizes {
		sizes[i] = level.NumPointsPerAxis(i, boundary)
	}
	return &FullGrid[T]{
		Level:    level.Clone(),
		Boundary: boundary,
		sizes:    sizes,
		Data:     make([]T, sizes.Product()),
	}
}

// Sizes returns the number of points per axis.
func (g *FullGrid[T]) Sizes() combidist.IndexVector { return g.sizes }

// LinearIndex converts a multi-index into an offset into Data.
func (g *FullGrid[T]) LinearIndex(idx combidist.IndexVector) int {
	off := 0
	for i := range idx {
		off = off*g.sizes[i] + idx[i]
	}
	return off
}

// DistributedFullGrid is the per-process partition of a component grid:
// the full grid's points divided among the process group's workers by a
// fixed Cartesian decomposition, one axis-aligned box per worker. Each
// worker holds a contiguous subbox; the global linear index and the
// per-axis indices are bijective.
type DistributedFullGrid[T Number] struct {
	Level         combidist.LevelVector
	Boundary      combidist.Boundary
	Decomposition combidist.IndexVector // processes per axis
	Rank          combidist.IndexVector // this worker's Cartesian position

	globalSizes combidist.IndexVector
	localSizes  combidist.IndexVector
	localOffset combidist.IndexVector // this partition's lower corner, in global index space

	Data []T
}

// NewDistributedFullGrid partitions a component grid of the given level
// across a process group laid out by decomposition, returning this
// worker's local partition. Each axis's process count must be a power
// of two. Points are divided as evenly as possible per axis; a
// remainder is distributed to the low-rank partitions first so
// partition sizes never differ by more than one point.
func NewDistributedFullGrid[T Number](level combidist.LevelVector, boundary combidist.Boundary, decomposition, rank combidist.IndexVector) (*DistributedFullGrid[T], error) {
	globalSizes, localSizes, localOffset, err := PartitionBounds(level, boundary, decomposition, rank)
	if err != nil {
		return nil, err
	}
	return &DistributedFullGrid[T]{
		Level:         level.Clone(),
		Boundary:      boundary,
		Decomposition: decomposition,
		Rank:          rank,
		globalSizes:   globalSizes,
		localSizes:    localSizes,
		localOffset:   localOffset,
		Data:          make([]T, localSizes.Product()),
	}, nil
}

// PartitionBounds computes the global grid shape and the local partition
// shape/offset a given Cartesian rank owns, without allocating any data.
// It is deterministic given (level, boundary, decomposition, rank), so
// package hierarchize uses it to recompute every rank's partition layout
// from metadata alone when reassembling a gathered full grid.
func PartitionBounds(level combidist.LevelVector, boundary combidist.Boundary, decomposition, rank combidist.IndexVector) (globalSizes, localSizes, localOffset combidist.IndexVector, err error) {
	d := level.Dim()
	if len(decomposition) != d || len(rank) != d {
		return nil, nil, nil, fmt.Errorf("dfg: decomposition and rank must have length %d", d)
	}
	globalSizes = make(combidist.IndexVector, d)
	localSizes = make(combidist.IndexVector, d)
	localOffset = make(combidist.IndexVector, d)
	for i := 0; i < d; i++ {
		globalSizes[i] = level.NumPointsPerAxis(i, boundary)
		if p := decomposition[i]; p <= 0 || p&(p-1) != 0 {
			return nil, nil, nil, fmt.Errorf("dfg: decomposition[%d]=%d must be a power of two", i, p)
		}
		if rank[i] < 0 || rank[i] >= decomposition[i] {
			return nil, nil, nil, fmt.Errorf("dfg: rank[%d]=%d out of range [0,%d)", i, rank[i], decomposition[i])
		}
		base := globalSizes[i] / decomposition[i]
		rem := globalSizes[i] % decomposition[i]
		size := base
		offset := rank[i] * base
		if rank[i] < rem {
			size++
			offset += rank[i]
		} else {
			offset += rem
		}
		localSizes[i] = size
		localOffset[i] = offset
	}
	return globalSizes, localSizes, localOffset, nil
}

// RankToCartesian is the inverse of CartesianRankIndex.
func RankToCartesian(rankIdx int, decomposition combidist.IndexVector) combidist.IndexVector {
	pos := make(combidist.IndexVector, len(decomposition))
	for i := len(decomposition) - 1; i >= 0; i-- {
		pos[i] = rankIdx % decomposition[i]
		rankIdx /= decomposition[i]
	}
	return pos
}

// GlobalSizes returns the full (undecomposed) grid's shape.
func (g *DistributedFullGrid[T]) GlobalSizes() combidist.IndexVector { return g.globalSizes }

// LocalSizes returns this partition's shape.
func (g *DistributedFullGrid[T]) LocalSizes() combidist.IndexVector { return g.localSizes }

// LocalOffset returns this partition's lower corner in global index
// space.
func (g *DistributedFullGrid[T]) LocalOffset() combidist.IndexVector { return g.localOffset }

// LinearIndex converts a local multi-index into an offset into Data.
func (g *DistributedFullGrid[T]) LinearIndex(idx combidist.IndexVector) int {
	off := 0
	for i := range idx {
		off = off*g.localSizes[i] + idx[i]
	}
	return off
}

// CartesianRankIndex flattens a Cartesian position into the linear
// rank index topology.NewCommunicator's ranks are addressed by
// (row-major, axis 0 slowest); RankToCartesian is its inverse.
func CartesianRankIndex(pos, decomposition combidist.IndexVector) int {
	idx := 0
	for i := range pos {
		idx = idx*decomposition[i] + pos[i]
	}
	return idx
}

// Resample evaluates src's values on a grid of the requested level by
// nearest-index injection, the dense-grid half of a full-grid
// evaluation at a level other than the task's own.
func Resample[T Number](src *FullGrid[T], level combidist.LevelVector) *FullGrid[T] {
	if level.Equal(src.Level) {
		return src
	}
	dst := NewFullGrid[T](level, src.Boundary)
	ds := dst.Sizes()
	ss := src.Sizes()
	total := ds.Product()
	idx := make(combidist.IndexVector, len(ds))
	for n := 0; n < total; n++ {
		rem := n
		for i := len(ds) - 1; i >= 0; i-- {
			idx[i] = rem % ds[i]
			rem /= ds[i]
		}
		srcIdx := make(combidist.IndexVector, len(idx))
		for i := range idx {
			if ds[i] <= 1 || ss[i] <= 1 {
				srcIdx[i] = 0
				continue
			}
			srcIdx[i] = idx[i] * (ss[i] - 1) / (ds[i] - 1)
		}
		dst.Data[dst.LinearIndex(idx)] = src.Data[src.LinearIndex(srcIdx)]
	}
	return dst
}
