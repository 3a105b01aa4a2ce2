// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dsg implements the distributed sparse grid: the hierarchical
// subspace container every worker in a process group accumulates
// combined surpluses into. A DistributedSparseGridUniform enumerates
// one subspace per level vector between LMin and LMax (subject to the
// classical sparse-grid sum truncation) and backs all of their data
// with a single flat buffer, allocated only after the per-subspace data
// sizes have been negotiated across the group.
package dsg

import (
	"fmt"
	"sort"

	"github.com/sgpp-go/combidist"
)

// Number is the set of element types a sparse grid may hold.
type Number interface {
	~float64 | ~complex128
}

// DistributedSparseGridUniform is one worker's copy of a process
// group's sparse grid. Every worker in the group holds an identical
// subspace list in identical order; after size negotiation every worker
// of the same spatial-decomposition class also agrees on each
// subspace's data size ("uniform": each worker holds the full stripe of
// every subspace it has registered, so cross-group summation is a
// purely point-wise allreduce on the flat buffer).
//
// Lifecycle: construction enumerates subspaces and their full sizes but
// allocates nothing. SetDataSize declares how much of a subspace this
// worker will hold (zero until the first component grid registers it);
// CreateSubspaceData then allocates one flat backing buffer
// concatenating all subspace stripes in subspace order with no padding.
// DeleteSubspaceData releases the buffer but retains the sizes, so the
// grid can be re-created cheaply between combination rounds.
type DistributedSparseGridUniform[T Number] struct {
	Dim      int
	LMin     combidist.LevelVector
	LMax     combidist.LevelVector
	Boundary combidist.Boundary

	levels    []combidist.LevelVector
	index     map[string]int
	sizes     []int // full subspace size, fixed at construction
	dataSizes []int // this worker's stripe size, zero until registered
	offsets   []int // stripe start within raw, valid while raw != nil
	raw       []T   // flat backing buffer, nil until CreateSubspaceData
}

// NewDistributedSparseGridUniform enumerates every hierarchical
// subspace with lmin <= l <= lmax (componentwise) within the classical
// sparse-grid sum truncation and computes each one's full size. No data
// is allocated; see CreateSubspaceData.
func NewDistributedSparseGridUniform[T Number](dim int, lmin, lmax combidist.LevelVector, boundary combidist.Boundary) (*DistributedSparseGridUniform[T], error) {
	if len(lmin) != dim || len(lmax) != dim || len(boundary) != dim {
		return nil, fmt.Errorf("dsg: lmin/lmax/boundary must have length dim=%d", dim)
	}
	if !lmin.LessEqual(lmax) {
		return nil, fmt.Errorf("dsg: lmin %v must be <= lmax %v", lmin, lmax)
	}
	levels := createLevels(lmin, lmax)
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Key() < levels[j].Key()
	})
	sg := &DistributedSparseGridUniform[T]{
		Dim:       dim,
		LMin:      lmin.Clone(),
		LMax:      lmax.Clone(),
		Boundary:  boundary,
		levels:    levels,
		index:     make(map[string]int, len(levels)),
		sizes:     make([]int, len(levels)),
		dataSizes: make([]int, len(levels)),
		offsets:   make([]int, len(levels)),
	}
	for i, l := range levels {
		sg.index[l.Key()] = i
		sg.sizes[i] = setSize(l, boundary)
	}
	return sg, nil
}

// createLevels enumerates the classical sparse-grid level set: every
// level vector l with lmin<=l<=lmax componentwise AND sum(l) <= n+d-1.
// Pruning the sum bound during the recursion (rather than filtering a
// full lmin..lmax box afterwards) keeps the enumeration linear in the
// number of surviving subspaces.
func createLevels(lmin, lmax combidist.LevelVector) []combidist.LevelVector {
	dim := lmin.Dim()
	n := sparseGridN(lmin, lmax)

	var out []combidist.LevelVector
	cur := make(combidist.LevelVector, dim)
	var rec func(axis, lsum int)
	rec = func(axis, lsum int) {
		if axis == dim {
			out = append(out, cur.Clone())
			return
		}
		hi := lmax[axis]
		if budget := n + dim - 1 - lsum; budget < hi {
			hi = budget
		}
		for l := lmin[axis]; l <= hi; l++ {
			cur[axis] = l
			rec(axis+1, lsum+l)
		}
	}
	rec(0, 0)
	return out
}

// sparseGridN derives the sparse-grid truncation level n from
// lmin/lmax: the smallest c with lmax-c (clamped to >=1 per axis)
// componentwise <= lmin, then n = sum(lmax-c) + c - dim + 1. For the
// isotropic case (lmin all 1, lmax all the same value L) this reduces
// to n = L, the familiar "regular sparse grid of level n" truncation.
func sparseGridN(lmin, lmax combidist.LevelVector) int {
	dim := lmin.Dim()
	ltmp := lmax.Clone()
	c := 0
	for !ltmp.LessEqual(lmin) {
		c++
		for i := 0; i < dim; i++ {
			v := lmax[i] - c
			if v < 1 {
				v = 1
			}
			ltmp[i] = v
		}
	}
	sum := 0
	for i := 0; i < dim; i++ {
		sum += lmax[i] - c
	}
	return sum + c - dim + 1
}

// setSize computes a subspace's full number of degrees of freedom: the
// product over axes of LevelVector.SubspaceSizePerAxis.
func setSize(l combidist.LevelVector, boundary combidist.Boundary) int {
	size := 1
	for i := range l {
		size *= l.SubspaceSizePerAxis(i, boundary)
	}
	return size
}

// Levels returns every subspace level in this sparse grid, in a fixed,
// deterministic order shared by every worker in the group.
func (sg *DistributedSparseGridUniform[T]) Levels() []combidist.LevelVector {
	return sg.levels
}

// NumSubspaces returns the number of subspaces enumerated at
// construction.
func (sg *DistributedSparseGridUniform[T]) NumSubspaces() int { return len(sg.levels) }

// IndexOf returns the position of level l among sg.Levels, or -1 if l
// is not a subspace of this sparse grid.
func (sg *DistributedSparseGridUniform[T]) IndexOf(l combidist.LevelVector) int {
	if i, ok := sg.index[l.Key()]; ok {
		return i
	}
	return -1
}

// SizeOf returns the full number of degrees of freedom of subspace l,
// fixed at construction regardless of how much of it this worker holds.
func (sg *DistributedSparseGridUniform[T]) SizeOf(l combidist.LevelVector) int {
	i := sg.IndexOf(l)
	if i < 0 {
		return 0
	}
	return sg.sizes[i]
}

// SetDataSize declares how many elements of subspace l this worker
// holds. It must precede CreateSubspaceData; calling it on an
// already-allocated grid with a different size releases the backing
// buffer, invalidating every previously handed-out data slice.
func (sg *DistributedSparseGridUniform[T]) SetDataSize(l combidist.LevelVector, n int) error {
	i := sg.IndexOf(l)
	if i < 0 {
		return fmt.Errorf("dsg: level %v is not a subspace of this grid", l)
	}
	if n < 0 || n > sg.sizes[i] {
		return fmt.Errorf("dsg: data size %d for subspace %v out of range [0,%d]", n, l, sg.sizes[i])
	}
	if sg.raw != nil && sg.dataSizes[i] != n {
		sg.raw = nil
	}
	sg.dataSizes[i] = n
	return nil
}

// GetDataSize returns the stripe size last declared for subspace l,
// zero until the first component grid registers it.
func (sg *DistributedSparseGridUniform[T]) GetDataSize(l combidist.LevelVector) int {
	i := sg.IndexOf(l)
	if i < 0 {
		return 0
	}
	return sg.dataSizes[i]
}

// DataSizes returns a copy of every subspace's declared stripe size, in
// subspace order — the vector the group MAX-allreduces during size
// negotiation.
func (sg *DistributedSparseGridUniform[T]) DataSizes() []int {
	return append([]int(nil), sg.dataSizes...)
}

// ApplyDataSizes overwrites every subspace's stripe size from a
// negotiated vector, releasing the backing buffer if any size changed.
func (sg *DistributedSparseGridUniform[T]) ApplyDataSizes(ds []int) error {
	if len(ds) != len(sg.dataSizes) {
		return fmt.Errorf("dsg: got %d data sizes, want %d", len(ds), len(sg.dataSizes))
	}
	for i, n := range ds {
		if n < 0 || n > sg.sizes[i] {
			return fmt.Errorf("dsg: data size %d for subspace %v out of range [0,%d]", n, sg.levels[i], sg.sizes[i])
		}
		if sg.raw != nil && sg.dataSizes[i] != n {
			sg.raw = nil
		}
		sg.dataSizes[i] = n
	}
	return nil
}

// CreateSubspaceData allocates the flat backing buffer: one
// zero-initialized stripe per subspace, concatenated in subspace order
// with no padding. Calling it on an already-allocated grid is a no-op,
// so a caller may use it to assert allocation before touching data.
func (sg *DistributedSparseGridUniform[T]) CreateSubspaceData() {
	if sg.raw != nil {
		return
	}
	total := 0
	for i, n := range sg.dataSizes {
		sg.offsets[i] = total
		total += n
	}
	sg.raw = make([]T, total)
}

// DeleteSubspaceData releases the backing buffer and invalidates every
// handed-out data slice, but retains the negotiated sizes so
// CreateSubspaceData can rebuild the grid zeroed for the next round.
func (sg *DistributedSparseGridUniform[T]) DeleteSubspaceData() {
	sg.raw = nil
}

// IsAllocated reports whether the backing buffer currently exists.
func (sg *DistributedSparseGridUniform[T]) IsAllocated() bool { return sg.raw != nil }

// GetData returns subspace l's stripe of the flat buffer, or nil if the
// buffer has not been allocated or this worker holds none of l. The
// slice aliases the backing buffer and is invalidated by SetDataSize,
// ApplyDataSizes and DeleteSubspaceData.
func (sg *DistributedSparseGridUniform[T]) GetData(l combidist.LevelVector) []T {
	i := sg.IndexOf(l)
	if i < 0 || sg.raw == nil || sg.dataSizes[i] == 0 {
		return nil
	}
	off := sg.offsets[i]
	return sg.raw[off : off+sg.dataSizes[i] : off+sg.dataSizes[i]]
}

// RawData returns the whole flat backing buffer, or nil before
// CreateSubspaceData — the buffer a whole-grid allreduce operates on.
func (sg *DistributedSparseGridUniform[T]) RawData() []T { return sg.raw }

// GetRawDataSize returns the total number of elements across every
// subspace stripe: the sum of all declared data sizes, which equals
// len(RawData()) whenever the buffer is allocated.
func (sg *DistributedSparseGridUniform[T]) GetRawDataSize() int {
	n := 0
	for _, d := range sg.dataSizes {
		n += d
	}
	return n
}

// ForEachAllocated calls f once per subspace with a non-empty stripe,
// in the grid's deterministic level order — the iteration order the
// per-subspace reduction depends on to line up collectives across
// ranks.
func (sg *DistributedSparseGridUniform[T]) ForEachAllocated(f func(l combidist.LevelVector, data []T)) {
	if sg.raw == nil {
		return
	}
	for i, l := range sg.levels {
		if sg.dataSizes[i] > 0 {
			off := sg.offsets[i]
			f(l, sg.raw[off:off+sg.dataSizes[i]:off+sg.dataSizes[i]])
		}
	}
}
