// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsg

import (
	"testing"

	"github.com/sgpp-go/combidist"
)

// TestNewDistributedSparseGridUniformEnumeratesClassicalTruncation checks
// the classical sparse-grid truncation (lmin<=l<=lmax and sum(l) <=
// n+d-1, n derived from lmin/lmax) rather than the full lmin..lmax box:
// for lmin=(1,1), lmax=(2,3) this works out to n=2, so only (1,1), (1,2)
// and (2,1) qualify — (2,2), (2,3) and (1,3) exceed the sum budget.
func TestNewDistributedSparseGridUniformEnumeratesClassicalTruncation(t *testing.T) {
	lmin := combidist.LevelVector{1, 1}
	lmax := combidist.LevelVector{2, 3}
	sg, err := NewDistributedSparseGridUniform[float64](2, lmin, lmax, combidist.Boundary{false, false})
	if err != nil {
		t.Fatal(err)
	}
	want := []combidist.LevelVector{{1, 1}, {1, 2}, {2, 1}}
	if len(sg.Levels()) != len(want) {
		t.Fatalf("got %d subspaces, want %d (%v)", len(sg.Levels()), len(want), want)
	}
	for _, l := range want {
		if sg.IndexOf(l) < 0 {
			t.Fatalf("expected subspace %v not found", l)
		}
	}
	for _, l := range sg.Levels() {
		if l.Sum() > 3 { // n+d-1 = 2+2-1
			t.Fatalf("subspace %v exceeds the sparse-grid sum truncation n+d-1=3", l)
		}
	}
}

func TestNewDistributedSparseGridUniformRejectsBadBounds(t *testing.T) {
	lmin := combidist.LevelVector{3}
	lmax := combidist.LevelVector{1}
	if _, err := NewDistributedSparseGridUniform[float64](1, lmin, lmax, combidist.Boundary{false}); err == nil {
		t.Fatal("want error when lmin > lmax")
	}
}

func TestSubspaceDataLifecycle(t *testing.T) {
	sg, err := NewDistributedSparseGridUniform[float64](1, combidist.LevelVector{1}, combidist.LevelVector{3}, combidist.Boundary{true})
	if err != nil {
		t.Fatal(err)
	}
	l := combidist.LevelVector{2}
	if sg.GetData(l) != nil {
		t.Fatal("want nil before SetDataSize and CreateSubspaceData")
	}
	if sg.GetDataSize(l) != 0 {
		t.Fatalf("GetDataSize before registration = %d, want 0", sg.GetDataSize(l))
	}
	if err := sg.SetDataSize(l, sg.SizeOf(l)); err != nil {
		t.Fatal(err)
	}
	sg.CreateSubspaceData()
	data := sg.GetData(l)
	if len(data) != sg.SizeOf(l) {
		t.Fatalf("allocated %d elements, want %d", len(data), sg.SizeOf(l))
	}
	data[0] = 42
	if sg.GetData(l)[0] != 42 {
		t.Fatal("GetData should return the same backing stripe")
	}
	if sg.GetRawDataSize() != sg.SizeOf(l) {
		t.Fatalf("GetRawDataSize = %d, want %d", sg.GetRawDataSize(), sg.SizeOf(l))
	}
	if len(sg.RawData()) != sg.GetRawDataSize() {
		t.Fatalf("len(RawData) = %d, want GetRawDataSize = %d", len(sg.RawData()), sg.GetRawDataSize())
	}

	sg.DeleteSubspaceData()
	if sg.GetData(l) != nil {
		t.Fatal("want nil after DeleteSubspaceData")
	}
	if sg.GetDataSize(l) != sg.SizeOf(l) {
		t.Fatal("DeleteSubspaceData should retain negotiated sizes")
	}
	// Re-creation restores a zeroed stripe of the retained size.
	sg.CreateSubspaceData()
	if got := sg.GetData(l); len(got) != sg.SizeOf(l) || got[0] != 0 {
		t.Fatalf("re-created stripe = %v, want zeroed length %d", got, sg.SizeOf(l))
	}
}

// TestFlatBufferConcatenatesStripesInOrder pins the backing-buffer
// layout: stripes appear in subspace order, with no padding, and the
// sum of data sizes equals the raw size.
func TestFlatBufferConcatenatesStripesInOrder(t *testing.T) {
	sg, err := NewDistributedSparseGridUniform[float64](1, combidist.LevelVector{1}, combidist.LevelVector{3}, combidist.Boundary{false})
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, l := range sg.Levels() {
		if err := sg.SetDataSize(l, sg.SizeOf(l)); err != nil {
			t.Fatal(err)
		}
		total += sg.SizeOf(l)
	}
	sg.CreateSubspaceData()
	if sg.GetRawDataSize() != total {
		t.Fatalf("GetRawDataSize = %d, want %d", sg.GetRawDataSize(), total)
	}
	// Mark each stripe with its subspace index and check the raw buffer
	// holds the marks contiguously, in level order.
	for i, l := range sg.Levels() {
		stripe := sg.GetData(l)
		for j := range stripe {
			stripe[j] = float64(i + 1)
		}
	}
	raw := sg.RawData()
	pos := 0
	for i, l := range sg.Levels() {
		for k := 0; k < sg.GetDataSize(l); k++ {
			if raw[pos] != float64(i+1) {
				t.Fatalf("raw[%d] = %v, want stripe mark %d", pos, raw[pos], i+1)
			}
			pos++
		}
	}
	if pos != len(raw) {
		t.Fatalf("stripes cover %d elements, raw buffer has %d", pos, len(raw))
	}
}

func TestSetDataSizeInvalidatesAllocation(t *testing.T) {
	sg, err := NewDistributedSparseGridUniform[float64](1, combidist.LevelVector{1}, combidist.LevelVector{2}, combidist.Boundary{true})
	if err != nil {
		t.Fatal(err)
	}
	l := combidist.LevelVector{1}
	if err := sg.SetDataSize(l, 1); err != nil {
		t.Fatal(err)
	}
	sg.CreateSubspaceData()
	if !sg.IsAllocated() {
		t.Fatal("want allocated after CreateSubspaceData")
	}
	if err := sg.SetDataSize(l, sg.SizeOf(l)); err != nil {
		t.Fatal(err)
	}
	if sg.IsAllocated() {
		t.Fatal("changing a data size should release the backing buffer")
	}
}

func TestSetDataSizeRejectsOversize(t *testing.T) {
	sg, err := NewDistributedSparseGridUniform[float64](1, combidist.LevelVector{1}, combidist.LevelVector{2}, combidist.Boundary{false})
	if err != nil {
		t.Fatal(err)
	}
	l := combidist.LevelVector{2}
	if err := sg.SetDataSize(l, sg.SizeOf(l)+1); err == nil {
		t.Fatal("want error for data size exceeding the subspace size")
	}
}

func TestSetSizeBoundaryWidensLevelOne(t *testing.T) {
	l := combidist.LevelVector{1, 2}
	withBoundary := setSize(l, combidist.Boundary{true, true})
	withoutBoundary := setSize(l, combidist.Boundary{false, false})
	if withBoundary <= withoutBoundary {
		t.Fatalf("boundary size %d should exceed non-boundary size %d", withBoundary, withoutBoundary)
	}
}

// TestSingleFullGridWhenBoundsCoincide: with lmin == lmax the subspace
// set collapses to the single level vector, the degenerate scheme where
// the sparse grid is one full grid.
func TestSingleFullGridWhenBoundsCoincide(t *testing.T) {
	l := combidist.LevelVector{1, 1}
	sg, err := NewDistributedSparseGridUniform[float64](2, l, l, combidist.Boundary{true, true})
	if err != nil {
		t.Fatal(err)
	}
	if sg.NumSubspaces() != 1 {
		t.Fatalf("got %d subspaces, want 1", sg.NumSubspaces())
	}
	if !sg.Levels()[0].Equal(l) {
		t.Fatalf("subspace = %v, want %v", sg.Levels()[0], l)
	}
}

func TestForEachAllocatedOnlyVisitsRegistered(t *testing.T) {
	sg, err := NewDistributedSparseGridUniform[float64](1, combidist.LevelVector{1}, combidist.LevelVector{2}, combidist.Boundary{false})
	if err != nil {
		t.Fatal(err)
	}
	if err := sg.SetDataSize(combidist.LevelVector{1}, sg.SizeOf(combidist.LevelVector{1})); err != nil {
		t.Fatal(err)
	}
	sg.CreateSubspaceData()
	count := 0
	sg.ForEachAllocated(func(l combidist.LevelVector, data []float64) {
		count++
		if !l.Equal(combidist.LevelVector{1}) {
			t.Fatalf("visited unexpected level %v", l)
		}
	})
	if count != 1 {
		t.Fatalf("ForEachAllocated visited %d subspaces, want 1", count)
	}
}
