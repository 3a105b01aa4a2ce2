// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sdc

import (
	"context"
	"math"
	"sort"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/combicom"
	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/dsg"
	"github.com/sgpp-go/combidist/hierarchize"
	"github.com/sgpp-go/combidist/topology"
)

// BetaCell names the sparse-grid entry where a pair's largest-magnitude
// hierarchical difference occurred.
type BetaCell struct {
	Level combidist.LevelVector
	Index int
}

// betaCandidate travels through the allreduce that picks each pair's
// (and then the round's) dominant difference cell.
type betaCandidate struct {
	value float64
	level combidist.LevelVector
	index int
}

// ComparePairsDistributed measures every pair's beta on the decomposed
// grids in place: each pair's two grids are hierarchized, added into a
// fresh temporary sparse grid with coefficients +1 and -1, and the
// largest-magnitude entry over their common subspaces is the pair's
// beta. The round then picks the cell where the globally largest beta
// occurred and re-evaluates every pair at exactly that cell, so all
// betas are comparable before the regression. The grids are
// dehierarchized before return, leaving every task's nodal values
// untouched.
//
// Every rank of comm must call it together with the same pair list; the
// returned observations are identical on every rank. The second return
// value is the dominant cell, for diagnostics.
func ComparePairsDistributed(ctx context.Context, grids map[combidist.TaskID]*dfg.DistributedFullGrid[float64], pairs []Pair, comm *topology.Communicator, rank int) ([]Observation, BetaCell, error) {
	involved := involvedIDs(grids, pairs)
	for _, id := range involved {
		if err := hierarchize.Hierarchize(grids[id], comm, rank); err != nil {
			return nil, BetaCell{}, err
		}
	}
	// Dehierarchization must run even if a pair errors out, or the
	// tasks would be left holding surpluses instead of nodal values.
	restore := func() error {
		for _, id := range involved {
			if err := hierarchize.Dehierarchize(grids[id], comm, rank); err != nil {
				return err
			}
		}
		return nil
	}

	obs := make([]Observation, 0, len(pairs))
	cells := make([]betaCandidate, 0, len(pairs))
	for _, p := range pairs {
		gi, gj := grids[p.I], grids[p.J]
		if gi == nil || gj == nil {
			continue
		}
		sg, err := pairDifference(gi, gj)
		if err != nil {
			restore()
			return nil, BetaCell{}, err
		}
		local := betaCandidate{index: -1}
		sg.ForEachAllocated(func(l combidist.LevelVector, data []float64) {
			for i, v := range data {
				local = maxAbsCandidate(local, betaCandidate{value: v, level: l, index: i})
			}
		})
		agreed := topology.Allreduce(comm, rank, local, maxAbsCandidate)
		obs = append(obs, Observation{
			Pair:   p,
			LevelI: gi.Level.Clone(),
			LevelJ: gj.Level.Clone(),
			Diff:   gi.Level.Sub(gj.Level),
			Beta:   agreed.value,
		})
		cells = append(cells, agreed)
	}

	// The round's dominant cell: where the largest |beta| of any pair
	// occurred. Identical on every rank, since each pair's candidate
	// already went through an allreduce.
	dominant := betaCandidate{index: -1}
	for _, c := range cells {
		dominant = maxAbsCandidate(dominant, c)
	}
	cell := BetaCell{Index: dominant.index}
	if dominant.index >= 0 {
		cell.Level = dominant.level.Clone()
		// Re-evaluate every pair at the dominant cell. Each sparse-grid
		// entry is written by exactly one rank's local points, so a SUM
		// allreduce recovers the full value; pairs whose common
		// subspaces do not include the cell keep beta 0 there.
		for i := range obs {
			gi, gj := grids[obs[i].Pair.I], grids[obs[i].Pair.J]
			sg, err := pairDifference(gi, gj)
			if err != nil {
				restore()
				return nil, BetaCell{}, err
			}
			mine := 0.0
			if data := sg.GetData(cell.Level); data != nil && cell.Index < len(data) {
				mine = data[cell.Index]
			}
			obs[i].Beta = topology.Allreduce(comm, rank, mine, func(a, b float64) float64 { return a + b })
		}
	}

	if err := restore(); err != nil {
		return nil, BetaCell{}, err
	}
	return obs, cell, nil
}

// pairDifference builds a temporary sparse grid over the two grids'
// common subspaces and accumulates gi - gj into it. Both grids must
// already be hierarchized.
func pairDifference(gi, gj *dfg.DistributedFullGrid[float64]) (*dsg.DistributedSparseGridUniform[float64], error) {
	dim := gi.Level.Dim()
	lmin := make(combidist.LevelVector, dim)
	for i := range lmin {
		lmin[i] = 1
	}
	common := gi.Level.Min(gj.Level)
	sg, err := dsg.NewDistributedSparseGridUniform[float64](dim, lmin, common, gi.Boundary)
	if err != nil {
		return nil, err
	}
	if err := combicom.RegisterUniformSG(gi, sg); err != nil {
		return nil, err
	}
	if err := combicom.RegisterUniformSG(gj, sg); err != nil {
		return nil, err
	}
	sg.CreateSubspaceData()
	if err := combicom.AddToUniformSG(gi, sg, 1.0); err != nil {
		return nil, err
	}
	if err := combicom.AddToUniformSG(gj, sg, -1.0); err != nil {
		return nil, err
	}
	return sg, nil
}

// maxAbsCandidate picks the candidate with the larger magnitude,
// breaking ties deterministically by level key then index so every rank
// reduces to the same winner.
func maxAbsCandidate(a, b betaCandidate) betaCandidate {
	if a.index < 0 {
		return b
	}
	if b.index < 0 {
		return a
	}
	av, bv := math.Abs(a.value), math.Abs(b.value)
	ak, bk := a.level.Key(), b.level.Key()
	switch {
	case av > bv:
		return a
	case bv > av:
		return b
	case ak < bk:
		return a
	case bk < ak:
		return b
	case a.index <= b.index:
		return a
	default:
		return b
	}
}

func involvedIDs(grids map[combidist.TaskID]*dfg.DistributedFullGrid[float64], pairs []Pair) []combidist.TaskID {
	seen := make(map[combidist.TaskID]bool)
	var out []combidist.TaskID
	for _, p := range pairs {
		for _, id := range []combidist.TaskID{p.I, p.J} {
			if grids[id] != nil && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

