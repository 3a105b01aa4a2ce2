// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sdc implements silent-data-corruption detection across a
// round's component grids: nearest-neighbour pairing in level space,
// pairwise comparison yielding one beta value per pair, a robust
// regression predicting each pair's expected beta from its level
// difference, and a voting rule that flags individual tasks whose
// observed betas consistently break that prediction.
//
// Two comparison paths produce the observations. ComparePairsDistributed
// works on the decomposed grids in place, measuring each pair's beta as
// the largest-magnitude entry of the pair's hierarchical difference, and
// is the production path. Detect is the serial fallback: it compares
// gathered dense grids on a single rank, for topologies where the
// distributed path is unavailable.
package sdc

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/grailbio/base/limiter"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/task"
)

// maxConcurrentPairs bounds how many ComputeBeta calls run at once in
// the serial fallback: a round with many tasks and a generous
// nearest-neighbor count can generate hundreds of pairs, each
// resampling a potentially large fine grid.
const maxConcurrentPairs = 8

// Pair identifies two tasks compared by the detector.
type Pair struct {
	I, J combidist.TaskID
}

// Observation is one compared pair's levels, measured beta, and (after
// Analyze) its standardized regression residual.
type Observation struct {
	Pair     Pair
	LevelI   combidist.LevelVector
	LevelJ   combidist.LevelVector
	Diff     combidist.LevelVector // LevelI - LevelJ
	Beta     float64
	Residual float64
}

// Betas maps a compared pair of component-grid levels to the pair's
// measured beta. It is repopulated on every detection round and cleared
// afterwards by the caller.
type Betas map[[2]string]float64

// MakeBetas indexes a round's observations by their level pair.
func MakeBetas(obs []Observation) Betas {
	b := make(Betas, len(obs))
	for _, o := range obs {
		b[[2]string{o.LevelI.Key(), o.LevelJ.Key()}] = o.Beta
	}
	return b
}

// Clear empties the map in place for the next round.
func (b Betas) Clear() {
	for k := range b {
		delete(b, k)
	}
}

// GeneratePairs returns, for every task, its k nearest neighbours by L1
// distance in level space, deduplicated into undirected pairs. Because
// each task contributes its own k nearest pairs before deduplication,
// every task appears in at least k pairs whenever it has k comparable
// peers.
func GeneratePairs(tasks []*task.FuncTask, k int) []Pair {
	type neighbor struct {
		id   combidist.TaskID
		dist int
	}
	seen := make(map[Pair]bool)
	var pairs []Pair
	for _, ti := range tasks {
		neighbors := make([]neighbor, 0, len(tasks)-1)
		for _, tj := range tasks {
			if tj.ID() == ti.ID() {
				continue
			}
			neighbors = append(neighbors, neighbor{tj.ID(), ti.Level().Sub(tj.Level()).L1()})
		}
		sort.Slice(neighbors, func(a, b int) bool {
			if neighbors[a].dist != neighbors[b].dist {
				return neighbors[a].dist < neighbors[b].dist
			}
			return neighbors[a].id < neighbors[b].id
		})
		if k < len(neighbors) {
			neighbors = neighbors[:k]
		}
		for _, nb := range neighbors {
			p := orderedPair(ti.ID(), nb.id)
			if !seen[p] {
				seen[p] = true
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

func orderedPair(a, b combidist.TaskID) Pair {
	if a < b {
		return Pair{a, b}
	}
	return Pair{b, a}
}

// ComputeBeta compares two dense grids of possibly different
// resolutions by sampling the finer grid at the coarser grid's points
// and returning the RMS difference — the serial fallback's beta metric,
// cheaper than the hierarchical-difference measurement the distributed
// path performs but serving the same role in the regression.
func ComputeBeta(gi, gj *dfg.FullGrid[float64]) float64 {
	coarse, fine := gi, gj
	if fine.Sizes().Product() < coarse.Sizes().Product() {
		coarse, fine = fine, coarse
	}
	cs := coarse.Sizes()
	fs := fine.Sizes()

	sum := 0.0
	n := 0
	idx := make(combidist.IndexVector, len(cs))
	total := cs.Product()
	for t := 0; t < total; t++ {
		rem := t
		for i := len(cs) - 1; i >= 0; i-- {
			idx[i] = rem % cs[i]
			rem /= cs[i]
		}
		fidx := make(combidist.IndexVector, len(idx))
		for i := range idx {
			if cs[i] <= 1 {
				fidx[i] = 0
				continue
			}
			fidx[i] = (idx[i]*(fs[i]-1) + (cs[i]-1)/2) / (cs[i] - 1)
		}
		d := coarse.Data[coarse.LinearIndex(idx)] - fine.Data[fine.LinearIndex(fidx)]
		sum += d * d
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// Result is the detector's verdict for a single task.
type Result struct {
	ID      combidist.TaskID
	Flagged bool
	Votes   int
}

// Report is one detection round's complete output: per-task verdicts,
// the observations with standardized residuals filled in, the fitted
// regression coefficients, and the betas keyed by level pair.
type Report struct {
	Results      []Result
	Observations []Observation
	Coefficients []float64
	Betas        Betas
}

// Flagged returns the IDs of every task the round marked as an SDC
// suspect.
func (r *Report) Flagged() []combidist.TaskID {
	var out []combidist.TaskID
	for _, res := range r.Results {
		if res.Flagged {
			out = append(out, res.ID)
		}
	}
	return out
}

// Analyze runs the regression-and-voting half of the detector over a
// round's observations, however they were measured.
//
// The model predicts beta_{t,s} = sum_d D_d(l_t[d])*h_t[d]^2 -
// sum_d D_d(l_s[d])*h_s[d]^2 with h[d] = 2^-l[d] and one unknown
// D_d(l) per (axis, level) pair, fitted by robust M-regression.
// Residuals are standardized twice: first by the least-median-of-squares
// scale s0 = 1.4826*(1+5/(n-p-1))*sqrt(median(r^2)), then by the robust
// scale s* computed from only the residuals with |r/s0| <= 2.5. A pair
// is anomalous when its final standardized residual exceeds 2.5 in
// magnitude; a task is a suspect when it appears in at least two
// anomalous pairs, or in exactly one when only one pair is anomalous
// overall.
func Analyze(ids []combidist.TaskID, obs []Observation, lmax combidist.LevelVector) *Report {
	report := &Report{Observations: obs, Betas: MakeBetas(obs)}
	if len(obs) == 0 {
		for _, id := range ids {
			report.Results = append(report.Results, Result{ID: id})
		}
		return report
	}

	coeffs, standardized := fitAndStandardize(obs, lmax)
	report.Coefficients = coeffs
	anomalous := 0
	for i := range obs {
		obs[i].Residual = standardized[i]
		if math.Abs(standardized[i]) > residualThreshold {
			anomalous++
		}
	}
	report.Observations = obs

	votes := make(map[combidist.TaskID]int)
	for _, o := range obs {
		if math.Abs(o.Residual) > residualThreshold {
			votes[o.Pair.I]++
			votes[o.Pair.J]++
		}
	}
	for _, id := range ids {
		v := votes[id]
		flagged := v >= 2 || (v == 1 && anomalous == 1)
		report.Results = append(report.Results, Result{ID: id, Flagged: flagged, Votes: v})
	}
	return report
}

// Detect is the serial fallback: it generates pairs, measures each beta
// by resampling gathered dense grids, and analyzes the observations.
// The per-pair comparisons are independent, so they run concurrently
// under a limiter.
func Detect(ctx context.Context, tasks []*task.FuncTask, grids map[combidist.TaskID]*dfg.FullGrid[float64], numNearestNeighbors int, lmax combidist.LevelVector) *Report {
	pairs := GeneratePairs(tasks, numNearestNeighbors)
	byID := make(map[combidist.TaskID]*task.FuncTask, len(tasks))
	ids := make([]combidist.TaskID, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID()] = t
		ids = append(ids, t.ID())
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	lim := limiter.New()
	lim.Release(maxConcurrentPairs)
	measured := make([]*Observation, len(pairs))
	var wg sync.WaitGroup
	for i, p := range pairs {
		ti, tj := byID[p.I], byID[p.J]
		gi, gj := grids[p.I], grids[p.J]
		if ti == nil || tj == nil || gi == nil || gj == nil {
			continue
		}
		i, p, ti, tj, gi, gj := i, p, ti, tj, gi, gj
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lim.Acquire(ctx, 1); err != nil {
				return
			}
			defer lim.Release(1)
			measured[i] = &Observation{
				Pair:   p,
				LevelI: ti.Level(),
				LevelJ: tj.Level(),
				Diff:   ti.Level().Sub(tj.Level()),
				Beta:   ComputeBeta(gi, gj),
			}
		}()
	}
	wg.Wait()
	var obs []Observation
	for _, o := range measured {
		if o != nil {
			obs = append(obs, *o)
		}
	}
	return Analyze(ids, obs, lmax)
}
