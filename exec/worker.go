// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/base/sync/once"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/combicom"
	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/dsg"
	"github.com/sgpp-go/combidist/hierarchize"
	"github.com/sgpp-go/combidist/sdc"
	"github.com/sgpp-go/combidist/task"
	"github.com/sgpp-go/combidist/topology"
)

// registerKey identifies one (task, sparse-grid generation) pair, so a
// task's subspaces are declared against a given sparse grid at most
// once; UpdateCombiParameters bumps the generation when it rebuilds the
// grid.
type registerKey struct {
	id  combidist.TaskID
	gen int
}

// ProcessGroupWorker is one rank's view of a process group: the tasks
// that rank owns a partition of, the group-local sparse grid it
// accumulates combined surpluses into, and the combination-scheme
// parameters the manager last broadcast.
//
// Each exported method is the handler for one control signal; Manager
// maps a Signal to the method call and fans it out across the group.
type ProcessGroupWorker struct {
	GroupID int
	Rank    int
	Local   *topology.Communicator

	// GlobalReduce is the cross-group communicator joining this worker's
	// intra-group position with the same position in every other group,
	// the second leg of the two-level reduction: local within a group,
	// then global across groups for each subspace.
	GlobalReduce *topology.Communicator

	// Team is this worker's node-local sub-communicator within its group,
	// or nil if the worker isn't part of one — either because the run is
	// unteamed or its rank falls outside the team's positions. When
	// non-nil, Combine consolidates the team's stripes through the team
	// leader once per round.
	Team *topology.Communicator

	Params *combidist.CombiParameters
	Tasks  map[combidist.TaskID]*task.FuncTask
	SG     *dsg.DistributedSparseGridUniform[float64]
	sgGen  int

	// ReduceOpts configures both legs of Combine's reduction; an
	// embedding binary sets Nonblocking here from its
	// USE_NONBLOCKING_MPI_COLLECTIVE toggle.
	ReduceOpts combicom.Options

	mu      sync.Mutex
	cond    *ctxsync.Cond
	Status  task.Status
	signals []Signal

	registerOnce once.Map
}

// NewProcessGroupWorker builds a worker for the given rank within its
// group's local communicator, also joined to the cross-group
// globalReduce communicator for its intra-group position and (if
// non-nil) a team communicator, with no tasks yet assigned.
func NewProcessGroupWorker(groupID, rank int, local, globalReduce, team *topology.Communicator, params *combidist.CombiParameters) (*ProcessGroupWorker, error) {
	sg, err := dsg.NewDistributedSparseGridUniform[float64](params.Dim, params.LMin, params.CombineLMax(), params.Boundary)
	if err != nil {
		return nil, fmt.Errorf("exec: building group %d worker %d sparse grid: %w", groupID, rank, err)
	}
	w := &ProcessGroupWorker{
		GroupID:      groupID,
		Rank:         rank,
		Local:        local,
		GlobalReduce: globalReduce,
		Team:         team,
		Params:       params,
		Tasks:        make(map[combidist.TaskID]*task.FuncTask),
		SG:           sg,
		Status:       task.StatusWait,
	}
	w.cond = ctxsync.NewCond(&w.mu)
	return w, nil
}

// WaitIdle blocks until the worker's status is WAIT or FAIL (or ctx is
// done) — the rendez-vous the manager joins after each signal, since it
// may proceed only once every worker has stopped being BUSY.
func (w *ProcessGroupWorker) WaitIdle(ctx context.Context) (task.Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.Status == task.StatusBusy {
		if err := w.cond.Wait(ctx); err != nil {
			return w.Status, err
		}
	}
	return w.Status, nil
}

// recordSignal appends s to the worker's observed-signal sequence. The
// manager serializes signals per worker, so the sequence every worker
// records is a prefix of the manager's emitted sequence.
func (w *ProcessGroupWorker) recordSignal(s Signal) {
	w.mu.Lock()
	w.signals = append(w.signals, s)
	w.mu.Unlock()
}

// SignalLog returns a copy of every signal this worker has handled, in
// order.
func (w *ProcessGroupWorker) SignalLog() []Signal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Signal(nil), w.signals...)
}

func (w *ProcessGroupWorker) setStatus(s task.Status) {
	w.mu.Lock()
	w.Status = s
	w.cond.Broadcast()
	w.mu.Unlock()
}

// finish records the outcome of a signal handler in the worker's
// status: WAIT on success, FAIL on error.
func (w *ProcessGroupWorker) finish(err error) error {
	if err != nil {
		w.setStatus(task.StatusFail)
		return err
	}
	w.setStatus(task.StatusWait)
	return nil
}

// AddTask assigns ownership of t to this worker.
func (w *ProcessGroupWorker) AddTask(t *task.FuncTask) {
	w.Tasks[t.ID()] = t
}

// ReceiveTask handles ADD_TASK: the worker adopts its pre-decomposed
// copy of a new task with a zeroed grid, marked finished, so the task
// contributes nothing until it joins the next combination round.
func (w *ProcessGroupWorker) ReceiveTask(t *task.FuncTask) error {
	w.setStatus(task.StatusBusy)
	g := t.Grid()
	for i := range g.Data {
		g.Data[i] = 0
	}
	t.SetStatus(task.StatusWait)
	w.AddTask(t)
	return w.finish(nil)
}

// sortedTasks returns the worker's tasks ordered by ID. Every handler
// that issues collectives per task iterates in this order, so all ranks
// of the group enter the same collective for the same task.
func (w *ProcessGroupWorker) sortedTasks() []*task.FuncTask {
	out := make([]*task.FuncTask, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// RunFirst runs every owned task's first solve step.
func (w *ProcessGroupWorker) RunFirst(ctx context.Context) error {
	return w.runAll(ctx, func(t *task.FuncTask) error { return t.RunFirst(ctx) })
}

// RunNext runs every owned task's next solve step.
func (w *ProcessGroupWorker) RunNext(ctx context.Context) error {
	return w.runAll(ctx, func(t *task.FuncTask) error { return t.RunNext(ctx) })
}

func (w *ProcessGroupWorker) runAll(ctx context.Context, step func(*task.FuncTask) error) error {
	w.setStatus(task.StatusBusy)
	for _, t := range w.sortedTasks() {
		if err := step(t); err != nil {
			log.Error.Printf("group %d worker %d: task %d failed: %v", w.GroupID, w.Rank, t.ID(), err)
			return w.finish(err)
		}
	}
	return w.finish(nil)
}

// Combine runs one combination round over the worker's tasks:
//
//  1. discard the previous round's surpluses (sizes are retained, so
//     re-allocation is cheap)
//  2. declare every task's subspaces, then MAX-allreduce the subspace
//     data sizes first across the group and then across the group's
//     peers, so a subspace absent on some rank or group is allocated
//     zero-filled everywhere it must participate
//  3. allocate the flat backing buffer
//  4. hierarchize each task's grid and add it in, scaled by its
//     combination coefficient
//  5. (if teamed) round-trip the team's stripes through its leader
//  6. allreduce the sparse grid within the group, then across every
//     group at this rank's intra-group position
//  7. extract the combined surpluses back into each task's grid and
//     dehierarchize
//
// Tasks are visited in ID order throughout, so every rank of the group
// enters each collective for the same task.
func (w *ProcessGroupWorker) Combine(ctx context.Context) error {
	w.setStatus(task.StatusBusy)
	return w.finish(w.combine(ctx))
}

func (w *ProcessGroupWorker) combine(ctx context.Context) error {
	tasks := w.sortedTasks()
	w.SG.DeleteSubspaceData()
	for _, t := range tasks {
		g := t.Grid()
		key := registerKey{id: t.ID(), gen: w.sgGen}
		if err := w.registerOnce.Do(key, func() error { return combicom.RegisterUniformSG(g, w.SG) }); err != nil {
			return err
		}
	}
	if err := combicom.NegotiateDataSizes(w.SG, w.Local, w.Rank); err != nil {
		return err
	}
	if err := combicom.NegotiateDataSizes(w.SG, w.GlobalReduce, w.GroupID); err != nil {
		return err
	}
	w.SG.CreateSubspaceData()

	for _, t := range tasks {
		g := t.Grid()
		if err := hierarchize.Hierarchize(g, w.Local, w.Rank); err != nil {
			return err
		}
		if err := combicom.AddToUniformSG(g, w.SG, t.Coefficient()); err != nil {
			return err
		}
	}
	// Round-trip the team's stripes through its leader before either
	// reduce touches the network. Gather and scatter are mutual
	// inverses, so the consolidation leaves the sparse grid bitwise
	// intact for the reduction that follows.
	if w.Team != nil {
		gathered, err := combicom.TeamGather(w.SG, w.Team, w.Rank)
		if err != nil {
			return err
		}
		if err := combicom.TeamScatter(w.SG, w.Team, w.Rank, gathered); err != nil {
			return err
		}
	}
	if err := combicom.Reduce(w.SG, w.Local, w.Rank, w.ReduceOpts); err != nil {
		return err
	}
	if err := combicom.Reduce(w.SG, w.GlobalReduce, w.GroupID, w.ReduceOpts); err != nil {
		return err
	}
	for _, t := range tasks {
		g := t.Grid()
		if err := combicom.ExtractFromUniformSG(g, w.SG); err != nil {
			return err
		}
		if err := hierarchize.Dehierarchize(g, w.Local, w.Rank); err != nil {
			return err
		}
	}
	return nil
}

// CombineFG refreshes one task's grid straight from another task's by
// resampling, bypassing the sparse grid and the group reduction.
func (w *ProcessGroupWorker) CombineFG(ctx context.Context, from, to combidist.TaskID) error {
	src, ok := w.Tasks[from]
	if !ok {
		return fmt.Errorf("exec: CombineFG: unknown source task %d", from)
	}
	dst, ok := w.Tasks[to]
	if !ok {
		return fmt.Errorf("exec: CombineFG: unknown destination task %d", to)
	}
	srcFull, err := combicom.GatherFullGrid(src.Grid(), w.Local, w.Rank)
	if err != nil {
		return err
	}
	dstGrid := dst.Grid()
	dstSizes := dstGrid.LocalSizes()
	srcSizes := srcFull.Sizes()
	total := dstSizes.Product()
	idx := make(combidist.IndexVector, len(dstSizes))
	for n := 0; n < total; n++ {
		rem := n
		for i := len(dstSizes) - 1; i >= 0; i-- {
			idx[i] = rem % dstSizes[i]
			rem /= dstSizes[i]
		}
		srcIdx := make(combidist.IndexVector, len(idx))
		for i := range idx {
			global := idx[i] + dstGrid.LocalOffset()[i]
			if srcSizes[i] <= 1 || dstGrid.GlobalSizes()[i] <= 1 {
				srcIdx[i] = 0
				continue
			}
			srcIdx[i] = global * (srcSizes[i] - 1) / (dstGrid.GlobalSizes()[i] - 1)
		}
		dstGrid.Data[dstGrid.LinearIndex(idx)] = srcFull.Data[srcFull.LinearIndex(srcIdx)]
	}
	return nil
}

// GridEval gathers task id's full grid onto every rank of the group;
// the manager resamples the local root's copy to the requested level.
// Every rank of the group must call it together.
func (w *ProcessGroupWorker) GridEval(id combidist.TaskID) (*dfg.FullGrid[float64], error) {
	t, ok := w.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("exec: GridEval: unknown task %d", id)
	}
	return combicom.GatherFullGrid(t.Grid(), w.Local, w.Rank)
}

// UpdateCombiParameters replaces the worker's scheme parameters and
// rebuilds its (now-stale) sparse grid to match the new lmin/lmax.
func (w *ProcessGroupWorker) UpdateCombiParameters(p *combidist.CombiParameters) error {
	w.setStatus(task.StatusBusy)
	sg, err := dsg.NewDistributedSparseGridUniform[float64](p.Dim, p.LMin, p.CombineLMax(), p.Boundary)
	if err != nil {
		return w.finish(err)
	}
	w.Params = p
	w.SG = sg
	w.sgGen++
	w.registerOnce = once.Map{}
	for _, t := range w.Tasks {
		t.SetCoefficient(p.Coeff(t.ID()))
	}
	return w.finish(nil)
}

// SyncTasks is the receiving half of task migration: it accepts a batch
// of deserialized tasks (e.g. from a group being decommissioned after a
// fault) and binds their solvers.
func (w *ProcessGroupWorker) SyncTasks(incoming []*task.FuncTask) error {
	for _, t := range incoming {
		if err := t.BindSolver(); err != nil {
			return err
		}
		w.AddTask(t)
	}
	return nil
}

// seedFromSG overwrites g with the projection of the current combined
// sparse grid: zero, then extract surpluses, then dehierarchize. Every
// rank of the group must call it together. Before the first combine
// round the sparse grid holds nothing and the grid is simply zeroed.
func (w *ProcessGroupWorker) seedFromSG(g *dfg.DistributedFullGrid[float64]) error {
	for i := range g.Data {
		g.Data[i] = 0
	}
	if !w.SG.IsAllocated() {
		return nil
	}
	if err := combicom.ExtractFromUniformSG(g, w.SG); err != nil {
		return err
	}
	return hierarchize.Dehierarchize(g, w.Local, w.Rank)
}

// Recompute re-adopts a task lost with its previous owner group: the
// worker takes ownership, seeds the task's grid from the current
// combined sparse grid, and runs it forward one step so it rejoins the
// next combination round.
func (w *ProcessGroupWorker) Recompute(ctx context.Context, t *task.FuncTask) error {
	w.setStatus(task.StatusBusy)
	w.AddTask(t)
	if err := w.seedFromSG(t.Grid()); err != nil {
		return w.finish(err)
	}
	return w.finish(t.RunNext(ctx))
}

// ReinitTask discards task id's solution and replaces it with the
// current combined sparse grid's projection, the recovery action for a
// task flagged as silently corrupted.
func (w *ProcessGroupWorker) ReinitTask(id combidist.TaskID) error {
	w.setStatus(task.StatusBusy)
	t, ok := w.Tasks[id]
	if !ok {
		return w.finish(fmt.Errorf("exec: ReinitTask: unknown task %d", id))
	}
	if err := w.seedFromSG(t.Grid()); err != nil {
		return w.finish(err)
	}
	t.SetStatus(task.StatusWait)
	return w.finish(nil)
}

// ComparePairsDistributed runs the distributed pair comparison over the
// worker's own tasks: k-nearest pairing in level space, then one beta
// per pair measured on the decomposed grids in place. Every rank of the
// group must call it together; the observations are identical on every
// rank, so the manager reads them from the local root.
func (w *ProcessGroupWorker) ComparePairsDistributed(ctx context.Context, numNearestNeighbors int) ([]sdc.Observation, error) {
	tasks := w.sortedTasks()
	pairs := sdc.GeneratePairs(tasks, numNearestNeighbors)
	grids := make(map[combidist.TaskID]*dfg.DistributedFullGrid[float64], len(tasks))
	for _, t := range tasks {
		grids[t.ID()] = t.Grid()
	}
	obs, _, err := sdc.ComparePairsDistributed(ctx, grids, pairs, w.Local, w.Rank)
	return obs, err
}

// LocalFullGrids gathers every task this worker owns into a dense grid,
// keyed by task ID — the building block for checkpointing (SyncTasks'
// sending half) and for the serial detection fallback. Every rank of
// the group must call it together.
func (w *ProcessGroupWorker) LocalFullGrids() (map[combidist.TaskID]*dfg.FullGrid[float64], error) {
	out := make(map[combidist.TaskID]*dfg.FullGrid[float64], len(w.Tasks))
	for _, t := range w.sortedTasks() {
		fg, err := combicom.GatherFullGrid(t.Grid(), w.Local, w.Rank)
		if err != nil {
			return nil, err
		}
		out[t.ID()] = fg
	}
	return out, nil
}
