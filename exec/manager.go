// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"golang.org/x/sync/errgroup"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/sdc"
	"github.com/sgpp-go/combidist/task"
	"github.com/sgpp-go/combidist/topology"
)

// redeliveryPolicy backs off between re-sends of a signal to a worker
// that reported an Unavailable error (a transiently lost process-group
// member).
var redeliveryPolicy = retry.Backoff(50*time.Millisecond, time.Second, 1.5)

const maxRedeliveries = 3

// Group is one process group: every worker ranked within it, sharing
// one local communicator.
type Group struct {
	ID      int
	Workers []*ProcessGroupWorker
}

// Manager drives every process group through the combination-technique
// round cycle: it broadcasts one Signal at a time, waits for every
// worker to come back to WAIT or FAIL, and only then sends the next.
//
// Every group's workers run as goroutines within the same process, so
// "broadcasting a signal" is calling the corresponding handler on every
// worker concurrently and joining the results.
type Manager struct {
	System *topology.System
	Groups []*Group
	Params *combidist.CombiParameters

	// status surfaces combine-round and detection progress to an
	// embedding binary's status display; nil unless AttachStatus is
	// called.
	status *status.Group
}

// NewManager builds a manager over sys's topology, constructing one
// ProcessGroupWorker per (group, rank) pair.
func NewManager(sys *topology.System, params *combidist.CombiParameters) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.E(errors.Fatal, err)
	}
	if params.GroupSize() != sys.GroupSize {
		return nil, errors.E(errors.Fatal, fmt.Errorf("exec: decomposition implies group size %d, topology has %d", params.GroupSize(), sys.GroupSize))
	}
	groups := make([]*Group, sys.NumGroups)
	for g := 0; g < sys.NumGroups; g++ {
		workers := make([]*ProcessGroupWorker, sys.GroupSize)
		for r := 0; r < sys.GroupSize; r++ {
			// Only the first TeamSize positions of a group form its
			// node-local team; workers beyond that skip team
			// consolidation and combine as before.
			var team *topology.Communicator
			if sys.Team != nil && r < sys.TeamSize {
				team = sys.Team[g]
			}
			w, err := NewProcessGroupWorker(g, r, sys.Local[g], sys.GlobalReduce[r], team, params)
			if err != nil {
				return nil, err
			}
			workers[r] = w
		}
		groups[g] = &Group{ID: g, Workers: workers}
	}
	return &Manager{System: sys, Groups: groups, Params: params}, nil
}

// AttachStatus wires a status group an embedding binary polls for
// progress.
func (m *Manager) AttachStatus(s *status.Status) {
	if s == nil {
		return
	}
	m.status = s.Group("combidist")
}

// AddTask sends ADD_TASK to one group, assigning it a new task: each
// worker adopts its own decomposed partition of the task's grid (a
// caller building the partition per rank passes one *task.FuncTask per
// worker, already carrying that worker's own decomposition/rank),
// zeroed and marked finished so it joins the next combination round.
func (m *Manager) AddTask(ctx context.Context, groupID int, perWorkerTasks []*task.FuncTask) error {
	g, err := m.group(groupID)
	if err != nil {
		return err
	}
	if len(perWorkerTasks) != len(g.Workers) {
		return fmt.Errorf("exec: AddTask: got %d tasks, want one per worker (%d)", len(perWorkerTasks), len(g.Workers))
	}
	return m.broadcastGroup(ctx, AddTask, g, func(ctx context.Context, w *ProcessGroupWorker) error {
		return w.ReceiveTask(perWorkerTasks[w.Rank])
	})
}

func (m *Manager) group(id int) (*Group, error) {
	if id < 0 || id >= len(m.Groups) {
		return nil, fmt.Errorf("exec: unknown group %d", id)
	}
	return m.Groups[id], nil
}

// ownerGroup returns the group whose workers own task id.
func (m *Manager) ownerGroup(id combidist.TaskID) (*Group, error) {
	for _, g := range m.Groups {
		if _, ok := g.Workers[0].Tasks[id]; ok {
			return g, nil
		}
	}
	return nil, fmt.Errorf("exec: no group owns task %d", id)
}

// broadcast runs fn concurrently across every worker of every group,
// then waits for every worker to report WAIT or FAIL — the rendez-vous
// after which the manager may send the next signal. A worker reporting
// an Unavailable error (a transiently lost process) is redelivered the
// signal with backoff rather than immediately failing the whole round.
func (m *Manager) broadcast(ctx context.Context, signal Signal, fn func(ctx context.Context, w *ProcessGroupWorker) error) error {
	log.Printf("manager: broadcasting %v to %d groups", signal, len(m.Groups))
	if m.status != nil {
		m.status.Printf("%v: %d groups", signal, len(m.Groups))
	}
	var eg errgroup.Group
	for _, g := range m.Groups {
		g := g
		eg.Go(func() error {
			// The group's local-root receives the signal word from the
			// manager over the masters communicator before the group
			// handles it.
			topology.Bcast(m.System.Masters, m.System.MasterRankOf(g.ID), m.System.ManagerIndex, signal)
			return m.groupCall(ctx, signal, g, fn)()
		})
	}
	topology.Bcast(m.System.Masters, m.System.ManagerIndex, m.System.ManagerIndex, signal)
	err := eg.Wait()
	m.rendezvous(ctx, signal)
	if err != nil {
		return fmt.Errorf("exec: %v failed: %w", signal, err)
	}
	return nil
}

// broadcastGroup is broadcast scoped to a single group, for the signals
// (ADD_TASK, RECOMPUTE, REINIT_TASK) addressed to one task's owner.
func (m *Manager) broadcastGroup(ctx context.Context, signal Signal, g *Group, fn func(ctx context.Context, w *ProcessGroupWorker) error) error {
	log.Printf("manager: sending %v to group %d", signal, g.ID)
	err := m.groupCall(ctx, signal, g, fn)()
	m.rendezvous(ctx, signal)
	if err != nil {
		return fmt.Errorf("exec: %v failed: %w", signal, err)
	}
	return nil
}

// groupCall fans the signal out across one group: every worker first
// joins the intra-group broadcast of the signal word (the local-root
// supplies it), records what it received, then runs the handler.
func (m *Manager) groupCall(ctx context.Context, signal Signal, g *Group, fn func(ctx context.Context, w *ProcessGroupWorker) error) func() error {
	return func() error {
		var eg errgroup.Group
		for _, w := range g.Workers {
			w := w
			eg.Go(func() error {
				received := topology.Bcast(w.Local, w.Rank, 0, signal)
				w.recordSignal(received)
				return m.deliverWithRetry(ctx, received, w, fn)
			})
		}
		return eg.Wait()
	}
}

// rendezvous joins every worker's return to WAIT or FAIL and logs the
// failures; the manager drives recovery (RECOMPUTE, REINIT_TASK)
// rather than aborting on FAIL.
func (m *Manager) rendezvous(ctx context.Context, signal Signal) {
	failed := 0
	for _, g := range m.Groups {
		for _, w := range g.Workers {
			s, err := w.WaitIdle(ctx)
			if err != nil {
				return
			}
			if s == task.StatusFail {
				failed++
			}
		}
	}
	if failed > 0 {
		log.Error.Printf("manager: %v: %d workers report FAIL", signal, failed)
	}
}

// GroupStatuses returns each group's aggregated status: FAIL if any of
// its workers last reported FAIL, BUSY if any is still busy, WAIT
// otherwise.
func (m *Manager) GroupStatuses() []task.Status {
	out := make([]task.Status, len(m.Groups))
	for i, g := range m.Groups {
		agg := task.StatusWait
		for _, w := range g.Workers {
			w.mu.Lock()
			s := w.Status
			w.mu.Unlock()
			switch {
			case s == task.StatusFail:
				agg = task.StatusFail
			case s == task.StatusBusy && agg != task.StatusFail:
				agg = task.StatusBusy
			}
		}
		out[i] = agg
	}
	return out
}

// deliverWithRetry calls fn once, and again with backoff up to
// maxRedeliveries times while fn keeps reporting an Unavailable error.
func (m *Manager) deliverWithRetry(ctx context.Context, signal Signal, w *ProcessGroupWorker, fn func(ctx context.Context, w *ProcessGroupWorker) error) error {
	var err error
	for retries := 0; ; retries++ {
		err = fn(ctx, w)
		if err == nil || !errors.Is(errors.Unavailable, err) || retries >= maxRedeliveries {
			return err
		}
		log.Error.Printf("manager: group %d worker %d: %v redelivery %d after %v", w.GroupID, w.Rank, signal, retries+1, err)
		if werr := retry.Wait(ctx, redeliveryPolicy, retries); werr != nil {
			return err
		}
	}
}

// RunFirst broadcasts RUN_FIRST.
func (m *Manager) RunFirst(ctx context.Context) error {
	return m.broadcast(ctx, RunFirst, func(ctx context.Context, w *ProcessGroupWorker) error { return w.RunFirst(ctx) })
}

// RunNext broadcasts RUN_NEXT.
func (m *Manager) RunNext(ctx context.Context) error {
	return m.broadcast(ctx, RunNext, func(ctx context.Context, w *ProcessGroupWorker) error { return w.RunNext(ctx) })
}

// Combine broadcasts COMBINE. Entering the cross-group reduction is a
// global barrier: a group blocks there until every peer group has
// reached the same point, so when Combine returns every group holds the
// same combined sparse grid.
func (m *Manager) Combine(ctx context.Context) error {
	return m.broadcast(ctx, Combine, func(ctx context.Context, w *ProcessGroupWorker) error { return w.Combine(ctx) })
}

// UpdateCombiParameters broadcasts UPDATE_COMBI_PARAMETERS, replacing
// the scheme-wide parameters (and every task's coefficient) in every
// group.
func (m *Manager) UpdateCombiParameters(ctx context.Context, p *combidist.CombiParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := m.broadcast(ctx, UpdateCombiParameters, func(ctx context.Context, w *ProcessGroupWorker) error {
		return w.UpdateCombiParameters(p)
	}); err != nil {
		return err
	}
	m.Params = p
	return nil
}

// Recompute sends RECOMPUTE to one group: the group adopts the given
// task (one pre-decomposed copy per worker), seeds it from the current
// combined sparse grid, and runs it one step so it rejoins the next
// round — the recovery path for a task whose previous owner group was
// lost.
func (m *Manager) Recompute(ctx context.Context, groupID int, perWorkerTasks []*task.FuncTask) error {
	g, err := m.group(groupID)
	if err != nil {
		return err
	}
	if len(perWorkerTasks) != len(g.Workers) {
		return fmt.Errorf("exec: Recompute: got %d tasks, want one per worker (%d)", len(perWorkerTasks), len(g.Workers))
	}
	return m.broadcastGroup(ctx, Recompute, g, func(ctx context.Context, w *ProcessGroupWorker) error {
		return w.Recompute(ctx, perWorkerTasks[w.Rank])
	})
}

// ReinitTask sends REINIT_TASK to the group owning task id, replacing
// the task's state with the current combined sparse grid's projection —
// the recovery action after SearchSDC flags the task.
func (m *Manager) ReinitTask(ctx context.Context, id combidist.TaskID) error {
	g, err := m.ownerGroup(id)
	if err != nil {
		return err
	}
	return m.broadcastGroup(ctx, ReinitTask, g, func(ctx context.Context, w *ProcessGroupWorker) error {
		return w.ReinitTask(id)
	})
}

// GridEval sends GRID_EVAL to the group owning task id and returns the
// task's dense grid resampled to the requested level. GRID_EVAL is the
// one signal with no status rendez-vous: the gathered grid itself is
// the reply.
func (m *Manager) GridEval(ctx context.Context, id combidist.TaskID, level combidist.LevelVector) (*dfg.FullGrid[float64], error) {
	g, err := m.ownerGroup(id)
	if err != nil {
		return nil, err
	}
	log.Printf("manager: sending %v to group %d", GridEval, g.ID)
	fulls := make([]*dfg.FullGrid[float64], len(g.Workers))
	var eg errgroup.Group
	for ri, w := range g.Workers {
		ri, w := ri, w
		eg.Go(func() error {
			fg, err := w.GridEval(id)
			fulls[ri] = fg
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return dfg.Resample(fulls[0], level), nil
}

// SyncTasks broadcasts SYNC_TASKS: every group gathers its tasks' dense
// grids and the manager receives each task serialized with its
// in-progress solution — the checkpoint the embedding binary persists.
func (m *Manager) SyncTasks(ctx context.Context) (map[combidist.TaskID][]byte, error) {
	collected := make([]map[combidist.TaskID][]byte, len(m.Groups))
	err := m.broadcast(ctx, SyncTasks, func(ctx context.Context, w *ProcessGroupWorker) error {
		grids, err := w.LocalFullGrids()
		if err != nil {
			return err
		}
		if !topology.IsLocalRoot(w.Rank) {
			return nil
		}
		out := make(map[combidist.TaskID][]byte, len(grids))
		for id, fg := range grids {
			blob, err := task.EncodeBytes(w.Tasks[id], fg.Data)
			if err != nil {
				return err
			}
			out[id] = blob
		}
		collected[w.GroupID] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	all := make(map[combidist.TaskID][]byte)
	for _, c := range collected {
		for id, blob := range c {
			all[id] = blob
		}
	}
	return all, nil
}

// RunRounds drives the standard combination-technique loop: RUN_FIRST
// followed by one COMBINE, then numRounds-1 repetitions of
// (combineEvery-1 RUN_NEXT steps followed by one COMBINE), so numRounds
// COMBINE signals are sent in all.
func (m *Manager) RunRounds(ctx context.Context, numRounds, combineEvery int) error {
	if combineEvery < 1 {
		return fmt.Errorf("exec: combineEvery must be >= 1, got %d", combineEvery)
	}
	if err := m.RunFirst(ctx); err != nil {
		return err
	}
	if err := m.Combine(ctx); err != nil {
		return err
	}
	for round := 1; round < numRounds; round++ {
		for step := 1; step < combineEvery; step++ {
			if err := m.RunNext(ctx); err != nil {
				return err
			}
		}
		if err := m.Combine(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunRoundsAsync starts RunRounds on a detached goroutine rooted in
// backgroundcontext.Get() rather than a caller-supplied context, so the
// round loop keeps running after whatever request context started it
// has ended. The returned channel receives RunRounds' final error
// exactly once.
func (m *Manager) RunRoundsAsync(numRounds, combineEvery int) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.RunRounds(backgroundcontext.Get(), numRounds, combineEvery)
	}()
	return done
}

// SearchSDC broadcasts SEARCH_SDC: every group runs the distributed
// pair comparison over its own tasks, the manager pools the betas
// across groups, fits the robust regression, and marks every suspect
// task FAIL on its owning workers so the next rendez-vous reports the
// failure. The caller drives recovery with ReinitTask per suspect.
func (m *Manager) SearchSDC(ctx context.Context, numNearestNeighbors int) (*sdc.Report, error) {
	perGroup := make([][]sdc.Observation, len(m.Groups))
	err := m.broadcast(ctx, SearchSDC, func(ctx context.Context, w *ProcessGroupWorker) error {
		obs, err := w.ComparePairsDistributed(ctx, numNearestNeighbors)
		if err != nil {
			return err
		}
		// Observations are identical on every rank of the group; keep
		// the local root's copy.
		if topology.IsLocalRoot(w.Rank) {
			perGroup[w.GroupID] = obs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var obs []sdc.Observation
	var ids []combidist.TaskID
	for _, g := range m.Groups {
		for id := range g.Workers[0].Tasks {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, o := range perGroup {
		obs = append(obs, o...)
	}
	report := sdc.Analyze(ids, obs, m.Params.LMax)

	for _, id := range report.Flagged() {
		g, err := m.ownerGroup(id)
		if err != nil {
			continue
		}
		for _, w := range g.Workers {
			if t, ok := w.Tasks[id]; ok {
				t.SetStatus(task.StatusFail)
			}
			w.setStatus(task.StatusFail)
		}
	}
	log.Printf("manager: search_sdc: %s", sdc.TraceSummary(report.Observations))
	if m.status != nil {
		m.status.Printf("search_sdc: %d/%d tasks flagged", len(report.Flagged()), len(report.Results))
	}
	return report, nil
}

// Exit broadcasts EXIT, the final signal every worker receives before
// the manager tears down the topology.
func (m *Manager) Exit(ctx context.Context) error {
	return m.broadcast(ctx, Exit, func(ctx context.Context, w *ProcessGroupWorker) error {
		w.setStatus(task.StatusWait)
		return nil
	})
}
