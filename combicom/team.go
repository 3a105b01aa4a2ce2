// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package combicom

import (
	"fmt"

	"github.com/sgpp-go/combidist/dfg"
	"github.com/sgpp-go/combidist/dsg"
	"github.com/sgpp-go/combidist/topology"
)

// TeamSparseGrid holds one team leader's consolidated view of a sparse
// grid's allocated subspaces, keyed by LevelVector.Key(): each entry
// concatenates every team member's stripe for that subspace in member
// order. Consolidation does not change which ranks take part in a later
// reduction: TeamScatter hands every member its own stripes back, and
// each member keeps its own copy of sg.
type TeamSparseGrid[T dsg.Number] map[string][]T

// TeamGather consolidates every team member's copy of sg's currently
// allocated subspaces into one contiguous buffer per subspace on the
// team leader (team rank 0). Every rank must call it together; only the
// leader's return value is non-nil. When team is nil or has a single
// member, team gather/scatter is a no-op and TeamGather returns nil
// unconditionally.
func TeamGather[T dfg.Number](sg *dsg.DistributedSparseGridUniform[T], team *topology.Communicator, teamRank int) (TeamSparseGrid[T], error) {
	if team == nil || team.Size() <= 1 {
		return nil, nil
	}
	out := make(TeamSparseGrid[T])
	for _, level := range sg.Levels() {
		data := sg.GetData(level)
		if data == nil {
			continue
		}
		mine := append([]T(nil), data...)
		members := topology.Gather(team, teamRank, 0, mine)
		if teamRank != 0 {
			continue
		}
		flat := make([]T, 0, len(data)*len(members))
		for _, m := range members {
			flat = append(flat, m...)
		}
		out[level.Key()] = flat
	}
	if teamRank != 0 {
		return nil, nil
	}
	return out, nil
}

// TeamScatter is TeamGather's inverse: splits each subspace's
// leader-consolidated buffer back into team.Size() equal shares, in the
// same per-member order TeamGather concatenated them, and copies each
// member's share into its own sg — restoring exactly what that member
// held when the matching TeamGather ran. gathered is only read on the
// leader; non-leader callers may pass nil.
func TeamScatter[T dfg.Number](sg *dsg.DistributedSparseGridUniform[T], team *topology.Communicator, teamRank int, gathered TeamSparseGrid[T]) error {
	if team == nil || team.Size() <= 1 {
		return nil
	}
	size := team.Size()
	for _, level := range sg.Levels() {
		data := sg.GetData(level)
		if data == nil {
			continue
		}
		var shares [][]T
		if teamRank == 0 {
			flat := gathered[level.Key()]
			n := len(data)
			if len(flat) != n*size {
				return fmt.Errorf("combicom: team scatter: subspace %v has %d elements, want %d (%d members x %d)", level, len(flat), n*size, size, n)
			}
			shares = make([][]T, size)
			for r := 0; r < size; r++ {
				shares[r] = flat[r*n : (r+1)*n]
			}
		}
		mine := topology.Scatter(team, teamRank, 0, shares)
		copy(data, mine)
	}
	return nil
}
