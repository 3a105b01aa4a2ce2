// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package topology provides the process-wide communicator set: per-group
// local, per-group team, global-reduce (one communicator per intra-group
// position, spanning all groups) and masters (manager + one local-root
// per group). There is no separate world communicator.
//
// combidist has no real MPI binding: every "rank" is a goroutine, and a
// Communicator's collectives (package-level Bcast/Allreduce/Gather/
// Scatter/Sendrecv and the Barrier method) are the rendezvous points
// those goroutines block on.
package topology

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// System is the process-wide topology singleton: the set of
// communicators describing one manager plus NumGroups process groups of
// GroupSize workers each, optionally with one team of TeamSize workers
// per group (see Team).
// combidist never reaches the System through a package-level global;
// InitMPI returns one explicit reference that the manager and every
// worker goroutine receive as an argument.
type System struct {
	NumGroups int
	GroupSize int
	TeamSize  int

	// Local[g] is the intra-group communicator for group g's GroupSize
	// workers, used for the full-grid gather behind hierarchization and
	// the MAX-allreduce subspace-size negotiation.
	Local []*Communicator

	// Team[g] is group g's single node-local sub-communicator, joining the
	// group's positions 0..TeamSize-1; positions from TeamSize on belong to
	// no team. When TeamSize<=1 it is nil and team gather/scatter is a
	// no-op.
	Team []*Communicator

	// GlobalReduce[p] is the cross-group communicator joining the rank at
	// intra-group position p in every one of the NumGroups groups: rank r
	// in group g maps to the same reduction peer across all g with
	// identical spatial decomposition, which is what makes cross-group
	// subspace summation a purely point-wise allreduce.
	GlobalReduce []*Communicator

	// Masters joins the manager (index 0) with each group's local-root
	// (indices 1..NumGroups), used for signal dispatch. Worker statuses
	// are not collected over it.
	Masters *Communicator

	// ManagerIndex is the manager's index within Masters.
	ManagerIndex int
}

// InitMPI builds the communicator topology for numGroups process
// groups of groupSize workers, optionally with one team of teamSize
// workers per group; teamSize must divide groupSize. It is the sole
// constructor for System and pairs with Finalize.
func InitMPI(numGroups, groupSize, teamSize int) (*System, error) {
	if numGroups <= 0 || groupSize <= 0 {
		return nil, errors.E(errors.Fatal, fmt.Errorf("topology: numGroups and groupSize must be positive, got %d, %d", numGroups, groupSize))
	}
	if teamSize <= 0 {
		teamSize = 1
	}
	if groupSize%teamSize != 0 {
		return nil, errors.E(errors.Fatal, fmt.Errorf("topology: teamSize %d must divide groupSize %d", teamSize, groupSize))
	}

	s := &System{
		NumGroups:    numGroups,
		GroupSize:    groupSize,
		TeamSize:     teamSize,
		Local:        make([]*Communicator, numGroups),
		GlobalReduce: make([]*Communicator, groupSize),
		ManagerIndex: 0,
	}
	for g := 0; g < numGroups; g++ {
		s.Local[g] = NewCommunicator(fmt.Sprintf("local[%d]", g), groupSize)
	}
	for p := 0; p < groupSize; p++ {
		s.GlobalReduce[p] = NewCommunicator(fmt.Sprintf("global-reduce[%d]", p), numGroups)
	}
	if teamSize > 1 {
		s.Team = make([]*Communicator, numGroups)
		for g := 0; g < numGroups; g++ {
			s.Team[g] = NewCommunicator(fmt.Sprintf("team[%d]", g), teamSize)
		}
	}
	s.Masters = NewCommunicator("masters", numGroups+1)
	return s, nil
}

// MasterRankOf returns the index a group's local-root (position 0 within
// the group) occupies in Masters.
func (s *System) MasterRankOf(group int) int { return group + 1 }

// IsLocalRoot reports whether posInGroup designates the group's
// local-root, the one rank per group the manager exchanges signals and
// statuses with.
func IsLocalRoot(posInGroup int) bool { return posInGroup == 0 }

// Finalize tears down the topology. The in-process simulation has no
// external resources to release; Finalize exists so embedding binaries
// can pair it with InitMPI unconditionally.
func (s *System) Finalize() {}

// RecoverCommunicators rebuilds the topology excluding the given
// failed group indices, the one recovery available after a fatal
// communicator error. The surviving groups are renumbered contiguously;
// a caller must re-fetch System.Local/Team/GlobalReduce after calling
// this.
func (s *System) RecoverCommunicators(excludeGroups map[int]bool) (*System, error) {
	keep := make([]int, 0, s.NumGroups)
	for g := 0; g < s.NumGroups; g++ {
		if !excludeGroups[g] {
			keep = append(keep, g)
		}
	}
	if len(keep) == 0 {
		return nil, errors.E(errors.Fatal, "topology: recoverCommunicators: no groups left")
	}
	return InitMPI(len(keep), s.GroupSize, s.TeamSize)
}
