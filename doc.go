// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package combidist implements the core of a distributed
// combination-technique solver for high-dimensional PDEs: the data model
// (LevelVector, CombiParameters, TaskID) shared by the topology, dfg, dsg,
// hierarchize, combicom, exec, sdc and task packages.
//
// A combidist run is driven by one manager process (package exec) and N
// process groups of P workers each. Every task (one anisotropic component
// grid) lives in exactly one group for its lifetime; the group's workers
// jointly own the task's distributed full grid (package dfg) and
// periodically fold it into a group-local, then globally reduced,
// distributed sparse grid (package dsg) via the hierarchical combination
// operator (package combicom).
package combidist
