// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsg

// A non-uniform distributed sparse grid assigns each subspace to
// exactly one owning rank per group (round-robin), trading the uniform
// grid's replicated full stripes for a smaller per-rank footprint plus
// an extra scatter/gather around every reduction. None of the known
// variants of that scheme is the production path the combination round
// uses, so only DistributedSparseGridUniform is implemented here.
//
// TODO: implement round-robin subspace ownership
// (NonUniformOwnerOf(subspace, groupSize) int) if a deployment ever
// needs a group too large to hold every subspace's full stripe on
// every rank.
