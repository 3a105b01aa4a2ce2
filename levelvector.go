// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package combidist

import (
	"fmt"
	"strings"
)

// LevelVector is an ordered tuple of per-axis resolution levels. A
// component grid of level l has 2^l[i] intervals (2^l[i]-1 interior
// points) per axis i; see Boundary for the endpoint convention.
type LevelVector []int

// IndexVector is an ordered tuple used for Cartesian process ranks and
// point indices.
type IndexVector []int

// Boundary is a length-d bitmask indicating whether each axis carries its
// endpoint degrees of freedom.
type Boundary []bool

func (l LevelVector) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, v := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	b.WriteByte(')')
	return b.String()
}

// Dim returns the problem dimension d.
func (l LevelVector) Dim() int { return len(l) }

// Clone returns an independent copy of l.
func (l LevelVector) Clone() LevelVector {
	c := make(LevelVector, len(l))
	copy(c, l)
	return c
}

// Equal reports whether l and m are identical.
func (l LevelVector) Equal(m LevelVector) bool {
	if len(l) != len(m) {
		return false
	}
	for i := range l {
		if l[i] != m[i] {
			return false
		}
	}
	return true
}

// LessEqual reports whether l[i] <= m[i] for every axis i (componentwise
// partial order, used for lmin <= l <= lmax bounds).
func (l LevelVector) LessEqual(m LevelVector) bool {
	for i := range l {
		if l[i] > m[i] {
			return false
		}
	}
	return true
}

// Sum returns sum_i l[i].
func (l LevelVector) Sum() int {
	s := 0
	for _, v := range l {
		s += v
	}
	return s
}

// Sub returns l - m elementwise.
func (l LevelVector) Sub(m LevelVector) LevelVector {
	out := make(LevelVector, len(l))
	for i := range l {
		out[i] = l[i] - m[i]
	}
	return out
}

// Min returns the elementwise minimum of l and m.
func (l LevelVector) Min(m LevelVector) LevelVector {
	out := make(LevelVector, len(l))
	for i := range l {
		if l[i] < m[i] {
			out[i] = l[i]
		} else {
			out[i] = m[i]
		}
	}
	return out
}

// L1 returns the L1 (Manhattan) norm of l, used by the SDC detector to
// rank nearby component grids in level-space.
func (l LevelVector) L1() int {
	s := 0
	for _, v := range l {
		if v < 0 {
			s -= v
		} else {
			s += v
		}
	}
	return s
}

// Key returns a comparable, hashable representation of l suitable for use
// as a map key (LevelVector itself is a slice and cannot be used
// directly).
func (l LevelVector) Key() string {
	var b strings.Builder
	for i, v := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return b.String()
}

// NumPointsPerAxis returns the number of grid points along axis i for a
// component grid of this level, following the boundary convention: with
// boundary=false axis i carries 2^l[i]-1 interior points, with
// boundary=true it additionally carries both endpoints, for
// 2^l[i]-1+2 = 2^l[i]+1 points.
func (l LevelVector) NumPointsPerAxis(i int, boundary Boundary) int {
	n := (1 << uint(l[i])) - 1
	if boundary[i] {
		n += 2
	}
	return n
}

// SubspaceSizePerAxis returns the number of hierarchical-subspace
// degrees of freedom along axis i for this level: 2^(l[i]-1), except
// level 1 on a boundary axis, which additionally carries the two
// endpoint points for a size of 2^(l[i]-1)+2. Boundary only ever widens
// a level-1 subspace.
func (l LevelVector) SubspaceSizePerAxis(i int, boundary Boundary) int {
	size := 1 << uint(l[i]-1)
	if l[i] == 1 && boundary[i] {
		size += 2
	}
	return size
}

// IndexVector helpers.

// Equal reports whether v and w are identical.
func (v IndexVector) Equal(w IndexVector) bool {
	if len(v) != len(w) {
		return false
	}
	for i := range v {
		if v[i] != w[i] {
			return false
		}
	}
	return true
}

// Product returns the product of all entries, e.g. the total number of
// points described by a per-axis size vector.
func (v IndexVector) Product() int {
	p := 1
	for _, x := range v {
		p *= x
	}
	return p
}

func (v IndexVector) String() string {
	return LevelVector(v).String()
}
