// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package combidist

import "testing"

func TestLevelVectorArithmetic(t *testing.T) {
	a := LevelVector{3, 1, 2}
	b := LevelVector{1, 2, 2}
	if got := a.Sub(b).L1(); got != 3 {
		t.Errorf("L1(a-b) = %d, want 3", got)
	}
	if a.LessEqual(b) {
		t.Error("a should not be <= b")
	}
	if !b.Min(a).Equal(LevelVector{1, 1, 2}) {
		t.Errorf("min = %v, want (1,1,2)", b.Min(a))
	}
	c := a.Clone()
	c[0] = 9
	if a[0] == 9 {
		t.Error("Clone should not share backing storage")
	}
	if a.Key() == b.Key() {
		t.Error("distinct vectors should have distinct keys")
	}
}

func TestNumPointsPerAxis(t *testing.T) {
	cases := []struct {
		level    int
		boundary bool
		want     int
	}{
		{1, false, 1},
		{1, true, 3},
		{3, false, 7},
		{3, true, 9},
	}
	for _, c := range cases {
		l := LevelVector{c.level}
		if got := l.NumPointsPerAxis(0, Boundary{c.boundary}); got != c.want {
			t.Errorf("level %d boundary %v: %d points, want %d", c.level, c.boundary, got, c.want)
		}
	}
}

func TestSubspaceSizePerAxis(t *testing.T) {
	cases := []struct {
		level    int
		boundary bool
		want     int
	}{
		{1, false, 1},
		{1, true, 3},
		{2, false, 2},
		{2, true, 2},
		{4, true, 8},
	}
	for _, c := range cases {
		l := LevelVector{c.level}
		if got := l.SubspaceSizePerAxis(0, Boundary{c.boundary}); got != c.want {
			t.Errorf("level %d boundary %v: size %d, want %d", c.level, c.boundary, got, c.want)
		}
	}
}

func TestCombiParametersValidate(t *testing.T) {
	good := CombiParameters{
		Dim:           2,
		LMin:          LevelVector{1, 1},
		LMax:          LevelVector{3, 3},
		Boundary:      Boundary{true, true},
		Decomposition: IndexVector{2, 2},
	}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	if good.GroupSize() != 4 {
		t.Fatalf("GroupSize = %d, want 4", good.GroupSize())
	}

	badMin := good
	badMin.LMin = LevelVector{2, 1}
	if err := badMin.Validate(); err == nil {
		t.Fatal("want error for lmin > 1")
	}
	badShape := good
	badShape.LMax = LevelVector{3}
	if err := badShape.Validate(); err == nil {
		t.Fatal("want error for mismatched lmax length")
	}
}

func TestCombineLMaxGivesUpOneLevel(t *testing.T) {
	p := CombiParameters{
		Dim:      3,
		LMin:     LevelVector{1, 1, 1},
		LMax:     LevelVector{4, 1, 2},
		Boundary: Boundary{true, true, true},
	}
	got := p.CombineLMax()
	want := LevelVector{3, 1, 1}
	if !got.Equal(want) {
		t.Fatalf("CombineLMax = %v, want %v", got, want)
	}
}

func TestCoeffDefaultsToZero(t *testing.T) {
	var p CombiParameters
	if p.Coeff(7) != 0 {
		t.Fatal("unknown task should have coefficient 0")
	}
	p.SetCoeff(7, -1.5)
	if p.Coeff(7) != -1.5 {
		t.Fatalf("Coeff = %v, want -1.5", p.Coeff(7))
	}
}
