// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"context"
	"errors"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"

	"github.com/sgpp-go/combidist"
	"github.com/sgpp-go/combidist/dfg"
)

func init() {
	RegisterSolver("test-constant", func(ctx context.Context, g *dfg.DistributedFullGrid[float64]) error {
		for i := range g.Data {
			g.Data[i] += 1
		}
		return nil
	})
	RegisterSolver("test-failing", func(ctx context.Context, g *dfg.DistributedFullGrid[float64]) error {
		return errors.New("boom")
	})
}

func newTestTask(t *testing.T, solver string) *FuncTask {
	t.Helper()
	level := combidist.LevelVector{2, 2}
	boundary := combidist.Boundary{true, true}
	decomposition := combidist.IndexVector{1, 1}
	rank := combidist.IndexVector{0, 0}
	tk, err := NewFuncTask(1, level, boundary, decomposition, rank, solver)
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestRunFirstAdvancesAndReportsStatus(t *testing.T) {
	tk := newTestTask(t, "test-constant")
	if tk.Status() != StatusWait {
		t.Fatalf("initial status = %v, want WAIT", tk.Status())
	}
	if err := tk.RunFirst(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tk.Status() != StatusWait {
		t.Fatalf("status after successful run = %v, want WAIT", tk.Status())
	}
	for _, v := range tk.Grid().Data {
		if v != 1 {
			t.Fatalf("grid value = %v, want 1", v)
		}
	}
}

func TestRunFailureSetsStatusFail(t *testing.T) {
	tk := newTestTask(t, "test-failing")
	if err := tk.RunNext(context.Background()); err == nil {
		t.Fatal("want error from failing solver")
	}
	if tk.Status() != StatusFail {
		t.Fatalf("status after failed run = %v, want FAIL", tk.Status())
	}
}

func TestNewFuncTaskUnknownSolver(t *testing.T) {
	level := combidist.LevelVector{2}
	boundary := combidist.Boundary{true}
	if _, err := NewFuncTask(1, level, boundary, combidist.IndexVector{1}, combidist.IndexVector{0}, "nonexistent"); err == nil {
		t.Fatal("want error for unregistered solver name")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tk := newTestTask(t, "test-constant")
	tk.SetCoefficient(0.5)
	for i := range tk.Grid().Data {
		tk.Grid().Data[i] = float64(i)
	}

	data, err := EncodeBytes(tk, tk.Grid().Data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != tk.ID() {
		t.Fatalf("ID = %v, want %v", got.ID(), tk.ID())
	}
	if got.Coefficient() != 0.5 {
		t.Fatalf("Coefficient = %v, want 0.5", got.Coefficient())
	}
	if !got.Level().Equal(tk.Level()) {
		t.Fatalf("Level = %v, want %v", got.Level(), tk.Level())
	}
	for i, v := range got.Grid().Data {
		if v != tk.Grid().Data[i] {
			t.Fatalf("grid data[%d] = %v, want %v", i, v, tk.Grid().Data[i])
		}
	}
	if err := got.BindSolver(); err != nil {
		t.Fatal(err)
	}
	if err := got.RunNext(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestSerializeDeserializeFuzzedData round-trips a task carrying
// arbitrary grid contents through EncodeBytes/DecodeBytes.
func TestSerializeDeserializeFuzzedData(t *testing.T) {
	tk := newTestTask(t, "test-constant")
	fz := fuzz.NewWithSeed(7)
	for i := range tk.Grid().Data {
		fz.Fuzz(&tk.Grid().Data[i])
	}
	want := append([]float64(nil), tk.Grid().Data...)

	data, err := EncodeBytes(tk, tk.Grid().Data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got.Grid().Data {
		if v != want[i] && !(math.IsNaN(v) && math.IsNaN(want[i])) {
			t.Fatalf("grid data[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestFaultCriterionInjectAdditiveBias(t *testing.T) {
	tk := newTestTask(t, "test-constant")
	crit := InjectAdditiveBias(2, 100)
	if crit(tk, 1) {
		t.Fatal("criterion should not fire on the wrong round")
	}
	for _, v := range tk.Grid().Data {
		if v != 0 {
			t.Fatal("grid should be untouched before the target round")
		}
	}
	if !crit(tk, 2) {
		t.Fatal("criterion should fire on its target round")
	}
	for _, v := range tk.Grid().Data {
		if v != 100 {
			t.Fatalf("grid value = %v, want 100", v)
		}
	}
}

func TestRunConsultsFaultCriterion(t *testing.T) {
	RegisterFaultCriterion("bias-round-2", InjectAdditiveBias(2, 100))
	tk := newTestTask(t, "test-constant")
	if err := tk.SetFaultCriterion("bias-round-2"); err != nil {
		t.Fatal(err)
	}
	if err := tk.RunFirst(context.Background()); err != nil {
		t.Fatalf("round 1 should pass: %v", err)
	}
	if err := tk.RunNext(context.Background()); err == nil {
		t.Fatal("round 2 should fail when the fault criterion fires")
	}
	if tk.Status() != StatusFail {
		t.Fatalf("status after fault = %v, want FAIL", tk.Status())
	}
}

func TestSetFaultCriterionUnknownName(t *testing.T) {
	tk := newTestTask(t, "test-constant")
	if err := tk.SetFaultCriterion("no-such-criterion"); err == nil {
		t.Fatal("want error for unregistered fault criterion")
	}
}
