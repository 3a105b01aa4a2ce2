// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package topology

import (
	"sync"
	"testing"
)

func TestInitMPIRejectsBadSizes(t *testing.T) {
	if _, err := InitMPI(0, 4, 1); err == nil {
		t.Fatal("want error for numGroups=0")
	}
	if _, err := InitMPI(2, 0, 1); err == nil {
		t.Fatal("want error for groupSize=0")
	}
	if _, err := InitMPI(2, 4, 3); err == nil {
		t.Fatal("want error when teamSize does not divide groupSize")
	}
}

func TestInitMPITopologyShape(t *testing.T) {
	s, err := InitMPI(3, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Local) != 3 {
		t.Fatalf("Local: got %d groups, want 3", len(s.Local))
	}
	for _, c := range s.Local {
		if c.Size() != 4 {
			t.Fatalf("Local communicator size = %d, want 4", c.Size())
		}
	}
	if len(s.GlobalReduce) != 4 {
		t.Fatalf("GlobalReduce: got %d, want 4", len(s.GlobalReduce))
	}
	for _, c := range s.GlobalReduce {
		if c.Size() != 3 {
			t.Fatalf("GlobalReduce communicator size = %d, want 3", c.Size())
		}
	}
	if len(s.Team) != 3 {
		t.Fatalf("Team: got %d groups, want 3", len(s.Team))
	}
	if s.Masters.Size() != 4 {
		t.Fatalf("Masters size = %d, want numGroups+1=4", s.Masters.Size())
	}
	if s.MasterRankOf(1) != 2 {
		t.Fatalf("MasterRankOf(1) = %d, want 2", s.MasterRankOf(1))
	}
}

func TestInitMPINoTeams(t *testing.T) {
	s, err := InitMPI(2, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Team != nil {
		t.Fatal("Team should be nil when teamSize<=1")
	}
}

func TestBcast(t *testing.T) {
	const size = 4
	c := NewCommunicator("t", size)
	var wg sync.WaitGroup
	results := make([]int, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r] = Bcast(c, r, 2, r*100)
		}()
	}
	wg.Wait()
	for r, got := range results {
		if got != 200 {
			t.Errorf("rank %d: Bcast result = %d, want 200", r, got)
		}
	}
}

func TestAllreduceSum(t *testing.T) {
	const size = 5
	c := NewCommunicator("t", size)
	var wg sync.WaitGroup
	results := make([]int, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[r] = Allreduce(c, r, r+1, func(a, b int) int { return a + b })
		}()
	}
	wg.Wait()
	want := 1 + 2 + 3 + 4 + 5
	for r, got := range results {
		if got != want {
			t.Errorf("rank %d: Allreduce result = %d, want %d", r, got, want)
		}
	}
}

func TestAllreduceMultipleRounds(t *testing.T) {
	const size = 3
	c := NewCommunicator("t", size)
	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		results := make([]int, size)
		for r := 0; r < size; r++ {
			r := r
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[r] = Allreduce(c, r, 1, func(a, b int) int { return a + b })
			}()
		}
		wg.Wait()
		for r, got := range results {
			if got != size {
				t.Errorf("round %d rank %d: got %d, want %d", round, r, got, size)
			}
		}
	}
}

func TestGather(t *testing.T) {
	const size = 4
	c := NewCommunicator("t", size)
	var wg sync.WaitGroup
	all := make([][]int, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			all[r] = Gather(c, r, 0, r*r)
		}()
	}
	wg.Wait()
	want := []int{0, 1, 4, 9}
	for r, got := range all {
		if len(got) != size {
			t.Fatalf("rank %d: Gather length = %d, want %d", r, len(got), size)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("rank %d: Gather[%d] = %d, want %d", r, i, got[i], want[i])
			}
		}
	}
}

func TestScatterHandsEachRankItsOwnShare(t *testing.T) {
	const size = 4
	c := NewCommunicator("t", size)
	root := []int{10, 20, 30, 40}
	var wg sync.WaitGroup
	got := make([]int, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			var fromRoot []int
			if r == 0 {
				fromRoot = root
			}
			got[r] = Scatter(c, r, 0, fromRoot)
		}()
	}
	wg.Wait()
	for r, want := range root {
		if got[r] != want {
			t.Errorf("rank %d: Scatter = %d, want %d", r, got[r], want)
		}
	}
}

func TestBarrier(t *testing.T) {
	const size = 3
	c := NewCommunicator("t", size)
	var mu sync.Mutex
	order := make([]int, 0, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, r)
			mu.Unlock()
			c.Barrier(r)
		}()
	}
	wg.Wait()
	if len(order) != size {
		t.Fatalf("got %d arrivals, want %d", len(order), size)
	}
}

func TestSendrecvExchangesBothWays(t *testing.T) {
	c := NewCommunicator("t", 2)
	var wg sync.WaitGroup
	var got0, got1 int
	var ok0, ok1 bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		got0, ok0 = Sendrecv(c, 0, 1, 10)
	}()
	go func() {
		defer wg.Done()
		got1, ok1 = Sendrecv(c, 1, 0, 20)
	}()
	wg.Wait()
	if !ok0 || !ok1 {
		t.Fatal("Sendrecv reported ok=false for a real peer")
	}
	if got0 != 20 {
		t.Errorf("rank 0 received %d, want 20", got0)
	}
	if got1 != 10 {
		t.Errorf("rank 1 received %d, want 10", got1)
	}
}

func TestSendrecvNoPeer(t *testing.T) {
	c := NewCommunicator("t", 1)
	got, ok := Sendrecv(c, 0, -1, 42)
	if ok {
		t.Fatal("want ok=false when peer<0")
	}
	if got != 0 {
		t.Errorf("got %d, want zero value", got)
	}
}

func TestRecoverCommunicatorsExcludesGroups(t *testing.T) {
	s, err := InitMPI(4, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := s.RecoverCommunicators(map[int]bool{1: true, 3: true})
	if err != nil {
		t.Fatal(err)
	}
	if s2.NumGroups != 2 {
		t.Fatalf("NumGroups after recovery = %d, want 2", s2.NumGroups)
	}
}

func TestRecoverCommunicatorsAllExcludedFails(t *testing.T) {
	s, err := InitMPI(2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecoverCommunicators(map[int]bool{0: true, 1: true}); err == nil {
		t.Fatal("want error when every group is excluded")
	}
}
