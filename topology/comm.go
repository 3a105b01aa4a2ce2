// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package topology

import "sync"

// Communicator is an in-process stand-in for an MPI communicator: a
// fixed set of goroutines ("ranks") that participate in collective
// operations together. There is no real message passing across process
// boundaries — combidist simulates the manager/process-group topology
// within one process — so a Communicator implements each collective as
// a rendezvous barrier guarded by a mutex, and a rank suspends by
// blocking on that rendezvous exactly as it would block inside a real
// MPI_Bcast/MPI_Allreduce call.
type Communicator struct {
	name string
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	round   int
	arrived int
	slots   []any

	pairMu sync.Mutex
	pairs  map[[2]int]*exchange
}

// NewCommunicator creates a Communicator of the given size. Ranks
// participating in it are addressed 0..size-1.
func NewCommunicator(name string, size int) *Communicator {
	c := &Communicator{
		name:  name,
		size:  size,
		slots: make([]any, size),
		pairs: make(map[[2]int]*exchange),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name returns the communicator's diagnostic name (e.g. "local[2]").
func (c *Communicator) Name() string { return c.name }

// Size returns the number of ranks in the communicator.
func (c *Communicator) Size() int { return c.size }

// rendezvous is the shared implementation backing Bcast/Allreduce/
// Barrier/Gather: every rank calls it once per logical round with its own
// contribution; the last arrival computes a round result via combine and
// wakes everyone else. Because the whole operation runs under c.mu, there
// is no race between a round's result being read by every rank and the
// next round's first arrival overwriting c.slots.
func (c *Communicator) rendezvous(rank int, data any, combine func(slots []any) any) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	myRound := c.round
	c.slots[rank] = data
	c.arrived++
	if c.arrived == c.size {
		result := combine(c.slots)
		for i := range c.slots {
			c.slots[i] = result
		}
		c.arrived = 0
		c.round++
		c.cond.Broadcast()
	} else {
		for c.round == myRound {
			c.cond.Wait()
		}
	}
	return c.slots[rank]
}

// Barrier blocks every rank until all ranks have called Barrier for the
// current round.
func (c *Communicator) Barrier(rank int) {
	c.rendezvous(rank, struct{}{}, func(slots []any) any { return struct{}{} })
}

// Bcast distributes root's data to every rank and returns it.
func Bcast[T any](c *Communicator, rank, root int, data T) T {
	result := c.rendezvous(rank, data, func(slots []any) any {
		return slots[root]
	})
	return result.(T)
}

// Allreduce combines every rank's contribution with combine (which must
// be commutative and associative) and returns the combined value to every
// rank, simulating MPI_Allreduce(MPI_IN_PLACE, ...).
func Allreduce[T any](c *Communicator, rank int, data T, combine func(a, b T) T) T {
	result := c.rendezvous(rank, data, func(slots []any) any {
		acc := slots[0].(T)
		for i := 1; i < len(slots); i++ {
			acc = combine(acc, slots[i].(T))
		}
		return acc
	})
	return result.(T)
}

// Gather collects every rank's data into a slice ordered by rank index.
// Only the root's return value is meaningful per MPI convention, but
// since this is an in-process simulation every rank receives the same
// ordered slice; callers should still gate use of the result on
// MASTER_EXCLUSIVE_SECTION-style predicates to keep behavior faithful to
// real MPI.
func Gather[T any](c *Communicator, rank, root int, data T) []T {
	result := c.rendezvous(rank, data, func(slots []any) any {
		out := make([]T, len(slots))
		for i, s := range slots {
			out[i] = s.(T)
		}
		return out
	})
	return result.([]T)
}

// Scatter is Gather's inverse: root supplies one item per rank (ordered
// by rank index) and every rank receives only its own share. Non-root
// callers' fromRoot argument is ignored (and may be left nil).
func Scatter[T any](c *Communicator, rank, root int, fromRoot []T) T {
	result := c.rendezvous(rank, fromRoot, func(slots []any) any {
		return slots[root]
	})
	items := result.([]T)
	return items[rank]
}

// exchange is a one-shot rendezvous point between exactly two ranks,
// backing Sendrecv. Each side of the channel pair is buffered so that
// whichever rank arrives first never blocks on its own send.
type exchange struct {
	toLow  chan any // low rank reads from here
	toHigh chan any // high rank reads from here
}

func pairKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// Sendrecv exchanges data with a single neighbour rank (e.g. the left or
// right pencil neighbour during a hierarchization axis sweep). If peer
// is negative there is no neighbour in that direction (a
// domain boundary) and Sendrecv returns immediately with ok=false.
func Sendrecv[T any](c *Communicator, rank, peer int, send T) (recv T, ok bool) {
	if peer < 0 {
		return recv, false
	}
	key := pairKey(rank, peer)
	isLow := rank < peer

	c.pairMu.Lock()
	ex, exists := c.pairs[key]
	if !exists {
		ex = &exchange{toLow: make(chan any, 1), toHigh: make(chan any, 1)}
		c.pairs[key] = ex
	} else {
		// Second arrival: this exchange object is now fully claimed, so
		// remove it from the map and let a future sweep allocate a fresh
		// one for the same pair.
		delete(c.pairs, key)
	}
	c.pairMu.Unlock()

	if isLow {
		ex.toHigh <- send
		recv = (<-ex.toLow).(T)
	} else {
		ex.toLow <- send
		recv = (<-ex.toHigh).(T)
	}
	return recv, true
}
