// Package kvcache manages the fixed pool of attention key/value cache blocks
// shared by all in-flight sequences. Blocks are the allocator's unit of
// currency: a sequence holds an ordered table of block ids covering its token
// history, and ownership moves between the free pool and exactly one table at
// a time.
package kvcache

import (
	"errors"
	"fmt"
)

// ErrOutOfCapacity is returned when an allocation cannot be satisfied from
// the free pool. The request takes nothing on failure.
var ErrOutOfCapacity = errors.New("kvcache: out of capacity")

// freeOwner marks a block as unowned.
const freeOwner = int64(-1)

// Allocator hands out cache blocks from a fixed pool created once at
// startup. It is not safe for concurrent use; the scheduler serializes all
// access under its own lock.
type Allocator struct {
	blockSize int
	owner     []int64 // block id -> owning sequence id, freeOwner if free
	free      []int   // free block ids, order unspecified
}

// NewAllocator creates a pool of numBlocks blocks holding blockSize token
// slots each.
func NewAllocator(numBlocks, blockSize int) (*Allocator, error) {
	if numBlocks <= 0 {
		return nil, fmt.Errorf("kvcache: block count must be positive, got %d", numBlocks)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("kvcache: block size must be positive, got %d", blockSize)
	}
	a := &Allocator{
		blockSize: blockSize,
		owner:     make([]int64, numBlocks),
		free:      make([]int, numBlocks),
	}
	for i := range a.owner {
		a.owner[i] = freeOwner
		a.free[i] = i
	}
	return a, nil
}

// BlockSize returns the number of token slots per block.
func (a *Allocator) BlockSize() int { return a.blockSize }

// Capacity returns the total block count of the pool.
func (a *Allocator) Capacity() int { return len(a.owner) }

// FreeCount returns the number of unowned blocks. The admission policy uses
// this as its capacity gauge.
func (a *Allocator) FreeCount() int { return len(a.free) }

// UsedCount returns the number of owned blocks.
func (a *Allocator) UsedCount() int { return len(a.owner) - len(a.free) }

// BlocksFor returns the number of blocks needed to hold the given token
// count.
func (a *Allocator) BlocksFor(tokens int) int {
	return (tokens + a.blockSize - 1) / a.blockSize
}

// Table is one sequence's ordered mapping from logical token positions to
// physical cache blocks. Created by NewTable, grown and released only
// through the allocator.
type Table struct {
	seqID  int64
	blocks []int
	filled int // token slots written so far
}

// NewTable creates an empty block table owned by the given sequence.
func (a *Allocator) NewTable(seqID int64) *Table {
	return &Table{seqID: seqID}
}

// Blocks returns the physical block ids in logical order. The returned
// slice is owned by the table; callers must not mutate it.
func (t *Table) Blocks() []int { return t.blocks }

// Len returns the number of blocks in the table.
func (t *Table) Len() int { return len(t.blocks) }

// Filled returns the number of token slots written.
func (t *Table) Filled() int { return t.filled }

// acquire removes n blocks from the free pool and stamps them with the
// owner, all-or-nothing.
func (a *Allocator) acquire(owner int64, n int) ([]int, error) {
	if n > len(a.free) {
		return nil, fmt.Errorf("%w: need %d blocks, %d free", ErrOutOfCapacity, n, len(a.free))
	}
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		id := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.owner[id] = owner
		ids[i] = id
	}
	return ids, nil
}

// Grow ensures the table can hold additional more token slots beyond those
// already filled, acquiring new blocks as needed. An append that crosses a
// block boundary allocates exactly one block. On ErrOutOfCapacity the table
// is unchanged.
func (a *Allocator) Grow(t *Table, additional int) error {
	if additional < 0 {
		panic(fmt.Sprintf("kvcache: negative grow of %d for sequence %d", additional, t.seqID))
	}
	need := a.BlocksFor(t.filled + additional)
	delta := need - len(t.blocks)
	if delta <= 0 {
		return nil
	}
	ids, err := a.acquire(t.seqID, delta)
	if err != nil {
		return err
	}
	t.blocks = append(t.blocks, ids...)
	return nil
}

// Advance records that n more token slots were written into the table's
// blocks. Writing past the reserved blocks is an invariant violation.
func (a *Allocator) Advance(t *Table, n int) {
	t.filled += n
	if t.filled > len(t.blocks)*a.blockSize {
		panic(fmt.Sprintf("kvcache: sequence %d wrote %d slots into %d blocks of %d",
			t.seqID, t.filled, len(t.blocks), a.blockSize))
	}
}

// Release returns every block in the table to the free pool and empties the
// table. Idempotent.
func (a *Allocator) Release(t *Table) {
	for _, id := range t.blocks {
		if a.owner[id] != t.seqID {
			panic(fmt.Sprintf("kvcache: block %d owned by %d, released by %d",
				id, a.owner[id], t.seqID))
		}
		a.owner[id] = freeOwner
		a.free = append(a.free, id)
	}
	t.blocks = nil
	t.filled = 0
}

// Verify cross-checks pool bookkeeping against the given live tables and
// panics on any inconsistency. Silent correction could mask cache
// corruption, so violations are always fatal.
func (a *Allocator) Verify(tables []*Table) {
	owned := 0
	for _, t := range tables {
		for _, id := range t.blocks {
			if id < 0 || id >= len(a.owner) {
				panic(fmt.Sprintf("kvcache: sequence %d references block %d outside pool of %d",
					t.seqID, id, len(a.owner)))
			}
			if a.owner[id] != t.seqID {
				panic(fmt.Sprintf("kvcache: block %d in table of %d but owned by %d",
					id, t.seqID, a.owner[id]))
			}
		}
		if t.filled > len(t.blocks)*a.blockSize {
			panic(fmt.Sprintf("kvcache: sequence %d holds %d slots in %d blocks",
				t.seqID, t.filled, len(t.blocks)))
		}
		owned += len(t.blocks)
	}
	if owned+len(a.free) != len(a.owner) {
		panic(fmt.Sprintf("kvcache: %d owned + %d free != %d capacity",
			owned, len(a.free), len(a.owner)))
	}
}
