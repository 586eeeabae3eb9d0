// Package dig analyzes the SSA form of a Go program for indirect memory
// access patterns and produces a Data Indirection Graph (DIG): one node per
// discovered allocation site, one edge per detected indirection between two
// allocations. The graph is consumed by a downstream prefetch scheduler,
// either as record structs or in a positional text format.
//
// Two indirection motifs are recognised. A single-valued indirection is the
// A[B[i]] shape, where a value loaded from one array indexes another. A
// ranged indirection is the CSR/CSC shape, where two consecutive values
// loaded from an offsets array bound a slice of a second array.
//
// The analysis is a best-effort heuristic pipeline: it may miss patterns, but
// it never mutates the program and it degrades to "no edge" or a default
// value instead of failing.
package dig

import (
	"fmt"
	"math"

	"go/types"

	"golang.org/x/tools/go/ssa"
)

// NodeID identifies an allocation node in the DIG. IDs are dense and
// assigned in discovery order within one analysis run.
type NodeID uint32

// InvalidNode marks a pointer that does not resolve to any known allocation.
const InvalidNode = NodeID(math.MaxUint32)

// AllocKind classifies how an allocation site obtains its memory.
type AllocKind uint8

const (
	// AllocBytes is a fixed-size allocation of raw bytes (malloc style).
	AllocBytes AllocKind = iota
	// AllocZeroed is a zero-initialized (count, size) allocation (calloc style).
	AllocZeroed
	// AllocRealloc resizes an existing allocation.
	AllocRealloc
	// AllocObject constructs a single heap object.
	AllocObject
	// AllocArray constructs an array of typed elements (make([]T, n)).
	AllocArray
)

var allocKindNames = [...]string{
	AllocBytes:   "bytes",
	AllocZeroed:  "zeroed",
	AllocRealloc: "realloc",
	AllocObject:  "object",
	AllocArray:   "array",
}

func (k AllocKind) String() string {
	if int(k) < len(allocKindNames) {
		return allocKindNames[k]
	}
	return fmt.Sprintf("AllocKind(%d)", uint8(k))
}

// unknownExtent marks an element count or size that has not been inferred
// yet, or that is only known symbolically.
const unknownExtent int64 = -1

// AllocationRecord describes one discovered allocation site.
//
// Value is the ssa.Value produced at the site (a call result, *ssa.MakeSlice
// or heap *ssa.Alloc). It is referenced and identity-compared, never copied.
//
// After size inference ElemSize is always ≥ 1 and either Count ≥ 0 or
// CountValue is non-nil (the symbolic count, typically the raw byte-size
// argument of the allocation call).
type AllocationRecord struct {
	ID    NodeID
	Kind  AllocKind
	Value ssa.Value
	Fn    *ssa.Function

	ElemSize   int64      // bytes per element; unknownExtent until inferred
	Count      int64      // element count; unknownExtent when symbolic
	CountValue ssa.Value  // symbolic count when Count < 0
	ElemType   types.Type // best-effort inferred element type
}

func (r *AllocationRecord) String() string {
	return fmt.Sprintf("node %d: %s %s in %s", r.ID, r.Kind, r.Value.Name(), r.Fn)
}

// EdgeKind distinguishes the two indirection motifs.
type EdgeKind uint8

const (
	SingleValued EdgeKind = iota
	Ranged
)

func (k EdgeKind) String() string {
	switch k {
	case SingleValued:
		return "single-valued"
	case Ranged:
		return "ranged"
	default:
		return fmt.Sprintf("EdgeKind(%d)", uint8(k))
	}
}

// IndirectionEdge records one detected indirection between two allocation
// nodes. Edges are immutable once created and deduplicated on
// (Src, Dest, Kind). Src != Dest always holds; self-loops are reserved for
// trigger assignments.
type IndirectionEdge struct {
	Src  NodeID
	Dest NodeID
	Kind EdgeKind

	// Site is the instruction performing the final dereference. It is kept
	// for diagnostics and insertion-point selection only.
	Site ssa.Instruction
}

// edgeKey is the deduplication key for the edge set.
type edgeKey struct {
	src, dest NodeID
	kind      EdgeKind
}

// TriggerAssignment gives a node without incoming edges its prefetch trigger
// policy. It is a derived property: recomputed from the (nodes, edges)
// snapshot on demand, never stored.
type TriggerAssignment struct {
	Node    NodeID
	Trigger Selector
	Squash  Selector
}
