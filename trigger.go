package dig

import (
	"github.com/BarrensZeppelin/dig/internal/maps"
	"github.com/BarrensZeppelin/dig/internal/slices"
)

// Selector identifies a prefetch traversal or squash function in the target
// hardware's function table. The numbering is part of the emitted format and
// must match the consumer's table order exactly.
type Selector uint8

const (
	BaseOffset32 Selector = iota
	BaseOffset64
	PointerBounds32
	PointerBounds64
	TraversalHolder
	UpToOffset
	StaticOffset1
	StaticOffset2
	StaticOffset4
	StaticOffset8
	StaticOffset16
	StaticOffset32
	StaticOffset64
	TriggerHolder
	StaticUpToOffset8_16
	StaticOffset256
	StaticOffset512
	StaticOffset1024
	StaticOffset2Reverse
	StaticOffset4Reverse
	StaticOffset8Reverse
	StaticOffset16Reverse
	SquashIfLarger
	SquashIfSmaller
	NeverSquash
	InvalidSelector
)

var selectorNames = [...]string{
	"BaseOffset32", "BaseOffset64", "PointerBounds32", "PointerBounds64",
	"TraversalHolder", "UpToOffset",
	"StaticOffset1", "StaticOffset2", "StaticOffset4", "StaticOffset8",
	"StaticOffset16", "StaticOffset32", "StaticOffset64",
	"TriggerHolder", "StaticUpToOffset8_16",
	"StaticOffset256", "StaticOffset512", "StaticOffset1024",
	"StaticOffset2Reverse", "StaticOffset4Reverse", "StaticOffset8Reverse",
	"StaticOffset16Reverse",
	"SquashIfLarger", "SquashIfSmaller", "NeverSquash", "Invalid",
}

func (s Selector) String() string {
	if int(s) < len(selectorNames) {
		return selectorNames[s]
	}
	return "Invalid"
}

// traversalSelector maps an edge kind to the traversal function walked when
// the edge fires. Indices are assumed to be 64-bit on this target.
func traversalSelector(kind EdgeKind) Selector {
	if kind == Ranged {
		return PointerBounds64
	}
	return BaseOffset64
}

// AssignTriggers chooses a trigger distance for every root node of the
// graph. A root (a node with no incoming edge) heads one or more indirection
// chains; the deeper the chain hanging off it, the longer each resolution
// takes and the further ahead the prefetcher must run, so deeper chains get
// smaller static offsets:
//
//	depth >= 4  ->  offset 1
//	depth == 3  ->  offset 2
//	depth == 2  ->  offset 8
//	otherwise   ->  offset 16
//
// Non-root nodes are covered transitively by their chain's root and receive
// no trigger of their own.
func AssignTriggers(nodes []*AllocationRecord, edges []IndirectionEdge) []TriggerAssignment {
	hasIncoming := make(map[NodeID]bool, len(edges))
	for _, e := range edges {
		hasIncoming[e.Dest] = true
	}

	roots := slices.Filter(nodes, func(rec *AllocationRecord) bool {
		return !hasIncoming[rec.ID]
	})

	var out []TriggerAssignment
	for _, rec := range roots {
		var trigger Selector
		switch depth := digDepthFrom(rec.ID, edges); {
		case depth >= 4:
			trigger = StaticOffset1
		case depth == 3:
			trigger = StaticOffset2
		case depth == 2:
			trigger = StaticOffset8
		default:
			trigger = StaticOffset16
		}
		out = append(out, TriggerAssignment{Node: rec.ID, Trigger: trigger, Squash: NeverSquash})
	}
	return out
}

// digDepthFrom computes the longest forward path (in hops) starting at
// root. Relaxation only ever increases a depth, and the iteration count is
// capped by the number of distinct nodes, so cycles cannot loop forever.
func digDepthFrom(root NodeID, edges []IndirectionEdge) int {
	ids := make([]NodeID, 0, len(edges)*2)
	for _, e := range edges {
		ids = append(ids, e.Src, e.Dest)
	}
	distinct := maps.FromKeys(ids)

	depth := map[NodeID]int{root: 0}
	for round := 0; round < len(distinct); round++ {
		changed := false
		for _, e := range edges {
			d, ok := depth[e.Src]
			if !ok {
				continue
			}
			if d+1 > depth[e.Dest] {
				depth[e.Dest] = d + 1
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	max := 0
	for _, d := range depth {
		if d > max {
			max = d
		}
	}
	return max
}
