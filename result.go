package dig

import (
	"fmt"

	"golang.org/x/tools/go/ssa"
)

type Result struct {
	// Nodes holds every discovered allocation, indexed by NodeID.
	Nodes []*AllocationRecord
	// Edges holds the discovered indirection edges, deduplicated.
	Edges []IndirectionEdge

	byValue map[ssa.Value]NodeID
}

// Node returns the record for an identifier.
func (r *Result) Node(id NodeID) *AllocationRecord {
	if int(id) >= len(r.Nodes) {
		panic(fmt.Errorf("no allocation with id %d", id))
	}
	return r.Nodes[id]
}

// Record returns the record whose allocation site is v, if v is one.
func (r *Result) Record(v ssa.Value) (*AllocationRecord, bool) {
	id, ok := r.byValue[v]
	if !ok {
		return nil, false
	}
	return r.Nodes[id], true
}

// Triggers computes the trigger assignment for the current graph. It is
// recomputed on every call, so it stays consistent if edges are examined or
// filtered between calls.
func (r *Result) Triggers() []TriggerAssignment {
	return AssignTriggers(r.Nodes, r.Edges)
}

// Graph assembles the emission-ready graph.
func (r *Result) Graph() Graph {
	return BuildGraph(r)
}

func (r *Result) String() string {
	var single, ranged int
	for _, e := range r.Edges {
		if e.Kind == Ranged {
			ranged++
		} else {
			single++
		}
	}
	return fmt.Sprintf("%d nodes, %d single-valued + %d ranged edges, %d triggers",
		len(r.Nodes), single, ranged, len(r.Triggers()))
}
