package dig

import (
	"fmt"
	"io"
	"strconv"

	"github.com/BarrensZeppelin/dig/internal/slices"
)

// NodeRecord is one emitted allocation: its identifier, base address, element
// count token and element size. Static analysis has no runtime address, so
// Addr is always zero; the consumer patches it at load time.
type NodeRecord struct {
	ID    NodeID
	Addr  uint64
	Count string
	Size  int64
}

// EdgeRecord is one emitted indirection edge with its traversal selector.
type EdgeRecord struct {
	Src, Dest NodeID
	Selector  Selector
}

// TriggerRecord arms prefetching on a node. Source and destination are the
// node itself; the trigger selector encodes the look-ahead distance.
type TriggerRecord struct {
	Src, Dest NodeID
	Trigger   Selector
	Squash    Selector
}

// Graph is the complete Data Indirection Graph in emission order.
type Graph struct {
	Nodes    []NodeRecord
	Edges    []EdgeRecord
	Triggers []TriggerRecord
}

// countToken renders the element count: a decimal literal when the count is
// known, the name of the SSA value that computes it when symbolic, and "1"
// when nothing at all is known.
func countToken(rec *AllocationRecord) string {
	if rec.Count >= 0 {
		return strconv.FormatInt(rec.Count, 10)
	}
	if rec.CountValue != nil {
		return rec.CountValue.Name()
	}
	return "1"
}

// BuildGraph assembles the graph from an analysis result. It is pure: no
// emission state is consulted or modified, so it can be called any number of
// times and always reflects the full result.
func BuildGraph(res *Result) Graph {
	var g Graph
	for _, rec := range res.Nodes {
		g.Nodes = append(g.Nodes, NodeRecord{
			ID:    rec.ID,
			Count: countToken(rec),
			Size:  rec.ElemSize,
		})
	}
	g.Edges = slices.Map(res.Edges, func(e IndirectionEdge) EdgeRecord {
		return EdgeRecord{Src: e.Src, Dest: e.Dest, Selector: traversalSelector(e.Kind)}
	})
	g.Triggers = slices.Map(res.Triggers(), func(t TriggerAssignment) TriggerRecord {
		return TriggerRecord{Src: t.Node, Dest: t.Node, Trigger: t.Trigger, Squash: t.Squash}
	})
	return g
}

// Emitter writes the graph in the text format the prefetcher consumes:
//
//	NODE <id> <addr> <count> <size>
//	EDGE <src> <dest> <selector>
//	TRIGGER <src> <dest> <trigger> <squash>
//
// Each record is written at most once per emitter, even across multiple Emit
// calls on overlapping results.
type Emitter struct {
	w        io.Writer
	nodes    map[NodeID]struct{}
	edges    map[edgeKey]struct{}
	triggers map[NodeID]struct{}
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{
		w:        w,
		nodes:    make(map[NodeID]struct{}),
		edges:    make(map[edgeKey]struct{}),
		triggers: make(map[NodeID]struct{}),
	}
}

func (e *Emitter) Emit(res *Result) error {
	for _, rec := range res.Nodes {
		if _, done := e.nodes[rec.ID]; done {
			continue
		}
		e.nodes[rec.ID] = struct{}{}
		if _, err := fmt.Fprintf(e.w, "NODE %d 0x%x %s %d\n", rec.ID, 0, countToken(rec), rec.ElemSize); err != nil {
			return err
		}
	}
	for _, edge := range res.Edges {
		key := edgeKey{src: edge.Src, dest: edge.Dest, kind: edge.Kind}
		if _, done := e.edges[key]; done {
			continue
		}
		e.edges[key] = struct{}{}
		if _, err := fmt.Fprintf(e.w, "EDGE %d %d %d\n", edge.Src, edge.Dest, traversalSelector(edge.Kind)); err != nil {
			return err
		}
	}
	for _, t := range res.Triggers() {
		if _, done := e.triggers[t.Node]; done {
			continue
		}
		e.triggers[t.Node] = struct{}{}
		if _, err := fmt.Fprintf(e.w, "TRIGGER %d %d %d %d\n", t.Node, t.Node, t.Trigger, t.Squash); err != nil {
			return err
		}
	}
	return nil
}
