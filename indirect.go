package dig

import (
	"go/token"
	"log"

	"golang.org/x/tools/go/ssa"

	"github.com/BarrensZeppelin/dig/internal/queue"
)

// IndirectionDetector finds the two dependent-access shapes that matter for
// prefetching:
//
//   - single-valued: the value loaded from one allocation is used, possibly
//     through casts and arithmetic, as the index of a load from another
//     allocation (a[b[i]])
//   - ranged: two consecutive elements of one allocation delimit the index
//     range walked over another allocation (CSR-style offsets[v]..offsets[v+1])
//
// Both ends of an edge must resolve to registered allocations; accesses whose
// provenance escapes the tracked set are ignored rather than guessed at.
// Edges are deduplicated per (source, destination, kind), and self-loops are
// dropped.
type IndirectionDetector struct {
	tracker *BasePointerTracker
	cfg     *Config
	stores  *storeIndex
	logger  *log.Logger

	edges []IndirectionEdge
	seen  map[edgeKey]struct{}
}

func newIndirectionDetector(tracker *BasePointerTracker, cfg *Config, stores *storeIndex, logger *log.Logger) *IndirectionDetector {
	return &IndirectionDetector{
		tracker: tracker,
		cfg:     cfg,
		stores:  stores,
		logger:  logger,
		seen:    make(map[edgeKey]struct{}),
	}
}

func (d *IndirectionDetector) Edges() []IndirectionEdge { return d.edges }

// Detect scans one function for both indirection shapes. It may be called
// repeatedly, including on the same function; recorded edges accumulate and
// duplicates are absorbed.
func (d *IndirectionDetector) Detect(fn *ssa.Function) {
	loads := functionLoads(fn)
	d.detectSingleValued(loads)
	d.detectRanged(fn, loads)
}

func functionLoads(fn *ssa.Function) []*ssa.UnOp {
	var loads []*ssa.UnOp
	for _, block := range fn.Blocks {
		for _, instr := range block.Instrs {
			if load, ok := isLoad(instr); ok {
				loads = append(loads, load)
			}
		}
	}
	return loads
}

func (d *IndirectionDetector) record(src, dest NodeID, kind EdgeKind, site ssa.Instruction) {
	if src == InvalidNode || dest == InvalidNode || src == dest {
		return
	}
	key := edgeKey{src: src, dest: dest, kind: kind}
	if _, dup := d.seen[key]; dup {
		return
	}
	d.seen[key] = struct{}{}
	d.edges = append(d.edges, IndirectionEdge{Src: src, Dest: dest, Kind: kind, Site: site})
}

// nodeFor resolves a value to a registered allocation.
func (d *IndirectionDetector) nodeFor(v ssa.Value) (NodeID, bool) {
	return d.tracker.NodeID(d.tracker.UltimateBase(v))
}

// --- single-valued -------------------------------------------------------

func (d *IndirectionDetector) detectSingleValued(loads []*ssa.UnOp) {
	for _, outer := range loads {
		addr, ok := outer.X.(*ssa.IndexAddr)
		if !ok {
			continue
		}
		inner := d.traceToLoad(addr.Index)
		if inner == nil || inner == outer {
			continue
		}

		var srcOrigin ssa.Value
		if innerAddr, ok := inner.X.(*ssa.IndexAddr); ok {
			srcOrigin = innerAddr.X
		} else {
			srcOrigin = inner.X
		}
		src, ok := d.nodeFor(srcOrigin)
		if !ok {
			continue
		}
		dest, ok := d.nodeFor(addr.X)
		if !ok {
			continue
		}
		d.record(src, dest, SingleValued, outer)
	}
}

// traceToLoad walks backwards through the computation of an index expression
// looking for the load it derives from. Conversions and arithmetic are
// traversed; a load from a stack slot is replaced by the values stored into
// that slot, so spilled intermediates do not hide the dependence. Phi nodes
// stop the walk: a loop-carried index is not a value loaded this iteration.
func (d *IndirectionDetector) traceToLoad(index ssa.Value) *ssa.UnOp {
	var work queue.Queue[ssa.Value]
	work.Push(index)
	visited := make(map[ssa.Value]bool)

	for !work.Empty() && len(visited) < d.cfg.TraceBudget {
		v := stripConversion(work.Pop())
		if visited[v] {
			continue
		}
		visited[v] = true

		switch x := v.(type) {
		case *ssa.UnOp:
			if x.Op != token.MUL {
				continue
			}
			if slot, ok := x.X.(*ssa.Alloc); ok && !slot.Heap {
				// Reload of a spilled value; continue from what was stored.
				for _, st := range d.stores.byLoc[slot] {
					work.Push(st.Val)
				}
				continue
			}
			return x
		case *ssa.BinOp:
			work.Push(x.X)
			work.Push(x.Y)
		}
	}
	return nil
}

// --- ranged --------------------------------------------------------------

func (d *IndirectionDetector) detectRanged(fn *ssa.Function, loads []*ssa.UnOp) {
	for _, start := range loads {
		for _, end := range loads {
			if start == end || !d.consecutivePair(start, end) {
				continue
			}
			d.checkRanged(fn, start, end)
		}
	}
}

// consecutivePair reports whether end loads the element directly after the
// one start loads, from the same allocation: indices i and i+1.
func (d *IndirectionDetector) consecutivePair(start, end *ssa.UnOp) bool {
	sa, ok := start.X.(*ssa.IndexAddr)
	if !ok {
		return false
	}
	ea, ok := end.X.(*ssa.IndexAddr)
	if !ok {
		return false
	}
	if !d.sameLocation(sa.X, ea.X) {
		return false
	}
	return d.successorIndex(sa.Index, ea.Index)
}

// sameLocation reports whether two address bases denote the same array, up
// to reloads of the same slot and similar struct-field projections.
func (d *IndirectionDetector) sameLocation(a, b ssa.Value) bool {
	if a == b {
		return true
	}
	la, aok := a.(*ssa.UnOp)
	lb, bok := b.(*ssa.UnOp)
	if aok && bok && la.Op == token.MUL && lb.Op == token.MUL {
		if la.X == lb.X || similarAccess(la.X, lb.X) {
			return true
		}
	}
	return similarAccess(a, b)
}

// successorIndex reports whether next computes prev+1, looking through one
// conversion level and reload equivalence on either side.
func (d *IndirectionDetector) successorIndex(prev, next ssa.Value) bool {
	bin, ok := stripConversion(next).(*ssa.BinOp)
	if !ok || bin.Op != token.ADD {
		return false
	}
	isOne := func(v ssa.Value) bool {
		c, ok := constInt64(v)
		return ok && c == 1
	}
	matches := func(v ssa.Value) bool {
		return d.equivalentValue(stripConversion(v), stripConversion(prev))
	}
	return (isOne(bin.Y) && matches(bin.X)) || (isOne(bin.X) && matches(bin.Y))
}

// equivalentValue equates a value with a reload of it: v and a load of a
// slot v was stored into denote the same runtime value here.
func (d *IndirectionDetector) equivalentValue(a, b ssa.Value) bool {
	if a == b {
		return true
	}
	la, aok := a.(*ssa.UnOp)
	lb, bok := b.(*ssa.UnOp)
	if aok && bok && la.Op == token.MUL && lb.Op == token.MUL && d.sameLocation(la.X, lb.X) {
		return true
	}
	reloadOf := func(load *ssa.UnOp, v ssa.Value) bool {
		if load.Op != token.MUL {
			return false
		}
		for _, st := range d.stores.byLoc[load.X] {
			if st.Val == v {
				return true
			}
		}
		return false
	}
	if aok && reloadOf(la, b) {
		return true
	}
	if bok && reloadOf(lb, a) {
		return true
	}
	return false
}

// checkRanged confirms that the consecutive pair actually bounds a loop, and
// records ranged edges from the offsets allocation to every registered
// allocation accessed inside that loop's body.
func (d *IndirectionDetector) checkRanged(fn *ssa.Function, start, end *ssa.UnOp) {
	startAddr := start.X.(*ssa.IndexAddr)
	src, ok := d.nodeFor(startAddr.X)
	if !ok {
		return
	}

	for _, endVal := range d.valueAndReloads(end) {
		for _, instr := range referrers(endVal) {
			cmp, ok := instr.(*ssa.BinOp)
			if !ok || !isComparison(cmp.Op) {
				continue
			}
			for _, user := range referrers(cmp) {
				branch, ok := user.(*ssa.If)
				if !ok {
					continue
				}
				body := branch.Block().Succs[0]
				d.recordBodyAccesses(fn, body, src, start)
			}
		}
	}
}

// valueAndReloads returns v together with loads of every location v was
// stored into, since loop conditions routinely compare against a reload of
// the bound rather than the bound itself.
func (d *IndirectionDetector) valueAndReloads(v ssa.Value) []ssa.Value {
	vals := []ssa.Value{v}
	for _, instr := range referrers(v) {
		st, ok := instr.(*ssa.Store)
		if !ok || st.Val != v {
			continue
		}
		for _, r := range referrers(st.Addr) {
			if load, ok := isLoad(r); ok {
				vals = append(vals, load)
			}
		}
	}
	return vals
}

// recordBodyAccesses records a ranged edge for each registered allocation
// loaded within the loop body (the blocks dominated by the taken branch
// target).
func (d *IndirectionDetector) recordBodyAccesses(fn *ssa.Function, body *ssa.BasicBlock, src NodeID, site ssa.Instruction) {
	for _, block := range fn.Blocks {
		if !body.Dominates(block) {
			continue
		}
		for _, instr := range block.Instrs {
			load, ok := isLoad(instr)
			if !ok {
				continue
			}
			addr, ok := load.X.(*ssa.IndexAddr)
			if !ok {
				continue
			}
			if dest, ok := d.nodeFor(addr.X); ok {
				d.record(src, dest, Ranged, site)
			}
		}
	}
}
