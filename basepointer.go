package dig

import (
	"go/token"
	"go/types"
	"log"

	"golang.org/x/tools/go/ssa"
)

// storeIndex answers "which stores write to this location" queries over one
// compilation unit. It is built once, before detection begins, so that
// provenance lookups can see stores from other functions (a global or struct
// field initialised far from its use).
type storeIndex struct {
	byLoc map[ssa.Value][]*ssa.Store
	all   []*ssa.Store
}

func buildStoreIndex(fns []*ssa.Function) *storeIndex {
	idx := &storeIndex{byLoc: make(map[ssa.Value][]*ssa.Store)}
	for _, fn := range fns {
		for _, block := range fn.Blocks {
			for _, instr := range block.Instrs {
				if st, ok := instr.(*ssa.Store); ok {
					idx.byLoc[st.Addr] = append(idx.byLoc[st.Addr], st)
					idx.all = append(idx.all, st)
				}
			}
		}
	}
	return idx
}

// BasePointerTracker resolves pointer values to the allocation they
// ultimately derive from, following pointer-arithmetic chains, type
// reinterpretations and load/store provenance through stack slots, globals
// and struct fields.
//
// Resolution never fails: a value with no discoverable path to a known
// allocation resolves to itself. Discovered aliases are memoized; the memo
// is a cache over the chain-following algorithm, not a source of truth.
type BasePointerTracker struct {
	memo   map[ssa.Value]NodeID
	stores *storeIndex
	budget int
	logger *log.Logger
}

func newBasePointerTracker(stores *storeIndex, budget int, logger *log.Logger) *BasePointerTracker {
	return &BasePointerTracker{
		memo:   make(map[ssa.Value]NodeID),
		stores: stores,
		budget: budget,
		logger: logger,
	}
}

// Register aliases v to the given node. Called once per allocation at
// discovery, and again whenever resolution proves a new alias.
func (t *BasePointerTracker) Register(v ssa.Value, id NodeID) {
	t.memo[v] = id
}

// NodeID reports the node v is known to alias.
func (t *BasePointerTracker) NodeID(v ssa.Value) (NodeID, bool) {
	id, ok := t.memo[v]
	return id, ok
}

// Resolve follows the provenance chain from v towards an allocation's origin
// value. It returns v unchanged when no chain is found. The traversal is
// bounded by the configured budget, so it terminates on cyclic or
// pathologically deep chains.
func (t *BasePointerTracker) Resolve(v ssa.Value) ssa.Value {
	visited := make(map[ssa.Value]bool)
	cur := v

	for steps := 0; steps < t.budget; steps++ {
		if cur == nil || visited[cur] {
			return v
		}
		visited[cur] = true

		if _, ok := t.memo[cur]; ok {
			return cur
		}

		switch x := cur.(type) {
		case *ssa.Global:
			next := t.storedValue(x)
			if next == nil {
				return cur
			}
			if id, ok := t.memo[next]; ok {
				t.Register(x, id)
				return next
			}
			cur = next

		case *ssa.FieldAddr:
			if sv := t.similarFieldStore(x); sv != nil {
				if _, ok := t.memo[sv]; ok {
					return sv
				}
				cur = sv
				continue
			}
			// Peel one projection level. This conflates a.field with
			// a.other_field when they share a base; recall over precision.
			cur = x.X

		case *ssa.IndexAddr:
			cur = x.X

		case *ssa.Slice:
			cur = x.X

		case *ssa.SliceToArrayPointer:
			cur = x.X

		case *ssa.Convert:
			cur = x.X

		case *ssa.ChangeType:
			cur = x.X

		case *ssa.UnOp:
			if x.Op != token.MUL {
				return cur
			}
			next := t.resolveLoad(x)
			if next == nil {
				return cur
			}
			cur = next

		default:
			return cur
		}
	}

	t.logf("base pointer trace budget exhausted at %v", cur)
	return cur
}

// resolveLoad finds the provenance of a loaded pointer: the value most
// recently known to be stored into the loaded-from location.
func (t *BasePointerTracker) resolveLoad(load *ssa.UnOp) ssa.Value {
	switch addr := load.X.(type) {
	case *ssa.Alloc, *ssa.Global:
		// Stack slot or global: stores are indexed by the location value.
		return t.storedValue(addr)

	case *ssa.FieldAddr:
		if sv := t.similarFieldStore(addr); sv != nil {
			return sv
		}
		return addr.X

	default:
		return nil
	}
}

// storedValue returns a value stored to loc, preferring one that already
// aliases a known allocation.
func (t *BasePointerTracker) storedValue(loc ssa.Value) ssa.Value {
	stores := t.stores.byLoc[loc]
	if len(stores) == 0 {
		return nil
	}
	for _, st := range stores {
		if _, ok := t.memo[st.Val]; ok {
			return st.Val
		}
	}
	return stores[0].Val
}

// similarFieldStore searches the whole unit for a store whose target is a
// projection similar to fa, preferring stored values that alias a known
// allocation.
func (t *BasePointerTracker) similarFieldStore(fa *ssa.FieldAddr) ssa.Value {
	var fallback ssa.Value
	for _, st := range t.stores.all {
		target, ok := st.Addr.(*ssa.FieldAddr)
		if !ok || !similarAccess(fa, target) {
			continue
		}
		if _, known := t.memo[st.Val]; known {
			return st.Val
		}
		if fallback == nil {
			fallback = st.Val
		}
	}
	return fallback
}

// similarAccess is the deliberately imprecise projection-matching predicate:
// two struct-field projections are similar when they select the same field
// of the same struct type, regardless of which instance they project from;
// two element projections are similar when their constant indices match
// exactly, with non-constant indices treated as wildcards. The wildcarding
// trades precision for recall and must not be silently tightened.
func similarAccess(a, b ssa.Value) bool {
	switch a := a.(type) {
	case *ssa.FieldAddr:
		fb, ok := b.(*ssa.FieldAddr)
		if !ok || a.Field != fb.Field {
			return false
		}
		return types.Identical(derefStruct(a.X.Type()), derefStruct(fb.X.Type()))

	case *ssa.IndexAddr:
		ib, ok := b.(*ssa.IndexAddr)
		if !ok {
			return false
		}
		ca, aok := constInt64(a.Index)
		cb, bok := constInt64(ib.Index)
		if aok && bok {
			return ca == cb
		}
		return true // non-constant index positions are wildcards
	}
	return false
}

func derefStruct(t types.Type) types.Type {
	if p, ok := t.Underlying().(*types.Pointer); ok {
		return p.Elem().Underlying()
	}
	return t.Underlying()
}

// UltimateBase resolves v and then peels residual loads, casts and
// projections, recovering the underlying array even when the pointer was
// parked in a stack slot or struct field on the way.
func (t *BasePointerTracker) UltimateBase(v ssa.Value) ssa.Value {
	base := t.Resolve(v)
	if load, ok := base.(*ssa.UnOp); ok && load.Op == token.MUL {
		base = t.Resolve(load.X)
	}

	for steps := 0; steps < t.budget; steps++ {
		if _, known := t.memo[base]; known {
			return base
		}
		switch b := base.(type) {
		case *ssa.IndexAddr:
			base = b.X
		case *ssa.FieldAddr:
			base = b.X
		case *ssa.Slice:
			base = b.X
		case *ssa.SliceToArrayPointer:
			base = b.X
		case *ssa.Convert:
			base = b.X
		case *ssa.ChangeType:
			base = b.X
		default:
			return base
		}
	}
	return base
}

func (t *BasePointerTracker) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
