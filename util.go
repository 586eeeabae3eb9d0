package dig

import (
	"go/constant"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"
)

// constInt64 extracts a constant integer value.
func constInt64(v ssa.Value) (int64, bool) {
	c, ok := v.(*ssa.Const)
	if !ok || c.Value == nil || c.Value.Kind() != constant.Int {
		return 0, false
	}
	return constant.Int64Val(c.Value)
}

// isLoad reports whether the instruction reads memory, returning the load.
func isLoad(instr ssa.Instruction) (*ssa.UnOp, bool) {
	u, ok := instr.(*ssa.UnOp)
	if !ok || u.Op != token.MUL {
		return nil, false
	}
	return u, true
}

// stripConversion peels value-preserving type conversions, however many are
// stacked (a named integer type converted to its underlying type and then to
// int is two levels). Integer widening and narrowing both appear as
// *ssa.Convert in SSA form.
func stripConversion(v ssa.Value) ssa.Value {
	for {
		switch x := v.(type) {
		case *ssa.Convert:
			v = x.X
		case *ssa.ChangeType:
			v = x.X
		default:
			return v
		}
	}
}

func isComparison(op token.Token) bool {
	switch op {
	case token.LSS, token.LEQ, token.GTR, token.GEQ, token.EQL, token.NEQ:
		return true
	}
	return false
}

// isByteSlice reports whether t is a slice of bytes, the shape produced by
// malloc-style allocators.
func isByteSlice(t types.Type) bool {
	s, ok := t.Underlying().(*types.Slice)
	if !ok {
		return false
	}
	b, ok := s.Elem().Underlying().(*types.Basic)
	return ok && b.Kind() == types.Uint8
}

// sizeOf returns the storage size of t, or 0 when the layout oracle cannot
// answer (invalid or abstract types).
func sizeOf(sizes types.Sizes, t types.Type) (size int64) {
	if sizes == nil || t == nil {
		return 0
	}
	if b, ok := t.Underlying().(*types.Basic); ok && b.Info()&types.IsUntyped != 0 {
		return 0
	}
	defer func() {
		// Sizeof panics on exotic types; treat those as unsized.
		if recover() != nil {
			size = 0
		}
	}()
	return sizes.Sizeof(t)
}

// referrers returns the uses of v, tolerating values that track none.
func referrers(v ssa.Value) []ssa.Instruction {
	refs := v.Referrers()
	if refs == nil {
		return nil
	}
	return *refs
}
