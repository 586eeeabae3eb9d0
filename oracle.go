package dig

import (
	"go/token"

	"golang.org/x/tools/go/ssa"
)

// StrideOracle answers affine-recurrence queries about index expressions.
// Given a value used as an array index, Step reports the constant stride per
// loop iteration when the value is an affine function of an induction
// variable. It stands in for the host compiler's scalar-evolution analysis;
// a custom implementation can be supplied on AnalysisConfig.
type StrideOracle interface {
	Step(v ssa.Value) (step int64, ok bool)
}

// inductionOracle is the default StrideOracle. It recognises phi-based
// induction recurrences (i = φ(i₀, i+c)) and sums/products of them with
// constants.
type inductionOracle struct{}

const maxStrideDepth = 8

func (o inductionOracle) Step(v ssa.Value) (int64, bool) {
	return o.step(v, 0)
}

func (o inductionOracle) step(v ssa.Value, depth int) (int64, bool) {
	if depth > maxStrideDepth {
		return 0, false
	}

	switch v := v.(type) {
	case *ssa.Phi:
		return phiStep(v)

	case *ssa.BinOp:
		switch v.Op {
		case token.ADD, token.SUB:
			// Adding a constant offset does not change the stride.
			if _, ok := constInt64(v.Y); ok {
				return o.step(v.X, depth+1)
			}
			if _, ok := constInt64(v.X); ok {
				return o.step(v.Y, depth+1)
			}
		case token.MUL:
			if c, ok := constInt64(v.Y); ok {
				if s, ok := o.step(v.X, depth+1); ok {
					return s * c, true
				}
			}
			if c, ok := constInt64(v.X); ok {
				if s, ok := o.step(v.Y, depth+1); ok {
					return s * c, true
				}
			}
		case token.SHL:
			if c, ok := constInt64(v.Y); ok && c >= 0 && c < 32 {
				if s, ok := o.step(v.X, depth+1); ok {
					return s << uint(c), true
				}
			}
		}

	case *ssa.Convert:
		return o.step(v.X, depth+1)

	case *ssa.ChangeType:
		return o.step(v.X, depth+1)
	}

	return 0, false
}

// phiStep recognises the canonical loop recurrence: one of the phi's edges
// is the phi itself plus a constant.
func phiStep(phi *ssa.Phi) (int64, bool) {
	for _, e := range phi.Edges {
		bin, ok := e.(*ssa.BinOp)
		if !ok || (bin.Op != token.ADD && bin.Op != token.SUB) {
			continue
		}

		var c int64
		switch {
		case bin.X == phi:
			if k, ok := constInt64(bin.Y); ok {
				c = k
			} else {
				continue
			}
		case bin.Y == phi && bin.Op == token.ADD:
			if k, ok := constInt64(bin.X); ok {
				c = k
			} else {
				continue
			}
		default:
			continue
		}

		if bin.Op == token.SUB {
			c = -c
		}
		return c, true
	}
	return 0, false
}

// isInductionDerived reports whether v is computed from a loop induction
// variable through casts and arithmetic. Used to recognise structurally
// loop-indexed accesses without caring about the exact stride.
func isInductionDerived(v ssa.Value, depth int) bool {
	if depth > maxStrideDepth {
		return false
	}

	switch v := v.(type) {
	case *ssa.Phi:
		_, ok := phiStep(v)
		return ok
	case *ssa.BinOp:
		return isInductionDerived(v.X, depth+1) || isInductionDerived(v.Y, depth+1)
	case *ssa.Convert:
		return isInductionDerived(v.X, depth+1)
	case *ssa.ChangeType:
		return isInductionDerived(v.X, depth+1)
	}
	return false
}
