package dig

import (
	"go/token"
	"go/types"
	"log"
	"sort"

	"golang.org/x/tools/go/ssa"

	"github.com/BarrensZeppelin/dig/internal/queue"
)

// sizeInference determines the element size and element count of each
// allocation. Typed allocations (slices, objects, zeroed arrays) carry their
// layout directly; raw byte allocations go through a ladder of strategies,
// tried in order, where the first success wins:
//
//  1. a literal count*size (or count<<shift) pattern in the size expression
//  2. usage patterns: how the allocated memory is actually indexed and
//     accessed downstream
//  3. the stride oracle, asked about index expressions into the allocation
//  4. a byte-granular default
//
// Inference is total: every allocation leaves with a positive element size,
// falling back to single bytes when nothing better is known.
type sizeInference struct {
	cfg    *Config
	sizes  types.Sizes
	stride StrideOracle
	logger *log.Logger
}

func (s *sizeInference) infer(rec *AllocationRecord) {
	switch rec.Kind {
	case AllocArray:
		s.inferArray(rec)
	case AllocObject:
		s.inferObject(rec)
	case AllocZeroed:
		s.inferZeroed(rec)
	case AllocBytes, AllocRealloc:
		s.inferBytes(rec)
	}
	if rec.ElemSize <= 0 {
		rec.ElemSize = 1
	}
}

// inferArray handles array allocations where the element type is explicit:
// slice creations and heap-allocated fixed arrays (constant-length make is
// lowered to the latter). An array allocation recognised by callee name
// carries no type information and goes through the byte ladder instead.
func (s *sizeInference) inferArray(rec *AllocationRecord) {
	switch v := rec.Value.(type) {
	case *ssa.MakeSlice:
		slice, ok := v.Type().Underlying().(*types.Slice)
		if !ok {
			rec.ElemSize = 1
			return
		}
		rec.ElemType = slice.Elem()
		rec.ElemSize = sizeOf(s.sizes, slice.Elem())
		if rec.ElemSize <= 0 {
			rec.ElemSize = 1
		}
		if n, ok := constInt64(v.Len); ok {
			rec.Count = n
		} else {
			rec.Count = unknownExtent
			rec.CountValue = v.Len
		}

	case *ssa.Alloc:
		elem := v.Type().Underlying().(*types.Pointer).Elem()
		arr, ok := elem.Underlying().(*types.Array)
		if !ok {
			rec.ElemSize = 1
			rec.Count = 1
			return
		}
		rec.ElemType = arr.Elem()
		rec.ElemSize = sizeOf(s.sizes, arr.Elem())
		rec.Count = arr.Len()

	default:
		s.inferBytes(rec)
	}
}

// inferObject handles single-object heap allocations. For construction
// recognised by callee name, a constant size that looks like a small
// aligned object (a multiple of 8, at most 256 bytes) is taken at face
// value; anything scaled by a runtime count falls through to the byte
// ladder.
func (s *sizeInference) inferObject(rec *AllocationRecord) {
	switch v := rec.Value.(type) {
	case *ssa.Alloc:
		elem := v.Type().Underlying().(*types.Pointer).Elem()
		rec.ElemType = elem
		rec.ElemSize = sizeOf(s.sizes, elem)
		rec.Count = 1

	case *ssa.Call:
		if len(v.Call.Args) == 0 {
			rec.ElemSize = 1
			rec.Count = 1
			return
		}
		arg := v.Call.Args[0]
		if sz, ok := constInt64(arg); ok && sz > 0 && sz%8 == 0 && sz <= 256 {
			rec.ElemSize = sz
			rec.Count = 1
			return
		}
		s.inferSized(rec, arg)

	default:
		rec.ElemSize = 1
		rec.Count = 1
	}
}

// inferZeroed handles calloc-style allocators, which separate count and size
// at the call site already.
func (s *sizeInference) inferZeroed(rec *AllocationRecord) {
	call, ok := rec.Value.(*ssa.Call)
	if !ok || len(call.Call.Args) < 2 {
		rec.ElemSize = 1
		return
	}
	count, size := call.Call.Args[0], call.Call.Args[1]
	if sz, ok := constInt64(size); ok && sz > 0 {
		rec.ElemSize = sz
	} else {
		// Arguments swapped, or size genuinely unknown; fall back to the
		// byte ladder on the size operand.
		s.inferSized(rec, size)
		if rec.CountValue == size {
			rec.CountValue = count
		}
		return
	}
	if n, ok := constInt64(count); ok {
		rec.Count = n
	} else {
		rec.Count = unknownExtent
		rec.CountValue = count
	}
}

// inferBytes handles raw byte allocators (malloc, realloc): the call site
// only gives a total byte size, so element layout comes from the ladder.
func (s *sizeInference) inferBytes(rec *AllocationRecord) {
	call, ok := rec.Value.(*ssa.Call)
	if !ok {
		rec.ElemSize = 1
		return
	}
	argIdx := 0
	if rec.Kind == AllocRealloc {
		argIdx = 1
	}
	if len(call.Call.Args) <= argIdx {
		rec.ElemSize = 1
		return
	}
	s.inferSized(rec, call.Call.Args[argIdx])
}

func (s *sizeInference) inferSized(rec *AllocationRecord, sizeArg ssa.Value) {
	// Default interpretation: byte-granular, count equal to the byte size.
	total, totalKnown := constInt64(sizeArg)
	if totalKnown {
		rec.Count = total
	} else {
		rec.Count = unknownExtent
		rec.CountValue = sizeArg
	}
	rec.ElemSize = 1

	if s.literalPattern(rec, sizeArg) {
		return
	}
	if size := s.usagePattern(rec.Value, total); size > 1 {
		s.adopt(rec, total, totalKnown, size)
		return
	}
	if size := s.strideSize(rec.Value); size > 1 {
		s.adopt(rec, total, totalKnown, size)
		return
	}
}

// adopt installs an inferred element size, deriving the count from the total
// byte size when it divides evenly.
func (s *sizeInference) adopt(rec *AllocationRecord, total int64, totalKnown bool, size int64) {
	rec.ElemSize = size
	if totalKnown && total%size == 0 {
		rec.Count = total / size
		rec.CountValue = nil
	}
}

// literalPattern recognises size expressions of the shape count*c and
// count<<c where the resulting unit is a plausible element size.
func (s *sizeInference) literalPattern(rec *AllocationRecord, sizeArg ssa.Value) bool {
	bin, ok := stripConversion(sizeArg).(*ssa.BinOp)
	if !ok {
		return false
	}

	try := func(count, size ssa.Value) bool {
		sz, ok := constInt64(size)
		if !ok {
			return false
		}
		if bin.Op == token.SHL {
			if sz < 0 || sz > 6 {
				return false
			}
			sz = 1 << sz
		}
		if !s.cfg.plausibleSize(sz) {
			return false
		}
		rec.ElemSize = sz
		if n, ok := constInt64(count); ok {
			rec.Count = n
			rec.CountValue = nil
		} else {
			rec.Count = unknownExtent
			rec.CountValue = stripConversion(count)
		}
		return true
	}

	switch bin.Op {
	case token.MUL:
		return try(bin.X, bin.Y) || try(bin.Y, bin.X)
	case token.SHL:
		return try(bin.X, bin.Y)
	}
	return false
}

// usagePattern walks the uses of an allocated value and votes on an element
// size. Two independent signals are tallied:
//
//   - the types at which the memory is loaded or stored, after
//     reinterpretation: the dominant access type wins when it is accessed
//     repeatedly and (for known totals) divides the allocation evenly
//   - constant byte offsets indexed off the raw base: the most common gap
//     between consecutive offsets exposes a record stride even when every
//     access stays byte-typed
//
// It also accepts a typed access at a loop-induction index as a weaker,
// single-occurrence signal.
func (s *sizeInference) usagePattern(origin ssa.Value, total int64) int64 {
	typeFreq := make(map[int64]int)
	var byteOffsets []int64
	inductionTyped := int64(0)

	var work queue.Queue[ssa.Value]
	work.Push(origin)
	visited := map[ssa.Value]bool{origin: true}
	steps := 0

	record := func(t types.Type) {
		sz := sizeOf(s.sizes, t)
		if sz > 0 {
			typeFreq[sz]++
		}
	}

	for !work.Empty() && steps < s.cfg.TraceBudget*4 {
		steps++
		v := work.Pop()
		for _, instr := range referrers(v) {
			switch use := instr.(type) {
			case *ssa.IndexAddr:
				if use.X != v {
					continue
				}
				if off, ok := constInt64(use.Index); ok && isByteSlice(v.Type()) {
					byteOffsets = append(byteOffsets, off)
				}
				s.tallyAccesses(use, record)
				if s.stride != nil {
					if _, ok := s.stride.Step(use.Index); ok || isInductionDerived(use.Index, 0) {
						if sz := s.accessSize(use); sz > 1 && sz <= s.cfg.MaxStride {
							inductionTyped = sz
						}
					}
				}
			case *ssa.Slice:
				if use.X == v && !visited[use] {
					visited[use] = true
					work.Push(use)
				}
			case *ssa.Convert:
				if use.X == v && !visited[use] {
					visited[use] = true
					work.Push(use)
				}
			case *ssa.ChangeType:
				if use.X == v && !visited[use] {
					visited[use] = true
					work.Push(use)
				}
			case *ssa.SliceToArrayPointer:
				if use.X == v && !visited[use] {
					visited[use] = true
					work.Push(use)
				}
			case *ssa.Store:
				// A store parking the pointer somewhere; follow loads of
				// that location so reinterpreted reloads still count.
				if use.Val != v || visited[use.Addr] {
					continue
				}
				visited[use.Addr] = true
				for _, r := range referrers(use.Addr) {
					if load, ok := isLoad(r); ok && !visited[load] {
						visited[load] = true
						work.Push(load)
					}
				}
			}
		}
	}

	// Dominant access type.
	best, bestFreq := int64(0), 0
	for sz, freq := range typeFreq {
		if sz <= 1 || freq < 2 {
			continue
		}
		if total > 0 && total%sz != 0 {
			continue
		}
		if freq > bestFreq || (freq == bestFreq && sz > best) {
			best, bestFreq = sz, freq
		}
	}
	if best > 1 {
		return best
	}

	if delta := dominantDelta(byteOffsets, s.cfg.MaxStride); delta > 1 {
		if total <= 0 || total%delta == 0 {
			return delta
		}
	}

	if inductionTyped > 1 && (total <= 0 || total%inductionTyped == 0) {
		return inductionTyped
	}
	return 0
}

// tallyAccesses records the element types of loads and stores going through
// an address computation.
func (s *sizeInference) tallyAccesses(addr ssa.Value, record func(types.Type)) {
	for _, instr := range referrers(addr) {
		switch use := instr.(type) {
		case *ssa.UnOp:
			if use.Op == token.MUL {
				record(use.Type())
			}
		case *ssa.Store:
			if use.Addr == addr {
				record(use.Val.Type())
			}
		}
	}
}

// accessSize returns the size of the element type actually loaded or stored
// through addr, or 0 when none is visible.
func (s *sizeInference) accessSize(addr ssa.Value) int64 {
	for _, instr := range referrers(addr) {
		switch use := instr.(type) {
		case *ssa.UnOp:
			if use.Op == token.MUL {
				return sizeOf(s.sizes, use.Type())
			}
		case *ssa.Store:
			if use.Addr == addr {
				return sizeOf(s.sizes, use.Val.Type())
			}
		}
	}
	return 0
}

// dominantDelta returns the most frequent gap between consecutive sorted
// offsets, requiring at least two occurrences and rejecting gaps beyond the
// stride cap.
func dominantDelta(offsets []int64, maxStride int64) int64 {
	if len(offsets) < 3 {
		return 0
	}
	sorted := append([]int64(nil), offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	freq := make(map[int64]int)
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i] - sorted[i-1]; d > 0 && d <= maxStride {
			freq[d]++
		}
	}
	best, bestFreq := int64(0), 1
	for d, f := range freq {
		if f > bestFreq || (f == bestFreq && d > best) {
			best, bestFreq = d, f
		}
	}
	if bestFreq < 2 {
		return 0
	}
	return best
}

// strideSize consults the stride oracle about index expressions into the
// allocation: a byte-typed base walked with step k is treated as an array of
// k-byte elements.
func (s *sizeInference) strideSize(origin ssa.Value) int64 {
	if s.stride == nil {
		return 0
	}
	for _, instr := range referrers(origin) {
		idx, ok := instr.(*ssa.IndexAddr)
		if !ok || idx.X != origin {
			continue
		}
		if step, ok := s.stride.Step(idx.Index); ok && step > 1 && step <= s.cfg.MaxStride {
			return step
		}
	}
	return 0
}
