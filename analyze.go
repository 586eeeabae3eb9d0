package dig

import (
	"go/types"
	"log"
	"sort"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/BarrensZeppelin/dig/internal/maps"
)

func init() {
	log.SetFlags(log.Ltime | log.Lshortfile)
}

type AnalysisConfig struct {
	Program  *ssa.Program
	Packages []*ssa.Package

	// Config tunes thresholds and allocator recognition; nil means
	// DefaultConfig.
	Config *Config

	// Sizes is the layout oracle; nil means the gc layout for amd64.
	Sizes types.Sizes

	// Stride overrides the induction-variable stride oracle.
	Stride StrideOracle

	// Log receives diagnostic output when set.
	Log *log.Logger
}

type aContext struct {
	prog *ssa.Program
	cfg  *Config

	tracker  *BasePointerTracker
	sizer    *sizeInference
	detector *IndirectionDetector
	stores   *storeIndex

	records []*AllocationRecord
	byValue map[ssa.Value]NodeID

	logger *log.Logger
}

func (ctx *aContext) logf(format string, args ...any) {
	if ctx.logger != nil {
		ctx.logger.Printf(format, args...)
	}
}

// Analyze runs the full pipeline over the given packages: allocation
// discovery, element-size inference, base-pointer alias registration and
// indirection detection, in that order. Each phase completes for the whole
// unit before the next begins, so detection always sees every allocation,
// regardless of declaration order across functions and packages.
func Analyze(config AnalysisConfig) Result {
	cfg := config.Config
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	sizes := config.Sizes
	if sizes == nil {
		sizes = types.SizesFor("gc", "amd64")
	}
	stride := config.Stride
	if stride == nil {
		stride = inductionOracle{}
	}

	fns := unitFunctions(config.Program, config.Packages, cfg)
	stores := buildStoreIndex(fns)

	ctx := &aContext{
		prog:    config.Program,
		cfg:     cfg,
		stores:  stores,
		tracker: newBasePointerTracker(stores, cfg.TraceBudget, config.Log),
		byValue: make(map[ssa.Value]NodeID),
		logger:  config.Log,
	}
	ctx.sizer = &sizeInference{cfg: cfg, sizes: sizes, stride: stride, logger: config.Log}
	ctx.detector = newIndirectionDetector(ctx.tracker, cfg, stores, config.Log)

	for _, fn := range fns {
		ctx.collectAllocations(fn)
	}
	for _, rec := range ctx.records {
		ctx.sizer.infer(rec)
		ctx.logf("allocation %v", rec)
	}
	ctx.registerFieldAliases()
	for _, fn := range fns {
		ctx.detector.Detect(fn)
	}

	return Result{
		Nodes:   ctx.records,
		Edges:   ctx.detector.Edges(),
		byValue: ctx.byValue,
	}
}

// unitFunctions returns every function of the unit in a deterministic order:
// package members sorted by name, each followed by its anonymous functions,
// plus the methods of member types.
func unitFunctions(prog *ssa.Program, pkgs []*ssa.Package, cfg *Config) []*ssa.Function {
	var fns []*ssa.Function
	seen := make(map[*ssa.Function]bool)

	var add func(fn *ssa.Function)
	add = func(fn *ssa.Function) {
		if fn == nil || seen[fn] || runtimeHelper(fn, cfg) {
			return
		}
		seen[fn] = true
		fns = append(fns, fn)
		for _, anon := range fn.AnonFuncs {
			add(anon)
		}
	}

	for _, pkg := range pkgs {
		if pkg == nil {
			continue
		}
		names := maps.Keys(pkg.Members)
		sort.Strings(names)
		for _, name := range names {
			switch member := pkg.Members[name].(type) {
			case *ssa.Function:
				add(member)
			case *ssa.Type:
				for _, T := range []types.Type{member.Type(), types.NewPointer(member.Type())} {
					mset := prog.MethodSets.MethodSet(T)
					for i := 0; i < mset.Len(); i++ {
						add(prog.MethodValue(mset.At(i)))
					}
				}
			}
		}
	}
	return fns
}

func runtimeHelper(fn *ssa.Function, cfg *Config) bool {
	name := fn.String()
	for _, prefix := range cfg.RuntimePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// collectAllocations registers every allocation site in fn: slice creations,
// heap object allocations, and calls to recognised allocator functions.
func (ctx *aContext) collectAllocations(fn *ssa.Function) {
	for _, block := range fn.Blocks {
		for _, instr := range block.Instrs {
			switch v := instr.(type) {
			case *ssa.MakeSlice:
				ctx.newRecord(v, AllocArray, fn)
			case *ssa.Alloc:
				if !v.Heap {
					break
				}
				// Constant-length make is lowered to a heap array
				// allocation followed by a full slice of it, so an array
				// pointee is an array allocation, not a single object.
				elem := v.Type().Underlying().(*types.Pointer).Elem()
				if _, ok := elem.Underlying().(*types.Array); ok {
					ctx.newRecord(v, AllocArray, fn)
				} else {
					ctx.newRecord(v, AllocObject, fn)
				}
			case *ssa.Call:
				ctx.collectCall(v, fn)
			}
		}
	}
}

func (ctx *aContext) collectCall(call *ssa.Call, fn *ssa.Function) {
	callee := call.Call.StaticCallee()
	if callee == nil {
		return
	}
	kind, ok := ctx.cfg.Allocators[callee.Name()]
	if !ok {
		return
	}

	args := call.Call.Args
	sizeArg := -1
	switch kind {
	case AllocBytes, AllocObject, AllocArray:
		if len(args) < 1 {
			return
		}
		sizeArg = 0
	case AllocZeroed, AllocRealloc:
		if len(args) < 2 {
			return
		}
		sizeArg = 1
	default:
		return
	}

	// Allocations of a known implausible size are runtime-internal arenas and
	// pools, not data arrays worth prefetching.
	if sz, ok := constInt64(args[sizeArg]); ok && ctx.cfg.suspiciousSize(sz) {
		ctx.logf("skipping %v: suspicious size %d", call, sz)
		return
	}

	ctx.newRecord(call, kind, fn)
}

func (ctx *aContext) newRecord(v ssa.Value, kind AllocKind, fn *ssa.Function) *AllocationRecord {
	rec := &AllocationRecord{
		ID:    NodeID(len(ctx.records)),
		Kind:  kind,
		Value: v,
		Fn:    fn,
		Count: unknownExtent,
	}
	ctx.records = append(ctx.records, rec)
	ctx.byValue[v] = rec.ID
	ctx.tracker.Register(v, rec.ID)
	return rec
}

// registerFieldAliases records which struct fields hold which allocations,
// so later loads through a similar field projection resolve without a full
// provenance trace. Runs after collection, once stores across the whole unit
// are visible.
func (ctx *aContext) registerFieldAliases() {
	for _, st := range ctx.stores.all {
		id, ok := ctx.tracker.NodeID(st.Val)
		if !ok {
			// A constant-length make stores the slice of the underlying
			// array allocation rather than the allocation value itself.
			id, ok = ctx.tracker.NodeID(ctx.tracker.Resolve(st.Val))
		}
		if !ok {
			continue
		}
		if fa, isField := st.Addr.(*ssa.FieldAddr); isField {
			ctx.tracker.Register(fa, id)
		}
	}
}
