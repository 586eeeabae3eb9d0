package dig_test

import (
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BarrensZeppelin/dig"
	"github.com/BarrensZeppelin/dig/pkgutil"
)

func init() {
	// Set up logging
	log.SetFlags(log.Ltime | log.Lshortfile)
}

// mallocDecl gives test programs a malloc-shaped allocator: the call site
// carries only a byte size, so element layout must be inferred.
const mallocDecl = `
func malloc(size int) []byte {
	return make([]byte, size)
}
`

const callocDecl = `
func calloc(count, size int) []byte {
	return make([]byte, count*size)
}
`

const reallocDecl = `
func realloc(buf []byte, size int) []byte {
	next := make([]byte, size)
	copy(next, buf)
	return next
}
`

func analyzeWith(t *testing.T, source string, mutate func(*dig.Config)) dig.Result {
	t.Helper()

	pkgs, err := pkgutil.LoadPackagesFromSource(source)
	require.NoError(t, err)

	prog, spkgs := pkgutil.BuildSSA(pkgs)

	cfg := dig.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	return dig.Analyze(dig.AnalysisConfig{
		Program:  prog,
		Packages: spkgs,
		Config:   &cfg,
	})
}

func analyzeSource(t *testing.T, source string) dig.Result {
	return analyzeWith(t, source, nil)
}

func nodesOfKind(res dig.Result, kind dig.AllocKind) []*dig.AllocationRecord {
	var out []*dig.AllocationRecord
	for _, rec := range res.Nodes {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// arrayNode finds the unique slice allocation with the given element type.
func arrayNode(t *testing.T, res dig.Result, elem string) *dig.AllocationRecord {
	t.Helper()
	for _, rec := range res.Nodes {
		if rec.Kind == dig.AllocArray && rec.ElemType != nil && rec.ElemType.String() == elem {
			return rec
		}
	}
	require.FailNowf(t, "missing allocation", "no %s array in %v", elem, res.Nodes)
	return nil
}

func hasEdge(res dig.Result, src, dest *dig.AllocationRecord, kind dig.EdgeKind) bool {
	for _, e := range res.Edges {
		if e.Src == src.ID && e.Dest == dest.ID && e.Kind == kind {
			return true
		}
	}
	return false
}

func triggerFor(res dig.Result, rec *dig.AllocationRecord) (dig.TriggerAssignment, bool) {
	for _, t := range res.Triggers() {
		if t.Node == rec.ID {
			return t, true
		}
	}
	return dig.TriggerAssignment{}, false
}

func TestMallocLiteralPattern(t *testing.T) {
	// The size expression n*4 names the element size directly; the count
	// stays symbolic because n is only known at run time.
	res := analyzeSource(t, `package main

var n = 100
`+mallocDecl+`
func main() {
	buf := malloc(n * 4)
	_ = buf
}`)

	recs := nodesOfKind(res, dig.AllocBytes)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.EqualValues(t, 4, rec.ElemSize)
	assert.Negative(t, rec.Count)
	assert.NotNil(t, rec.CountValue)
}

func TestMallocShiftPattern(t *testing.T) {
	res := analyzeSource(t, `package main

var n = 100
`+mallocDecl+`
func main() {
	buf := malloc(n << 2)
	_ = buf
}`)

	recs := nodesOfKind(res, dig.AllocBytes)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 4, recs[0].ElemSize)
}

func TestCallocExtraction(t *testing.T) {
	res := analyzeSource(t, `package main
`+callocDecl+`
func main() {
	buf := calloc(200, 8)
	_ = buf
}`)

	recs := nodesOfKind(res, dig.AllocZeroed)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 8, recs[0].ElemSize)
	assert.EqualValues(t, 200, recs[0].Count)
}

func TestSliceAllocation(t *testing.T) {
	res := analyzeSource(t, `package main

func main() {
	xs := make([]float64, 200)
	xs[0] = 1
	println(xs[0])
}`)

	rec := arrayNode(t, res, "float64")
	assert.EqualValues(t, 8, rec.ElemSize)
	assert.EqualValues(t, 200, rec.Count)
}

func TestSingleValuedIndirection(t *testing.T) {
	res := analyzeSource(t, `package main

func main() {
	a := make([]int64, 64)
	b := make([]int32, 64)
	var sum int64
	for i := 0; i < 64; i++ {
		sum += a[b[i]]
	}
	println(sum)
}`)

	a := arrayNode(t, res, "int64")
	b := arrayNode(t, res, "int32")

	require.Len(t, res.Edges, 1)
	assert.True(t, hasEdge(res, b, a, dig.SingleValued))

	// b heads the only chain; one hop of indirection keeps the default
	// look-ahead distance.
	trig, ok := triggerFor(res, b)
	require.True(t, ok)
	assert.Equal(t, dig.StaticOffset16, trig.Trigger)
	assert.Equal(t, dig.NeverSquash, trig.Squash)
	_, ok = triggerFor(res, a)
	assert.False(t, ok)
}

func TestStackedConversionIndex(t *testing.T) {
	// The loaded index is widened twice before it reaches the outer
	// subscript; the trace must see through every conversion level.
	res := analyzeSource(t, `package main

func main() {
	vals := make([]int64, 64)
	ids := make([]int16, 64)
	var s int64
	for i := 0; i < 64; i++ {
		s += vals[int(int32(ids[i]))]
	}
	println(s)
}`)

	vals := arrayNode(t, res, "int64")
	ids := arrayNode(t, res, "int16")

	require.Len(t, res.Edges, 1)
	assert.True(t, hasEdge(res, ids, vals, dig.SingleValued))
}

func TestRangedIndirection(t *testing.T) {
	// The CSR motif: consecutive offsets bound the slice of the edges array
	// walked by the inner loop.
	res := analyzeSource(t, `package main

func main() {
	off := make([]int32, 9)
	dst := make([]int64, 16)
	var s int64
	for v := 0; v < 8; v++ {
		for j := off[v]; j < off[v+1]; j++ {
			s += dst[j]
		}
	}
	println(s)
}`)

	off := arrayNode(t, res, "int32")
	dst := arrayNode(t, res, "int64")

	require.Len(t, res.Edges, 1)
	assert.True(t, hasEdge(res, off, dst, dig.Ranged))

	// The inner index is a loop phi, not a loaded value, so no
	// single-valued edge may appear between the two arrays.
	for _, e := range res.Edges {
		assert.NotEqual(t, dig.SingleValued, e.Kind)
	}
}

func TestDirectUseNoEdges(t *testing.T) {
	res := analyzeSource(t, `package main

func main() {
	arr := make([]int64, 128)
	for i := 0; i < 128; i++ {
		arr[i] = int64(i)
	}
	println(arr[0])
}`)

	arr := arrayNode(t, res, "int64")
	assert.Empty(t, res.Edges)

	trigs := res.Triggers()
	require.Len(t, trigs, 1)
	assert.Equal(t, arr.ID, trigs[0].Node)
	assert.Equal(t, dig.StaticOffset16, trigs[0].Trigger)
	assert.Equal(t, dig.NeverSquash, trigs[0].Squash)
}

func TestIndirectionChain(t *testing.T) {
	res := analyzeSource(t, `package main

func main() {
	a := make([]int64, 32)
	b := make([]int32, 32)
	c := make([]int16, 32)
	var sum int64
	for i := 0; i < 32; i++ {
		sum += a[b[c[i]]]
	}
	println(sum)
}`)

	a := arrayNode(t, res, "int64")
	b := arrayNode(t, res, "int32")
	c := arrayNode(t, res, "int16")

	require.Len(t, res.Edges, 2)
	assert.True(t, hasEdge(res, c, b, dig.SingleValued))
	assert.True(t, hasEdge(res, b, a, dig.SingleValued))

	// Two hops of indirection hang off c, so its prefetch trigger must run
	// further ahead.
	trigs := res.Triggers()
	require.Len(t, trigs, 1)
	assert.Equal(t, c.ID, trigs[0].Node)
	assert.Equal(t, dig.StaticOffset8, trigs[0].Trigger)
}

func TestStructFieldProvenance(t *testing.T) {
	// The arrays are parked in struct fields between allocation and use;
	// resolution has to run through the field projections.
	res := analyzeSource(t, `package main

type graph struct {
	off []int
	dst []int
	val []float64
}

func build(nv, ne int) *graph {
	g := &graph{}
	g.off = make([]int, nv+1)
	g.dst = make([]int, ne)
	g.val = make([]float64, ne)
	return g
}

func sum(g *graph) float64 {
	var s float64
	for v := 0; v < len(g.off)-1; v++ {
		end := g.off[v+1]
		for j := g.off[v]; j < end; j++ {
			s += g.val[g.dst[j]]
		}
	}
	return s
}

func main() {
	println(sum(build(8, 16)))
}`)

	val := arrayNode(t, res, "float64")
	// off and dst share an element type; tell them apart by use.
	var off, dst *dig.AllocationRecord
	for _, rec := range res.Nodes {
		if rec.Kind != dig.AllocArray || rec.ElemType == nil || rec.ElemType.String() != "int" {
			continue
		}
		if hasEdge(res, rec, val, dig.SingleValued) {
			dst = rec
		} else {
			off = rec
		}
	}
	require.NotNil(t, off)
	require.NotNil(t, dst)

	assert.True(t, hasEdge(res, off, dst, dig.Ranged))
	assert.True(t, hasEdge(res, off, val, dig.Ranged))
	assert.True(t, hasEdge(res, dst, val, dig.SingleValued))

	trig, ok := triggerFor(res, off)
	require.True(t, ok)
	assert.Equal(t, dig.StaticOffset8, trig.Trigger)
}

func TestGlobalProvenance(t *testing.T) {
	res := analyzeSource(t, `package main

var table []int64

func setup() {
	table = make([]int64, 128)
}

func main() {
	setup()
	keys := make([]int32, 16)
	var s int64
	for i := 0; i < 16; i++ {
		s += table[keys[i]]
	}
	println(s)
}`)

	table := arrayNode(t, res, "int64")
	keys := arrayNode(t, res, "int32")

	require.Len(t, res.Edges, 1)
	assert.True(t, hasEdge(res, keys, table, dig.SingleValued))
}

func TestEdgeDeduplication(t *testing.T) {
	res := analyzeSource(t, `package main

func main() {
	a := make([]int64, 64)
	b := make([]int32, 64)
	var sum int64
	for i := 0; i < 63; i++ {
		sum += a[b[i]] + a[b[i+1]]
	}
	println(sum)
}`)

	require.Len(t, res.Edges, 1)
	a := arrayNode(t, res, "int64")
	b := arrayNode(t, res, "int32")
	assert.True(t, hasEdge(res, b, a, dig.SingleValued))
}

func TestNoSelfLoops(t *testing.T) {
	// An array indexed by its own contents must not produce an edge.
	res := analyzeSource(t, `package main

func main() {
	next := make([]int32, 64)
	var s int32
	for i := 0; i < 64; i++ {
		s += next[next[i]]
	}
	println(s)
}`)

	assert.Empty(t, res.Edges)
}

func TestSuspiciousSizeSkipped(t *testing.T) {
	res := analyzeSource(t, `package main
`+mallocDecl+`
func main() {
	stack := malloc(65536)
	_ = stack
}`)

	assert.Empty(t, nodesOfKind(res, dig.AllocBytes))
}

func TestRuntimePrefixSkipped(t *testing.T) {
	pkgs, err := pkgutil.LoadPackagesFromSource(`package main

func pool() []int64 {
	return make([]int64, 9)
}

func main() {
	_ = pool()
}`)
	require.NoError(t, err)

	prog, spkgs := pkgutil.BuildSSA(pkgs)

	analyze := func(mutate func(*dig.Config)) dig.Result {
		cfg := dig.DefaultConfig()
		if mutate != nil {
			mutate(&cfg)
		}
		return dig.Analyze(dig.AnalysisConfig{Program: prog, Packages: spkgs, Config: &cfg})
	}

	inPool := func(res dig.Result) bool {
		for _, rec := range res.Nodes {
			if rec.Fn.Name() == "pool" {
				return true
			}
		}
		return false
	}

	require.True(t, inPool(analyze(nil)))

	// Prefixes match against fn.String(), which is qualified by the path of
	// the loaded package.
	prefix := spkgs[0].Pkg.Path() + ".pool"
	res := analyze(func(cfg *dig.Config) {
		cfg.RuntimePrefixes = append(cfg.RuntimePrefixes, prefix)
	})
	assert.False(t, inPool(res))
}

func TestAnalysisDeterminism(t *testing.T) {
	source := `package main

func main() {
	a := make([]int64, 32)
	b := make([]int32, 32)
	c := make([]int16, 32)
	var sum int64
	for i := 0; i < 32; i++ {
		sum += a[b[c[i]]]
	}
	println(sum)
}`

	pkgs, err := pkgutil.LoadPackagesFromSource(source)
	require.NoError(t, err)
	prog, spkgs := pkgutil.BuildSSA(pkgs)

	config := dig.AnalysisConfig{Program: prog, Packages: spkgs}
	first := dig.Analyze(config)
	second := dig.Analyze(config)

	assert.Equal(t, first.Graph(), second.Graph())
}

func TestTriggerCompleteness(t *testing.T) {
	res := analyzeSource(t, `package main

func main() {
	a := make([]int64, 32)
	b := make([]int32, 32)
	var sum int64
	for i := 0; i < 32; i++ {
		sum += a[b[i]]
	}
	println(sum)
}`)

	incoming := make(map[dig.NodeID]bool)
	for _, e := range res.Edges {
		incoming[e.Dest] = true
	}
	triggered := make(map[dig.NodeID]bool)
	for _, trig := range res.Triggers() {
		triggered[trig.Node] = true
	}

	// A node gets a trigger exactly when no edge covers it transitively.
	for _, rec := range res.Nodes {
		assert.NotEqual(t, incoming[rec.ID], triggered[rec.ID], "node %v", rec)
	}
}
