package dig_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BarrensZeppelin/dig"
)

func TestEmitFormat(t *testing.T) {
	res := &dig.Result{
		Nodes: []*dig.AllocationRecord{
			{ID: 0, ElemSize: 8, Count: 100},
			{ID: 1, ElemSize: 4, Count: -1},
		},
		Edges: []dig.IndirectionEdge{
			{Src: 0, Dest: 1, Kind: dig.SingleValued},
		},
	}

	var buf strings.Builder
	require.NoError(t, dig.NewEmitter(&buf).Emit(res))

	assert.Equal(t, `NODE 0 0x0 100 8
NODE 1 0x0 1 4
EDGE 0 1 1
TRIGGER 0 0 10 24
`, buf.String())
}

func TestEmitRangedSelector(t *testing.T) {
	res := &dig.Result{
		Nodes: []*dig.AllocationRecord{
			{ID: 0, ElemSize: 4, Count: 9},
			{ID: 1, ElemSize: 8, Count: 16},
		},
		Edges: []dig.IndirectionEdge{
			{Src: 0, Dest: 1, Kind: dig.Ranged},
		},
	}

	var buf strings.Builder
	require.NoError(t, dig.NewEmitter(&buf).Emit(res))
	assert.Contains(t, buf.String(), "EDGE 0 1 3\n")
}

func TestEmitOnce(t *testing.T) {
	res := &dig.Result{
		Nodes: []*dig.AllocationRecord{{ID: 0, ElemSize: 8, Count: 10}},
	}

	var buf strings.Builder
	em := dig.NewEmitter(&buf)
	require.NoError(t, em.Emit(res))
	first := buf.String()

	// Re-emitting an already registered result writes nothing new.
	require.NoError(t, em.Emit(res))
	assert.Equal(t, first, buf.String())

	// A fresh emitter starts over.
	var buf2 strings.Builder
	require.NoError(t, dig.NewEmitter(&buf2).Emit(res))
	assert.Equal(t, first, buf2.String())
}

func TestBuildGraphPure(t *testing.T) {
	res := &dig.Result{
		Nodes: []*dig.AllocationRecord{
			{ID: 0, ElemSize: 8, Count: 100},
			{ID: 1, ElemSize: 4, Count: 25},
		},
		Edges: []dig.IndirectionEdge{
			{Src: 0, Dest: 1, Kind: dig.SingleValued},
		},
	}

	g1 := res.Graph()
	g2 := res.Graph()
	assert.Equal(t, g1, g2)

	require.Len(t, g1.Nodes, 2)
	assert.Equal(t, "100", g1.Nodes[0].Count)
	assert.EqualValues(t, 0, g1.Nodes[0].Addr)
	require.Len(t, g1.Edges, 1)
	assert.Equal(t, dig.BaseOffset64, g1.Edges[0].Selector)
	require.Len(t, g1.Triggers, 1)
	assert.Equal(t, g1.Triggers[0].Src, g1.Triggers[0].Dest)
}
