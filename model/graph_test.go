package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/kernels"
)

func dram(name string, t BufferType) *Buffer {
	return &Buffer{Name: name, Location: LocationDram, Type: t, TensorShape: Shape{1, 16, 16, 16}}
}

func sram(name string) *Buffer {
	return &Buffer{Name: name, Location: LocationSram, TensorShape: Shape{1, 16, 16, 16}, StripeShape: Shape{1, 8, 16, 16}}
}

// chain builds in -> dma1 -> sramA -> mce -> pleIn -> ple -> sramB -> dma2 ->
// mid -> dma3 -> sramC -> dma4 -> out.
func chain(t *testing.T) (*Graph, map[string]*Buffer) {
	t.Helper()
	bufs := map[string]*Buffer{
		"in":    dram("in", BufferInput),
		"sramA": sram("sramA"),
		"pleIn": {Name: "pleIn", Location: LocationPleInputSram, TensorShape: Shape{1, 16, 16, 16}},
		"sramB": sram("sramB"),
		"mid":   dram("mid", BufferIntermediate),
		"sramC": sram("sramC"),
		"out":   dram("out", BufferOutput),
	}
	g := NewGraph()
	steps := []struct {
		op      Op
		in, out string
	}{
		{&DmaOp{Name: "dma1"}, "in", "sramA"},
		{&MceOp{Name: "mce"}, "sramA", "pleIn"},
		{&PleOp{Name: "ple", Kernel: kernels.Passthrough8x8}, "pleIn", "sramB"},
		{&DmaOp{Name: "dma2"}, "sramB", "mid"},
		{&DmaOp{Name: "dma3"}, "mid", "sramC"},
		{&DmaOp{Name: "dma4"}, "sramC", "out"},
	}
	for _, s := range steps {
		require.NoError(t, g.AddOp(s.op, []*Buffer{bufs[s.in]}, bufs[s.out]))
	}
	return g, bufs
}

func TestGraphEdges(t *testing.T) {
	t.Parallel()
	g, bufs := chain(t)

	require.NoError(t, g.Validate())
	assert.Equal(t, 6, g.OpCount())
	assert.Len(t, g.Buffers(), 7)

	p, ok := g.Producer(bufs["mid"])
	require.True(t, ok)
	assert.Equal(t, "dma2", p.OpName())

	cs := g.Consumers(bufs["mid"])
	require.Len(t, cs, 1)
	assert.Equal(t, "dma3", cs[0].Op.OpName())
	assert.Equal(t, 0, cs[0].Index)

	_, ok = g.Producer(bufs["in"])
	assert.False(t, ok)
}

func TestAddOpRejectsDuplicates(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	op := &DmaOp{Name: "dma"}
	require.NoError(t, g.AddOp(op, []*Buffer{dram("a", BufferInput)}, sram("b")))
	assert.Error(t, g.AddOp(op, nil, sram("c")))
	assert.Error(t, g.AddOp(&DmaOp{Name: "x"}, nil, nil))
}

func TestTopologicalOrder(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	in, x, y := dram("in", BufferInput), sram("x"), sram("y")
	consumer := &MceOp{Name: "consumer"}
	producer := &DmaOp{Name: "producer"}
	require.NoError(t, g.AddOp(consumer, []*Buffer{x}, y))
	require.NoError(t, g.AddOp(producer, []*Buffer{in}, x))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "producer", order[0].OpName())
	assert.Equal(t, "consumer", order[1].OpName())
}

func TestValidateRejectsCycles(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	x, y := sram("x"), sram("y")
	require.NoError(t, g.AddOp(&DmaOp{Name: "a"}, []*Buffer{y}, x))
	require.NoError(t, g.AddOp(&DmaOp{Name: "b"}, []*Buffer{x}, y))
	assert.ErrorContains(t, g.Validate(), "cycle")
}

func TestValidateRejectsEmpty(t *testing.T) {
	t.Parallel()
	assert.Error(t, NewGraph().Validate())
}

func TestWalks(t *testing.T) {
	t.Parallel()
	g, bufs := chain(t)
	index := func(op Op) int {
		i, _ := g.IndexOf(op)
		return i
	}

	start, ok := g.WalkUp(bufs["mid"], index)
	require.True(t, ok)
	assert.Equal(t, 0, start)

	end, ok := g.WalkDown(bufs["mid"], index)
	require.True(t, ok)
	assert.Equal(t, 5, end)

	_, ok = g.WalkUp(bufs["in"], index)
	assert.False(t, ok)
	_, ok = g.WalkDown(bufs["out"], index)
	assert.False(t, ok)
}

func TestIsFullTensor(t *testing.T) {
	t.Parallel()
	assert.True(t, dram("d", BufferInput).IsFullTensor())
	assert.False(t, sram("s").IsFullTensor())

	full := sram("f")
	full.StripeShape = full.TensorShape
	assert.True(t, full.IsFullTensor())
}

func TestTotalSizeBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(1*8*8*16), TotalSizeBytes(FormatNHWCB, Shape{1, 5, 3, 7}))
	assert.Equal(t, uint32(1*5*3*7), TotalSizeBytes(FormatNHWC, Shape{1, 5, 3, 7}))

	b := &Buffer{EncodedWeights: &EncodedWeights{Data: make([]byte, 40)}}
	assert.Equal(t, uint32(40), b.ComputedSize())
}
