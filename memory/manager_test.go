package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/model"
)

func TestIDsAreDenseAfterCommandStream(t *testing.T) {
	t.Parallel()
	m := NewBufferManager()
	in := m.AddDramInput(4096, 7)
	mid := m.AddDram(model.BufferIntermediate, 1024)
	w, err := m.AddDramConstant(model.BufferConstantDma, []byte{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, []uint32{1, 2, 3}, []uint32{in, mid, w})
	b, ok := m.Buffer(in)
	require.True(t, ok)
	assert.Equal(t, model.BufferInput, b.Type)
	assert.Equal(t, uint32(7), b.OperationID)

	_, ok = m.Buffer(99)
	assert.False(t, ok)
}

func TestAddDramConstantRejectsNonConstant(t *testing.T) {
	t.Parallel()
	_, err := NewBufferManager().AddDramConstant(model.BufferIntermediate, []byte{1})
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestChangeToOutput(t *testing.T) {
	t.Parallel()
	m := NewBufferManager()
	id := m.AddDram(model.BufferIntermediate, 64)
	require.NoError(t, m.MarkBufferUsedAtTime(id, 0, 3))
	require.NoError(t, m.ChangeToOutput(id, 4, 1))

	b, _ := m.Buffer(id)
	assert.Equal(t, model.BufferOutput, b.Type)
	assert.Equal(t, uint32(4), b.OperationID)
	assert.Equal(t, uint32(1), b.ProducerOutputIndex)
	assert.False(t, b.HasLifetime)

	in := m.AddDramInput(64, 0)
	assert.ErrorIs(t, m.ChangeToOutput(in, 0, 0), ErrWrongType)
	assert.ErrorIs(t, m.ChangeToOutput(42, 0, 0), ErrUnknownBuffer)
}

func TestMarkBufferUsedAtTimeValidates(t *testing.T) {
	t.Parallel()
	m := NewBufferManager()
	id := m.AddDram(model.BufferIntermediate, 64)
	assert.ErrorIs(t, m.MarkBufferUsedAtTime(id, 5, 5), ErrBadLifetime)
	assert.ErrorIs(t, m.MarkBufferUsedAtTime(77, 0, 1), ErrUnknownBuffer)
}

func TestAllocateConstantsPacked(t *testing.T) {
	t.Parallel()
	m := NewBufferManager()
	a, _ := m.AddDramConstant(model.BufferConstantDma, make([]byte, 10))
	b, _ := m.AddDramConstant(model.BufferConstantDma, make([]byte, 100))
	m.AddCommandStream([]byte("ENCS"))
	require.NoError(t, m.Allocate())
	assert.True(t, m.Allocated())

	ba, _ := m.Buffer(a)
	bb, _ := m.Buffer(b)
	assert.Equal(t, uint32(0), ba.Offset)
	assert.Equal(t, uint32(64), bb.Offset)
	assert.Len(t, m.ConstantDmaData(), 64+128)
	assert.Len(t, m.ConstantControlUnitData(), 64)
	assert.Equal(t, []byte("ENCS"), m.ConstantControlUnitData()[:4])
}

func TestAllocateReusesDisjointLifetimes(t *testing.T) {
	t.Parallel()
	m := NewBufferManager()
	first := m.AddDram(model.BufferIntermediate, 100)
	second := m.AddDram(model.BufferIntermediate, 100)
	overlapping := m.AddDram(model.BufferIntermediate, 50)
	require.NoError(t, m.MarkBufferUsedAtTime(first, 0, 4))
	require.NoError(t, m.MarkBufferUsedAtTime(second, 4, 9))
	require.NoError(t, m.MarkBufferUsedAtTime(overlapping, 2, 6))
	require.NoError(t, m.Allocate())

	bufs := m.Buffers()
	assert.Equal(t, uint32(0), bufs[first].Offset)
	assert.Equal(t, uint32(128), bufs[overlapping].Offset)
	assert.Equal(t, uint32(0), bufs[second].Offset, "disjoint from first, overlapping buffer sits above")
	assert.Equal(t, uint32(192), m.IntermediateSize())
}

func TestAllocateNeverOverlapsLiveBuffers(t *testing.T) {
	t.Parallel()
	m := NewBufferManager()
	lifetimes := [][2]uint32{{0, 3}, {1, 5}, {2, 4}, {4, 8}, {6, 9}, {0, 9}}
	for i, lt := range lifetimes {
		id := m.AddDram(model.BufferIntermediate, uint32(64*(i+1)))
		require.NoError(t, m.MarkBufferUsedAtTime(id, lt[0], lt[1]))
	}
	m.AddDram(model.BufferIntermediate, 64) // no lifetime: live throughout
	require.NoError(t, m.Allocate())

	var inter []Buffer
	for _, b := range m.Buffers() {
		if b.Type == model.BufferIntermediate {
			inter = append(inter, b)
		}
	}
	span := func(b Buffer) (uint32, uint32) {
		if !b.HasLifetime {
			return 0, ^uint32(0)
		}
		return b.LifetimeStart, b.LifetimeEnd
	}
	for i := range inter {
		for j := i + 1; j < len(inter); j++ {
			a, b := inter[i], inter[j]
			as, ae := span(a)
			bs, be := span(b)
			if as < be && bs < ae {
				disjoint := a.Offset+a.Size <= b.Offset || b.Offset+b.Size <= a.Offset
				assert.True(t, disjoint, "buffers %d and %d overlap in time and space", a.ID, b.ID)
			}
		}
		assert.LessOrEqual(t, inter[i].Offset+inter[i].Size, m.IntermediateSize())
	}
	assert.Len(t, m.Regions(), 3)
}
