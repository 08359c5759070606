package kernels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogIndexedByID(t *testing.T) {
	t.Parallel()
	for i, k := range Catalog {
		assert.Equal(t, ID(i), k.ID, "catalogue entry %d", i)
		assert.NotEmpty(t, k.Name)
		assert.NotZero(t, k.CodeSize)
		assert.True(t, k.NumInputs == 1 || k.NumInputs == 2)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	for _, k := range Catalog {
		id, err := Parse(k.ID.String())
		require.NoError(t, err)
		assert.Equal(t, k.ID, id)
	}
	_, err := Parse("V2442_NOT_A_KERNEL")
	assert.Error(t, err)
	assert.Equal(t, "PleKernelId(999)", ID(999).String())
}

func TestFind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		op     Operation
		bw, bh uint8
		want   ID
		found  bool
	}{
		{"passthrough 8x8", OpPassthrough, 8, 8, Passthrough8x8, true},
		{"passthrough 16x16", OpPassthrough, 16, 16, Passthrough16x16, true},
		{"addition 16x16", OpAddition, 16, 16, Addition16x16, true},
		{"addition 8x8 missing", OpAddition, 8, 8, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Find(tt.op, tt.bw, tt.bh)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestForOperationSorted(t *testing.T) {
	t.Parallel()
	ks := ForOperation(OpPassthrough)
	require.Len(t, ks, 2)
	assert.Equal(t, Passthrough8x8, ks[0].ID)
	assert.Equal(t, Passthrough16x16, ks[1].ID)
}

func TestOffsetsAreAlignedAndDisjoint(t *testing.T) {
	t.Parallel()
	assert.Zero(t, Offset(0))
	for id := ID(1); id < numIDs; id++ {
		off := Offset(id)
		assert.Zero(t, off%CodeAlignment)
		assert.GreaterOrEqual(t, off, Offset(id-1)+Catalog[id-1].CodeSize)
	}
	last := Catalog[numIDs-1]
	assert.GreaterOrEqual(t, BlobSize(), Offset(last.ID)+last.CodeSize)
}

func TestOperationNames(t *testing.T) {
	t.Parallel()
	op, err := ParseOperation("MAXPOOL_3X3_2_2_ODD")
	require.NoError(t, err)
	assert.Equal(t, OpMaxpool3x3Stride2Odd, op)
	assert.True(t, op.IsMaxpool3x3Stride2())
	assert.False(t, OpMaxpool2x2Stride2.IsMaxpool3x3Stride2())

	_, err = ParseOperation("NOPE")
	assert.Error(t, err)
}
