package compiler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/model"
)

func TestFmDataBufferID(t *testing.T) {
	t.Parallel()
	sram := sramBuffer("ifm", fullShape, model.Shape{}, 1, 0)
	dram := dramBuffer("input", model.BufferInput, fullShape)

	tests := []struct {
		name    string
		id      uint32
		wantErr bool
	}{
		{"first", 1, false},
		{"last that fits", math.MaxUint16, false},
		{"one past", math.MaxUint16 + 1, true},
		{"far past", 1 << 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fm, err := fmData(sram, dram, &model.DmaOp{Name: "load"}, tt.id, core.FmNHWCB)
			if tt.wantErr {
				require.ErrorIs(t, err, core.ErrInvalidGraph)
				assert.True(t, core.IsConstructionError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint16(tt.id), fm.BufferID)
		})
	}
}
