package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastNeededStripe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		dep    Dependency
		stripe uint32
		total  uint16
		want   uint32
	}{
		{
			name:   "one to one",
			dep:    Dependency{OuterRatio: Ratio{1, 1}, InnerRatio: Ratio{1, 1}},
			stripe: 3, total: 10, want: 3,
		},
		{
			name:   "uneven three to two first stripe",
			dep:    Dependency{OuterRatio: Ratio{Other: 3, Self: 2}, InnerRatio: Ratio{Other: 2, Self: 1}, Boundary: 1},
			stripe: 0, total: 3, want: 2,
		},
		{
			name:   "uneven three to two clamps to outer unit",
			dep:    Dependency{OuterRatio: Ratio{Other: 3, Self: 2}, InnerRatio: Ratio{Other: 2, Self: 1}, Boundary: 1},
			stripe: 1, total: 3, want: 2,
		},
		{
			name:   "clamped to other total",
			dep:    Dependency{OuterRatio: Ratio{Other: 4, Self: 1}, InnerRatio: Ratio{Other: 4, Self: 1}},
			stripe: 0, total: 2, want: 1,
		},
		{
			name:   "several self stripes per other stripe",
			dep:    Dependency{OuterRatio: Ratio{Other: 2, Self: 4}, InnerRatio: Ratio{Other: 1, Self: 2}},
			stripe: 2, total: 2, want: 1,
		},
		{
			name:   "first of several self stripes",
			dep:    Dependency{OuterRatio: Ratio{Other: 2, Self: 4}, InnerRatio: Ratio{Other: 1, Self: 2}},
			stripe: 1, total: 2, want: 0,
		},
		{
			name:   "second outer unit",
			dep:    Dependency{OuterRatio: Ratio{Other: 2, Self: 2}, InnerRatio: Ratio{Other: 1, Self: 1}},
			stripe: 3, total: 8, want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dep.LastNeededStripe(tt.stripe, tt.total))
		})
	}
}

func TestRelativeAgentIDBound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		owner, other AgentID
		want         RelativeAgentID
		wantErr      bool
	}{
		{"forward at limit", 10, 137, 127, false},
		{"forward past limit", 10, 138, 0, true},
		{"backward at limit", 200, 73, -127, false},
		{"backward past limit", 200, 72, 0, true},
		{"adjacent", 4, 3, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRelativeAgentID(tt.owner, tt.other)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrRelativeAgentDistance)
				assert.True(t, IsConstructionError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDependencyOther(t *testing.T) {
	t.Parallel()
	id, ok := Dependency{RelativeAgentID: -2}.Other(5)
	require.True(t, ok)
	assert.Equal(t, AgentID(3), id)

	_, ok = Dependency{RelativeAgentID: -6}.Other(5)
	assert.False(t, ok)
}

func TestDependencyValidate(t *testing.T) {
	t.Parallel()
	good := Dependency{RelativeAgentID: 1, OuterRatio: Ratio{1, 1}, InnerRatio: Ratio{1, 1}, Boundary: 1}
	require.NoError(t, good.Validate())

	zeroOuter := good
	zeroOuter.OuterRatio.Self = 0
	assert.Error(t, zeroOuter.Validate())

	zeroInner := good
	zeroInner.InnerRatio.Other = 0
	assert.Error(t, zeroInner.Validate())

	wideBoundary := good
	wideBoundary.Boundary = 2
	assert.Error(t, wideBoundary.Validate())
}

func TestAddDependencyDropsSelfEdges(t *testing.T) {
	t.Parallel()
	a := NewAgent(4, &PleL{})
	a.AddDependency(ReadAfterWrite, Dependency{RelativeAgentID: 0})
	a.AddDependency(ReadAfterWrite, Dependency{RelativeAgentID: -1})
	a.AddDependency(WriteAfterRead, Dependency{RelativeAgentID: 2})
	a.AddDependency(ScheduleTime, Dependency{RelativeAgentID: 3})

	assert.Len(t, a.Dependencies(ReadAfterWrite), 1)
	assert.Len(t, a.Dependencies(WriteAfterRead), 1)
	assert.Len(t, a.Dependencies(ScheduleTime), 1)
	assert.Equal(t, PleLoader, a.Type())
}

func TestCoordWraps(t *testing.T) {
	t.Parallel()
	counts := Shape3{Height: 2, Width: 3, Channels: 4}
	strides := Shape3{Height: 12, Width: 4, Channels: 1}

	assert.Equal(t, Shape3{Height: 1, Width: 1, Channels: 1}, Coord(17, counts, strides))
	assert.Equal(t, Shape3{Height: 0, Width: 1, Channels: 1}, Coord(29, counts, strides))
}

func TestFmStripeSize(t *testing.T) {
	t.Parallel()
	fm := FmData{
		NumStripes:        Shape3{Height: 3, Width: 1, Channels: 1},
		DefaultStripeSize: Shape3{Height: 8, Width: 16, Channels: 16},
		EdgeStripeSize:    Shape3{Height: 4, Width: 16, Channels: 16},
	}
	assert.Equal(t, uint16(8), fm.StripeSize(Shape3{Height: 1}).Height)
	assert.Equal(t, uint16(4), fm.StripeSize(Shape3{Height: 2}).Height)
}

func TestTileSlots(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint16(2), TileSlots(&IfmS{Fm: FmData{Tile: Tile{NumSlots: 2}}}))
	assert.Equal(t, uint16(3), TileSlots(&WgtS{Tile: Tile{NumSlots: 3}}))
	assert.Equal(t, uint16(4), TileSlots(&PleS{OfmTile: Tile{NumSlots: 4}}))
	assert.Zero(t, TileSlots(&MceS{}))

	tile := Tile{BaseAddr: 0x100, NumSlots: 2, SlotSize: 0x40}
	assert.Equal(t, uint32(0x140), tile.SlotAddr(3))
}

func TestAlignment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 128, AlignSize(65, DramAlignment))
	assert.True(t, IsAligned(192, DramAlignment))
	assert.False(t, IsAligned(10, 0))
	assert.Equal(t, uint32(3), DivRoundUp(5, 2))
	assert.Equal(t, uint32(3), NumStripes(10, 4))
	assert.Equal(t, uint32(1), NumStripes(10, 0))
	assert.Equal(t, uint32(2), EdgeSize(10, 4))
	assert.Equal(t, uint32(4), EdgeSize(8, 4))
}

func TestConstructionErrorMessage(t *testing.T) {
	t.Parallel()
	err := OpError("conv1", ErrUnsupportedOperation, "kind %s", "TransposeOp")
	assert.Equal(t, "op conv1: unsupported operation: kind TransposeOp", err.Error())
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))

	agentErr := AgentError(7, ErrZeroStripes, "")
	assert.Equal(t, "agent 7: agent has zero stripes", agentErr.Error())
}

func TestEnumNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "MCE_SCHEDULER", MceScheduler.String())
	assert.False(t, AgentType(9).Valid())
	assert.Equal(t, "SRAM_TWO_INPUTS", PleSramTwoInputs.String())
	assert.True(t, PleSramOneInput.FromSram())
	assert.False(t, PleMceAllOgs.FromSram())
	assert.Equal(t, "WAR", WriteAfterRead.String())
}

func TestPadToAlignment(t *testing.T) {
	t.Parallel()
	data := []byte{1, 2, 3}
	padded := PadToAlignment(data, 8)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, padded)
	assert.Len(t, PadToAlignment(padded, 8), 8)
}
