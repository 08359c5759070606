package compiler

import (
	"math"

	"github.com/sbl8/cascade/core"
)

// u16 narrows a stripe count, saturating instead of wrapping.
func u16(v uint32) uint16 {
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func u8(v uint32) uint8 {
	if v > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// axisRatio relates the stripe counts of the two sides of an edge along one
// axis. The coarser side advances by one stripe while the finer side
// advances by the rounded-up quotient. uneven is set when the counts do not
// divide.
func axisRatio(self, other uint16) (core.Ratio, bool) {
	if self == 0 || other == 0 {
		return core.Ratio{}, false
	}
	if other >= self {
		return core.Ratio{Self: 1, Other: u16(core.DivRoundUp(uint32(other), uint32(self)))}, other%self != 0
	}
	return core.Ratio{Self: u16(core.DivRoundUp(uint32(self), uint32(other))), Other: 1}, self%other != 0
}

func mulRatio(a, b core.Ratio) core.Ratio {
	return core.Ratio{
		Self:  u16(uint32(a.Self) * uint32(b.Self)),
		Other: u16(uint32(a.Other) * uint32(b.Other)),
	}
}

func mirror(r core.Ratio) core.Ratio {
	return core.Ratio{Self: r.Other, Other: r.Self}
}

// finish completes a dependency filled in by a rule. Rules that only know
// the outer ratio leave the inner ratio zero; it is then derived from the
// outer ratio, setting the boundary when the outer terms do not divide.
// The inner ratio is finally clamped to the outer ratio.
func finish(d core.Dependency) (core.Dependency, error) {
	if d.InnerRatio == (core.Ratio{}) {
		inner, uneven := axisRatio(d.OuterRatio.Self, d.OuterRatio.Other)
		d.InnerRatio = inner
		if uneven {
			d.Boundary = 1
		}
	}
	d.InnerRatio.Self = min(d.InnerRatio.Self, d.OuterRatio.Self)
	d.InnerRatio.Other = min(d.InnerRatio.Other, d.OuterRatio.Other)
	return d, d.Validate()
}

// mceBoundary reports whether an MCE stripe reads one row or column past
// its own input stripe. That happens for filters larger than 1 along a
// split axis, unless the input streamer already packs the neighbouring
// data with each stripe.
func mceBoundary(m *core.MceS) uint8 {
	y := m.FilterHeight > 1 && m.NumStripes.OfmHeight > 1 && !m.PackedBoundaryY
	x := m.FilterWidth > 1 && m.NumStripes.OfmWidth > 1 && !m.PackedBoundaryX
	if x || y {
		return 1
	}
	return 0
}

// ifmMceOuter is the repeating unit between an input streamer and the MCE
// reading it: one pass of the MCE over all of its output positions for a
// single output-channel stripe. Depthwise convolutions consume one input
// channel stripe per output channel stripe; other modes consume every
// input channel stripe per output position.
func ifmMceOuter(m *core.MceS, f *core.IfmS) core.Ratio {
	n := f.Fm.NumStripes
	if m.Mode == core.DepthwiseConvolution {
		return core.Ratio{
			Self:  u16(uint32(m.NumStripes.OfmHeight) * uint32(m.NumStripes.OfmWidth)),
			Other: u16(uint32(n.Height) * uint32(n.Width)),
		}
	}
	return core.Ratio{
		Self:  u16(uint32(m.NumStripes.OfmHeight) * uint32(m.NumStripes.OfmWidth) * uint32(m.NumStripes.IfmChannels)),
		Other: u16(n.Volume()),
	}
}
