package compiler

import (
	"math"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/model"
)

// Bytes in one NHWCB brick group: 8x8 elements by 16 channels.
const brickGroupBytes = 8 * 8 * 16

func tileOf(b *model.Buffer) core.Tile {
	return core.Tile{BaseAddr: b.Offset, NumSlots: b.NumStripes, SlotSize: b.SlotSizeInBytes}
}

func shape3(h, w, c uint32) core.Shape3 {
	return core.Shape3{Height: u16(h), Width: u16(w), Channels: u16(c)}
}

// stripeOr returns the stripe shape with unset or oversized dimensions
// replaced by the tensor extent.
func stripeOr(stripe, tensor model.Shape) model.Shape {
	out := tensor
	for i := range stripe {
		if stripe[i] != 0 && stripe[i] < tensor[i] {
			out[i] = stripe[i]
		}
	}
	return out
}

func stripeGrid(tensor, stripe model.Shape) core.Shape3 {
	return shape3(
		core.NumStripes(tensor.H(), stripe.H()),
		core.NumStripes(tensor.W(), stripe.W()),
		core.NumStripes(tensor.C(), stripe.C()))
}

func edgeSizes(tensor, stripe model.Shape) core.Shape3 {
	return shape3(
		core.EdgeSize(tensor.H(), stripe.H()),
		core.EdgeSize(tensor.W(), stripe.W()),
		core.EdgeSize(tensor.C(), stripe.C()))
}

// stripeStrides returns the stripe id step of each axis for a traversal
// order over a grid of n stripes.
func stripeStrides(order model.TraversalOrder, n core.Shape3) core.Shape3 {
	if order == model.OrderZxy {
		return core.Shape3{
			Channels: 1,
			Width:    max(n.Channels, 1),
			Height:   u16(uint32(max(n.Channels, 1)) * uint32(max(n.Width, 1))),
		}
	}
	return core.Shape3{
		Width:    1,
		Height:   max(n.Width, 1),
		Channels: u16(uint32(max(n.Width, 1)) * uint32(max(n.Height, 1))),
	}
}

// rowStride returns the DRAM distance between two rows of a tensor in
// format f. Brick formats step over a whole row of brick groups.
func rowStride(f core.FmFormat, s core.Shape3) uint32 {
	if f == core.FmNHWC {
		return uint32(s.Width) * uint32(s.Channels)
	}
	return core.DivRoundUp(uint32(s.Width), 8) * core.DivRoundUp(uint32(s.Channels), 16) * brickGroupBytes
}

// planeStride returns the DRAM size of one batch of the tensor.
func planeStride(f core.FmFormat, s core.Shape3) uint32 {
	if f == core.FmNHWC {
		return rowStride(f, s) * uint32(s.Height)
	}
	return rowStride(f, s) * core.DivRoundUp(uint32(s.Height), 8)
}

// dramOffset returns the byte offset of element (h, w, c) of a tensor with
// extent super stored in format f. Brick formats address the containing
// brick group.
func dramOffset(f core.FmFormat, super core.Shape3, h, w, c uint32) uint32 {
	if f == core.FmNHWC {
		return (h*uint32(super.Width)+w)*uint32(super.Channels) + c
	}
	cellsW := core.DivRoundUp(uint32(super.Width), 8)
	cellsC := core.DivRoundUp(uint32(super.Channels), 16)
	return ((h/8)*cellsW*cellsC + (w/8)*cellsC + c/16) * brickGroupBytes
}

// fmData describes a feature map moved between sram and dram. The
// supertensor is the SRAM tensor unless the DRAM tensor differs in size,
// which is the case for concatenation and split.
func fmData(sram, dram *model.Buffer, dma *model.DmaOp, bufferID uint32, f core.FmFormat) (core.FmData, error) {
	id, err := streamBufferID(bufferID)
	if err != nil {
		return core.FmData{}, err
	}
	stripe := stripeOr(sram.StripeShape, sram.TensorShape)
	superShape := sram.TensorShape
	if sram.TensorShape.NumElements() != dram.TensorShape.NumElements() {
		superShape = dram.TensorShape
	}
	super := shape3(superShape.H(), superShape.W(), superShape.C())
	n := stripeGrid(sram.TensorShape, stripe)
	return core.FmData{
		BufferID:          id,
		DramOffset:        dramOffset(f, super, dma.Offset.H(), dma.Offset.W(), dma.Offset.C()),
		Format:            f,
		Signed:            dram.DataType == model.Int8Quantized,
		ZeroPoint:         int16(dram.Quantization.ZeroPoint),
		Tile:              tileOf(sram),
		DefaultStripeSize: shape3(stripe.H(), stripe.W(), stripe.C()),
		EdgeStripeSize:    edgeSizes(sram.TensorShape, stripe),
		Supertensor:       super,
		NumStripes:        n,
		StripeIDStrides:   stripeStrides(sram.Order, n),
	}, nil
}

// streamBufferID narrows a buffer manager id to the 16 bits streamers carry.
func streamBufferID(id uint32) (uint16, error) {
	if id > math.MaxUint16 {
		return 0, core.OpError("", core.ErrInvalidGraph, "buffer id %d does not fit a streamer", id)
	}
	return uint16(id), nil
}

// mceOutputStripe is the stripe the MCE produces: the op's own stripe
// shape, or the output buffer's when the op does not override it.
func mceOutputStripe(op *model.MceOp, out *model.Buffer) model.Shape {
	if op.OutputStripeShape != (model.Shape{}) {
		return stripeOr(op.OutputStripeShape, out.TensorShape)
	}
	return stripeOr(out.StripeShape, out.TensorShape)
}

func pleOutputStripe(op *model.PleOp, out *model.Buffer) model.Shape {
	if op.OutputStripeShape != (model.Shape{}) {
		return stripeOr(op.OutputStripeShape, out.TensorShape)
	}
	return stripeOr(out.StripeShape, out.TensorShape)
}

// newMceS fills the MCE scheduler for op reading ifm and wgt and writing
// out, fused with the activation kernel kernelOp.
func newMceS(op *model.MceOp, ifm, wgt, out *model.Buffer, kernelOp *model.PleOp) *core.MceS {
	outStripe := mceOutputStripe(op, out)
	inStripe := stripeOr(ifm.StripeShape, ifm.TensorShape)
	grid := stripeGrid(out.TensorShape, outStripe)
	edge := edgeSizes(out.TensorShape, outStripe)

	ifmChannels := u16(core.NumStripes(ifm.TensorShape.C(), inStripe.C()))
	if op.Operation == core.DepthwiseConvolution {
		ifmChannels = 1
	}
	n := core.MceStripes{
		OfmHeight:   grid.Height,
		OfmWidth:    grid.Width,
		OfmChannels: grid.Channels,
		IfmChannels: ifmChannels,
	}
	// Input channels innermost, then X, then Y, then output channels.
	strides := core.MceStripes{IfmChannels: 1}
	strides.OfmWidth = n.IfmChannels
	strides.OfmHeight = u16(uint32(strides.OfmWidth) * uint32(n.OfmWidth))
	strides.OfmChannels = u16(uint32(strides.OfmHeight) * uint32(n.OfmHeight))

	pb := ifm.PackedBoundaryThickness
	m := &core.MceS{
		NumStripes:      n,
		StripeIDStrides: strides,
		DefaultStripeSize: core.MceStripes{
			OfmHeight:   u16(outStripe.H()),
			OfmWidth:    u16(outStripe.W()),
			OfmChannels: u16(outStripe.C()),
			IfmChannels: u16(inStripe.C()),
		},
		EdgeStripeSize: core.MceStripes{
			OfmHeight:   edge.Height,
			OfmWidth:    edge.Width,
			OfmChannels: edge.Channels,
			IfmChannels: u16(core.EdgeSize(ifm.TensorShape.C(), inStripe.C())),
		},
		IfmStripeDefault: shape3(
			inStripe.H()+uint32(pb.Top)+uint32(pb.Bottom),
			inStripe.W()+uint32(pb.Left)+uint32(pb.Right),
			inStripe.C()),
		IfmStripeEdge: edgeSizes(ifm.TensorShape, inStripe),

		Mode:      op.Operation,
		Algorithm: op.Algorithm,
		PleKernel: kernelOp.Kernel,

		BlockWidth:   u8(op.BlockWidth),
		BlockHeight:  u8(op.BlockHeight),
		StrideX:      u8(op.StrideX),
		StrideY:      u8(op.StrideY),
		FilterWidth:  u8(op.FilterWidth),
		FilterHeight: u8(op.FilterHeight),
		PadLeft:      u8(op.PadLeft),
		PadTop:       u8(op.PadTop),

		IfmZeroPoint: int16(ifm.Quantization.ZeroPoint),
		IfmSigned:    ifm.DataType == model.Int8Quantized,
		OfmSigned:    out.DataType == model.Int8Quantized,
		Upsample:     op.Upsample,
		ReluMin:      op.LowerBound,
		ReluMax:      op.UpperBound,

		IfmTile:         tileOf(ifm),
		WgtTile:         tileOf(wgt),
		PackedBoundaryX: pb.Left+pb.Right > 0,
		PackedBoundaryY: pb.Top+pb.Bottom > 0,
	}
	if op.Operation == core.FullyConnected {
		// Fully connected stripes are reinterpreted as one brick group.
		bg := uint16(model.BrickGroup.H())
		m.DefaultStripeSize.OfmHeight, m.DefaultStripeSize.OfmWidth = bg, bg
		m.EdgeStripeSize.OfmHeight, m.EdgeStripeSize.OfmWidth = bg, bg
	}
	return m
}

// newPleS fills the PLE scheduler for op. producer is the MCE feeding a
// fused kernel and nil for kernels reading SRAM.
func newPleS(op *model.PleOp, inputs []*model.Buffer, out *model.Buffer, producer *model.MceOp) *core.PleS {
	stripe := pleOutputStripe(op, out)
	n := stripeGrid(out.TensorShape, stripe)
	p := &core.PleS{
		NumStripes:        n,
		StripeIDStrides:   stripeStrides(out.Order, n),
		DefaultStripeSize: shape3(stripe.H(), stripe.W(), stripe.C()),
		EdgeStripeSize:    edgeSizes(out.TensorShape, stripe),
		Kernel:            op.Kernel,
		KernelSramAddr:    op.KernelSramAddr,
		OfmTile:           tileOf(out),
		OfmZeroPoint:      int16(out.Quantization.ZeroPoint),
		Ifm0: core.PleIfmInfo{
			ZeroPoint:  int16(inputs[0].Quantization.ZeroPoint),
			Multiplier: op.Input0Multiplier,
			Shift:      op.Input0Shift,
		},
		// Some kernels take extra parameters through the second input's
		// fields even with a single input.
		Ifm1: core.PleIfmInfo{Multiplier: op.Input1Multiplier, Shift: op.Input1Shift},
	}
	switch {
	case producer != nil && producer.Operation == core.DepthwiseConvolution:
		p.InputMode = core.PleMceOneOg
	case producer != nil:
		p.InputMode = core.PleMceAllOgs
	case len(inputs) == 1:
		p.InputMode = core.PleSramOneInput
	default:
		p.InputMode = core.PleSramTwoInputs
	}
	if p.InputMode.FromSram() {
		p.Ifm0Tile = tileOf(inputs[0])
	}
	if len(inputs) == 2 {
		p.Ifm1Tile = tileOf(inputs[1])
		p.Ifm1.ZeroPoint = int16(inputs[1].Quantization.ZeroPoint)
	}
	return p
}
