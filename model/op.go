package model

import (
	"fmt"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
)

// Op is one operation of the planned graph. The set of operation kinds is
// closed.
type Op interface {
	OpName() string
	op()
}

// DmaOp moves a tensor between DRAM and SRAM. Its direction is given by the
// locations of its input and output buffers.
type DmaOp struct {
	Name           string
	TransferFormat Format
	// Offset is the position of this transfer within the DRAM tensor, used
	// for concat and split.
	Offset Shape
}

// MceOp runs a convolution-like operation on the MCE.
type MceOp struct {
	Name               string
	Operation          core.MceOperation
	Algorithm          core.MceAlgorithm
	BlockWidth         uint32
	BlockHeight        uint32
	InputStripeShape   Shape
	OutputStripeShape  Shape
	WeightsStripeShape Shape
	Order              TraversalOrder
	StrideX            uint32
	StrideY            uint32
	PadLeft            uint32
	PadTop             uint32
	FilterWidth        uint32
	FilterHeight       uint32
	Upsample           core.UpsampleType
	LowerBound         int16
	UpperBound         int16
}

// PleOp runs an activation kernel on the PLE.
type PleOp struct {
	Name      string
	Operation kernels.Operation
	Kernel    kernels.ID
	// LoadKernel is set on the first op of a section using Kernel; the
	// kernel's code must be loaded into SRAM before it runs.
	LoadKernel bool
	// KernelSramAddr is where the kernel code is placed in SRAM.
	KernelSramAddr    uint32
	BlockWidth        uint32
	BlockHeight       uint32
	OutputStripeShape Shape
	Input0Multiplier  uint16
	Input0Shift       uint16
	Input1Multiplier  uint16
	Input1Shift       uint16
}

// SpaceToDepthOp rearranges spatial blocks into channels. It can appear in
// planned graphs but has no cascade agent.
type SpaceToDepthOp struct {
	Name      string
	BlockSize uint32
}

// TransposeOp permutes tensor axes. It can appear in planned graphs but has
// no cascade agent.
type TransposeOp struct {
	Name        string
	Permutation [4]uint32
}

func (o *DmaOp) OpName() string          { return o.Name }
func (o *MceOp) OpName() string          { return o.Name }
func (o *PleOp) OpName() string          { return o.Name }
func (o *SpaceToDepthOp) OpName() string { return o.Name }
func (o *TransposeOp) OpName() string    { return o.Name }

func (*DmaOp) op()          {}
func (*MceOp) op()          {}
func (*PleOp) op()          {}
func (*SpaceToDepthOp) op() {}
func (*TransposeOp) op()    {}

// OpKind returns a short name for the kind of op.
func OpKind(op Op) string {
	switch op.(type) {
	case *DmaOp:
		return "DmaOp"
	case *MceOp:
		return "MceOp"
	case *PleOp:
		return "PleOp"
	case *SpaceToDepthOp:
		return "SpaceToDepthOp"
	case *TransposeOp:
		return "TransposeOp"
	default:
		return fmt.Sprintf("%T", op)
	}
}
