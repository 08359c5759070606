package stream

import (
	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
)

// Agent is the wire form of an agent: its stripe count plus the registers
// its engine needs for the whole run. Dependencies are not serialised; the
// queues already encode them as counter waits.
type Agent struct {
	NumStripesTotal uint16
	Data            AgentData
}

// AgentData is the role-specific register payload.
type AgentData interface {
	AgentType() core.AgentType
	wireAgent()
}

// IfmS holds the input streamer's DMA configuration.
type IfmS struct {
	BufferID       uint16
	DmaCompConfig0 uint32
	DmaStride1     uint32
	DmaStride2     uint32
}

// OfmS holds the output streamer's DMA configuration.
type OfmS struct {
	BufferID       uint16
	DmaCompConfig0 uint32
	DmaStride1     uint32
	DmaStride2     uint32
}

// WgtS names the DRAM buffer holding encoded weights.
type WgtS struct {
	BufferID uint16
}

// MceS holds MCE registers that stay fixed for the whole agent.
type MceS struct {
	MceOpMode          core.MceOperation
	PleKernelID        kernels.ID
	ActivationConfig   uint32
	WideKernelControl  uint32
	Filter             uint32
	IfmZeroPoint       uint32
	IfmDefaultSlotSize uint32
	IfmSlotStride      uint32
	StripeBlockConfig  uint32
	DepthwiseControl   uint32
	IfmSlotBaseAddress uint32
	PleMceifConfig     uint32
}

// PleL names the kernel a loader copies into SRAM.
type PleL struct {
	PleKernelID kernels.ID
}

// PleS holds the activation engine configuration.
type PleS struct {
	InputMode         core.PleInputMode
	PleKernelID       kernels.ID
	PleKernelSramAddr uint32
}

func (*IfmS) AgentType() core.AgentType { return core.IfmStreamer }
func (*WgtS) AgentType() core.AgentType { return core.WgtStreamer }
func (*MceS) AgentType() core.AgentType { return core.MceScheduler }
func (*PleL) AgentType() core.AgentType { return core.PleLoader }
func (*PleS) AgentType() core.AgentType { return core.PleScheduler }
func (*OfmS) AgentType() core.AgentType { return core.OfmStreamer }

func (*IfmS) wireAgent() {}
func (*WgtS) wireAgent() {}
func (*MceS) wireAgent() {}
func (*PleL) wireAgent() {}
func (*PleS) wireAgent() {}
func (*OfmS) wireAgent() {}
