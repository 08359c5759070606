// Package core defines the agent model of a cascade.
//
// An agent is one instance of hardware work: a single engine role that will
// be invoked NumStripesTotal times, each invocation processing one stripe of
// a tensor. Agents are created once, in the order their owning operation is
// visited, and are identified by their dense creation index. The six engine
// roles are:
//
//   - IfmStreamer: DMA from off-chip memory into an on-chip input tile
//   - WgtStreamer: DMA of encoded weights into an on-chip weight tile
//   - MceScheduler: the multiply-accumulate compute engine
//   - PleLoader: DMA of an activation kernel's code into SRAM
//   - PleScheduler: the programmable activation engine
//   - OfmStreamer: DMA from an on-chip output tile back to off-chip memory
//
// Agents synchronise through Dependency edges expressed with relative agent
// ids, so a stream can be produced in a single forward pass without knowing
// the absolute position of future agents.
//
// Role payloads are a closed set: AgentData is sealed by an unexported
// method and every role switch in this module treats an unknown role as a
// construction error.
package core

import (
	"fmt"

	"github.com/sbl8/cascade/kernels"
)

// AgentType identifies the hardware engine role of an agent.
type AgentType uint8

const (
	IfmStreamer AgentType = iota
	WgtStreamer
	MceScheduler
	PleLoader
	PleScheduler
	OfmStreamer

	numAgentTypes
)

var agentTypeNames = [numAgentTypes]string{
	IfmStreamer:  "IFM_STREAMER",
	WgtStreamer:  "WGT_STREAMER",
	MceScheduler: "MCE_SCHEDULER",
	PleLoader:    "PLE_LOADER",
	PleScheduler: "PLE_SCHEDULER",
	OfmStreamer:  "OFM_STREAMER",
}

func (t AgentType) String() string {
	if t < numAgentTypes {
		return agentTypeNames[t]
	}
	return fmt.Sprintf("AgentType(%d)", uint8(t))
}

// Valid reports whether t is one of the six engine roles.
func (t AgentType) Valid() bool { return t < numAgentTypes }

// AgentID is the zero-based creation index of an agent.
type AgentID uint32

// AgentData is the role-specific payload of an agent.
type AgentData interface {
	AgentType() AgentType
	agentData()
}

// Agent is one hardware work instance plus the dependency edges it owns.
type Agent struct {
	NumStripesTotal uint16
	Data            AgentData

	// ReadDependencies are RAW edges, owned by the consumer.
	ReadDependencies []Dependency
	// WriteDependencies are WAR edges, owned by the producer.
	WriteDependencies []Dependency
	// ScheduleDependencies bound producer look-ahead, owned by the producer.
	ScheduleDependencies []Dependency
}

// NewAgent returns an agent with no dependencies.
func NewAgent(numStripesTotal uint16, data AgentData) Agent {
	return Agent{NumStripesTotal: numStripesTotal, Data: data}
}

// Type returns the role of the agent's payload.
func (a *Agent) Type() AgentType {
	return a.Data.AgentType()
}

// Dependencies returns the edge set of the given kind.
func (a *Agent) Dependencies(kind DependencyKind) []Dependency {
	switch kind {
	case ReadAfterWrite:
		return a.ReadDependencies
	case WriteAfterRead:
		return a.WriteDependencies
	case ScheduleTime:
		return a.ScheduleDependencies
	default:
		return nil
	}
}

// AddDependency appends dep to the edge set of the given kind. Edges with a
// zero relative id refer to the agent itself and are dropped.
func (a *Agent) AddDependency(kind DependencyKind, dep Dependency) {
	if dep.RelativeAgentID == 0 {
		return
	}
	switch kind {
	case ReadAfterWrite:
		a.ReadDependencies = append(a.ReadDependencies, dep)
	case WriteAfterRead:
		a.WriteDependencies = append(a.WriteDependencies, dep)
	case ScheduleTime:
		a.ScheduleDependencies = append(a.ScheduleDependencies, dep)
	}
}

// Tile describes a ring of equally sized slots in SRAM.
type Tile struct {
	BaseAddr uint32
	NumSlots uint16
	SlotSize uint32
}

// SlotAddr returns the address of the slot used by the given stripe.
func (t Tile) SlotAddr(stripe uint32) uint32 {
	if t.NumSlots == 0 {
		return t.BaseAddr
	}
	return t.BaseAddr + (stripe%uint32(t.NumSlots))*t.SlotSize
}

// Shape3 is a height/width/channels triple used for stripe counts, stripe
// sizes and stripe id strides.
type Shape3 struct {
	Height   uint16
	Width    uint16
	Channels uint16
}

// Volume returns Height*Width*Channels.
func (s Shape3) Volume() uint32 {
	return uint32(s.Height) * uint32(s.Width) * uint32(s.Channels)
}

// Coord returns the stripe coordinates of stripe id for a grid of counts
// traversed with the given strides. Ids past the grid wrap, which is how
// reloaded tensors are addressed.
func Coord(id uint32, counts, strides Shape3) Shape3 {
	axis := func(count, stride uint16) uint16 {
		if count == 0 || stride == 0 {
			return 0
		}
		return uint16((id / uint32(stride)) % uint32(count))
	}
	return Shape3{
		Height:   axis(counts.Height, strides.Height),
		Width:    axis(counts.Width, strides.Width),
		Channels: axis(counts.Channels, strides.Channels),
	}
}

// FmFormat is the off-chip layout of a feature map.
type FmFormat uint8

const (
	FmNHWCB FmFormat = iota
	FmNHWC
	FmFcafDeep
	FmFcafWide
)

func (f FmFormat) String() string {
	switch f {
	case FmNHWCB:
		return "NHWCB"
	case FmNHWC:
		return "NHWC"
	case FmFcafDeep:
		return "FCAF_DEEP"
	case FmFcafWide:
		return "FCAF_WIDE"
	default:
		return fmt.Sprintf("FmFormat(%d)", uint8(f))
	}
}

// FmData is the streamer state shared by IfmS and OfmS.
type FmData struct {
	BufferID          uint16
	DramOffset        uint32
	Format            FmFormat
	Signed            bool
	ZeroPoint         int16
	Tile              Tile
	DefaultStripeSize Shape3
	EdgeStripeSize    Shape3
	// Supertensor is the full DRAM tensor extent in elements; it differs
	// from the stripe grid extent for concat and split.
	Supertensor     Shape3
	NumStripes      Shape3
	StripeIDStrides Shape3
}

// StripeSize returns the size of the stripe at the given coordinates.
func (f *FmData) StripeSize(c Shape3) Shape3 {
	pick := func(idx, count, def, edge uint16) uint16 {
		if idx+1 == count {
			return edge
		}
		return def
	}
	return Shape3{
		Height:   pick(c.Height, f.NumStripes.Height, f.DefaultStripeSize.Height, f.EdgeStripeSize.Height),
		Width:    pick(c.Width, f.NumStripes.Width, f.DefaultStripeSize.Width, f.EdgeStripeSize.Width),
		Channels: pick(c.Channels, f.NumStripes.Channels, f.DefaultStripeSize.Channels, f.EdgeStripeSize.Channels),
	}
}

// PackedBoundaryThickness is the number of neighbouring rows and columns
// loaded together with each IFM stripe.
type PackedBoundaryThickness struct {
	Left   uint8
	Top    uint8
	Right  uint8
	Bottom uint8
}

// IfmS streams a feature map from DRAM into an SRAM tile.
type IfmS struct {
	Fm                      FmData
	PackedBoundaryThickness PackedBoundaryThickness
	ExtraBoundaryRight      bool
	ExtraBoundaryBottom     bool
}

// OfmS streams a feature map from an SRAM tile back to DRAM.
type OfmS struct {
	Fm FmData
}

// WeightStripe locates one encoded weight stripe in its DRAM buffer.
type WeightStripe struct {
	Offset uint32
	Size   uint32
}

// WgtStripes counts weight stripes along the ifm and ofm channel axes.
type WgtStripes struct {
	IfmChannels uint16
	OfmChannels uint16
}

// WgtS streams encoded weights into an SRAM tile.
type WgtS struct {
	BufferID        uint16
	Tile            Tile
	NumStripes      WgtStripes
	StripeIDStrides WgtStripes
	Stripes         []WeightStripe
}

// MceOperation is the compute mode of the MCE.
type MceOperation uint8

const (
	Convolution MceOperation = iota
	DepthwiseConvolution
	FullyConnected
)

func (m MceOperation) String() string {
	switch m {
	case Convolution:
		return "CONVOLUTION"
	case DepthwiseConvolution:
		return "DEPTHWISE_CONVOLUTION"
	case FullyConnected:
		return "FULLY_CONNECTED"
	default:
		return fmt.Sprintf("MceOperation(%d)", uint8(m))
	}
}

// Valid reports whether m is a known compute mode.
func (m MceOperation) Valid() bool { return m <= FullyConnected }

// MceAlgorithm selects the convolution algorithm.
type MceAlgorithm uint8

const (
	AlgorithmDirect MceAlgorithm = iota
	AlgorithmWinograd
)

// UpsampleType selects the MCE upsampling mode.
type UpsampleType uint8

const (
	UpsampleOff UpsampleType = iota
	UpsampleBilinear
	UpsampleTranspose
	UpsampleNearestNeighbour
)

// MceStripes counts or sizes MCE stripes along the four axes the MCE walks.
type MceStripes struct {
	OfmHeight   uint16
	OfmWidth    uint16
	OfmChannels uint16
	IfmChannels uint16
}

// Volume returns the product of all four axes.
func (m MceStripes) Volume() uint32 {
	return uint32(m.OfmHeight) * uint32(m.OfmWidth) * uint32(m.OfmChannels) * uint32(m.IfmChannels)
}

// MceS drives the compute engine.
type MceS struct {
	NumStripes        MceStripes
	StripeIDStrides   MceStripes
	DefaultStripeSize MceStripes
	EdgeStripeSize    MceStripes
	IfmStripeDefault  Shape3
	IfmStripeEdge     Shape3

	Mode      MceOperation
	Algorithm MceAlgorithm
	PleKernel kernels.ID

	BlockWidth   uint8
	BlockHeight  uint8
	StrideX      uint8
	StrideY      uint8
	FilterWidth  uint8
	FilterHeight uint8
	PadLeft      uint8
	PadTop       uint8

	IfmZeroPoint int16
	IfmSigned    bool
	OfmSigned    bool
	Upsample     UpsampleType
	ReluMin      int16
	ReluMax      int16

	IfmTile         Tile
	WgtTile         Tile
	PackedBoundaryX bool
	PackedBoundaryY bool
}

// PleL loads an activation kernel's code into SRAM.
type PleL struct {
	Kernel   kernels.ID
	SramAddr uint32
}

// PleInputMode describes where the activation engine reads its input.
type PleInputMode uint8

const (
	PleMceAllOgs PleInputMode = iota
	PleMceOneOg
	PleSramOneInput
	PleSramTwoInputs
)

func (m PleInputMode) String() string {
	switch m {
	case PleMceAllOgs:
		return "MCE_ALL_OGS"
	case PleMceOneOg:
		return "MCE_ONE_OG"
	case PleSramOneInput:
		return "SRAM_ONE_INPUT"
	case PleSramTwoInputs:
		return "SRAM_TWO_INPUTS"
	default:
		return fmt.Sprintf("PleInputMode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known input mode.
func (m PleInputMode) Valid() bool { return m <= PleSramTwoInputs }

// FromSram reports whether the activation engine reads from SRAM tiles
// rather than directly from the MCE.
func (m PleInputMode) FromSram() bool {
	return m == PleSramOneInput || m == PleSramTwoInputs
}

// PleIfmInfo carries the requantisation parameters of one PLE input.
type PleIfmInfo struct {
	ZeroPoint  int16
	Multiplier uint16
	Shift      uint16
}

// PleS drives the activation engine.
type PleS struct {
	NumStripes        Shape3
	StripeIDStrides   Shape3
	DefaultStripeSize Shape3
	EdgeStripeSize    Shape3

	InputMode      PleInputMode
	Kernel         kernels.ID
	KernelSramAddr uint32

	OfmTile      Tile
	OfmZeroPoint int16
	Ifm0         PleIfmInfo
	Ifm1         PleIfmInfo
	Ifm0Tile     Tile
	Ifm1Tile     Tile
}

func (*IfmS) AgentType() AgentType { return IfmStreamer }
func (*WgtS) AgentType() AgentType { return WgtStreamer }
func (*MceS) AgentType() AgentType { return MceScheduler }
func (*PleL) AgentType() AgentType { return PleLoader }
func (*PleS) AgentType() AgentType { return PleScheduler }
func (*OfmS) AgentType() AgentType { return OfmStreamer }

func (*IfmS) agentData() {}
func (*WgtS) agentData() {}
func (*MceS) agentData() {}
func (*PleL) agentData() {}
func (*PleS) agentData() {}
func (*OfmS) agentData() {}

// TileSlots returns the number of slots in the tile an agent writes, which
// bounds how far it may run ahead of its readers. Agents that do not own an
// output tile report zero.
func TileSlots(data AgentData) uint16 {
	switch d := data.(type) {
	case *IfmS:
		return d.Fm.Tile.NumSlots
	case *WgtS:
		return d.Tile.NumSlots
	case *PleS:
		return d.OfmTile.NumSlots
	default:
		return 0
	}
}
