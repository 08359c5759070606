package stream

import "fmt"

// CommandType identifies a queue command.
type CommandType uint8

const (
	CmdWaitForCounter CommandType = iota
	CmdLoadIfmStripe
	CmdLoadWgtStripe
	CmdProgramMceStripe
	CmdConfigMceif
	CmdStartMceStripe
	CmdLoadPleCodeIntoSram
	CmdLoadPleCodeIntoPleSram
	CmdStartPleStripe
	CmdStoreOfmStripe

	numCommandTypes
)

var commandTypeNames = [numCommandTypes]string{
	CmdWaitForCounter:         "WaitForCounter",
	CmdLoadIfmStripe:          "LoadIfmStripe",
	CmdLoadWgtStripe:          "LoadWgtStripe",
	CmdProgramMceStripe:       "ProgramMceStripe",
	CmdConfigMceif:            "ConfigMceif",
	CmdStartMceStripe:         "StartMceStripe",
	CmdLoadPleCodeIntoSram:    "LoadPleCodeIntoSram",
	CmdLoadPleCodeIntoPleSram: "LoadPleCodeIntoPleSram",
	CmdStartPleStripe:         "StartPleStripe",
	CmdStoreOfmStripe:         "StoreOfmStripe",
}

func (t CommandType) String() string {
	if t < numCommandTypes {
		return commandTypeNames[t]
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// ParseCommandType resolves a command type name.
func ParseCommandType(s string) (CommandType, bool) {
	for i, n := range commandTypeNames {
		if n == s {
			return CommandType(i), true
		}
	}
	return 0, false
}

// IsDma reports whether commands of type t are DMA transfers.
func (t CommandType) IsDma() bool {
	switch t {
	case CmdLoadIfmStripe, CmdLoadWgtStripe, CmdLoadPleCodeIntoSram, CmdStoreOfmStripe:
		return true
	default:
		return false
	}
}

// CounterName identifies a hardware progress counter.
type CounterName uint8

const (
	CounterDmaRd CounterName = iota
	CounterDmaWr
	CounterMceif
	CounterMceStripe
	CounterPleCodeLoadedIntoPleSram
	CounterPleStripe

	NumCounters
)

var counterNames = [NumCounters]string{
	CounterDmaRd:                    "DmaRd",
	CounterDmaWr:                    "DmaWr",
	CounterMceif:                    "Mceif",
	CounterMceStripe:                "MceStripe",
	CounterPleCodeLoadedIntoPleSram: "PleCodeLoadedIntoPleSram",
	CounterPleStripe:                "PleStripe",
}

func (c CounterName) String() string {
	if c < NumCounters {
		return counterNames[c]
	}
	return fmt.Sprintf("CounterName(%d)", uint8(c))
}

// ParseCounterName resolves a counter name.
func ParseCounterName(s string) (CounterName, bool) {
	for i, n := range counterNames {
		if n == s {
			return CounterName(i), true
		}
	}
	return 0, false
}

// Command is one queue command.
type Command interface {
	Type() CommandType
	command()
}

// WaitForCounter blocks its queue until the named counter reaches Value.
type WaitForCounter struct {
	Counter CounterName
	Value   uint32
}

// DmaCommand moves one stripe, or one chunk of a stripe, between DRAM and
// SRAM. Kind is one of the four DMA command types.
type DmaCommand struct {
	Kind          CommandType
	AgentID       uint32
	DramOffset    uint32
	SramAddr      uint32
	DmaSramStride uint32
	DmaStride0    uint32
	DmaStride3    uint32
	DmaChannels   uint32
	DmaEmcs       uint32
	DmaTotalBytes uint32
	DmaCmd        uint32
}

// MCE array dimensions used by ProgramMceStripe.
const (
	NumCes    = 8
	NumOgs    = 4
	NumIgs    = 4
	NumIfmPad = 4
)

// ProgramMceStripe loads the per-stripe MCE registers.
type ProgramMceStripe struct {
	AgentID                   uint32
	MulEnable                 [NumCes][NumOgs]uint32
	IfmRowStride              uint32
	IfmConfig1                uint32
	IfmPad                    [NumIfmPad][NumIgs]uint32
	WideKernelOffset          uint32
	IfmTopSlots               uint32
	IfmMidSlots               uint32
	IfmBottomSlots            uint32
	IfmSlotPadConfig          uint32
	OfmStripeSize             uint32
	OfmConfig                 uint32
	WeightBaseAddr            [NumOgs]uint32
	IfmConfig2                [NumCes][NumIgs]uint32
	NumBlocksProgrammedForMce uint32
}

// ConfigMceif configures the MCE to PLE interface for an agent.
type ConfigMceif struct {
	AgentID uint32
}

// StartMceStripe starts the MCE on the programmed stripe.
type StartMceStripe struct {
	AgentID   uint32
	CeEnables uint32
}

// LoadPleCodeIntoPleSram copies kernel code from SRAM into the PLE's own
// memory.
type LoadPleCodeIntoPleSram struct {
	AgentID uint32
}

// NumScratch is the number of PLE scratch registers.
const NumScratch = 8

// StartPleStripe starts the PLE on one stripe.
type StartPleStripe struct {
	AgentID uint32
	Scratch [NumScratch]uint32
}

func (*WaitForCounter) Type() CommandType         { return CmdWaitForCounter }
func (c *DmaCommand) Type() CommandType           { return c.Kind }
func (*ProgramMceStripe) Type() CommandType       { return CmdProgramMceStripe }
func (*ConfigMceif) Type() CommandType            { return CmdConfigMceif }
func (*StartMceStripe) Type() CommandType         { return CmdStartMceStripe }
func (*LoadPleCodeIntoPleSram) Type() CommandType { return CmdLoadPleCodeIntoPleSram }
func (*StartPleStripe) Type() CommandType         { return CmdStartPleStripe }

func (*WaitForCounter) command()         {}
func (*DmaCommand) command()             {}
func (*ProgramMceStripe) command()       {}
func (*ConfigMceif) command()            {}
func (*StartMceStripe) command()         {}
func (*LoadPleCodeIntoPleSram) command() {}
func (*StartPleStripe) command()         {}

// AgentOf returns the agent a command acts for. Waits act for no agent.
func AgentOf(c Command) (uint32, bool) {
	switch c := c.(type) {
	case *DmaCommand:
		return c.AgentID, true
	case *ProgramMceStripe:
		return c.AgentID, true
	case *ConfigMceif:
		return c.AgentID, true
	case *StartMceStripe:
		return c.AgentID, true
	case *LoadPleCodeIntoPleSram:
		return c.AgentID, true
	case *StartPleStripe:
		return c.AgentID, true
	default:
		return 0, false
	}
}
