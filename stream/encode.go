package stream

import (
	"encoding/binary"
	"fmt"
	"math"
)

// commandHeaderSize is the size/type/reserved prefix of every queue command.
const commandHeaderSize = 4

// encoder appends little-endian fields to a byte slice.
type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = binary.LittleEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.LittleEndian.AppendUint32(e.b, v) }

func (e *encoder) u32s(vs ...uint32) {
	for _, v := range vs {
		e.u32(v)
	}
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.b = append(e.b, s...)
}

// Encode serialises s to the binary format.
func Encode(s *CommandStream) ([]byte, error) {
	e := &encoder{b: make([]byte, 0, 1024)}
	e.b = append(e.b, Magic...)
	e.u32s(s.Version.Major, s.Version.Minor, s.Version.Patch)

	for i, cmd := range s.Commands {
		if err := e.topLevel(i, cmd); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (e *encoder) topLevel(i int, cmd TopLevel) error {
	switch c := cmd.(type) {
	case *DumpDram:
		e.u32(uint32(OpDumpDram))
		e.u32(c.BufferID)
		e.str(c.Filename)
	case *DumpSram:
		e.u32(uint32(OpDumpSram))
		e.str(c.Prefix)
	case *Cascade:
		e.u32(uint32(OpCascade))
		return e.cascade(c)
	default:
		return codecErr(len(e.b), fmt.Sprintf("command %d", i), ErrUnknownOpcode, "%T", cmd)
	}
	return nil
}

func (e *encoder) cascade(c *Cascade) error {
	e.u32(uint32(len(c.Agents)))
	for i := range c.Agents {
		if err := e.agent(i, &c.Agents[i]); err != nil {
			return err
		}
	}
	for q := Queue(0); q < NumQueues; q++ {
		cmds := c.Queue(q)
		e.u32(uint32(len(cmds)))
		for i, cmd := range cmds {
			if err := e.command(fmt.Sprintf("%s command %d", q, i), cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *encoder) agent(i int, a *Agent) error {
	field := fmt.Sprintf("agent %d", i)
	if a.Data == nil {
		return codecErr(len(e.b), field, ErrUnknownAgentType, "no payload")
	}
	e.u8(uint8(a.Data.AgentType()))
	e.u8(0)
	e.u16(a.NumStripesTotal)

	switch d := a.Data.(type) {
	case *IfmS:
		e.u16(d.BufferID)
		e.u16(0)
		e.u32s(d.DmaCompConfig0, d.DmaStride1, d.DmaStride2)
	case *OfmS:
		e.u16(d.BufferID)
		e.u16(0)
		e.u32s(d.DmaCompConfig0, d.DmaStride1, d.DmaStride2)
	case *WgtS:
		e.u16(d.BufferID)
		e.u16(0)
	case *MceS:
		if !d.MceOpMode.Valid() {
			return codecErr(len(e.b), field+" MCE_OP_MODE", ErrUnknownEnum, "%d", d.MceOpMode)
		}
		if !d.PleKernelID.Valid() {
			return codecErr(len(e.b), field+" PLE_KERNEL_ID", ErrUnknownEnum, "%d", d.PleKernelID)
		}
		e.u8(uint8(d.MceOpMode))
		e.u8(0)
		e.u16(uint16(d.PleKernelID))
		e.u32s(d.ActivationConfig, d.WideKernelControl, d.Filter, d.IfmZeroPoint,
			d.IfmDefaultSlotSize, d.IfmSlotStride, d.StripeBlockConfig, d.DepthwiseControl,
			d.IfmSlotBaseAddress, d.PleMceifConfig)
	case *PleL:
		if !d.PleKernelID.Valid() {
			return codecErr(len(e.b), field+" PLE_KERNEL_ID", ErrUnknownEnum, "%d", d.PleKernelID)
		}
		e.u16(uint16(d.PleKernelID))
		e.u16(0)
	case *PleS:
		if !d.InputMode.Valid() {
			return codecErr(len(e.b), field+" INPUT_MODE", ErrUnknownEnum, "%d", d.InputMode)
		}
		if !d.PleKernelID.Valid() {
			return codecErr(len(e.b), field+" PLE_KERNEL_ID", ErrUnknownEnum, "%d", d.PleKernelID)
		}
		e.u8(uint8(d.InputMode))
		e.u8(0)
		e.u16(uint16(d.PleKernelID))
		e.u32(d.PleKernelSramAddr)
	default:
		return codecErr(len(e.b), field, ErrUnknownAgentType, "%T", a.Data)
	}
	return nil
}

func (e *encoder) command(field string, cmd Command) error {
	if cmd == nil {
		return codecErr(len(e.b), field, ErrUnknownCommandType, "nil command")
	}
	start := len(e.b)
	e.u16(0) // size, patched below
	e.u8(uint8(cmd.Type()))
	e.u8(0)

	var err error
	switch c := cmd.(type) {
	case *WaitForCounter:
		if c.Counter >= NumCounters {
			return codecErr(start, field+" COUNTER_NAME", ErrUnknownCounter, "%d", c.Counter)
		}
		e.u8(uint8(c.Counter))
		e.u8(0)
		e.u16(0)
		e.u32(c.Value)
	case *DmaCommand:
		if !c.Kind.IsDma() {
			return codecErr(start, field, ErrUnknownCommandType, "%s is not a DMA command", c.Kind)
		}
		e.u32s(c.AgentID, c.DramOffset, c.SramAddr, c.DmaSramStride, c.DmaStride0, c.DmaStride3,
			c.DmaChannels, c.DmaEmcs, c.DmaTotalBytes, c.DmaCmd)
	case *ProgramMceStripe:
		e.b, err = binary.Append(e.b, binary.LittleEndian, c)
	case *ConfigMceif:
		e.u32(c.AgentID)
	case *StartMceStripe:
		e.u32s(c.AgentID, c.CeEnables)
	case *LoadPleCodeIntoPleSram:
		e.u32(c.AgentID)
	case *StartPleStripe:
		e.b, err = binary.Append(e.b, binary.LittleEndian, c)
	default:
		return codecErr(start, field, ErrUnknownCommandType, "%T", cmd)
	}
	if err != nil {
		return codecErr(start, field, ErrUnknownCommandType, "%v", err)
	}

	size := len(e.b) - start
	if size > math.MaxUint16 {
		return codecErr(start, field, ErrUnknownCommandType, "command of %d bytes does not fit its size field", size)
	}
	binary.LittleEndian.PutUint16(e.b[start:], uint16(size))
	return nil
}
