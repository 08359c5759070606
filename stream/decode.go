package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
)

// decoder reads little-endian fields. The first failure is sticky: later
// reads return zero and leave err unchanged.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data)-d.off < n {
		d.err = codecErr(d.off, field, ErrTruncated, "need %d bytes, %d left", n, len(d.data)-d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8(field string) uint8 {
	if b := d.take(1, field); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16(field string) uint16 {
	if b := d.take(2, field); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32(field string) uint32 {
	if b := d.take(4, field); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) str(field string) string {
	n := d.u32(field + " length")
	if d.err == nil && uint64(n) > uint64(len(d.data)-d.off) {
		d.err = codecErr(d.off, field, ErrTruncated, "string of %d bytes, %d left", n, len(d.data)-d.off)
		return ""
	}
	return string(d.take(int(n), field))
}

func (d *decoder) fail(offset int, field string, kind error, format string, args ...any) {
	if d.err == nil {
		d.err = codecErr(offset, field, kind, format, args...)
	}
}

// Decode parses a binary command stream.
func Decode(data []byte) (*CommandStream, error) {
	d := &decoder{data: data}
	if magic := d.take(len(Magic), "magic"); d.err == nil && string(magic) != Magic {
		return nil, codecErr(0, "magic", ErrBadMagic, "got %q", magic)
	}
	s := &CommandStream{}
	s.Version.Major = d.u32("VERSION_MAJOR")
	s.Version.Minor = d.u32("VERSION_MINOR")
	s.Version.Patch = d.u32("VERSION_PATCH")
	if d.err != nil {
		return nil, d.err
	}
	if s.Version.Major != CurrentVersion.Major {
		return nil, codecErr(len(Magic), "VERSION_MAJOR", ErrVersionMismatch,
			"stream is %s, decoder supports %d.x", s.Version, CurrentVersion.Major)
	}

	for i := 0; d.off < len(d.data); i++ {
		cmd := d.topLevel(i)
		if d.err != nil {
			return nil, d.err
		}
		s.Commands = append(s.Commands, cmd)
	}
	return s, nil
}

func (d *decoder) topLevel(i int) TopLevel {
	at := d.off
	field := fmt.Sprintf("command %d", i)
	op := Opcode(d.u32(field + " opcode"))
	if d.err != nil {
		return nil
	}
	switch op {
	case OpDumpDram:
		c := &DumpDram{}
		c.BufferID = d.u32("DRAM_BUFFER_ID")
		c.Filename = d.str("FILENAME")
		return c
	case OpDumpSram:
		return &DumpSram{Prefix: d.str("PREFIX")}
	case OpCascade:
		return d.cascade()
	default:
		d.fail(at, field+" opcode", ErrUnknownOpcode, "%d", uint32(op))
		return nil
	}
}

func (d *decoder) cascade() *Cascade {
	c := &Cascade{}
	n := d.u32("agent count")
	for i := uint32(0); i < n && d.err == nil; i++ {
		c.Agents = append(c.Agents, d.agent(int(i)))
	}
	for q := Queue(0); q < NumQueues && d.err == nil; q++ {
		count := d.u32(q.String() + " command count")
		var cmds []Command
		for i := uint32(0); i < count && d.err == nil; i++ {
			cmds = append(cmds, d.command(fmt.Sprintf("%s command %d", q, i)))
		}
		c.SetQueue(q, cmds)
	}
	return c
}

func (d *decoder) agent(i int) Agent {
	field := fmt.Sprintf("agent %d", i)
	at := d.off
	t := core.AgentType(d.u8(field + " type"))
	d.u8(field + " reserved")
	a := Agent{NumStripesTotal: d.u16(field + " NUM_STRIPES_TOTAL")}
	if d.err != nil {
		return a
	}

	switch t {
	case core.IfmStreamer:
		s := &IfmS{BufferID: d.u16(field + " BUFFER_ID")}
		d.u16(field + " reserved")
		s.DmaCompConfig0 = d.u32(field + " DMA_COMP_CONFIG0")
		s.DmaStride1 = d.u32(field + " DMA_STRIDE1")
		s.DmaStride2 = d.u32(field + " DMA_STRIDE2")
		a.Data = s
	case core.OfmStreamer:
		s := &OfmS{BufferID: d.u16(field + " BUFFER_ID")}
		d.u16(field + " reserved")
		s.DmaCompConfig0 = d.u32(field + " DMA_COMP_CONFIG0")
		s.DmaStride1 = d.u32(field + " DMA_STRIDE1")
		s.DmaStride2 = d.u32(field + " DMA_STRIDE2")
		a.Data = s
	case core.WgtStreamer:
		s := &WgtS{BufferID: d.u16(field + " BUFFER_ID")}
		d.u16(field + " reserved")
		a.Data = s
	case core.MceScheduler:
		modeAt := d.off
		s := &MceS{MceOpMode: core.MceOperation(d.u8(field + " MCE_OP_MODE"))}
		d.u8(field + " reserved")
		kernelAt := d.off
		s.PleKernelID = kernels.ID(d.u16(field + " PLE_KERNEL_ID"))
		regs := []*uint32{&s.ActivationConfig, &s.WideKernelControl, &s.Filter, &s.IfmZeroPoint,
			&s.IfmDefaultSlotSize, &s.IfmSlotStride, &s.StripeBlockConfig, &s.DepthwiseControl,
			&s.IfmSlotBaseAddress, &s.PleMceifConfig}
		for _, r := range regs {
			*r = d.u32(field + " register")
		}
		if d.err == nil && !s.MceOpMode.Valid() {
			d.fail(modeAt, field+" MCE_OP_MODE", ErrUnknownEnum, "%d", s.MceOpMode)
		}
		if d.err == nil && !s.PleKernelID.Valid() {
			d.fail(kernelAt, field+" PLE_KERNEL_ID", ErrUnknownEnum, "%d", s.PleKernelID)
		}
		a.Data = s
	case core.PleLoader:
		kernelAt := d.off
		s := &PleL{PleKernelID: kernels.ID(d.u16(field + " PLE_KERNEL_ID"))}
		d.u16(field + " reserved")
		if d.err == nil && !s.PleKernelID.Valid() {
			d.fail(kernelAt, field+" PLE_KERNEL_ID", ErrUnknownEnum, "%d", s.PleKernelID)
		}
		a.Data = s
	case core.PleScheduler:
		modeAt := d.off
		s := &PleS{InputMode: core.PleInputMode(d.u8(field + " INPUT_MODE"))}
		d.u8(field + " reserved")
		kernelAt := d.off
		s.PleKernelID = kernels.ID(d.u16(field + " PLE_KERNEL_ID"))
		s.PleKernelSramAddr = d.u32(field + " PLE_KERNEL_SRAM_ADDR")
		if d.err == nil && !s.InputMode.Valid() {
			d.fail(modeAt, field+" INPUT_MODE", ErrUnknownEnum, "%d", s.InputMode)
		}
		if d.err == nil && !s.PleKernelID.Valid() {
			d.fail(kernelAt, field+" PLE_KERNEL_ID", ErrUnknownEnum, "%d", s.PleKernelID)
		}
		a.Data = s
	default:
		d.fail(at, field+" type", ErrUnknownAgentType, "%d", uint8(t))
	}
	return a
}

func (d *decoder) command(field string) Command {
	start := d.off
	size := int(d.u16(field + " size"))
	t := CommandType(d.u8(field + " type"))
	d.u8(field + " reserved")
	if d.err != nil {
		return nil
	}
	if size < commandHeaderSize || len(d.data)-start < size {
		d.fail(start, field+" size", ErrTruncated, "command claims %d bytes, %d left", size, len(d.data)-start)
		return nil
	}

	// Parse the payload from its own window so a short size cannot read
	// into the next command.
	p := &decoder{data: d.data[:start+size], off: d.off}
	var cmd Command
	switch t {
	case CmdWaitForCounter:
		counterAt := p.off
		c := &WaitForCounter{Counter: CounterName(p.u8(field + " COUNTER_NAME"))}
		p.u8(field + " reserved")
		p.u16(field + " reserved")
		c.Value = p.u32(field + " COUNTER_VALUE")
		if p.err == nil && c.Counter >= NumCounters {
			p.fail(counterAt, field+" COUNTER_NAME", ErrUnknownCounter, "%d", uint8(c.Counter))
		}
		cmd = c
	case CmdLoadIfmStripe, CmdLoadWgtStripe, CmdLoadPleCodeIntoSram, CmdStoreOfmStripe:
		c := &DmaCommand{Kind: t}
		regs := []*uint32{&c.AgentID, &c.DramOffset, &c.SramAddr, &c.DmaSramStride, &c.DmaStride0,
			&c.DmaStride3, &c.DmaChannels, &c.DmaEmcs, &c.DmaTotalBytes, &c.DmaCmd}
		for _, r := range regs {
			*r = p.u32(field + " DMA register")
		}
		cmd = c
	case CmdProgramMceStripe:
		c := &ProgramMceStripe{}
		p.fixed(field, c)
		cmd = c
	case CmdConfigMceif:
		cmd = &ConfigMceif{AgentID: p.u32(field + " AGENT_ID")}
	case CmdStartMceStripe:
		c := &StartMceStripe{AgentID: p.u32(field + " AGENT_ID")}
		c.CeEnables = p.u32(field + " CE_ENABLES")
		cmd = c
	case CmdLoadPleCodeIntoPleSram:
		cmd = &LoadPleCodeIntoPleSram{AgentID: p.u32(field + " AGENT_ID")}
	case CmdStartPleStripe:
		c := &StartPleStripe{}
		p.fixed(field, c)
		cmd = c
	default:
		d.fail(start+2, field+" type", ErrUnknownCommandType, "%d", uint8(t))
		return nil
	}
	if p.err != nil {
		d.err = p.err
		return nil
	}
	// Trailing bytes belong to fields this decoder does not know about.
	d.off = start + size
	return cmd
}

// fixed decodes a struct made only of fixed-size fields.
func (d *decoder) fixed(field string, v any) {
	n := binary.Size(v)
	b := d.take(n, field)
	if b == nil {
		return
	}
	if _, err := binary.Decode(b, binary.LittleEndian, v); err != nil {
		d.fail(d.off-n, field, ErrTruncated, "%v", err)
	}
}
