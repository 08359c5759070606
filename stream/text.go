package stream

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/sbl8/cascade/core"
)

// Element names shared by the renderer and the parser.
const (
	elemStream          = "STREAM"
	elemCascade         = "CASCADE"
	elemAgents          = "AGENTS"
	elemNumStripesTotal = "NUM_STRIPES_TOTAL"
	elemWait            = "WAIT_FOR_COUNTER_COMMAND"
	elemDma             = "DMA_COMMAND"
	elemProgramMce      = "PROGRAM_MCE_STRIPE_COMMAND"
	elemConfigMceif     = "CONFIG_MCEIF_COMMAND"
	elemStartMce        = "START_MCE_STRIPE_COMMAND"
	elemLoadPleCode     = "LOAD_PLE_CODE_INTO_PLE_SRAM_COMMAND"
	elemStartPle        = "START_PLE_STRIPE_COMMAND"

	dmaTypeComment = "Command type is "
)

var queueElements = [NumQueues]string{"DMA_RD_COMMANDS", "DMA_WR_COMMANDS", "MCE_COMMANDS", "PLE_COMMANDS"}

// textWriter emits the indented text form, four spaces per level.
type textWriter struct {
	sb strings.Builder
}

func (w *textWriter) line(level int, s string) {
	for range level {
		w.sb.WriteString("    ")
	}
	w.sb.WriteString(s)
	w.sb.WriteByte('\n')
}

func (w *textWriter) comment(level int, format string, args ...any) {
	w.line(level, "<!-- "+fmt.Sprintf(format, args...)+" -->")
}

func (w *textWriter) open(level int, name string)  { w.line(level, "<"+name+">") }
func (w *textWriter) close(level int, name string) { w.line(level, "</"+name+">") }

func (w *textWriter) value(level int, name, v string) {
	w.line(level, "<"+name+">"+v+"</"+name+">")
}

func (w *textWriter) dec(level int, name string, v uint64) {
	w.value(level, name, strconv.FormatUint(v, 10))
}

func (w *textWriter) hex(level int, name string, v uint32) {
	w.value(level, name, "0x"+strconv.FormatUint(uint64(v), 16))
}

func (w *textWriter) str(level int, name, v string) {
	var esc strings.Builder
	// Writes to a strings.Builder cannot fail.
	_ = xml.EscapeText(&esc, []byte(v))
	w.value(level, name, esc.String())
}

// RenderText returns the text form of s.
func RenderText(s *CommandStream) (string, error) {
	w := &textWriter{}
	w.sb.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&w.sb, "<%s VERSION_MAJOR=\"%d\" VERSION_MINOR=\"%d\" VERSION_PATCH=\"%d\">\n",
		elemStream, s.Version.Major, s.Version.Minor, s.Version.Patch)

	for i, cmd := range s.Commands {
		w.comment(1, "Command %d", i)
		switch c := cmd.(type) {
		case *DumpDram:
			w.open(1, OpDumpDram.String())
			w.dec(2, "DRAM_BUFFER_ID", uint64(c.BufferID))
			w.str(2, "FILENAME", c.Filename)
			w.close(1, OpDumpDram.String())
		case *DumpSram:
			w.open(1, OpDumpSram.String())
			w.str(2, "PREFIX", c.Prefix)
			w.close(1, OpDumpSram.String())
		case *Cascade:
			if err := w.cascade(c); err != nil {
				return "", err
			}
		default:
			return "", codecErr(NoOffset, fmt.Sprintf("command %d", i), ErrUnknownOpcode, "%T", cmd)
		}
	}
	w.close(0, elemStream)
	return w.sb.String(), nil
}

func (w *textWriter) cascade(c *Cascade) error {
	w.open(1, elemCascade)
	w.open(2, elemAgents)
	for i := range c.Agents {
		w.comment(3, "Agent %d", i)
		if err := w.agent(i, &c.Agents[i]); err != nil {
			return err
		}
	}
	w.close(2, elemAgents)

	for q := Queue(0); q < NumQueues; q++ {
		w.open(2, queueElements[q])
		for i, cmd := range c.Queue(q) {
			w.comment(3, "%s Command %d", q, i)
			if err := w.command(fmt.Sprintf("%s command %d", q, i), cmd); err != nil {
				return err
			}
		}
		w.close(2, queueElements[q])
	}
	w.close(1, elemCascade)
	return nil
}

func (w *textWriter) agent(i int, a *Agent) error {
	if a.Data == nil {
		return codecErr(NoOffset, fmt.Sprintf("agent %d", i), ErrUnknownAgentType, "no payload")
	}
	name := a.Data.AgentType().String()
	w.open(3, name)
	w.dec(4, elemNumStripesTotal, uint64(a.NumStripesTotal))
	switch d := a.Data.(type) {
	case *IfmS:
		w.fmStreamer(d.BufferID, d.DmaCompConfig0, d.DmaStride1, d.DmaStride2)
	case *OfmS:
		w.fmStreamer(d.BufferID, d.DmaCompConfig0, d.DmaStride1, d.DmaStride2)
	case *WgtS:
		w.dec(4, "BUFFER_ID", uint64(d.BufferID))
	case *MceS:
		if !d.MceOpMode.Valid() || !d.PleKernelID.Valid() {
			return codecErr(NoOffset, fmt.Sprintf("agent %d", i), ErrUnknownEnum, "mode %d kernel %d", d.MceOpMode, d.PleKernelID)
		}
		w.value(4, "MCE_OP_MODE", d.MceOpMode.String())
		w.value(4, "PLE_KERNEL_ID", d.PleKernelID.String())
		for _, r := range mceRegisters(d) {
			w.hex(4, r.name, *r.v)
		}
	case *PleL:
		if !d.PleKernelID.Valid() {
			return codecErr(NoOffset, fmt.Sprintf("agent %d", i), ErrUnknownEnum, "kernel %d", d.PleKernelID)
		}
		w.value(4, "PLE_KERNEL_ID", d.PleKernelID.String())
	case *PleS:
		if !d.InputMode.Valid() || !d.PleKernelID.Valid() {
			return codecErr(NoOffset, fmt.Sprintf("agent %d", i), ErrUnknownEnum, "mode %d kernel %d", d.InputMode, d.PleKernelID)
		}
		w.value(4, "INPUT_MODE", d.InputMode.String())
		w.value(4, "PLE_KERNEL_ID", d.PleKernelID.String())
		w.dec(4, "PLE_KERNEL_SRAM_ADDR", uint64(d.PleKernelSramAddr))
	default:
		return codecErr(NoOffset, fmt.Sprintf("agent %d", i), ErrUnknownAgentType, "%T", a.Data)
	}
	w.close(3, name)
	return nil
}

func (w *textWriter) fmStreamer(bufferID uint16, compConfig0, stride1, stride2 uint32) {
	w.dec(4, "BUFFER_ID", uint64(bufferID))
	w.hex(4, "DMA_COMP_CONFIG0", compConfig0)
	w.hex(4, "DMA_STRIDE1", stride1)
	w.hex(4, "DMA_STRIDE2", stride2)
}

type namedRegister struct {
	name string
	v    *uint32
}

func mceRegisters(d *MceS) []namedRegister {
	return []namedRegister{
		{"ACTIVATION_CONFIG", &d.ActivationConfig},
		{"WIDE_KERNEL_CONTROL", &d.WideKernelControl},
		{"FILTER", &d.Filter},
		{"IFM_ZERO_POINT", &d.IfmZeroPoint},
		{"IFM_DEFAULT_SLOT_SIZE", &d.IfmDefaultSlotSize},
		{"IFM_SLOT_STRIDE", &d.IfmSlotStride},
		{"STRIPE_BLOCK_CONFIG", &d.StripeBlockConfig},
		{"DEPTHWISE_CONTROL", &d.DepthwiseControl},
		{"IFM_SLOT_BASE_ADDRESS", &d.IfmSlotBaseAddress},
		{"PLE_MCEIF_CONFIG", &d.PleMceifConfig},
	}
}

func dmaRegisters(c *DmaCommand) []namedRegister {
	return []namedRegister{
		{"DRAM_OFFSET", &c.DramOffset},
		{"SRAM_ADDR", &c.SramAddr},
		{"DMA_SRAM_STRIDE", &c.DmaSramStride},
		{"DMA_STRIDE0", &c.DmaStride0},
		{"DMA_STRIDE3", &c.DmaStride3},
		{"DMA_CHANNELS", &c.DmaChannels},
		{"DMA_EMCS", &c.DmaEmcs},
		{"DMA_TOTAL_BYTES", &c.DmaTotalBytes},
		{"DMA_CMD", &c.DmaCmd},
	}
}

func programMceScalars(c *ProgramMceStripe) []namedRegister {
	return []namedRegister{
		{"WIDE_KERNEL_OFFSET", &c.WideKernelOffset},
		{"IFM_TOP_SLOTS", &c.IfmTopSlots},
		{"IFM_MID_SLOTS", &c.IfmMidSlots},
		{"IFM_BOTTOM_SLOTS", &c.IfmBottomSlots},
		{"IFM_SLOT_PAD_CONFIG", &c.IfmSlotPadConfig},
		{"OFM_STRIPE_SIZE", &c.OfmStripeSize},
		{"OFM_CONFIG", &c.OfmConfig},
	}
}

func (w *textWriter) command(field string, cmd Command) error {
	switch c := cmd.(type) {
	case *WaitForCounter:
		if c.Counter >= NumCounters {
			return codecErr(NoOffset, field, ErrUnknownCounter, "%d", uint8(c.Counter))
		}
		w.open(3, elemWait)
		w.value(4, "COUNTER_NAME", c.Counter.String())
		w.dec(4, "COUNTER_VALUE", uint64(c.Value))
		w.close(3, elemWait)
	case *DmaCommand:
		if !c.Kind.IsDma() {
			return codecErr(NoOffset, field, ErrUnknownCommandType, "%s is not a DMA command", c.Kind)
		}
		w.comment(3, "%s%s", dmaTypeComment, c.Kind)
		w.open(3, elemDma)
		w.dec(4, "AGENT_ID", uint64(c.AgentID))
		for _, r := range dmaRegisters(c) {
			w.hex(4, r.name, *r.v)
		}
		w.close(3, elemDma)
	case *ProgramMceStripe:
		w.programMce(c)
	case *ConfigMceif:
		w.open(3, elemConfigMceif)
		w.dec(4, "AGENT_ID", uint64(c.AgentID))
		w.close(3, elemConfigMceif)
	case *StartMceStripe:
		w.open(3, elemStartMce)
		w.dec(4, "AGENT_ID", uint64(c.AgentID))
		w.dec(4, "CE_ENABLES", uint64(c.CeEnables))
		w.close(3, elemStartMce)
	case *LoadPleCodeIntoPleSram:
		w.open(3, elemLoadPleCode)
		w.dec(4, "AGENT_ID", uint64(c.AgentID))
		w.close(3, elemLoadPleCode)
	case *StartPleStripe:
		w.open(3, elemStartPle)
		w.dec(4, "AGENT_ID", uint64(c.AgentID))
		for i, v := range c.Scratch {
			w.hex(4, fmt.Sprintf("SCRATCH%d", i), v)
		}
		w.close(3, elemStartPle)
	default:
		return codecErr(NoOffset, field, ErrUnknownCommandType, "%T", cmd)
	}
	return nil
}

func (w *textWriter) grid(name, inner string, rows [][]uint32) {
	for i, row := range rows {
		outer := fmt.Sprintf("%s%d", name, i)
		w.open(4, outer)
		for j, v := range row {
			w.hex(5, fmt.Sprintf("%s%d", inner, j), v)
		}
		w.close(4, outer)
	}
}

func (w *textWriter) programMce(c *ProgramMceStripe) {
	w.open(3, elemProgramMce)
	w.dec(4, "AGENT_ID", uint64(c.AgentID))
	w.grid("MUL_ENABLE_CE", "OG", rowsOf(c.MulEnable[:]))
	w.hex(4, "IFM_ROW_STRIDE", c.IfmRowStride)
	w.hex(4, "IFM_CONFIG1", c.IfmConfig1)
	w.grid("IFM_PAD_NUM", "IG", rowsOf(c.IfmPad[:]))
	for _, r := range programMceScalars(c) {
		w.hex(4, r.name, *r.v)
	}
	for og, v := range c.WeightBaseAddr {
		w.hex(4, fmt.Sprintf("WEIGHT_BASE_ADDR_OG%d", og), v)
	}
	w.grid("IFM_CONFIG2_CE", "IG", rowsOf(c.IfmConfig2[:]))
	w.hex(4, "NUM_BLOCKS_PROGRAMMED_FOR_MCE", c.NumBlocksProgrammedForMce)
	w.close(3, elemProgramMce)
}

func rowsOf(rows [][4]uint32) [][]uint32 {
	out := make([][]uint32, len(rows))
	for i := range rows {
		out[i] = rows[i][:]
	}
	return out
}

// agentTypeByName maps text element names back to roles.
func agentTypeByName(name string) (core.AgentType, bool) {
	for t := core.IfmStreamer; t.Valid(); t++ {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}
