package stream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
)

// element is one node of the parsed text document.
type element struct {
	name     string
	path     string
	attrs    map[string]string
	text     string
	comment  string // last comment seen before the opening tag
	offset   int
	children []*element
}

func (e *element) find(name string) *element {
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func buildTree(data []byte) (*element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root := &element{}
	stack := []*element{root}
	var comment string
	var text strings.Builder

	for {
		at := int(dec.InputOffset())
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, codecErr(int(dec.InputOffset()), stack[len(stack)-1].path, ErrMalformedText, "%v", err)
		}
		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			e := &element{
				name:    t.Name.Local,
				path:    top.path + "/" + t.Name.Local,
				attrs:   make(map[string]string, len(t.Attr)),
				comment: comment,
				offset:  at,
			}
			for _, a := range t.Attr {
				e.attrs[a.Name.Local] = a.Value
			}
			top.children = append(top.children, e)
			stack = append(stack, e)
			comment = ""
			text.Reset()
		case xml.EndElement:
			if len(top.children) == 0 {
				top.text = text.String()
			}
			text.Reset()
			stack = stack[:len(stack)-1]
		case xml.CharData:
			text.Write(t)
		case xml.Comment:
			comment = strings.TrimSpace(string(t))
		}
	}
	if len(stack) != 1 {
		return nil, codecErr(len(data), stack[len(stack)-1].path, ErrMalformedText, "unclosed element")
	}
	return root, nil
}

// textParser reads typed values out of the element tree. The first failure
// is sticky.
type textParser struct {
	err error
}

func (p *textParser) fail(e *element, field string, kind error, format string, args ...any) {
	if p.err == nil {
		p.err = codecErr(e.offset, field, kind, format, args...)
	}
}

func (p *textParser) child(e *element, name string) *element {
	if p.err != nil {
		return nil
	}
	c := e.find(name)
	if c == nil {
		p.fail(e, e.path+"/"+name, ErrMalformedText, "missing element")
	}
	return c
}

func (p *textParser) str(e *element, name string) string {
	if c := p.child(e, name); c != nil {
		return c.text
	}
	return ""
}

func (p *textParser) dec(e *element, name string, bits int) uint64 {
	c := p.child(e, name)
	if c == nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(c.text), 10, bits)
	if err != nil {
		p.fail(c, c.path, ErrMalformedText, "%q is not a %d-bit decimal", c.text, bits)
	}
	return v
}

func (p *textParser) hex(e *element, name string) uint32 {
	c := p.child(e, name)
	if c == nil {
		return 0
	}
	digits, ok := strings.CutPrefix(strings.TrimSpace(c.text), "0x")
	if !ok {
		p.fail(c, c.path, ErrMalformedText, "%q is not 0x-prefixed hex", c.text)
		return 0
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		p.fail(c, c.path, ErrMalformedText, "%q is not a 32-bit hex value", c.text)
	}
	return uint32(v)
}

func (p *textParser) kernel(e *element) kernels.ID {
	name := p.str(e, "PLE_KERNEL_ID")
	if p.err != nil {
		return 0
	}
	id, err := kernels.Parse(name)
	if err != nil {
		p.fail(e, e.path+"/PLE_KERNEL_ID", ErrUnknownEnum, "%v", err)
	}
	return id
}

func (p *textParser) attr(e *element, name string) uint32 {
	if p.err != nil {
		return 0
	}
	s, ok := e.attrs[name]
	if !ok {
		p.fail(e, e.path+"@"+name, ErrMalformedText, "missing attribute")
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		p.fail(e, e.path+"@"+name, ErrMalformedText, "%q is not a decimal", s)
	}
	return uint32(v)
}

// ParseText parses the text form produced by RenderText.
func ParseText(data []byte) (*CommandStream, error) {
	root, err := buildTree(data)
	if err != nil {
		return nil, err
	}
	p := &textParser{}
	if len(root.children) != 1 || root.children[0].name != elemStream {
		return nil, codecErr(0, "/"+elemStream, ErrMalformedText, "document must have a single %s root", elemStream)
	}
	top := root.children[0]

	s := &CommandStream{}
	s.Version.Major = p.attr(top, "VERSION_MAJOR")
	s.Version.Minor = p.attr(top, "VERSION_MINOR")
	s.Version.Patch = p.attr(top, "VERSION_PATCH")
	if p.err != nil {
		return nil, p.err
	}
	if s.Version.Major != CurrentVersion.Major {
		return nil, codecErr(top.offset, top.path+"@VERSION_MAJOR", ErrVersionMismatch,
			"stream is %s, parser supports %d.x", s.Version, CurrentVersion.Major)
	}

	for _, e := range top.children {
		var cmd TopLevel
		switch e.name {
		case OpDumpDram.String():
			cmd = &DumpDram{
				BufferID: uint32(p.dec(e, "DRAM_BUFFER_ID", 32)),
				Filename: p.str(e, "FILENAME"),
			}
		case OpDumpSram.String():
			cmd = &DumpSram{Prefix: p.str(e, "PREFIX")}
		case elemCascade:
			cmd = p.cascade(e)
		default:
			p.fail(e, e.path, ErrUnknownOpcode, "%q", e.name)
		}
		if p.err != nil {
			return nil, p.err
		}
		s.Commands = append(s.Commands, cmd)
	}
	return s, nil
}

func (p *textParser) cascade(e *element) *Cascade {
	c := &Cascade{}
	if agents := p.child(e, elemAgents); agents != nil {
		for _, a := range agents.children {
			c.Agents = append(c.Agents, p.agent(a))
		}
	}
	for q := Queue(0); q < NumQueues; q++ {
		list := p.child(e, queueElements[q])
		if list == nil {
			return c
		}
		var cmds []Command
		for _, ce := range list.children {
			cmds = append(cmds, p.command(ce))
		}
		c.SetQueue(q, cmds)
	}
	return c
}

func (p *textParser) agent(e *element) Agent {
	t, ok := agentTypeByName(e.name)
	if !ok {
		p.fail(e, e.path, ErrUnknownAgentType, "%q", e.name)
		return Agent{}
	}
	a := Agent{NumStripesTotal: uint16(p.dec(e, elemNumStripesTotal, 16))}
	switch t {
	case core.IfmStreamer:
		s := &IfmS{BufferID: uint16(p.dec(e, "BUFFER_ID", 16))}
		s.DmaCompConfig0, s.DmaStride1, s.DmaStride2 = p.hex(e, "DMA_COMP_CONFIG0"), p.hex(e, "DMA_STRIDE1"), p.hex(e, "DMA_STRIDE2")
		a.Data = s
	case core.OfmStreamer:
		s := &OfmS{BufferID: uint16(p.dec(e, "BUFFER_ID", 16))}
		s.DmaCompConfig0, s.DmaStride1, s.DmaStride2 = p.hex(e, "DMA_COMP_CONFIG0"), p.hex(e, "DMA_STRIDE1"), p.hex(e, "DMA_STRIDE2")
		a.Data = s
	case core.WgtStreamer:
		a.Data = &WgtS{BufferID: uint16(p.dec(e, "BUFFER_ID", 16))}
	case core.MceScheduler:
		s := &MceS{}
		mode := p.str(e, "MCE_OP_MODE")
		if m, ok := parseMceOperation(mode); ok {
			s.MceOpMode = m
		} else {
			p.fail(e, e.path+"/MCE_OP_MODE", ErrUnknownEnum, "%q", mode)
		}
		s.PleKernelID = p.kernel(e)
		for _, r := range mceRegisters(s) {
			*r.v = p.hex(e, r.name)
		}
		a.Data = s
	case core.PleLoader:
		a.Data = &PleL{PleKernelID: p.kernel(e)}
	case core.PleScheduler:
		s := &PleS{}
		mode := p.str(e, "INPUT_MODE")
		if m, ok := parsePleInputMode(mode); ok {
			s.InputMode = m
		} else {
			p.fail(e, e.path+"/INPUT_MODE", ErrUnknownEnum, "%q", mode)
		}
		s.PleKernelID = p.kernel(e)
		s.PleKernelSramAddr = uint32(p.dec(e, "PLE_KERNEL_SRAM_ADDR", 32))
		a.Data = s
	}
	return a
}

func (p *textParser) command(e *element) Command {
	if p.err != nil {
		return nil
	}
	agentID := func() uint32 { return uint32(p.dec(e, "AGENT_ID", 32)) }
	switch e.name {
	case elemWait:
		name := p.str(e, "COUNTER_NAME")
		counter, ok := ParseCounterName(name)
		if p.err == nil && !ok {
			p.fail(e, e.path+"/COUNTER_NAME", ErrUnknownCounter, "%q", name)
		}
		return &WaitForCounter{Counter: counter, Value: uint32(p.dec(e, "COUNTER_VALUE", 32))}
	case elemDma:
		kindName, ok := strings.CutPrefix(e.comment, dmaTypeComment)
		if !ok {
			p.fail(e, e.path, ErrMalformedText, "missing %q comment", dmaTypeComment+"...")
			return nil
		}
		kind, ok := ParseCommandType(kindName)
		if !ok || !kind.IsDma() {
			p.fail(e, e.path, ErrUnknownCommandType, "%q", kindName)
			return nil
		}
		c := &DmaCommand{Kind: kind, AgentID: agentID()}
		for _, r := range dmaRegisters(c) {
			*r.v = p.hex(e, r.name)
		}
		return c
	case elemProgramMce:
		return p.programMce(e)
	case elemConfigMceif:
		return &ConfigMceif{AgentID: agentID()}
	case elemStartMce:
		c := &StartMceStripe{AgentID: agentID()}
		c.CeEnables = uint32(p.dec(e, "CE_ENABLES", 32))
		return c
	case elemLoadPleCode:
		return &LoadPleCodeIntoPleSram{AgentID: agentID()}
	case elemStartPle:
		c := &StartPleStripe{AgentID: agentID()}
		for i := range c.Scratch {
			c.Scratch[i] = p.hex(e, fmt.Sprintf("SCRATCH%d", i))
		}
		return c
	default:
		p.fail(e, e.path, ErrUnknownCommandType, "%q", e.name)
		return nil
	}
}

func (p *textParser) grid(e *element, name, inner string, rows [][]uint32) {
	for i, row := range rows {
		block := p.child(e, fmt.Sprintf("%s%d", name, i))
		if block == nil {
			return
		}
		for j := range row {
			row[j] = p.hex(block, fmt.Sprintf("%s%d", inner, j))
		}
	}
}

func (p *textParser) programMce(e *element) *ProgramMceStripe {
	c := &ProgramMceStripe{AgentID: uint32(p.dec(e, "AGENT_ID", 32))}
	p.grid(e, "MUL_ENABLE_CE", "OG", rowsOf(c.MulEnable[:]))
	c.IfmRowStride = p.hex(e, "IFM_ROW_STRIDE")
	c.IfmConfig1 = p.hex(e, "IFM_CONFIG1")
	p.grid(e, "IFM_PAD_NUM", "IG", rowsOf(c.IfmPad[:]))
	for _, r := range programMceScalars(c) {
		*r.v = p.hex(e, r.name)
	}
	for og := range c.WeightBaseAddr {
		c.WeightBaseAddr[og] = p.hex(e, fmt.Sprintf("WEIGHT_BASE_ADDR_OG%d", og))
	}
	p.grid(e, "IFM_CONFIG2_CE", "IG", rowsOf(c.IfmConfig2[:]))
	c.NumBlocksProgrammedForMce = p.hex(e, "NUM_BLOCKS_PROGRAMMED_FOR_MCE")
	return c
}

func parseMceOperation(s string) (core.MceOperation, bool) {
	for m := core.MceOperation(0); m.Valid(); m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

func parsePleInputMode(s string) (core.PleInputMode, bool) {
	for m := core.PleInputMode(0); m.Valid(); m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}
