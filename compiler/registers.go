package compiler

import (
	"github.com/sbl8/cascade/config"
	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
	"github.com/sbl8/cascade/scheduler"
	"github.com/sbl8/cascade/stream"
)

// BuildCascade turns agents and their scheduled queues into the wire form
// of one cascade, filling in the register values of every command.
func BuildCascade(agents []core.Agent, res *scheduler.Result, caps config.Capabilities) (*stream.Cascade, error) {
	c := &stream.Cascade{Agents: make([]stream.Agent, len(agents))}
	for i := range agents {
		w, err := wireAgent(&agents[i])
		if err != nil {
			return nil, err
		}
		c.Agents[i] = w
	}
	r := &registers{agents: agents, caps: caps}
	for q := stream.Queue(0); q < stream.NumQueues; q++ {
		var cmds []stream.Command
		for _, lc := range res.Queue(q) {
			cmd, err := r.command(lc)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		c.SetQueue(q, cmds)
	}
	return c, nil
}

func compConfig0(fm *core.FmData) uint32 {
	v := uint32(fm.Format) | uint32(uint16(fm.ZeroPoint))<<16
	if fm.Signed {
		v |= 1 << 4
	}
	return v
}

func wireAgent(a *core.Agent) (stream.Agent, error) {
	w := stream.Agent{NumStripesTotal: a.NumStripesTotal}
	switch d := a.Data.(type) {
	case *core.IfmS:
		w.Data = &stream.IfmS{
			BufferID:       d.Fm.BufferID,
			DmaCompConfig0: compConfig0(&d.Fm),
			DmaStride1:     rowStride(d.Fm.Format, d.Fm.Supertensor),
			DmaStride2:     planeStride(d.Fm.Format, d.Fm.Supertensor),
		}
	case *core.OfmS:
		w.Data = &stream.OfmS{
			BufferID:       d.Fm.BufferID,
			DmaCompConfig0: compConfig0(&d.Fm),
			DmaStride1:     rowStride(d.Fm.Format, d.Fm.Supertensor),
			DmaStride2:     planeStride(d.Fm.Format, d.Fm.Supertensor),
		}
	case *core.WgtS:
		w.Data = &stream.WgtS{BufferID: d.BufferID}
	case *core.MceS:
		w.Data = mceRegisters(d)
	case *core.PleL:
		w.Data = &stream.PleL{PleKernelID: d.Kernel}
	case *core.PleS:
		w.Data = &stream.PleS{InputMode: d.InputMode, PleKernelID: d.Kernel, PleKernelSramAddr: d.KernelSramAddr}
	default:
		return w, &core.ConstructionError{Agent: core.NoAgent, Err: core.ErrUnknownEnum, Detail: "agent has no role payload"}
	}
	return w, nil
}

func mceRegisters(d *core.MceS) *stream.MceS {
	m := &stream.MceS{
		MceOpMode:          d.Mode,
		PleKernelID:        d.PleKernel,
		ActivationConfig:   uint32(uint16(d.ReluMin)) | uint32(uint16(d.ReluMax))<<16,
		Filter:             uint32(d.FilterWidth) | uint32(d.FilterHeight)<<8,
		IfmZeroPoint:       uint32(uint16(d.IfmZeroPoint)),
		IfmDefaultSlotSize: uint32(d.IfmStripeDefault.Height) | uint32(d.IfmStripeDefault.Width)<<16,
		IfmSlotStride:      d.IfmTile.SlotSize,
		StripeBlockConfig:  uint32(d.BlockWidth) | uint32(d.BlockHeight)<<8 | uint32(d.Algorithm)<<16,
		IfmSlotBaseAddress: d.IfmTile.BaseAddr,
		PleMceifConfig:     uint32(d.PleKernel) | uint32(d.Upsample)<<16,
	}
	if d.FilterWidth > 7 || d.FilterHeight > 7 {
		m.WideKernelControl = 1
	}
	if d.Mode == core.DepthwiseConvolution {
		m.DepthwiseControl = 1
	}
	return m
}

type registers struct {
	agents []core.Agent
	caps   config.Capabilities
}

func (r *registers) command(lc scheduler.Command) (stream.Command, error) {
	if lc.IsWait() {
		return &stream.WaitForCounter{Counter: lc.Counter, Value: lc.Value}, nil
	}
	if int(lc.Agent) >= len(r.agents) {
		return nil, core.AgentError(lc.Agent, core.ErrDanglingDependency, "%s for a missing agent", lc.Type)
	}
	a := &r.agents[lc.Agent]
	switch lc.Type {
	case stream.CmdLoadIfmStripe:
		return r.fmDma(lc, &a.Data.(*core.IfmS).Fm, false), nil
	case stream.CmdStoreOfmStripe:
		return r.fmDma(lc, &a.Data.(*core.OfmS).Fm, true), nil
	case stream.CmdLoadWgtStripe:
		return r.wgtDma(lc, a.Data.(*core.WgtS)), nil
	case stream.CmdLoadPleCodeIntoSram:
		return r.codeDma(lc, a.Data.(*core.PleL)), nil
	case stream.CmdProgramMceStripe:
		in, wgt := r.mceInputs(lc.Agent)
		return programMce(lc, a.Data.(*core.MceS), in, wgt), nil
	case stream.CmdConfigMceif:
		return &stream.ConfigMceif{AgentID: uint32(lc.Agent)}, nil
	case stream.CmdStartMceStripe:
		return r.startMce(lc, a.Data.(*core.MceS)), nil
	case stream.CmdLoadPleCodeIntoPleSram:
		return &stream.LoadPleCodeIntoPleSram{AgentID: uint32(lc.Agent)}, nil
	case stream.CmdStartPleStripe:
		return startPle(lc, a.Data.(*core.PleS)), nil
	default:
		return nil, core.AgentError(lc.Agent, core.ErrUnknownEnum, "command %s", lc.Type)
	}
}

func (r *registers) dmaCmd(lane uint8, f core.FmFormat, write bool) uint32 {
	v := uint32(lane) | uint32(f)<<4
	if write {
		v |= 1 << 8
	}
	return v
}

// fmDma fills one chunk of a feature-map stripe transfer. Chunks split the
// stripe bytes evenly and advance DRAM and SRAM addresses together.
func (r *registers) fmDma(lc scheduler.Command, fm *core.FmData, write bool) *stream.DmaCommand {
	coord := core.Coord(lc.Stripe, fm.NumStripes, fm.StripeIDStrides)
	size := fm.StripeSize(coord)
	total := size.Volume()
	chunks := max(lc.NumChunks, 1)
	chunkBytes := core.DivRoundUp(max(total, 1), chunks)
	skip := min(lc.Chunk*chunkBytes, total)

	kind := stream.CmdLoadIfmStripe
	if write {
		kind = stream.CmdStoreOfmStripe
	}
	origin := dramOffset(fm.Format, fm.Supertensor,
		uint32(coord.Height)*uint32(fm.DefaultStripeSize.Height),
		uint32(coord.Width)*uint32(fm.DefaultStripeSize.Width),
		uint32(coord.Channels)*uint32(fm.DefaultStripeSize.Channels))
	return &stream.DmaCommand{
		Kind:          kind,
		AgentID:       uint32(lc.Agent),
		DramOffset:    fm.DramOffset + origin + skip,
		SramAddr:      fm.Tile.SlotAddr(lc.Stripe) + skip,
		DmaSramStride: uint32(size.Width) * uint32(size.Channels),
		DmaStride0:    rowStride(fm.Format, fm.Supertensor),
		DmaStride3:    planeStride(fm.Format, fm.Supertensor),
		DmaChannels:   uint32(size.Channels),
		DmaEmcs:       r.caps.EmcMask,
		DmaTotalBytes: min(chunkBytes, total-skip),
		DmaCmd:        r.dmaCmd(lc.Lane, fm.Format, write),
	}
}

// weightStripe returns the encoded stripe loaded by the given WgtS stripe.
func weightStripe(w *core.WgtS, stripe uint32) core.WeightStripe {
	if len(w.Stripes) == 0 {
		return core.WeightStripe{}
	}
	ic, oc := uint32(0), uint32(0)
	if n := uint32(w.NumStripes.IfmChannels); n > 0 {
		ic = (stripe / max(uint32(w.StripeIDStrides.IfmChannels), 1)) % n
	}
	if n := uint32(w.NumStripes.OfmChannels); n > 0 {
		oc = (stripe / max(uint32(w.StripeIDStrides.OfmChannels), 1)) % n
	}
	idx := oc*uint32(w.NumStripes.IfmChannels) + ic
	return w.Stripes[idx%uint32(len(w.Stripes))]
}

func (r *registers) wgtDma(lc scheduler.Command, w *core.WgtS) *stream.DmaCommand {
	ws := weightStripe(w, lc.Stripe)
	return &stream.DmaCommand{
		Kind:          stream.CmdLoadWgtStripe,
		AgentID:       uint32(lc.Agent),
		DramOffset:    ws.Offset,
		SramAddr:      w.Tile.SlotAddr(lc.Stripe),
		DmaChannels:   1,
		DmaEmcs:       r.caps.EmcMask,
		DmaTotalBytes: ws.Size,
		DmaCmd:        r.dmaCmd(lc.Lane, core.FmNHWC, false),
	}
}

func (r *registers) codeDma(lc scheduler.Command, l *core.PleL) *stream.DmaCommand {
	var size uint32
	if k, ok := kernels.Lookup(l.Kernel); ok {
		size = k.CodeSize
	}
	return &stream.DmaCommand{
		Kind:          stream.CmdLoadPleCodeIntoSram,
		AgentID:       uint32(lc.Agent),
		DramOffset:    kernels.Offset(l.Kernel),
		SramAddr:      l.SramAddr,
		DmaChannels:   1,
		DmaEmcs:       r.caps.EmcMask,
		DmaTotalBytes: size,
		DmaCmd:        r.dmaCmd(lc.Lane, core.FmNHWC, false),
	}
}

// mceCoord returns the position of an MCE stripe along its four axes.
func mceCoord(m *core.MceS, stripe uint32) core.MceStripes {
	axis := func(count, stride uint16) uint16 {
		if count == 0 || stride == 0 {
			return 0
		}
		return uint16((stripe / uint32(stride)) % uint32(count))
	}
	n, s := m.NumStripes, m.StripeIDStrides
	return core.MceStripes{
		OfmHeight:   axis(n.OfmHeight, s.OfmHeight),
		OfmWidth:    axis(n.OfmWidth, s.OfmWidth),
		OfmChannels: axis(n.OfmChannels, s.OfmChannels),
		IfmChannels: axis(n.IfmChannels, s.IfmChannels),
	}
}

func mceStripeSize(m *core.MceS, c core.MceStripes) core.MceStripes {
	pick := func(idx, count, def, edge uint16) uint16 {
		if idx+1 == count {
			return edge
		}
		return def
	}
	n, d, e := m.NumStripes, m.DefaultStripeSize, m.EdgeStripeSize
	return core.MceStripes{
		OfmHeight:   pick(c.OfmHeight, n.OfmHeight, d.OfmHeight, e.OfmHeight),
		OfmWidth:    pick(c.OfmWidth, n.OfmWidth, d.OfmWidth, e.OfmWidth),
		OfmChannels: pick(c.OfmChannels, n.OfmChannels, d.OfmChannels, e.OfmChannels),
		IfmChannels: pick(c.IfmChannels, n.IfmChannels, d.IfmChannels, e.IfmChannels),
	}
}

// ifmGrid is the stripe grid of the agent filling an MCE's input tile: an
// input streamer, or an activation scheduler in a chain of SRAM layers.
type ifmGrid struct {
	n, strides core.Shape3
	total      uint32
	ok         bool
}

// stripe returns the stripe id, counted from the first load, holding input
// position (h, w, ch) for output channel stripe oc. Inputs reloaded once per
// output channel stripe repeat the whole grid.
func (g ifmGrid) stripe(h, w, ch, oc uint16, mode core.MceOperation) uint32 {
	id := uint32(h)*uint32(g.strides.Height) + uint32(w)*uint32(g.strides.Width) + uint32(ch)*uint32(g.strides.Channels)
	vol := max(g.n.Volume(), 1)
	if loads := g.total / vol; loads > 1 && mode != core.DepthwiseConvolution {
		id += (uint32(oc) % loads) * vol
	}
	return id
}

// scaleIndex maps index i of an axis cut into from stripes onto the same
// axis cut into to stripes.
func scaleIndex(i, from, to uint16) uint16 {
	if from == to || from == 0 || to == 0 {
		return min(i, max(to, 1)-1)
	}
	return u16(min(uint32(i)*uint32(to)/uint32(from), uint32(to)-1))
}

// mceInputs finds the producers of an MCE's input and weight tiles through
// its RAW edges.
func (r *registers) mceInputs(id core.AgentID) (ifmGrid, *core.WgtS) {
	var in ifmGrid
	var wgt *core.WgtS
	for _, d := range r.agents[id].ReadDependencies {
		p, ok := d.Other(id)
		if !ok || int(p) >= len(r.agents) {
			continue
		}
		a := &r.agents[p]
		switch pd := a.Data.(type) {
		case *core.IfmS:
			in = ifmGrid{n: pd.Fm.NumStripes, strides: pd.Fm.StripeIDStrides, total: uint32(a.NumStripesTotal), ok: true}
		case *core.PleS:
			in = ifmGrid{n: pd.NumStripes, strides: pd.StripeIDStrides, total: uint32(a.NumStripesTotal), ok: true}
		case *core.WgtS:
			wgt = pd
		}
	}
	return in, wgt
}

// weightStripeID returns the weight stripe an MCE stripe multiplies with.
// Weights walk input channels innermost; when they are split along input
// channels they are reloaded for every output position, in the MCE's own
// position order.
func weightStripeID(m *core.MceS, c core.MceStripes, w *core.WgtS) uint32 {
	if w == nil {
		return uint32(c.OfmChannels)*uint32(max(m.NumStripes.IfmChannels, 1)) + uint32(c.IfmChannels)
	}
	s := w.StripeIDStrides
	ifmC := uint32(max(w.NumStripes.IfmChannels, 1))
	id := uint32(c.OfmChannels)*uint32(s.OfmChannels) + uint32(c.IfmChannels)*uint32(s.IfmChannels)
	if reloads := uint32(s.OfmChannels) / ifmC; reloads > 1 {
		pos := uint32(c.OfmHeight)*uint32(max(m.NumStripes.OfmWidth, 1)) + uint32(c.OfmWidth)
		id += (pos % reloads) * ifmC
	}
	return id
}

func programMce(lc scheduler.Command, m *core.MceS, in ifmGrid, wgt *core.WgtS) *stream.ProgramMceStripe {
	c := mceCoord(m, lc.Stripe)
	size := mceStripeSize(m, c)
	p := &stream.ProgramMceStripe{
		AgentID:       uint32(lc.Agent),
		IfmRowStride:  uint32(m.IfmStripeDefault.Width),
		IfmConfig1:    uint32(size.IfmChannels),
		OfmStripeSize: uint32(size.OfmWidth) | uint32(size.OfmHeight)<<16,
		OfmConfig:     uint32(size.OfmChannels),
	}
	for ce := range stream.NumCes {
		for og := range stream.NumOgs {
			if uint32(og*stream.NumCes+ce) < uint32(size.OfmChannels) {
				p.MulEnable[ce][og] = 1
			}
		}
		for ig := range stream.NumIgs {
			p.IfmConfig2[ce][ig] = uint32(size.IfmChannels)
		}
	}

	var pad uint32
	if c.OfmWidth == 0 {
		pad |= uint32(m.PadLeft)
	}
	if c.OfmHeight == 0 {
		pad |= uint32(m.PadTop) << 8
	}
	for ig := range stream.NumIgs {
		p.IfmPad[0][ig] = pad
	}

	// Input slots holding the rows above, at and below this stripe, all at
	// the input channel stripe the MCE is reading.
	if in.ok {
		slots := max(uint32(m.IfmTile.NumSlots), 1)
		h := scaleIndex(c.OfmHeight, m.NumStripes.OfmHeight, in.n.Height)
		w := scaleIndex(c.OfmWidth, m.NumStripes.OfmWidth, in.n.Width)
		ch := c.IfmChannels
		if m.Mode == core.DepthwiseConvolution {
			ch = scaleIndex(c.OfmChannels, m.NumStripes.OfmChannels, in.n.Channels)
		}
		mid := in.stripe(h, w, ch, c.OfmChannels, m.Mode) % slots
		p.IfmTopSlots, p.IfmMidSlots, p.IfmBottomSlots = mid, mid, mid
		if h > 0 {
			p.IfmTopSlots = in.stripe(h-1, w, ch, c.OfmChannels, m.Mode) % slots
			p.IfmSlotPadConfig |= 1
		}
		if h+1 < in.n.Height {
			p.IfmBottomSlots = in.stripe(h+1, w, ch, c.OfmChannels, m.Mode) % slots
			p.IfmSlotPadConfig |= 2
		}
	}

	wgtStripe := weightStripeID(m, c, wgt)
	for og := range stream.NumOgs {
		p.WeightBaseAddr[og] = m.WgtTile.SlotAddr(wgtStripe)
	}
	if m.BlockWidth > 0 && m.BlockHeight > 0 {
		p.NumBlocksProgrammedForMce = core.DivRoundUp(uint32(size.OfmWidth), uint32(m.BlockWidth)) *
			core.DivRoundUp(uint32(size.OfmHeight), uint32(m.BlockHeight))
	}
	return p
}

// startMce enables one compute engine per group of output channels the
// stripe produces.
func (r *registers) startMce(lc scheduler.Command, m *core.MceS) *stream.StartMceStripe {
	size := mceStripeSize(m, mceCoord(m, lc.Stripe))
	engines := core.DivRoundUp(max(uint32(size.OfmChannels), 1), max(r.caps.OgsPerEngine, 1))
	engines = min(engines, max(r.caps.NumEngines, 1), 32)
	return &stream.StartMceStripe{AgentID: uint32(lc.Agent), CeEnables: uint32(1)<<engines - 1}
}

func startPle(lc scheduler.Command, p *core.PleS) *stream.StartPleStripe {
	fm := core.FmData{
		NumStripes:        p.NumStripes,
		StripeIDStrides:   p.StripeIDStrides,
		DefaultStripeSize: p.DefaultStripeSize,
		EdgeStripeSize:    p.EdgeStripeSize,
	}
	size := fm.StripeSize(core.Coord(lc.Stripe, p.NumStripes, p.StripeIDStrides))
	s := &stream.StartPleStripe{AgentID: uint32(lc.Agent)}
	s.Scratch[0] = uint32(size.Height) | uint32(size.Width)<<16
	s.Scratch[1] = uint32(size.Channels)
	s.Scratch[2] = p.OfmTile.SlotAddr(lc.Stripe)
	if p.InputMode.FromSram() {
		s.Scratch[3] = p.Ifm0Tile.SlotAddr(lc.Stripe)
	}
	if p.InputMode == core.PleSramTwoInputs {
		s.Scratch[4] = p.Ifm1Tile.SlotAddr(lc.Stripe)
	}
	s.Scratch[5] = uint32(p.Ifm0.Multiplier) | uint32(p.Ifm0.Shift)<<16
	s.Scratch[6] = uint32(p.Ifm1.Multiplier) | uint32(p.Ifm1.Shift)<<16
	s.Scratch[7] = uint32(uint16(p.OfmZeroPoint))
	return s
}
