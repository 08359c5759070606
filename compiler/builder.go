package compiler

import (
	"errors"
	"fmt"

	"github.com/sbl8/cascade/config"
	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
	"github.com/sbl8/cascade/logging"
	"github.com/sbl8/cascade/memory"
	"github.com/sbl8/cascade/model"
)

// AgentRange is the first and last agent created for one op.
type AgentRange struct {
	First core.AgentID
	Last  core.AgentID
}

// Agents is the result of agent construction.
type Agents struct {
	// List holds every agent in creation order; an agent's id is its index.
	List []core.Agent
	// Ops maps an agent id to the op that created it.
	Ops []model.Op
	// OpAgents maps each op to the agents it created.
	OpAgents map[model.Op]AgentRange
	// BufferIDs maps DRAM buffers of the graph to buffer manager ids.
	BufferIDs map[*model.Buffer]uint32
	// Loaders maps a kernel to the agent that most recently loaded it.
	Loaders map[kernels.ID]core.AgentID
}

// Fences order streamers and kernel loads after whole-tensor producers.
const (
	fenceIfm = iota
	fenceWgt
	fencePleL
	numFences
)

type fence struct {
	agent core.AgentID
	armed bool
}

type builder struct {
	g    *model.Graph
	caps config.Capabilities
	bm   *memory.BufferManager
	log  logging.Logger

	out    *Agents
	fences [numFences]fence
}

// BuildAgents creates the agents of g and the dependencies between them,
// registering every DRAM buffer it touches with bm. Ops are visited in
// topological order; agents of one op are contiguous.
func BuildAgents(g *model.Graph, caps config.Capabilities, bm *memory.BufferManager, log logging.Logger) (*Agents, error) {
	if g == nil || g.OpCount() == 0 {
		return nil, core.OpError("", core.ErrEmptyGraph, "nothing to compile")
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, core.OpError("", core.ErrInvalidGraph, "%v", err)
	}
	b := &builder{
		g:    g,
		caps: caps,
		bm:   bm,
		log:  logging.OrNop(log),
		out: &Agents{
			OpAgents:  make(map[model.Op]AgentRange, len(order)),
			BufferIDs: make(map[*model.Buffer]uint32),
			Loaders:   make(map[kernels.ID]core.AgentID),
		},
	}
	for _, op := range order {
		if err := b.process(op); err != nil {
			return nil, err
		}
	}
	return b.out, nil
}

func (b *builder) process(op model.Op) error {
	first := core.AgentID(len(b.out.List))
	var err error
	switch o := op.(type) {
	case *model.DmaOp:
		err = b.processDma(o)
	case *model.MceOp:
		err = b.processMce(o)
	case *model.PleOp:
		err = b.processPle(o)
	default:
		err = core.OpError(op.OpName(), core.ErrUnsupportedOperation, "%s has no agent", model.OpKind(op))
	}
	if err != nil {
		return withOp(err, op)
	}
	if int(first) == len(b.out.List) {
		return core.OpError(op.OpName(), core.ErrInvalidGraph, "created no agents")
	}
	last := core.AgentID(len(b.out.List) - 1)
	b.out.OpAgents[op] = AgentRange{First: first, Last: last}
	b.log.Debug("op agents", "op", op.OpName(), "kind", model.OpKind(op), "first", first, "last", last)

	out := b.g.Output(op)
	_, isDma := op.(*model.DmaOp)
	if out.IsFullTensor() && !(isDma && out.Location != model.LocationDram) {
		for i := range b.fences {
			b.fences[i] = fence{agent: last, armed: true}
		}
	}
	return nil
}

// withOp attributes a construction error to op when it is not yet tied to
// one.
func withOp(err error, op model.Op) error {
	var ce *core.ConstructionError
	if errors.As(err, &ce) && ce.Op == "" {
		ce.Op = op.OpName()
	}
	return err
}

func (b *builder) addAgent(op model.Op, stripes uint32, data core.AgentData) (core.AgentID, error) {
	id := core.AgentID(len(b.out.List))
	if stripes == 0 {
		return 0, core.AgentError(id, core.ErrZeroStripes, "%s", data.AgentType())
	}
	if stripes > 0xFFFF {
		return 0, core.AgentError(id, core.ErrInvalidGraph, "%s has %d stripes", data.AgentType(), stripes)
	}
	if err := b.checkTiles(id, data); err != nil {
		return 0, err
	}
	b.out.List = append(b.out.List, core.NewAgent(uint16(stripes), data))
	b.out.Ops = append(b.out.Ops, op)
	return id, nil
}

// checkTiles rejects agents whose SRAM tiles run past one EMC's SRAM.
func (b *builder) checkTiles(id core.AgentID, data core.AgentData) error {
	if b.caps.SramSizePerEmc == 0 {
		return nil
	}
	var tiles []core.Tile
	switch d := data.(type) {
	case *core.IfmS:
		tiles = append(tiles, d.Fm.Tile)
	case *core.OfmS:
		tiles = append(tiles, d.Fm.Tile)
	case *core.WgtS:
		tiles = append(tiles, d.Tile)
	case *core.MceS:
		tiles = append(tiles, d.IfmTile, d.WgtTile)
	case *core.PleS:
		tiles = append(tiles, d.OfmTile, d.Ifm0Tile, d.Ifm1Tile)
	}
	for _, t := range tiles {
		end := uint64(t.BaseAddr) + uint64(t.NumSlots)*uint64(t.SlotSize)
		if end > uint64(b.caps.SramSizePerEmc) {
			return core.AgentError(id, core.ErrInvalidGraph, "%s tile ends at %d, sram is %d bytes",
				data.AgentType(), end, b.caps.SramSizePerEmc)
		}
	}
	return nil
}

// link adds edges of the given kinds between consumer and producer. RAW
// edges are stored on the consumer, the others on the producer.
func (b *builder) link(consumer, producer core.AgentID, kinds ...core.DependencyKind) error {
	for _, kind := range kinds {
		if err := b.addEdge(kind, consumer, producer); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) addEdge(kind core.DependencyKind, consumer, producer core.AgentID) error {
	c, p := &b.out.List[consumer], &b.out.List[producer]
	key := pairing{consumer: c.Type(), producer: p.Type()}
	e := edge{kind: kind, consumer: c, producer: p, producerOp: b.out.Ops[producer]}

	owner, other := producer, consumer
	var fill rule
	if kind == core.ReadAfterWrite {
		owner, other = consumer, producer
		fill = readRules[key]
	} else if r, ok := producerRules[key]; ok {
		if r.scheduleOnly && kind != core.ScheduleTime {
			return nil
		}
		fill = r.fill
	}
	if fill == nil {
		return core.AgentError(owner, core.ErrUnsupportedDependency, "%s %s <- %s", kind, key.consumer, key.producer)
	}

	d, ok := fill(e)
	if !ok {
		return nil
	}
	d, err := finish(d)
	if err != nil {
		return core.AgentError(owner, core.ErrUnsupportedDependency, "%s %s <- %s: %v", kind, key.consumer, key.producer, err)
	}
	rel, err := core.NewRelativeAgentID(owner, other)
	if err != nil {
		return err
	}
	d.RelativeAgentID = rel
	b.out.List[owner].AddDependency(kind, d)
	return nil
}

// fenced makes a newly created streamer or loader wait for the last armed
// whole-tensor producer, then disarms the fence.
func (b *builder) fenced(which int, id core.AgentID) error {
	f := &b.fences[which]
	if !f.armed {
		return nil
	}
	f.armed = false
	return b.link(id, f.agent, core.ReadAfterWrite)
}

// producerAgent returns the last agent of the op writing buf.
func (b *builder) producerAgent(buf *model.Buffer) (core.AgentID, error) {
	op, ok := b.g.Producer(buf)
	if !ok {
		return 0, core.OpError("", core.ErrInvalidGraph, "buffer %s has %d producers", buf.Name, len(b.g.Producers(buf)))
	}
	r, ok := b.out.OpAgents[op]
	if !ok {
		return 0, core.OpError("", core.ErrInvalidGraph, "producer %s of buffer %s has no agents", op.OpName(), buf.Name)
	}
	return r.Last, nil
}

func (b *builder) processDma(op *model.DmaOp) error {
	ins := b.g.Inputs(op)
	if len(ins) != 1 {
		return core.OpError(op.Name, core.ErrInvalidGraph, "dma has %d inputs", len(ins))
	}
	in, out := ins[0], b.g.Output(op)
	switch {
	case in.Location == model.LocationDram && out.Location == model.LocationSram:
		if out.Format == model.FormatWeight || in.EncodedWeights != nil {
			return b.loadWeights(op, in, out)
		}
		return b.loadFeatureMap(op, in, out)
	case in.Location == model.LocationSram && out.Location == model.LocationDram:
		return b.storeFeatureMap(op, in, out)
	default:
		return core.OpError(op.Name, core.ErrUnsupportedOperation, "dma from %s to %s", in.Location, out.Location)
	}
}

// dramBufferID registers a DRAM buffer read by a load.
func (b *builder) dramBufferID(buf *model.Buffer) (uint32, error) {
	if id, ok := b.out.BufferIDs[buf]; ok {
		return id, nil
	}
	var id uint32
	switch buf.Type {
	case model.BufferInput:
		id = b.bm.AddDramInput(buf.ComputedSize(), buf.OperationID)
	case model.BufferIntermediate:
		id = b.bm.AddDram(model.BufferIntermediate, buf.ComputedSize())
	case model.BufferConstantDma:
		var err error
		if id, err = b.bm.AddDramConstant(model.BufferConstantDma, buf.ConstantData); err != nil {
			return 0, core.OpError("", core.ErrInvalidGraph, "buffer %s: %v", buf.Name, err)
		}
	default:
		return 0, core.OpError("", core.ErrInvalidGraph, "buffer %s of type %s cannot be loaded", buf.Name, buf.Type)
	}
	b.out.BufferIDs[buf] = id
	return id, nil
}

// mceConsumer returns the MCE op reading buf, if any.
func (b *builder) mceConsumer(buf *model.Buffer) (*model.MceOp, bool) {
	for _, c := range b.g.Consumers(buf) {
		if m, ok := c.Op.(*model.MceOp); ok {
			return m, true
		}
	}
	return nil, false
}

func transferFormat(op *model.DmaOp, dram *model.Buffer) (core.FmFormat, error) {
	if f, ok := op.TransferFormat.FmFormat(); ok {
		return f, nil
	}
	if f, ok := dram.Format.FmFormat(); ok {
		return f, nil
	}
	return 0, core.OpError(op.Name, core.ErrUnknownEnum, "no feature map format for %s", dram.Format)
}

func (b *builder) loadFeatureMap(op *model.DmaOp, in, out *model.Buffer) error {
	f, err := transferFormat(op, in)
	if err != nil {
		return err
	}
	bufID, err := b.dramBufferID(in)
	if err != nil {
		return err
	}
	fm, err := fmData(out, in, op, bufID, f)
	if err != nil {
		return err
	}
	ifm := &core.IfmS{Fm: fm, PackedBoundaryThickness: out.PackedBoundaryThickness}
	b.dropExtraBoundaryStripes(ifm, out)

	id, err := b.addAgent(op, ifm.Fm.NumStripes.Volume()*uint32(out.NumLoadsOrOne()), ifm)
	if err != nil {
		return err
	}
	return b.fenced(fenceIfm, id)
}

// dropExtraBoundaryStripes handles input tiles cut into more stripes than
// the MCE output along an axis: the trailing stripe only carries packed
// boundary data and is loaded together with its predecessor.
func (b *builder) dropExtraBoundaryStripes(ifm *core.IfmS, sram *model.Buffer) {
	mce, ok := b.mceConsumer(sram)
	if !ok {
		return
	}
	mceOut := b.g.Output(mce)
	outStripe := mceOutputStripe(mce, mceOut)
	n := &ifm.Fm.NumStripes
	pb := ifm.PackedBoundaryThickness
	if pb.Right > 0 && uint32(n.Width) > core.NumStripes(mceOut.TensorShape.W(), outStripe.W()) {
		n.Width--
		ifm.ExtraBoundaryRight = true
	}
	if pb.Bottom > 0 && uint32(n.Height) > core.NumStripes(mceOut.TensorShape.H(), outStripe.H()) {
		n.Height--
		ifm.ExtraBoundaryBottom = true
	}
	ifm.Fm.StripeIDStrides = stripeStrides(sram.Order, *n)
}

func (b *builder) loadWeights(op *model.DmaOp, in, out *model.Buffer) error {
	if in.EncodedWeights == nil {
		return core.OpError(op.Name, core.ErrInvalidGraph, "weights %s are not encoded", in.Name)
	}
	mce, ok := b.mceConsumer(out)
	if !ok {
		return core.OpError(op.Name, core.ErrInvalidGraph, "weights %s are not read by an mce op", out.Name)
	}
	mceIns := b.g.Inputs(mce)
	if len(mceIns) != 2 {
		return core.OpError(mce.Name, core.ErrInvalidGraph, "mce op has %d inputs", len(mceIns))
	}

	bufID, ok := b.out.BufferIDs[in]
	if !ok {
		var err error
		if bufID, err = b.bm.AddDramConstant(model.BufferConstantDma, in.EncodedWeights.Data); err != nil {
			return core.OpError(op.Name, core.ErrInvalidGraph, "%v", err)
		}
		b.out.BufferIDs[in] = bufID
	}

	ifm, mceOut := mceIns[0], b.g.Output(mce)
	ifmStripe := stripeOr(ifm.StripeShape, ifm.TensorShape)
	outStripe := mceOutputStripe(mce, mceOut)
	ifmC := core.NumStripes(ifm.TensorShape.C(), ifmStripe.C())
	if mce.Operation == core.DepthwiseConvolution {
		ifmC = 1
	}
	ofmC := core.NumStripes(mceOut.TensorShape.C(), outStripe.C())

	// Weights split along input channels are reloaded for every output
	// position, following the MCE's own traversal.
	reloads := uint32(1)
	if ifmC > 1 {
		reloads = core.NumStripes(mceOut.TensorShape.H(), outStripe.H()) * core.NumStripes(mceOut.TensorShape.W(), outStripe.W())
	}
	streamID, err := streamBufferID(bufID)
	if err != nil {
		return err
	}
	w := &core.WgtS{
		BufferID:        streamID,
		Tile:            tileOf(out),
		NumStripes:      core.WgtStripes{IfmChannels: u16(ifmC), OfmChannels: u16(ofmC)},
		StripeIDStrides: core.WgtStripes{IfmChannels: 1, OfmChannels: u16(ifmC * reloads)},
		Stripes:         in.EncodedWeights.Stripes,
	}
	id, err := b.addAgent(op, ifmC*ofmC*reloads*uint32(out.NumLoadsOrOne()), w)
	if err != nil {
		return err
	}
	return b.fenced(fenceWgt, id)
}

func (b *builder) storeFeatureMap(op *model.DmaOp, in, out *model.Buffer) error {
	producer, err := b.producerAgent(in)
	if err != nil {
		return err
	}
	if t := b.out.List[producer].Type(); t != core.PleScheduler && t != core.IfmStreamer {
		return core.OpError(op.Name, core.ErrUnsupportedDependency, "store fed by %s", t)
	}
	f, err := transferFormat(op, out)
	if err != nil {
		return err
	}

	bufID, ok := b.out.BufferIDs[out]
	if !ok {
		switch out.Type {
		case model.BufferIntermediate, model.BufferOutput:
		default:
			return core.OpError(op.Name, core.ErrInvalidGraph, "cannot store into %s buffer %s", out.Type, out.Name)
		}
		bufID = b.bm.AddDram(model.BufferIntermediate, out.ComputedSize())
		if out.Type == model.BufferOutput {
			if err := b.bm.ChangeToOutput(bufID, out.OperationID, out.ProducerOutputIndex); err != nil {
				return core.OpError(op.Name, core.ErrInvalidGraph, "%v", err)
			}
		}
		b.out.BufferIDs[out] = bufID
	}

	fm, err := fmData(in, out, op, bufID, f)
	if err != nil {
		return err
	}
	ofm := &core.OfmS{Fm: fm}
	id, err := b.addAgent(op, ofm.Fm.NumStripes.Volume(), ofm)
	if err != nil {
		return err
	}
	return b.link(id, producer, core.ReadAfterWrite, core.WriteAfterRead, core.ScheduleTime)
}

// addLoader creates the agent loading the code of kernel into SRAM.
func (b *builder) addLoader(op model.Op, ple *model.PleOp) (core.AgentID, error) {
	id, err := b.addAgent(op, 1, &core.PleL{Kernel: ple.Kernel, SramAddr: ple.KernelSramAddr})
	if err != nil {
		return 0, err
	}
	if err := b.fenced(fencePleL, id); err != nil {
		return 0, err
	}
	b.out.Loaders[ple.Kernel] = id
	return id, nil
}

func (b *builder) processMce(op *model.MceOp) error {
	ins := b.g.Inputs(op)
	if len(ins) != 2 {
		return core.OpError(op.Name, core.ErrInvalidGraph, "mce op has %d inputs", len(ins))
	}
	if !op.Operation.Valid() {
		return core.OpError(op.Name, core.ErrUnknownEnum, "mce operation %d", op.Operation)
	}
	ifm, wgt, out := ins[0], ins[1], b.g.Output(op)
	consumers := b.g.Consumers(out)
	if len(consumers) != 1 {
		return core.OpError(op.Name, core.ErrInvalidGraph, "mce output has %d consumers", len(consumers))
	}
	ple, ok := consumers[0].Op.(*model.PleOp)
	if !ok {
		return core.OpError(op.Name, core.ErrInvalidGraph, "mce output feeds %s", model.OpKind(consumers[0].Op))
	}
	if !ple.Kernel.Valid() {
		return core.OpError(ple.Name, core.ErrUnknownEnum, "ple kernel %d", ple.Kernel)
	}

	var loader core.AgentID
	if ple.LoadKernel {
		var err error
		if loader, err = b.addLoader(op, ple); err != nil {
			return err
		}
	}

	ifmAgent, err := b.producerAgent(ifm)
	if err != nil {
		return err
	}
	wgtAgent, err := b.producerAgent(wgt)
	if err != nil {
		return err
	}

	m := newMceS(op, ifm, wgt, out, ple)
	id, err := b.addAgent(op, m.NumStripes.Volume(), m)
	if err != nil {
		return err
	}
	if err := b.link(id, ifmAgent, core.ReadAfterWrite, core.WriteAfterRead, core.ScheduleTime); err != nil {
		return err
	}
	if err := b.link(id, wgtAgent, core.ReadAfterWrite, core.WriteAfterRead, core.ScheduleTime); err != nil {
		return err
	}
	if ple.LoadKernel {
		return b.link(id, loader, core.ScheduleTime)
	}
	return nil
}

func (b *builder) processPle(op *model.PleOp) error {
	ins := b.g.Inputs(op)
	if len(ins) == 0 || len(ins) > 2 {
		return core.OpError(op.Name, core.ErrInvalidGraph, "ple op has %d inputs", len(ins))
	}
	if !op.Kernel.Valid() {
		return core.OpError(op.Name, core.ErrUnknownEnum, "ple kernel %d", op.Kernel)
	}
	out := b.g.Output(op)

	switch ins[0].Location {
	case model.LocationPleInputSram:
		return b.fusedPle(op, ins, out)
	case model.LocationSram:
		return b.standalonePle(op, ins, out)
	default:
		return core.OpError(op.Name, core.ErrUnsupportedOperation, "ple input in %s", ins[0].Location)
	}
}

func (b *builder) fusedPle(op *model.PleOp, ins []*model.Buffer, out *model.Buffer) error {
	mceOp, ok := b.g.Producer(ins[0])
	if !ok {
		return core.OpError(op.Name, core.ErrInvalidGraph, "ple input %s has no producer", ins[0].Name)
	}
	mce, ok := mceOp.(*model.MceOp)
	if !ok {
		return core.OpError(op.Name, core.ErrInvalidGraph, "ple input sram written by %s", model.OpKind(mceOp))
	}
	mceAgent, err := b.producerAgent(ins[0])
	if err != nil {
		return err
	}

	p := newPleS(op, ins, out, mce)
	id, err := b.addAgent(op, p.NumStripes.Volume(), p)
	if err != nil {
		return err
	}
	if err := b.link(id, mceAgent, core.ReadAfterWrite); err != nil {
		return err
	}
	if loader, ok := b.out.Loaders[op.Kernel]; ok {
		if err := b.link(id, loader, core.ReadAfterWrite); err != nil {
			return err
		}
	}
	return b.link(id, mceAgent, core.ScheduleTime)
}

func (b *builder) standalonePle(op *model.PleOp, ins []*model.Buffer, out *model.Buffer) error {
	producers := make([]core.AgentID, len(ins))
	for i, in := range ins {
		if in.Location != model.LocationSram {
			return core.OpError(op.Name, core.ErrUnsupportedOperation, "ple input %d in %s", i, in.Location)
		}
		var err error
		if producers[i], err = b.producerAgent(in); err != nil {
			return err
		}
	}

	var loader core.AgentID
	if op.LoadKernel {
		var err error
		if loader, err = b.addLoader(op, op); err != nil {
			return err
		}
	}

	p := newPleS(op, ins, out, nil)
	id, err := b.addAgent(op, p.NumStripes.Volume(), p)
	if err != nil {
		return err
	}
	for _, producer := range producers {
		if err := b.link(id, producer, core.ReadAfterWrite); err != nil {
			return err
		}
	}
	if l, ok := b.out.Loaders[op.Kernel]; ok {
		if err := b.link(id, l, core.ReadAfterWrite); err != nil {
			return err
		}
	}
	for _, producer := range producers {
		if err := b.link(id, producer, core.WriteAfterRead, core.ScheduleTime); err != nil {
			return err
		}
	}
	if op.LoadKernel {
		return b.link(id, loader, core.ScheduleTime)
	}
	return nil
}

// String summarises the agents for logs and tools.
func (a *Agents) String() string {
	counts := make(map[core.AgentType]int)
	for i := range a.List {
		counts[a.List[i].Type()]++
	}
	return fmt.Sprintf("%d agents (ifm %d, wgt %d, mce %d, plel %d, ples %d, ofm %d)", len(a.List),
		counts[core.IfmStreamer], counts[core.WgtStreamer], counts[core.MceScheduler],
		counts[core.PleLoader], counts[core.PleScheduler], counts[core.OfmStreamer])
}
