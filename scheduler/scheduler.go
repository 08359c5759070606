// Package scheduler linearises a dependency graph of agents into the four
// per-engine command queues of a cascade.
//
// Each step emits the next stripe of the lowest-id agent whose RAW, WAR
// and schedule-time dependencies allow it. Cross-queue ordering is
// expressed with WaitForCounter commands on the completion counter of the
// agent being waited for.
package scheduler

import (
	"fmt"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/stream"
)

// NumReadLanes and NumWriteLanes are the DMA lanes cycled by each DMA queue.
// Write lanes are numbered after the read lanes.
const (
	NumReadLanes  = 4
	NumWriteLanes = 4
)

// Options controls queue generation.
type Options struct {
	// MaxDmaChunkBytes caps the size of one feature-map DMA command. Zero
	// means stripes are never split.
	MaxDmaChunkBytes uint32
}

// Command is one logical queue command. Waits set Counter and Value; all
// other commands set Agent and Stripe.
type Command struct {
	Type      stream.CommandType
	Agent     core.AgentID
	Stripe    uint32
	Chunk     uint32
	NumChunks uint32
	Lane      uint8

	Counter stream.CounterName
	Value   uint32
}

// IsWait reports whether c is a WaitForCounter.
func (c Command) IsWait() bool { return c.Type == stream.CmdWaitForCounter }

func (c Command) String() string {
	if c.IsWait() {
		return fmt.Sprintf("Wait(%s>=%d)", c.Counter, c.Value)
	}
	if c.NumChunks > 1 {
		return fmt.Sprintf("%s(agent %d, stripe %d, chunk %d/%d)", c.Type, c.Agent, c.Stripe, c.Chunk, c.NumChunks)
	}
	return fmt.Sprintf("%s(agent %d, stripe %d)", c.Type, c.Agent, c.Stripe)
}

// Result holds the generated queues.
type Result struct {
	Queues [stream.NumQueues][]Command
	// Counters holds the final value of every counter once all queues have
	// drained.
	Counters [stream.NumCounters]uint32
}

// Queue returns the commands of queue q.
func (r *Result) Queue(q stream.Queue) []Command {
	if q >= stream.NumQueues {
		return nil
	}
	return r.Queues[q]
}

// QueueOf returns the queue that executes agents of type t.
func QueueOf(t core.AgentType) stream.Queue {
	switch t {
	case core.IfmStreamer, core.WgtStreamer, core.PleLoader:
		return stream.QueueDmaRd
	case core.OfmStreamer:
		return stream.QueueDmaWr
	case core.MceScheduler:
		return stream.QueueMce
	default:
		return stream.QueuePle
	}
}

// CompletionCounter returns the counter that advances when an agent of type
// t finishes a stripe.
func CompletionCounter(t core.AgentType) stream.CounterName {
	switch t {
	case core.IfmStreamer, core.WgtStreamer, core.PleLoader:
		return stream.CounterDmaRd
	case core.OfmStreamer:
		return stream.CounterDmaWr
	case core.MceScheduler:
		return stream.CounterMceStripe
	default:
		return stream.CounterPleStripe
	}
}

// CounterOf returns the counter a work command increments.
func CounterOf(t stream.CommandType) (stream.CounterName, bool) {
	switch t {
	case stream.CmdLoadIfmStripe, stream.CmdLoadWgtStripe, stream.CmdLoadPleCodeIntoSram:
		return stream.CounterDmaRd, true
	case stream.CmdStoreOfmStripe:
		return stream.CounterDmaWr, true
	case stream.CmdConfigMceif:
		return stream.CounterMceif, true
	case stream.CmdStartMceStripe:
		return stream.CounterMceStripe, true
	case stream.CmdLoadPleCodeIntoPleSram:
		return stream.CounterPleCodeLoadedIntoPleSram, true
	case stream.CmdStartPleStripe:
		return stream.CounterPleStripe, true
	default:
		return 0, false
	}
}

// CompletesStripe reports whether a command of type t is the work command
// that finishes a stripe of agent type a, as opposed to setup such as
// ProgramMceStripe.
func CompletesStripe(a core.AgentType, t stream.CommandType) bool {
	c, ok := CounterOf(t)
	return ok && c == CompletionCounter(a)
}

// StripeBytes returns the number of bytes moved by one stripe of a
// feature-map streamer. Other agents report zero.
func StripeBytes(a *core.Agent, stripe uint32) uint32 {
	var fm *core.FmData
	switch d := a.Data.(type) {
	case *core.IfmS:
		fm = &d.Fm
	case *core.OfmS:
		fm = &d.Fm
	default:
		return 0
	}
	return fm.StripeSize(core.Coord(stripe, fm.NumStripes, fm.StripeIDStrides)).Volume()
}

type scheduler struct {
	agents []core.Agent
	opts   Options

	next         []uint32
	counterAfter [][]uint32
	counters     [stream.NumCounters]uint32
	waited       [stream.NumQueues][stream.NumCounters]uint32
	readLane     uint8
	writeLane    uint8
	res          *Result
}

// Schedule generates the command queues for agents. Stripes never overlap
// in a tile: when a slot plan is too small for a consumer to see every
// stripe it reads at once, Schedule fails with core.ErrScheduleStalled.
func Schedule(agents []core.Agent, opts Options) (*Result, error) {
	if err := validate(agents); err != nil {
		return nil, err
	}
	s := &scheduler{
		agents:       agents,
		opts:         opts,
		next:         make([]uint32, len(agents)),
		counterAfter: make([][]uint32, len(agents)),
		res:          &Result{},
	}
	remaining := 0
	for i := range agents {
		s.counterAfter[i] = make([]uint32, agents[i].NumStripesTotal)
		remaining += int(agents[i].NumStripesTotal)
	}

	for ; remaining > 0; remaining-- {
		id, ok := s.pickReady()
		if !ok {
			return nil, s.stalled()
		}
		s.emitStripe(id)
	}
	s.res.Counters = s.counters
	return s.res, nil
}

func validate(agents []core.Agent) error {
	for i := range agents {
		a := &agents[i]
		id := core.AgentID(i)
		if a.Data == nil {
			return core.AgentError(id, core.ErrUnknownEnum, "agent has no role payload")
		}
		if a.NumStripesTotal == 0 {
			return core.AgentError(id, core.ErrZeroStripes, "%s", a.Type())
		}
		for kind := core.ReadAfterWrite; kind <= core.ScheduleTime; kind++ {
			for _, d := range a.Dependencies(kind) {
				other, ok := d.Other(id)
				if !ok || int(other) >= len(agents) {
					return core.AgentError(id, core.ErrDanglingDependency,
						"%s edge with relative id %d", kind, d.RelativeAgentID)
				}
				if err := d.Validate(); err != nil {
					return core.AgentError(id, core.ErrUnsupportedDependency, "%s edge to agent %d: %v", kind, other, err)
				}
			}
		}
	}
	return nil
}

func (s *scheduler) pickReady() (core.AgentID, bool) {
	for i := range s.agents {
		if s.ready(core.AgentID(i)) {
			return core.AgentID(i), true
		}
	}
	return 0, false
}

// scheduledThrough reports whether stripe of agent id has been emitted.
func (s *scheduler) scheduledThrough(id core.AgentID, stripe uint32) bool {
	return s.next[id] > stripe
}

func (s *scheduler) ready(id core.AgentID) bool {
	a := &s.agents[id]
	stripe := s.next[id]
	if stripe >= uint32(a.NumStripesTotal) {
		return false
	}

	for _, d := range a.ReadDependencies {
		p, _ := d.Other(id)
		if !s.scheduledThrough(p, d.LastNeededStripe(stripe, s.agents[p].NumStripesTotal)) {
			return false
		}
	}

	slots := max(uint32(core.TileSlots(a.Data)), 1)
	if stripe >= slots {
		for _, d := range a.WriteDependencies {
			c, _ := d.Other(id)
			if !s.scheduledThrough(c, d.LastNeededStripe(stripe-slots, s.agents[c].NumStripesTotal)) {
				return false
			}
		}
	}

	if stripe > 0 {
		for _, d := range a.ScheduleDependencies {
			c, _ := d.Other(id)
			if !s.scheduledThrough(c, d.LastNeededStripe(stripe-1, s.agents[c].NumStripesTotal)) &&
				!s.waitsOn(c, id, stripe) {
				return false
			}
		}
	}
	return true
}

// waitsOn reports whether the next stripe of consumer needs the given
// stripe of producer.
func (s *scheduler) waitsOn(consumer, producer core.AgentID, stripe uint32) bool {
	c := &s.agents[consumer]
	next := s.next[consumer]
	if next >= uint32(c.NumStripesTotal) {
		return false
	}
	for _, d := range c.ReadDependencies {
		if p, _ := d.Other(consumer); p == producer &&
			d.LastNeededStripe(next, s.agents[producer].NumStripesTotal) >= stripe {
			return true
		}
	}
	return false
}

func (s *scheduler) stalled() error {
	for i := range s.agents {
		a := &s.agents[i]
		if s.next[i] < uint32(a.NumStripesTotal) {
			return core.AgentError(core.AgentID(i), core.ErrScheduleStalled,
				"%s blocked at stripe %d of %d", a.Type(), s.next[i], a.NumStripesTotal)
		}
	}
	return &core.ConstructionError{Agent: core.NoAgent, Err: core.ErrScheduleStalled}
}

func (s *scheduler) emitStripe(id core.AgentID) {
	a := &s.agents[id]
	stripe := s.next[id]
	q := QueueOf(a.Type())

	s.emitWaits(id, q, stripe)

	switch a.Data.(type) {
	case *core.IfmS:
		s.emitDma(q, stream.CmdLoadIfmStripe, id, stripe, s.numChunks(a, stripe))
	case *core.WgtS:
		s.emitDma(q, stream.CmdLoadWgtStripe, id, stripe, 1)
	case *core.PleL:
		s.emitDma(q, stream.CmdLoadPleCodeIntoSram, id, stripe, 1)
	case *core.OfmS:
		s.emitDma(q, stream.CmdStoreOfmStripe, id, stripe, s.numChunks(a, stripe))
	case *core.MceS:
		s.emit(q, Command{Type: stream.CmdProgramMceStripe, Agent: id, Stripe: stripe, NumChunks: 1})
		if stripe == 0 {
			s.emit(q, Command{Type: stream.CmdConfigMceif, Agent: id, Stripe: stripe, NumChunks: 1})
		}
		s.emit(q, Command{Type: stream.CmdStartMceStripe, Agent: id, Stripe: stripe, NumChunks: 1})
	case *core.PleS:
		if stripe == 0 && s.hasLoader(id) {
			s.emit(q, Command{Type: stream.CmdLoadPleCodeIntoPleSram, Agent: id, Stripe: stripe, NumChunks: 1})
		}
		s.emit(q, Command{Type: stream.CmdStartPleStripe, Agent: id, Stripe: stripe, NumChunks: 1})
	}

	s.counterAfter[id][stripe] = s.counters[CompletionCounter(a.Type())]
	s.next[id]++
}

// hasLoader reports whether a PleS reads kernel code brought in by a PleL.
func (s *scheduler) hasLoader(id core.AgentID) bool {
	for _, d := range s.agents[id].ReadDependencies {
		if p, _ := d.Other(id); s.agents[p].Type() == core.PleLoader {
			return true
		}
	}
	return false
}

func (s *scheduler) numChunks(a *core.Agent, stripe uint32) uint32 {
	if s.opts.MaxDmaChunkBytes == 0 {
		return 1
	}
	return max(core.DivRoundUp(StripeBytes(a, stripe), s.opts.MaxDmaChunkBytes), 1)
}

func (s *scheduler) emitDma(q stream.Queue, t stream.CommandType, id core.AgentID, stripe, chunks uint32) {
	for chunk := range chunks {
		cmd := Command{Type: t, Agent: id, Stripe: stripe, Chunk: chunk, NumChunks: chunks}
		if q == stream.QueueDmaWr {
			cmd.Lane = NumReadLanes + s.writeLane
			s.writeLane = (s.writeLane + 1) % NumWriteLanes
		} else {
			cmd.Lane = s.readLane
			s.readLane = (s.readLane + 1) % NumReadLanes
		}
		s.emit(q, cmd)
	}
}

func (s *scheduler) emit(q stream.Queue, cmd Command) {
	s.res.Queues[q] = append(s.res.Queues[q], cmd)
	if c, ok := CounterOf(cmd.Type); ok {
		s.counters[c]++
	}
}

// emitWaits adds the waits a stripe needs before its work commands. Agents
// on the same queue are already ordered by the queue itself.
func (s *scheduler) emitWaits(id core.AgentID, q stream.Queue, stripe uint32) {
	a := &s.agents[id]
	var need [stream.NumCounters]uint32

	require := func(other core.AgentID, otherStripe uint32) {
		o := &s.agents[other]
		if QueueOf(o.Type()) == q {
			return
		}
		c := CompletionCounter(o.Type())
		need[c] = max(need[c], s.counterAfter[other][otherStripe])
	}

	for _, d := range a.ReadDependencies {
		p, _ := d.Other(id)
		require(p, d.LastNeededStripe(stripe, s.agents[p].NumStripesTotal))
	}
	slots := max(uint32(core.TileSlots(a.Data)), 1)
	if stripe >= slots {
		for _, d := range a.WriteDependencies {
			c, _ := d.Other(id)
			require(c, d.LastNeededStripe(stripe-slots, s.agents[c].NumStripesTotal))
		}
	}

	for c, v := range need {
		if v > s.waited[q][c] {
			s.res.Queues[q] = append(s.res.Queues[q], Command{
				Type:    stream.CmdWaitForCounter,
				Counter: stream.CounterName(c),
				Value:   v,
			})
			s.waited[q][c] = v
		}
	}
}
