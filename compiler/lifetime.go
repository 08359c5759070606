package compiler

import (
	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/memory"
	"github.com/sbl8/cascade/model"
)

// Lifetimes records, for every intermediate DRAM buffer, the range of
// agent ids during which it holds live data. The range starts at the first
// agent of the earliest op that can write the buffer and ends after the
// last agent of the latest op that can read it. Buffers nobody reads stay
// live until the end of the cascade.
func Lifetimes(g *model.Graph, a *Agents, bm *memory.BufferManager) error {
	firstAgent := func(op model.Op) int { return int(a.OpAgents[op].First) }
	lastAgent := func(op model.Op) int { return int(a.OpAgents[op].Last) }
	numAgents := uint32(len(a.List))

	for _, buf := range g.Buffers() {
		id, ok := a.BufferIDs[buf]
		if !ok || buf.Location != model.LocationDram || buf.Type != model.BufferIntermediate {
			continue
		}
		var start, end uint32
		if s, ok := g.WalkUp(buf, firstAgent); ok {
			start = uint32(s)
		}
		end = numAgents
		if e, ok := g.WalkDown(buf, lastAgent); ok {
			end = uint32(e) + 1
		}
		if end <= start {
			end = start + 1
		}
		if err := bm.MarkBufferUsedAtTime(id, start, end); err != nil {
			return core.OpError("", core.ErrInvalidGraph, "buffer %s: %v", buf.Name, err)
		}
	}
	return nil
}
