package model

// OpIndex maps an op to its position in execution order.
type OpIndex func(Op) int

// WalkUp returns the execution index of the earliest op that could write b.
// The walk follows producers back through on-chip buffers and stops at ops
// whose inputs are all in DRAM. It reports false when b has no producer.
func (g *Graph) WalkUp(b *Buffer, index OpIndex) (int, bool) {
	result, found := 0, false
	for _, producer := range g.producers[b] {
		earliest, ok := 0, false
		for _, in := range g.inputs[producer] {
			if in.Location == LocationDram {
				continue
			}
			if i, up := g.WalkUp(in, index); up && (!ok || i < earliest) {
				earliest, ok = i, true
			}
		}
		if !ok {
			earliest = index(producer)
		}
		if !found || earliest < result {
			result, found = earliest, true
		}
	}
	return result, found
}

// WalkDown returns the execution index of the latest op that could read b.
// The walk follows consumers forward through on-chip buffers and stops at
// ops writing DRAM. It reports false when b has no consumer.
func (g *Graph) WalkDown(b *Buffer, index OpIndex) (int, bool) {
	result, found := 0, false
	for _, c := range g.consumers[b] {
		out := g.outputs[c.Op]
		latest := index(c.Op)
		if out != nil && out.Location != LocationDram {
			if i, ok := g.WalkDown(out, index); ok {
				latest = i
			}
		}
		if !found || latest > result {
			result, found = latest, true
		}
	}
	return result, found
}
