// Package model defines the planned operation graph a cascade is generated
// from.
//
// The graph is bipartite: operations consume and produce buffers, and
// buffers know their producing and consuming operations. The compiler walks
// it in topological order, creating agents per operation, and walks it up
// and down from each DRAM buffer to find buffer lifetimes.
//
// Key data structures:
//   - Buffer: one tensor allocation in DRAM or SRAM
//   - Op: a DMA, MCE or PLE operation (plus kinds with no cascade support)
//   - Graph: ops, buffers and the edges between them
//
// Graphs are built programmatically with AddBuffer/AddOp or loaded from a
// TOML description with ParseDescription.
package model

import (
	"fmt"
)

// Consumer is one use of a buffer: the consuming op and which of its inputs
// the buffer is.
type Consumer struct {
	Op    Op
	Index int
}

// Graph is a directed graph of operations and buffers.
type Graph struct {
	ops     []Op
	buffers []*Buffer

	opIndex   map[Op]int
	inputs    map[Op][]*Buffer
	outputs   map[Op]*Buffer
	producers map[*Buffer][]Op
	consumers map[*Buffer][]Consumer
	names     map[string]*Buffer
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		opIndex:   make(map[Op]int),
		inputs:    make(map[Op][]*Buffer),
		outputs:   make(map[Op]*Buffer),
		producers: make(map[*Buffer][]Op),
		consumers: make(map[*Buffer][]Consumer),
		names:     make(map[string]*Buffer),
	}
}

// AddBuffer registers b with the graph and returns it. Adding a buffer twice
// is a no-op.
func (g *Graph) AddBuffer(b *Buffer) *Buffer {
	if _, ok := g.producers[b]; ok {
		return b
	}
	g.buffers = append(g.buffers, b)
	g.producers[b] = nil
	if b.Name != "" {
		g.names[b.Name] = b
	}
	return b
}

// AddOp appends op to the graph with the given inputs and output. Buffers
// not yet in the graph are added.
func (g *Graph) AddOp(op Op, inputs []*Buffer, output *Buffer) error {
	if op == nil {
		return fmt.Errorf("nil op")
	}
	if _, dup := g.opIndex[op]; dup {
		return fmt.Errorf("op %q added twice", op.OpName())
	}
	if output == nil {
		return fmt.Errorf("op %q has no output buffer", op.OpName())
	}
	g.opIndex[op] = len(g.ops)
	g.ops = append(g.ops, op)
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("op %q input %d is nil", op.OpName(), i)
		}
		g.AddBuffer(in)
		g.consumers[in] = append(g.consumers[in], Consumer{Op: op, Index: i})
	}
	g.inputs[op] = inputs
	g.AddBuffer(output)
	g.outputs[op] = output
	g.producers[output] = append(g.producers[output], op)
	return nil
}

// OpCount returns the number of ops in the graph.
func (g *Graph) OpCount() int { return len(g.ops) }

// Ops returns the ops in insertion order.
func (g *Graph) Ops() []Op { return g.ops }

// Buffers returns the buffers in insertion order.
func (g *Graph) Buffers() []*Buffer { return g.buffers }

// Buffer looks a buffer up by name.
func (g *Graph) Buffer(name string) (*Buffer, bool) {
	b, ok := g.names[name]
	return b, ok
}

// Inputs returns the input buffers of op, in input-index order.
func (g *Graph) Inputs(op Op) []*Buffer { return g.inputs[op] }

// Output returns the output buffer of op.
func (g *Graph) Output(op Op) *Buffer { return g.outputs[op] }

// Producers returns every op writing b. Only DRAM buffers written by
// concatenation have more than one.
func (g *Graph) Producers(b *Buffer) []Op { return g.producers[b] }

// Producer returns the single op writing b.
func (g *Graph) Producer(b *Buffer) (Op, bool) {
	p := g.producers[b]
	if len(p) != 1 {
		return nil, false
	}
	return p[0], true
}

// Consumers returns every use of b.
func (g *Graph) Consumers(b *Buffer) []Consumer { return g.consumers[b] }

// IndexOf returns the insertion index of op.
func (g *Graph) IndexOf(op Op) (int, bool) {
	i, ok := g.opIndex[op]
	return i, ok
}

// Validate checks graph consistency: the graph is non-empty, acyclic, and
// SRAM buffers have exactly one producer.
func (g *Graph) Validate() error {
	if len(g.ops) == 0 {
		return fmt.Errorf("graph has no operations")
	}
	for _, b := range g.buffers {
		if b.Location != LocationDram && len(g.producers[b]) > 1 {
			return fmt.Errorf("buffer %s in %s has %d producers", b.Name, b.Location, len(g.producers[b]))
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns the ops ordered so that every op follows the
// producers of its inputs. Ops with no ordering constraint between them keep
// their insertion order.
func (g *Graph) TopologicalOrder() ([]Op, error) {
	inDegree := make([]int, len(g.ops))
	adj := make([][]int, len(g.ops))
	for i, op := range g.ops {
		for _, in := range g.inputs[op] {
			for _, p := range g.producers[in] {
				pi := g.opIndex[p]
				adj[pi] = append(adj[pi], i)
				inDegree[i]++
			}
		}
	}

	// Kahn's algorithm, always taking the lowest ready index.
	ready := make([]bool, len(g.ops))
	for i, d := range inDegree {
		ready[i] = d == 0
	}
	order := make([]Op, 0, len(g.ops))
	done := make([]bool, len(g.ops))
	for len(order) < len(g.ops) {
		next := -1
		for i := range g.ops {
			if ready[i] && !done[i] {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("graph contains a cycle")
		}
		done[next] = true
		order = append(order, g.ops[next])
		for _, succ := range adj[next] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready[succ] = true
			}
		}
	}
	return order, nil
}
