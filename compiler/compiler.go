// Package compiler turns a planned operation graph into a cascade command
// stream.
//
// Compilation pipeline:
//  1. Validate the graph
//  2. Build agents and their RAW, WAR and schedule-time dependencies
//  3. Record the lifetime of every intermediate DRAM buffer
//  4. Schedule agent stripes into the four engine queues
//  5. Fill in register values and encode the stream
//  6. Allocate DRAM for constants, the stream itself and intermediates
//
// Agents are created in a single forward pass over the ops. Each op creates
// its agents contiguously, and the edges between them are filled in from
// rule tables keyed by the roles at both ends (see rules.go). Agents that
// need every stripe of a whole-tensor producer are ordered behind it with
// fences instead of per-stripe edges.
package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sbl8/cascade/config"
	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/logging"
	"github.com/sbl8/cascade/memory"
	"github.com/sbl8/cascade/model"
	"github.com/sbl8/cascade/scheduler"
	"github.com/sbl8/cascade/stream"
)

// CompileOptions configures the compilation process
type CompileOptions struct {
	Hardware config.Capabilities
	// DumpRAM appends a DUMP_DRAM command per intermediate buffer.
	DumpRAM bool
	// DumpSRAM appends a DUMP_SRAM command.
	DumpSRAM bool
	Logger   logging.Logger
}

// DefaultOptions targets the reference hardware without debug dumps.
func DefaultOptions() CompileOptions {
	return CompileOptions{Hardware: config.Default().Hardware}
}

// OptionsFromConfig maps a configuration file onto CompileOptions.
func OptionsFromConfig(cfg config.Config) CompileOptions {
	return CompileOptions{
		Hardware: cfg.Hardware,
		DumpRAM:  cfg.Compile.DumpRAM,
		DumpSRAM: cfg.Compile.DumpSRAM,
		Logger:   cfg.Logger(),
	}
}

// Result is everything produced for one graph.
type Result struct {
	Agents   *Agents
	Schedule *scheduler.Result
	Stream   *stream.CommandStream
	// Binary is the encoded stream, also held by buffer 0 of Buffers.
	Binary  []byte
	Buffers *memory.BufferManager
}

// Cascade returns the single cascade of the stream.
func (r *Result) Cascade() *stream.Cascade {
	cs := r.Stream.Cascades()
	if len(cs) == 0 {
		return nil
	}
	return cs[0]
}

// Compile generates and encodes the command stream for g.
func Compile(g *model.Graph, opts CompileOptions) (*Result, error) {
	log := logging.OrNop(opts.Logger)
	if g == nil || g.OpCount() == 0 {
		return nil, core.OpError("", core.ErrEmptyGraph, "nothing to compile")
	}
	if err := g.Validate(); err != nil {
		return nil, core.OpError("", core.ErrInvalidGraph, "%v", err)
	}

	bm := memory.NewBufferManager()
	agents, err := BuildAgents(g, opts.Hardware, bm, log)
	if err != nil {
		log.Error("agent construction failed", "error", err)
		return nil, fmt.Errorf("build agents: %w", err)
	}
	log.Debug("agents built", "summary", agents.String())

	if err := Lifetimes(g, agents, bm); err != nil {
		return nil, fmt.Errorf("buffer lifetimes: %w", err)
	}

	sched, err := scheduler.Schedule(agents.List, scheduler.Options{MaxDmaChunkBytes: opts.Hardware.MaxDmaChunkBytes})
	if err != nil {
		log.Error("scheduling failed", "error", err)
		return nil, fmt.Errorf("schedule: %w", err)
	}

	cascade, err := BuildCascade(agents.List, sched, opts.Hardware)
	if err != nil {
		return nil, fmt.Errorf("registers: %w", err)
	}

	cs := stream.New()
	cs.Commands = append(cs.Commands, cascade)
	if opts.DumpRAM {
		cs.Commands = append(cs.Commands, dramDumps(g, agents)...)
	}
	if opts.DumpSRAM {
		cs.Commands = append(cs.Commands, &stream.DumpSram{Prefix: "cascade_" + uuid.NewString()})
	}

	bin, err := stream.Encode(cs)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	bm.AddCommandStream(bin)
	if err := bm.Allocate(); err != nil {
		return nil, fmt.Errorf("allocate: %w", err)
	}

	log.Info("compiled cascade",
		"agents", len(cascade.Agents),
		"dma_rd", len(cascade.DmaRd),
		"dma_wr", len(cascade.DmaWr),
		"mce", len(cascade.Mce),
		"ple", len(cascade.Ple),
		"bytes", len(bin),
		"buffers", len(bm.Buffers()))

	return &Result{Agents: agents, Schedule: sched, Stream: cs, Binary: bin, Buffers: bm}, nil
}

// dramDumps emits one DUMP_DRAM per intermediate buffer, in graph order.
func dramDumps(g *model.Graph, a *Agents) []stream.TopLevel {
	var out []stream.TopLevel
	for _, buf := range g.Buffers() {
		id, ok := a.BufferIDs[buf]
		if !ok || buf.Type != model.BufferIntermediate {
			continue
		}
		name := buf.Name
		if name == "" {
			name = fmt.Sprintf("buffer%d", id)
		}
		out = append(out, &stream.DumpDram{BufferID: id, Filename: fmt.Sprintf("%s_%d.hex", name, id)})
	}
	return out
}

// CompileFile compiles the TOML graph description src into the binary
// stream out. With cfg.Compile.Text set the text form is written next to
// it with a .txt extension.
func CompileFile(src, out string, cfg config.Config) (*Result, error) {
	g, err := model.LoadDescription(src)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	res, err := Compile(g, OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, res.Binary, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}
	if cfg.Compile.Text {
		text, err := stream.RenderText(res.Stream)
		if err != nil {
			return nil, fmt.Errorf("render text: %w", err)
		}
		if err := os.WriteFile(TextPath(out), []byte(text), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write output: %w", err)
		}
	}
	return res, nil
}

// TextPath returns the path of the text stream written next to a binary.
func TextPath(binary string) string {
	return strings.TrimSuffix(binary, filepath.Ext(binary)) + ".txt"
}
