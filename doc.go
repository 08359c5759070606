// Package cascade is the back end of an NPU cascading compiler.
//
// A planned operation graph, where every tensor already has its DRAM or SRAM
// placement and its stripe shape, is lowered to a cascade: a set of agents
// plus four command queues that drive the DMA read, DMA write, MCE and PLE
// engines. Agents exchange no messages at run time. Their ordering is
// expressed entirely through counter waits emitted into the queues.
//
// # Pipeline
//
//   - model: graph of ops and buffers, loaded from a TOML description
//   - compiler: agent construction, dependency rules, buffer lifetimes and
//     register values
//   - scheduler: stripe-by-stripe queue generation with counter waits
//   - stream: binary and text command stream codecs
//   - memory: DRAM buffer table and allocation
//   - runtime: queue simulator that proves a cascade drains
//   - cache: SQLite store of compiled streams
//
// # Basic Usage
//
//	// Compile a graph description
//	cascadec -config npu.toml -text net.toml net.bin
//
//	// Inspect the result
//	csdump net.bin
//	csstat net.bin
//
// # Package Structure
//
//   - core: agents, dependencies, stripe arithmetic and construction errors
//   - kernels: PLE kernel catalogue
//   - config: TOML configuration
//   - logging: slog-backed structured logging
//   - cmd: command-line tools (cascadec, csdump, csstat)
package cascade
