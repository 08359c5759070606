// Package stream defines the command stream consumed by the NPU control
// unit, and its two encodings.
//
// A command stream is a version header followed by top-level commands:
//   - DUMP_DRAM: debug dump of one DRAM buffer to a file
//   - DUMP_SRAM: debug dump of all SRAM with a filename prefix
//   - CASCADE: a set of agents plus four per-engine command queues
//
// The binary encoding is little endian. It starts with the "ENCS" fourcc
// and a major/minor/patch version, then each top-level command as a uint32
// opcode followed by its payload. Inside a cascade every queue command is
// prefixed with its own size, so readers can walk a queue without knowing
// every command layout.
//
// The text encoding is an XML-like document meant for humans and golden
// tests: counts and ids are decimal, hardware register values are hex, and
// comments number every agent and command. RenderText and ParseText are
// exact inverses on well-formed input.
//
// Decoding errors are *CodecError values carrying the byte offset (binary)
// or element path (text) of the problem.
package stream

import "fmt"

// Version is the command stream format version.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// CurrentVersion is the version written by Encode. Decode accepts any
// stream with the same major version.
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Magic is the fourcc at the start of every binary stream.
const Magic = "ENCS"

// Opcode identifies a top-level command.
type Opcode uint32

const (
	OpDumpDram Opcode = iota
	OpDumpSram
	OpCascade
)

func (o Opcode) String() string {
	switch o {
	case OpDumpDram:
		return "DUMP_DRAM"
	case OpDumpSram:
		return "DUMP_SRAM"
	case OpCascade:
		return "CASCADE"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
}

// TopLevel is one top-level command.
type TopLevel interface {
	Opcode() Opcode
	topLevel()
}

// DumpDram asks the driver to write a DRAM buffer to a file.
type DumpDram struct {
	BufferID uint32
	Filename string
}

// DumpSram asks the driver to dump all SRAM to files with a common prefix.
type DumpSram struct {
	Prefix string
}

// Cascade is a set of agents plus the four command queues driving them.
type Cascade struct {
	Agents []Agent
	DmaRd  []Command
	DmaWr  []Command
	Mce    []Command
	Ple    []Command
}

func (*DumpDram) Opcode() Opcode { return OpDumpDram }
func (*DumpSram) Opcode() Opcode { return OpDumpSram }
func (*Cascade) Opcode() Opcode  { return OpCascade }

func (*DumpDram) topLevel() {}
func (*DumpSram) topLevel() {}
func (*Cascade) topLevel()  {}

// Queue identifies one of the four cascade command queues.
type Queue uint8

const (
	QueueDmaRd Queue = iota
	QueueDmaWr
	QueueMce
	QueuePle

	NumQueues
)

var queueNames = [NumQueues]string{"DmaRd", "DmaWr", "Mce", "Ple"}

func (q Queue) String() string {
	if q < NumQueues {
		return queueNames[q]
	}
	return fmt.Sprintf("Queue(%d)", uint8(q))
}

// Queue returns the commands of queue q.
func (c *Cascade) Queue(q Queue) []Command {
	switch q {
	case QueueDmaRd:
		return c.DmaRd
	case QueueDmaWr:
		return c.DmaWr
	case QueueMce:
		return c.Mce
	case QueuePle:
		return c.Ple
	default:
		return nil
	}
}

// SetQueue replaces the commands of queue q.
func (c *Cascade) SetQueue(q Queue, cmds []Command) {
	switch q {
	case QueueDmaRd:
		c.DmaRd = cmds
	case QueueDmaWr:
		c.DmaWr = cmds
	case QueueMce:
		c.Mce = cmds
	case QueuePle:
		c.Ple = cmds
	}
}

// CommandStream is a decoded command stream.
type CommandStream struct {
	Version  Version
	Commands []TopLevel
}

// New returns an empty stream at CurrentVersion.
func New() *CommandStream {
	return &CommandStream{Version: CurrentVersion}
}

// Cascades returns every cascade in the stream, in order.
func (s *CommandStream) Cascades() []*Cascade {
	var out []*Cascade
	for _, c := range s.Commands {
		if cas, ok := c.(*Cascade); ok {
			out = append(out, cas)
		}
	}
	return out
}
