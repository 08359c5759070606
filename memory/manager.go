// Package memory tracks the DRAM buffers referenced by a compiled cascade.
//
// Every DRAM buffer a command stream touches gets a small integer id, which
// is what agents and DUMP_DRAM commands carry on the wire. The manager
// records each buffer's role and size, and for intermediates the range of
// agent ids during which it is live. Allocate then lays buffers out in
// three regions:
//
//   - constant DMA data (weights, kernel images), packed back to back
//   - constant control-unit data (the command stream itself)
//   - intermediates, placed first-fit so buffers whose lifetimes do not
//     overlap may share addresses
//
// Inputs and outputs are provided by the caller at inference time and are
// not placed. Buffer id 0 is always the command stream.
package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/model"
)

// CommandStreamID is the id of the buffer holding the command stream.
const CommandStreamID uint32 = 0

var (
	ErrUnknownBuffer = errors.New("unknown buffer id")
	ErrWrongType     = errors.New("buffer has the wrong type")
	ErrBadLifetime   = errors.New("lifetime end must be after start")
)

// Buffer is one DRAM buffer entry.
type Buffer struct {
	ID                  uint32
	Type                model.BufferType
	Size                uint32
	Offset              uint32
	OperationID         uint32
	ProducerOutputIndex uint32
	LifetimeStart       uint32
	LifetimeEnd         uint32
	HasLifetime         bool
	Data                []byte
}

// Region is a contiguous part of the DRAM layout.
type Region struct {
	Name   string
	Offset uint32
	Size   uint32
}

// BufferManager owns the DRAM buffer table of one compilation.
type BufferManager struct {
	buffers   []*Buffer
	allocated bool

	constantDma         []byte
	constantControlUnit []byte
	intermediateSize    uint32
}

// NewBufferManager returns a manager holding only the (empty) command
// stream buffer.
func NewBufferManager() *BufferManager {
	m := &BufferManager{}
	m.buffers = append(m.buffers, &Buffer{ID: CommandStreamID, Type: model.BufferConstantControlUnit})
	return m
}

func (m *BufferManager) add(b *Buffer) uint32 {
	b.ID = uint32(len(m.buffers))
	m.buffers = append(m.buffers, b)
	m.allocated = false
	return b.ID
}

// AddDramInput registers a network input of the given size.
func (m *BufferManager) AddDramInput(size, operationID uint32) uint32 {
	return m.add(&Buffer{Type: model.BufferInput, Size: size, OperationID: operationID})
}

// AddDram registers a buffer with no initial contents.
func (m *BufferManager) AddDram(t model.BufferType, size uint32) uint32 {
	return m.add(&Buffer{Type: t, Size: size})
}

// AddDramConstant registers a constant buffer. t must be one of the two
// constant roles.
func (m *BufferManager) AddDramConstant(t model.BufferType, data []byte) (uint32, error) {
	if t != model.BufferConstantDma && t != model.BufferConstantControlUnit {
		return 0, fmt.Errorf("%w: constant data in a %s buffer", ErrWrongType, t)
	}
	return m.add(&Buffer{Type: t, Size: uint32(len(data)), Data: data}), nil
}

// AddCommandStream stores the encoded command stream in buffer 0.
func (m *BufferManager) AddCommandStream(data []byte) uint32 {
	cs := m.buffers[CommandStreamID]
	cs.Data = data
	cs.Size = uint32(len(data))
	m.allocated = false
	return CommandStreamID
}

// ChangeToOutput turns an intermediate buffer into a network output.
func (m *BufferManager) ChangeToOutput(id, operationID, outputIndex uint32) error {
	b, err := m.get(id)
	if err != nil {
		return err
	}
	if b.Type != model.BufferIntermediate && b.Type != model.BufferOutput {
		return fmt.Errorf("%w: buffer %d is %s", ErrWrongType, id, b.Type)
	}
	b.Type = model.BufferOutput
	b.OperationID = operationID
	b.ProducerOutputIndex = outputIndex
	b.HasLifetime = false
	return nil
}

// MarkBufferUsedAtTime records that buffer id is live for agents in
// [start, end).
func (m *BufferManager) MarkBufferUsedAtTime(id, start, end uint32) error {
	b, err := m.get(id)
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("%w: buffer %d [%d, %d)", ErrBadLifetime, id, start, end)
	}
	b.LifetimeStart, b.LifetimeEnd, b.HasLifetime = start, end, true
	m.allocated = false
	return nil
}

func (m *BufferManager) get(id uint32) (*Buffer, error) {
	if int(id) >= len(m.buffers) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	return m.buffers[id], nil
}

// Buffer returns a copy of buffer id.
func (m *BufferManager) Buffer(id uint32) (Buffer, bool) {
	b, err := m.get(id)
	if err != nil {
		return Buffer{}, false
	}
	return *b, true
}

// Buffers returns a copy of the buffer table in id order.
func (m *BufferManager) Buffers() []Buffer {
	out := make([]Buffer, len(m.buffers))
	for i, b := range m.buffers {
		out[i] = *b
	}
	return out
}

// Allocate assigns offsets to every buffer. It may be called again after
// more buffers are added.
func (m *BufferManager) Allocate() error {
	m.constantDma = m.constantDma[:0]
	m.constantControlUnit = m.constantControlUnit[:0]

	var intermediates []*Buffer
	for _, b := range m.buffers {
		switch b.Type {
		case model.BufferConstantDma:
			b.Offset = uint32(len(m.constantDma))
			m.constantDma = append(m.constantDma, core.PadToAlignment(b.Data, core.DramAlignment)...)
		case model.BufferConstantControlUnit:
			b.Offset = uint32(len(m.constantControlUnit))
			m.constantControlUnit = append(m.constantControlUnit, core.PadToAlignment(b.Data, core.DramAlignment)...)
		case model.BufferIntermediate:
			intermediates = append(intermediates, b)
		default:
			b.Offset = 0
		}
	}
	m.intermediateSize = placeIntermediates(intermediates)
	m.allocated = true
	return nil
}

// placeIntermediates assigns first-fit offsets, letting buffers with
// disjoint lifetimes share addresses. Buffers without a lifetime are live
// for the whole inference. It returns the size of the region.
func placeIntermediates(bufs []*Buffer) uint32 {
	live := func(b *Buffer) (uint32, uint32) {
		if !b.HasLifetime {
			return 0, ^uint32(0)
		}
		return b.LifetimeStart, b.LifetimeEnd
	}
	order := append([]*Buffer(nil), bufs...)
	sort.SliceStable(order, func(i, j int) bool {
		si, _ := live(order[i])
		sj, _ := live(order[j])
		if si != sj {
			return si < sj
		}
		return order[i].Size > order[j].Size
	})

	var placed []*Buffer
	var total uint32
	for _, b := range order {
		bs, be := live(b)
		size := uint32(core.AlignSize(int(b.Size), core.DramAlignment))
		var clashes []*Buffer
		for _, p := range placed {
			ps, pe := live(p)
			if bs < pe && ps < be {
				clashes = append(clashes, p)
			}
		}
		sort.Slice(clashes, func(i, j int) bool { return clashes[i].Offset < clashes[j].Offset })

		var off uint32
		for _, c := range clashes {
			csize := uint32(core.AlignSize(int(c.Size), core.DramAlignment))
			if off+size <= c.Offset {
				break
			}
			off = max(off, c.Offset+csize)
		}
		b.Offset = off
		total = max(total, off+size)
		placed = append(placed, b)
	}
	return total
}

// ConstantDmaData returns the packed constant DMA region.
func (m *BufferManager) ConstantDmaData() []byte { return m.constantDma }

// ConstantControlUnitData returns the packed constant control-unit region.
func (m *BufferManager) ConstantControlUnitData() []byte { return m.constantControlUnit }

// IntermediateSize returns the size of the intermediate region.
func (m *BufferManager) IntermediateSize() uint32 { return m.intermediateSize }

// Allocated reports whether offsets reflect the current buffer table.
func (m *BufferManager) Allocated() bool { return m.allocated }

// Regions describes the layout produced by Allocate.
func (m *BufferManager) Regions() []Region {
	return []Region{
		{Name: "constant_dma", Size: uint32(len(m.constantDma))},
		{Name: "constant_control_unit", Size: uint32(len(m.constantControlUnit))},
		{Name: "intermediate", Size: m.intermediateSize},
	}
}
