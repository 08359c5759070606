package model

import (
	"fmt"
	"strings"

	"github.com/sbl8/cascade/core"
)

// Location is where a buffer lives.
type Location uint8

const (
	LocationDram Location = iota
	LocationSram
	LocationPleInputSram
)

func (l Location) String() string {
	switch l {
	case LocationDram:
		return "Dram"
	case LocationSram:
		return "Sram"
	case LocationPleInputSram:
		return "PleInputSram"
	default:
		return fmt.Sprintf("Location(%d)", uint8(l))
	}
}

// Format is the memory layout of a buffer.
type Format uint8

const (
	FormatNHWCB Format = iota
	FormatNHWC
	FormatFcafDeep
	FormatFcafWide
	FormatWeight
)

var formatNames = map[Format]string{
	FormatNHWCB:    "NHWCB",
	FormatNHWC:     "NHWC",
	FormatFcafDeep: "FCAF_DEEP",
	FormatFcafWide: "FCAF_WIDE",
	FormatWeight:   "WEIGHT",
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// FmFormat converts a feature-map format to the streamer representation.
func (f Format) FmFormat() (core.FmFormat, bool) {
	switch f {
	case FormatNHWCB:
		return core.FmNHWCB, true
	case FormatNHWC:
		return core.FmNHWC, true
	case FormatFcafDeep:
		return core.FmFcafDeep, true
	case FormatFcafWide:
		return core.FmFcafWide, true
	default:
		return 0, false
	}
}

// DataType is the element type of a buffer.
type DataType uint8

const (
	Uint8Quantized DataType = iota
	Int8Quantized
)

func (d DataType) String() string {
	if d == Int8Quantized {
		return "INT8_QUANTIZED"
	}
	return "UINT8_QUANTIZED"
}

// BufferType is the role of a DRAM buffer, which decides how the memory
// allocator treats it.
type BufferType uint8

const (
	BufferInput BufferType = iota
	BufferOutput
	BufferIntermediate
	BufferConstantDma
	BufferConstantControlUnit
)

func (t BufferType) String() string {
	switch t {
	case BufferInput:
		return "Input"
	case BufferOutput:
		return "Output"
	case BufferIntermediate:
		return "Intermediate"
	case BufferConstantDma:
		return "ConstantDma"
	case BufferConstantControlUnit:
		return "ConstantControlUnit"
	default:
		return fmt.Sprintf("BufferType(%d)", uint8(t))
	}
}

// TraversalOrder is the order in which stripes of a buffer are produced.
type TraversalOrder uint8

const (
	// OrderXyz walks width first, then height, then channels.
	OrderXyz TraversalOrder = iota
	// OrderZxy walks channels first, then width, then height.
	OrderZxy
)

// Shape is an NHWC tensor shape.
type Shape [4]uint32

func (s Shape) N() uint32 { return s[0] }
func (s Shape) H() uint32 { return s[1] }
func (s Shape) W() uint32 { return s[2] }
func (s Shape) C() uint32 { return s[3] }

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() uint64 {
	return uint64(s[0]) * uint64(s[1]) * uint64(s[2]) * uint64(s[3])
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", s[0], s[1], s[2], s[3])
}

// BrickGroup is the NHWCB cell: 8x8 elements by 16 channels.
var BrickGroup = Shape{1, 8, 8, 16}

// QuantizationInfo holds the affine quantisation parameters of a tensor.
type QuantizationInfo struct {
	ZeroPoint int32
	Scale     float32
}

// EncodedWeights is the output of the external weight encoder: the
// compressed stream and where each weight stripe starts.
type EncodedWeights struct {
	Data         []byte
	Stripes      []core.WeightStripe
	IsWideFilter bool
}

// Buffer is one tensor allocation. Fields in the SRAM and DRAM groups only
// apply to buffers at that location.
type Buffer struct {
	Name         string
	Location     Location
	Format       Format
	DataType     DataType
	TensorShape  Shape
	StripeShape  Shape
	Order        TraversalOrder
	SizeInBytes  uint32
	Quantization QuantizationInfo

	// SRAM
	Offset                  uint32
	NumStripes              uint16
	SlotSizeInBytes         uint32
	PackedBoundaryThickness core.PackedBoundaryThickness
	NumLoads                uint16

	// DRAM
	Type                BufferType
	OperationID         uint32
	ProducerOutputIndex uint32
	ConstantData        []byte
	EncodedWeights      *EncodedWeights
}

// IsFullTensor reports whether a single stripe covers the whole tensor.
// DRAM buffers always hold the full tensor.
func (b *Buffer) IsFullTensor() bool {
	if b.Location == LocationDram {
		return true
	}
	for i := 1; i < 4; i++ {
		if b.StripeShape[i] != 0 && b.StripeShape[i] < b.TensorShape[i] {
			return false
		}
	}
	return true
}

// NumLoadsOrOne returns NumLoads, treating zero as a single load.
func (b *Buffer) NumLoadsOrOne() uint16 {
	if b.NumLoads == 0 {
		return 1
	}
	return b.NumLoads
}

// StripeCounts returns the number of stripes along H, W and C.
func (b *Buffer) StripeCounts() (h, w, c uint32) {
	return core.NumStripes(b.TensorShape.H(), b.StripeShape.H()),
		core.NumStripes(b.TensorShape.W(), b.StripeShape.W()),
		core.NumStripes(b.TensorShape.C(), b.StripeShape.C())
}

// TotalSizeBytes returns the DRAM footprint of a tensor in format f.
func TotalSizeBytes(f Format, s Shape) uint32 {
	switch f {
	case FormatNHWCB, FormatFcafDeep, FormatFcafWide:
		h := core.RoundUpToMultiple(s.H(), BrickGroup.H())
		w := core.RoundUpToMultiple(s.W(), BrickGroup.W())
		c := core.RoundUpToMultiple(s.C(), BrickGroup.C())
		return s.N() * h * w * c
	default:
		return uint32(s.NumElements())
	}
}

// ComputedSize returns SizeInBytes, or derives it from the shape and format
// when it was not given.
func (b *Buffer) ComputedSize() uint32 {
	if b.SizeInBytes != 0 {
		return b.SizeInBytes
	}
	if b.EncodedWeights != nil {
		return uint32(len(b.EncodedWeights.Data))
	}
	if b.ConstantData != nil {
		return uint32(len(b.ConstantData))
	}
	return TotalSizeBytes(b.Format, b.TensorShape)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s(%s %s %s)", b.Name, b.Location, b.Format, b.TensorShape)
}

var (
	locationNames   = map[string]Location{"dram": LocationDram, "sram": LocationSram, "ple_input_sram": LocationPleInputSram}
	dataTypeNames   = map[string]DataType{"uint8": Uint8Quantized, "int8": Int8Quantized}
	bufferTypeNames = map[string]BufferType{
		"input":                 BufferInput,
		"output":                BufferOutput,
		"intermediate":          BufferIntermediate,
		"constant_dma":          BufferConstantDma,
		"constant_control_unit": BufferConstantControlUnit,
	}
	orderNames = map[string]TraversalOrder{"xyz": OrderXyz, "zxy": OrderZxy}
)

func lookup[T any](table map[string]T, what, name string) (T, error) {
	v, ok := table[strings.ToLower(name)]
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s %q", what, name)
	}
	return v, nil
}

// ParseFormat resolves a format name such as "NHWCB".
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown format %q", name)
}
