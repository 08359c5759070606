// Package kernels catalogues the activation-engine (PLE) kernels a cascade
// can load and run.
//
// Each kernel is identified by an ID that is stored verbatim in the command
// stream (MCE scheduler, PLE loader and PLE scheduler agents all carry one).
// The catalogue records, per kernel:
//   - the PLE operation it implements
//   - the MCE block size it was built for
//   - the number of SRAM inputs it reads
//   - the size of its code image
//
// The code images of all kernels are laid out back to back in a single
// constant DRAM buffer; Offset returns where a kernel's image starts.
//
// The catalogue is indexed by ID for constant-time dispatch, in the same way
// the rest of the stream tooling indexes enumerations.
package kernels

import (
	"fmt"
	"sort"
)

// ID identifies one PLE kernel build.
type ID uint16

// Kernel identifiers.
const (
	Passthrough8x8 ID = iota
	Passthrough16x16
	Addition16x16
	AdditionRescale16x16
	Avgpool3x3Udma16x16
	Maxpool2x2Stride2_8x8
	Maxpool3x3Stride2Even8x8
	Maxpool3x3Stride2Odd8x8
	MeanXY7x7_8x8
	MeanXY8x8_8x8
	LeakyRelu8x8
	Sigmoid8x8
	TransposeXY8x8
	Downsample2x2_8x8
	Interleave2x2Stride2_16x16

	numIDs
)

// Operation is the function a PLE kernel performs.
type Operation uint8

// PLE operations.
const (
	OpPassthrough Operation = iota
	OpAddition
	OpAdditionRescale
	OpAvgpool3x3
	OpMaxpool2x2Stride2
	OpMaxpool3x3Stride2Even
	OpMaxpool3x3Stride2Odd
	OpMeanXY7x7
	OpMeanXY8x8
	OpLeakyRelu
	OpSigmoid
	OpTransposeXY
	OpDownsample2x2
	OpInterleave2x2Stride2

	numOperations
)

var operationNames = [numOperations]string{
	OpPassthrough:           "PASSTHROUGH",
	OpAddition:              "ADDITION",
	OpAdditionRescale:       "ADDITION_RESCALE",
	OpAvgpool3x3:            "AVGPOOL_3X3_1_1_UDMA",
	OpMaxpool2x2Stride2:     "MAXPOOL_2X2_2_2",
	OpMaxpool3x3Stride2Even: "MAXPOOL_3X3_2_2_EVEN",
	OpMaxpool3x3Stride2Odd:  "MAXPOOL_3X3_2_2_ODD",
	OpMeanXY7x7:             "MEAN_XY_7X7",
	OpMeanXY8x8:             "MEAN_XY_8X8",
	OpLeakyRelu:             "LEAKY_RELU",
	OpSigmoid:               "SIGMOID",
	OpTransposeXY:           "TRANSPOSE_XY",
	OpDownsample2x2:         "DOWNSAMPLE_2X2",
	OpInterleave2x2Stride2:  "INTERLEAVE_2X2_2_2",
}

func (o Operation) String() string {
	if o < numOperations {
		return operationNames[o]
	}
	return fmt.Sprintf("Operation(%d)", uint8(o))
}

// ParseOperation resolves an operation name.
func ParseOperation(name string) (Operation, error) {
	for i, n := range operationNames {
		if n == name {
			return Operation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown PLE operation %q", name)
}

// IsMaxpool3x3Stride2 reports whether o needs one row of its successor
// stripe, which makes consumers of its output wait for an extra stripe.
func (o Operation) IsMaxpool3x3Stride2() bool {
	return o == OpMaxpool3x3Stride2Even || o == OpMaxpool3x3Stride2Odd
}

// Kernel describes one catalogue entry.
type Kernel struct {
	ID          ID
	Name        string
	Operation   Operation
	BlockWidth  uint8
	BlockHeight uint8
	NumInputs   uint8
	CodeSize    uint32
}

// CodeAlignment is the alignment of each image in the kernel blob.
const CodeAlignment = 64

// Catalog maps kernel ids to their descriptions.
var Catalog = [numIDs]Kernel{
	Passthrough8x8:             {Passthrough8x8, "V2442_PASSTHROUGH_bw8_bh8_bm1", OpPassthrough, 8, 8, 1, 1536},
	Passthrough16x16:           {Passthrough16x16, "V2442_PASSTHROUGH_bw16_bh16_bm1", OpPassthrough, 16, 16, 1, 1536},
	Addition16x16:              {Addition16x16, "V2442_ADDITION_bw16_bh16_bm1", OpAddition, 16, 16, 2, 2048},
	AdditionRescale16x16:       {AdditionRescale16x16, "V2442_ADDITION_RESCALE_bw16_bh16_bm1", OpAdditionRescale, 16, 16, 2, 2560},
	Avgpool3x3Udma16x16:        {Avgpool3x3Udma16x16, "V2442_AVGPOOL_3X3_1_1_UDMA_bw16_bh16_bm1", OpAvgpool3x3, 16, 16, 1, 3072},
	Maxpool2x2Stride2_8x8:      {Maxpool2x2Stride2_8x8, "V2442_MAXPOOL_2X2_2_2_bw8_bh8_bm1", OpMaxpool2x2Stride2, 8, 8, 1, 1792},
	Maxpool3x3Stride2Even8x8:   {Maxpool3x3Stride2Even8x8, "V2442_MAXPOOL_3X3_2_2_EVEN_bw8_bh8_bm1", OpMaxpool3x3Stride2Even, 8, 8, 1, 2304},
	Maxpool3x3Stride2Odd8x8:    {Maxpool3x3Stride2Odd8x8, "V2442_MAXPOOL_3X3_2_2_ODD_bw8_bh8_bm1", OpMaxpool3x3Stride2Odd, 8, 8, 1, 2304},
	MeanXY7x7_8x8:              {MeanXY7x7_8x8, "V2442_MEAN_XY_7X7_bw8_bh8_bm1", OpMeanXY7x7, 8, 8, 1, 1920},
	MeanXY8x8_8x8:              {MeanXY8x8_8x8, "V2442_MEAN_XY_8X8_bw8_bh8_bm1", OpMeanXY8x8, 8, 8, 1, 1920},
	LeakyRelu8x8:               {LeakyRelu8x8, "V2442_LEAKY_RELU_bw8_bh8_bm1", OpLeakyRelu, 8, 8, 1, 1664},
	Sigmoid8x8:                 {Sigmoid8x8, "V2442_SIGMOID_bw8_bh8_bm1", OpSigmoid, 8, 8, 1, 2816},
	TransposeXY8x8:             {TransposeXY8x8, "V2442_TRANSPOSE_XY_bw8_bh8_bm1", OpTransposeXY, 8, 8, 1, 1792},
	Downsample2x2_8x8:          {Downsample2x2_8x8, "V2442_DOWNSAMPLE_2X2_bw8_bh8_bm1", OpDownsample2x2, 8, 8, 1, 1536},
	Interleave2x2Stride2_16x16: {Interleave2x2Stride2_16x16, "V2442_INTERLEAVE_2X2_2_2_bw16_bh16_bm1", OpInterleave2x2Stride2, 16, 16, 1, 1536},
}

// Valid reports whether id names a catalogue entry.
func (id ID) Valid() bool { return id < numIDs }

func (id ID) String() string {
	if id.Valid() {
		return Catalog[id].Name
	}
	return fmt.Sprintf("PleKernelId(%d)", uint16(id))
}

// Lookup returns the catalogue entry for id.
func Lookup(id ID) (Kernel, bool) {
	if !id.Valid() {
		return Kernel{}, false
	}
	return Catalog[id], true
}

// Parse resolves a kernel name as rendered by ID.String.
func Parse(name string) (ID, error) {
	for _, k := range Catalog {
		if k.Name == name {
			return k.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown PLE kernel %q", name)
}

// Find returns the kernel implementing op for the given MCE block size.
func Find(op Operation, blockWidth, blockHeight uint8) (ID, bool) {
	for _, k := range Catalog {
		if k.Operation == op && k.BlockWidth == blockWidth && k.BlockHeight == blockHeight {
			return k.ID, true
		}
	}
	return 0, false
}

// ForOperation lists every kernel implementing op, smallest block first.
func ForOperation(op Operation) []Kernel {
	var out []Kernel
	for _, k := range Catalog {
		if k.Operation == op {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return int(out[i].BlockWidth)*int(out[i].BlockHeight) < int(out[j].BlockWidth)*int(out[j].BlockHeight)
	})
	return out
}

func alignCode(n uint32) uint32 {
	return (n + CodeAlignment - 1) &^ (CodeAlignment - 1)
}

// Offset returns the byte offset of id's code image inside the kernel blob.
func Offset(id ID) uint32 {
	var off uint32
	for i := ID(0); i < id && i < numIDs; i++ {
		off += alignCode(Catalog[i].CodeSize)
	}
	return off
}

// BlobSize returns the size of the buffer holding every kernel image.
func BlobSize() uint32 {
	return Offset(numIDs)
}
