package model

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
)

// Description is the TOML form of a planned graph. Buffers are declared
// first and referenced by name from ops; ops are listed in execution order.
type Description struct {
	Buffers []BufferDescription `toml:"buffer"`
	Ops     []OpDescription     `toml:"op"`
}

// BufferDescription describes one buffer.
type BufferDescription struct {
	Name         string    `toml:"name"`
	Location     string    `toml:"location"`
	Format       string    `toml:"format"`
	DataType     string    `toml:"data_type"`
	Shape        [4]uint32 `toml:"shape"`
	StripeShape  [4]uint32 `toml:"stripe_shape"`
	Order        string    `toml:"order"`
	Size         uint32    `toml:"size"`
	ZeroPoint    int32     `toml:"zero_point"`
	Scale        float32   `toml:"scale"`
	Offset       uint32    `toml:"offset"`
	Slots        uint16    `toml:"slots"`
	SlotSize     uint32    `toml:"slot_size"`
	NumLoads     uint16    `toml:"num_loads"`
	Boundary     [4]uint8  `toml:"packed_boundary"`
	Type         string    `toml:"type"`
	OperationID  uint32    `toml:"operation_id"`
	OutputIndex  uint32    `toml:"output_index"`
	ConstantHex  string    `toml:"constant_hex"`
	WeightStripe []uint32  `toml:"weight_stripes"`
}

// OpDescription describes one op. Fields apply to the op kinds named in
// their comments.
type OpDescription struct {
	Name   string   `toml:"name"`
	Kind   string   `toml:"kind"`
	Inputs []string `toml:"inputs"`
	Output string   `toml:"output"`

	// dma
	TransferFormat string    `toml:"transfer_format"`
	DramOffset     [4]uint32 `toml:"dram_offset"`

	// mce
	Operation    string    `toml:"operation"`
	Algorithm    string    `toml:"algorithm"`
	Block        [2]uint32 `toml:"block"`
	InputStripe  [4]uint32 `toml:"input_stripe"`
	OutputStripe [4]uint32 `toml:"output_stripe"`
	WeightStripe [4]uint32 `toml:"weight_stripe"`
	Order        string    `toml:"order"`
	Stride       [2]uint32 `toml:"stride"`
	Pad          [2]uint32 `toml:"pad"`
	Filter       [2]uint32 `toml:"filter"`
	Upsample     string    `toml:"upsample"`
	Bounds       [2]int16  `toml:"bounds"`

	// ple
	Kernel      string    `toml:"kernel"`
	LoadKernel  bool      `toml:"load_kernel"`
	SramAddr    uint32    `toml:"sram_addr"`
	Multipliers [2]uint16 `toml:"multipliers"`
	Shifts      [2]uint16 `toml:"shifts"`

	// space_to_depth, transpose
	BlockSize   uint32    `toml:"block_size"`
	Permutation [4]uint32 `toml:"permutation"`
}

// LoadDescription reads a TOML graph description from path.
func LoadDescription(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph description %s: %w", path, err)
	}
	return ParseDescription(data)
}

// ParseDescription decodes a TOML graph description and builds the graph.
// Unknown keys are rejected.
func ParseDescription(data []byte) (*Graph, error) {
	var d Description
	md, err := toml.Decode(string(data), &d)
	if err != nil {
		return nil, fmt.Errorf("decode graph description: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in graph description", undecoded[0].String())
	}
	return d.Build()
}

// Build converts the description to a graph.
func (d *Description) Build() (*Graph, error) {
	g := NewGraph()
	for i := range d.Buffers {
		b, err := d.Buffers[i].build()
		if err != nil {
			return nil, fmt.Errorf("buffer %q: %w", d.Buffers[i].Name, err)
		}
		if _, dup := g.Buffer(b.Name); dup {
			return nil, fmt.Errorf("buffer %q declared twice", b.Name)
		}
		g.AddBuffer(b)
	}
	for i := range d.Ops {
		od := &d.Ops[i]
		op, err := od.build()
		if err != nil {
			return nil, fmt.Errorf("op %q: %w", od.Name, err)
		}
		inputs := make([]*Buffer, len(od.Inputs))
		for j, name := range od.Inputs {
			b, ok := g.Buffer(name)
			if !ok {
				return nil, fmt.Errorf("op %q: unknown input buffer %q", od.Name, name)
			}
			inputs[j] = b
		}
		out, ok := g.Buffer(od.Output)
		if !ok {
			return nil, fmt.Errorf("op %q: unknown output buffer %q", od.Name, od.Output)
		}
		if err := g.AddOp(op, inputs, out); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (bd *BufferDescription) build() (*Buffer, error) {
	if bd.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	b := &Buffer{
		Name:            bd.Name,
		TensorShape:     Shape(bd.Shape),
		StripeShape:     Shape(bd.StripeShape),
		SizeInBytes:     bd.Size,
		Quantization:    QuantizationInfo{ZeroPoint: bd.ZeroPoint, Scale: bd.Scale},
		Offset:          bd.Offset,
		NumStripes:      bd.Slots,
		SlotSizeInBytes: bd.SlotSize,
		NumLoads:        bd.NumLoads,
		PackedBoundaryThickness: core.PackedBoundaryThickness{
			Left: bd.Boundary[0], Top: bd.Boundary[1], Right: bd.Boundary[2], Bottom: bd.Boundary[3],
		},
		OperationID:         bd.OperationID,
		ProducerOutputIndex: bd.OutputIndex,
	}
	var err error
	if b.Location, err = lookup(locationNames, "location", orDefault(bd.Location, "dram")); err != nil {
		return nil, err
	}
	if b.Format, err = ParseFormat(orDefault(bd.Format, "NHWCB")); err != nil {
		return nil, err
	}
	if b.DataType, err = lookup(dataTypeNames, "data type", orDefault(bd.DataType, "uint8")); err != nil {
		return nil, err
	}
	if b.Order, err = lookup(orderNames, "traversal order", orDefault(bd.Order, "xyz")); err != nil {
		return nil, err
	}
	if b.Location == LocationDram {
		if b.Type, err = lookup(bufferTypeNames, "buffer type", orDefault(bd.Type, "intermediate")); err != nil {
			return nil, err
		}
	}
	if bd.ConstantHex != "" {
		if b.ConstantData, err = hex.DecodeString(bd.ConstantHex); err != nil {
			return nil, fmt.Errorf("constant_hex: %w", err)
		}
	}
	if len(bd.WeightStripe) > 0 {
		b.EncodedWeights = encodedWeightsFromSizes(bd.WeightStripe, b.ConstantData)
		b.ConstantData = nil
	}
	return b, nil
}

// encodedWeightsFromSizes lays weight stripes of the given sizes back to
// back. When data is shorter than the total it is zero-padded.
func encodedWeightsFromSizes(sizes []uint32, data []byte) *EncodedWeights {
	ew := &EncodedWeights{Stripes: make([]core.WeightStripe, len(sizes))}
	var off uint32
	for i, s := range sizes {
		ew.Stripes[i] = core.WeightStripe{Offset: off, Size: s}
		off += s
	}
	ew.Data = make([]byte, max(off, uint32(len(data))))
	copy(ew.Data, data)
	return ew
}

func (od *OpDescription) build() (Op, error) {
	switch strings.ToLower(od.Kind) {
	case "dma":
		f, err := ParseFormat(orDefault(od.TransferFormat, "NHWCB"))
		if err != nil {
			return nil, err
		}
		return &DmaOp{Name: od.Name, TransferFormat: f, Offset: Shape(od.DramOffset)}, nil
	case "mce":
		return od.buildMce()
	case "ple":
		return od.buildPle()
	case "space_to_depth":
		return &SpaceToDepthOp{Name: od.Name, BlockSize: od.BlockSize}, nil
	case "transpose":
		return &TransposeOp{Name: od.Name, Permutation: od.Permutation}, nil
	default:
		return nil, fmt.Errorf("unknown op kind %q", od.Kind)
	}
}

var (
	mceOperationNames = map[string]core.MceOperation{
		"convolution":           core.Convolution,
		"depthwise_convolution": core.DepthwiseConvolution,
		"fully_connected":       core.FullyConnected,
	}
	algorithmNames = map[string]core.MceAlgorithm{"direct": core.AlgorithmDirect, "winograd": core.AlgorithmWinograd}
	upsampleNames  = map[string]core.UpsampleType{
		"off":               core.UpsampleOff,
		"bilinear":          core.UpsampleBilinear,
		"transpose":         core.UpsampleTranspose,
		"nearest_neighbour": core.UpsampleNearestNeighbour,
	}
)

func (od *OpDescription) buildMce() (Op, error) {
	op := &MceOp{
		Name:               od.Name,
		BlockWidth:         orDefaultU32(od.Block[0], 16),
		BlockHeight:        orDefaultU32(od.Block[1], 16),
		InputStripeShape:   Shape(od.InputStripe),
		OutputStripeShape:  Shape(od.OutputStripe),
		WeightsStripeShape: Shape(od.WeightStripe),
		StrideX:            orDefaultU32(od.Stride[0], 1),
		StrideY:            orDefaultU32(od.Stride[1], 1),
		PadLeft:            od.Pad[0],
		PadTop:             od.Pad[1],
		FilterWidth:        orDefaultU32(od.Filter[0], 1),
		FilterHeight:       orDefaultU32(od.Filter[1], 1),
		LowerBound:         od.Bounds[0],
		UpperBound:         od.Bounds[1],
	}
	if od.Bounds == [2]int16{} {
		op.UpperBound = 255
	}
	var err error
	if op.Operation, err = lookup(mceOperationNames, "MCE operation", orDefault(od.Operation, "convolution")); err != nil {
		return nil, err
	}
	if op.Algorithm, err = lookup(algorithmNames, "MCE algorithm", orDefault(od.Algorithm, "direct")); err != nil {
		return nil, err
	}
	if op.Order, err = lookup(orderNames, "traversal order", orDefault(od.Order, "xyz")); err != nil {
		return nil, err
	}
	if op.Upsample, err = lookup(upsampleNames, "upsample type", orDefault(od.Upsample, "off")); err != nil {
		return nil, err
	}
	return op, nil
}

func (od *OpDescription) buildPle() (Op, error) {
	op := &PleOp{
		Name:              od.Name,
		LoadKernel:        od.LoadKernel,
		KernelSramAddr:    od.SramAddr,
		BlockWidth:        orDefaultU32(od.Block[0], 16),
		BlockHeight:       orDefaultU32(od.Block[1], 16),
		OutputStripeShape: Shape(od.OutputStripe),
		Input0Multiplier:  od.Multipliers[0],
		Input0Shift:       od.Shifts[0],
		Input1Multiplier:  od.Multipliers[1],
		Input1Shift:       od.Shifts[1],
	}
	var err error
	if op.Operation, err = kernels.ParseOperation(strings.ToUpper(orDefault(od.Operation, "PASSTHROUGH"))); err != nil {
		return nil, err
	}
	if od.Kernel != "" {
		if op.Kernel, err = kernels.Parse(od.Kernel); err != nil {
			return nil, err
		}
		return op, nil
	}
	id, ok := kernels.Find(op.Operation, uint8(op.BlockWidth), uint8(op.BlockHeight))
	if !ok {
		return nil, fmt.Errorf("no PLE kernel for %s with block %dx%d", op.Operation, op.BlockWidth, op.BlockHeight)
	}
	op.Kernel = id
	return op, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultU32(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}
