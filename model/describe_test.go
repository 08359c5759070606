package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/core"
	"github.com/sbl8/cascade/kernels"
)

const convDescription = `
[[buffer]]
name = "input"
type = "input"
shape = [1, 16, 16, 16]

[[buffer]]
name = "ifm"
location = "sram"
shape = [1, 16, 16, 16]
stripe_shape = [1, 8, 16, 16]
slots = 2
slot_size = 2048

[[buffer]]
name = "weights"
type = "constant_dma"
format = "weight"
shape = [1, 1, 16, 16]
weight_stripes = [128, 96]

[[buffer]]
name = "wgt"
location = "sram"
format = "weight"
shape = [1, 1, 16, 16]
slots = 1

[[buffer]]
name = "mce_out"
location = "ple_input_sram"
shape = [1, 16, 16, 16]
stripe_shape = [1, 8, 16, 16]

[[buffer]]
name = "ofm"
location = "sram"
shape = [1, 16, 16, 16]
stripe_shape = [1, 8, 16, 16]
slots = 2

[[buffer]]
name = "output"
type = "output"
shape = [1, 16, 16, 16]

[[op]]
name = "load_ifm"
kind = "dma"
inputs = ["input"]
output = "ifm"

[[op]]
name = "load_weights"
kind = "dma"
transfer_format = "weight"
inputs = ["weights"]
output = "wgt"

[[op]]
name = "conv"
kind = "mce"
operation = "convolution"
filter = [3, 3]
pad = [1, 1]
block = [8, 8]
inputs = ["ifm", "wgt"]
output = "mce_out"

[[op]]
name = "relu"
kind = "ple"
operation = "PASSTHROUGH"
block = [8, 8]
load_kernel = true
inputs = ["mce_out"]
output = "ofm"

[[op]]
name = "store"
kind = "dma"
inputs = ["ofm"]
output = "output"
`

func TestParseDescription(t *testing.T) {
	t.Parallel()
	g, err := ParseDescription([]byte(convDescription))
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.Equal(t, 5, g.OpCount())

	weights, ok := g.Buffer("weights")
	require.True(t, ok)
	assert.Equal(t, BufferConstantDma, weights.Type)
	require.NotNil(t, weights.EncodedWeights)
	assert.Equal(t, []core.WeightStripe{{Offset: 0, Size: 128}, {Offset: 128, Size: 96}}, weights.EncodedWeights.Stripes)
	assert.Len(t, weights.EncodedWeights.Data, 224)

	ifm, _ := g.Buffer("ifm")
	assert.Equal(t, LocationSram, ifm.Location)
	assert.Equal(t, uint16(2), ifm.NumStripes)

	conv := g.Ops()[2].(*MceOp)
	assert.Equal(t, core.Convolution, conv.Operation)
	assert.Equal(t, uint32(3), conv.FilterHeight)
	assert.Equal(t, uint32(1), conv.StrideX)
	assert.Equal(t, int16(255), conv.UpperBound)

	relu := g.Ops()[3].(*PleOp)
	assert.Equal(t, kernels.Passthrough8x8, relu.Kernel)
	assert.True(t, relu.LoadKernel)
}

func TestParseDescriptionErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "[[buffer]]\nname = \"a\"\ncolour = \"red\"\n", "unknown key"},
		{"unknown location", "[[buffer]]\nname = \"a\"\nlocation = \"disk\"\n", "unknown location"},
		{"unknown input", "[[buffer]]\nname = \"a\"\n[[op]]\nname = \"x\"\nkind = \"dma\"\ninputs = [\"b\"]\noutput = \"a\"\n", "unknown input buffer"},
		{"unknown kind", "[[buffer]]\nname = \"a\"\n[[op]]\nname = \"x\"\nkind = \"fft\"\noutput = \"a\"\n", "unknown op kind"},
		{"duplicate buffer", "[[buffer]]\nname = \"a\"\n[[buffer]]\nname = \"a\"\n", "declared twice"},
		{"bad toml", "[[buffer]\n", "decode graph description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescription([]byte(tt.doc))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadDescription(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "graph.toml")
	require.NoError(t, os.WriteFile(path, []byte(convDescription), 0o644))

	g, err := LoadDescription(path)
	require.NoError(t, err)
	assert.Equal(t, 5, g.OpCount())

	_, err = LoadDescription(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
