package core

const (
	// DramAlignment is the byte alignment of every DRAM buffer.
	DramAlignment = 64
)

// AlignSize rounds size up to the specified power-of-two alignment.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// IsAligned reports whether offset is a multiple of align.
func IsAligned(offset, align int) bool {
	return align > 0 && offset%align == 0
}

// DivRoundUp returns ceil(a/b). b must be non-zero.
func DivRoundUp(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// RoundUpToMultiple rounds v up to a multiple of m.
func RoundUpToMultiple(v, m uint32) uint32 {
	return DivRoundUp(v, m) * m
}

// NumStripes returns how many stripes of size stripe cover extent. A zero
// stripe size means the whole extent is one stripe.
func NumStripes(extent, stripe uint32) uint32 {
	if stripe == 0 || stripe >= extent {
		return 1
	}
	return DivRoundUp(extent, stripe)
}

// EdgeSize returns the size of the last stripe along an axis.
func EdgeSize(extent, stripe uint32) uint32 {
	if stripe == 0 || stripe >= extent {
		return extent
	}
	if r := extent % stripe; r != 0 {
		return r
	}
	return stripe
}

// PadToAlignment zero-extends data to a multiple of align bytes.
func PadToAlignment(data []byte, align int) []byte {
	alignedLen := AlignSize(len(data), align)
	if alignedLen == len(data) {
		return data
	}
	padded := make([]byte, alignedLen)
	copy(padded, data)
	return padded
}
