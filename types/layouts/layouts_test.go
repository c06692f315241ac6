package layouts

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	invalid := Invalid()
	require.False(t, invalid.Ok())

	scalar := Make(Float64)
	require.True(t, scalar.Ok())
	require.True(t, scalar.IsScalar())
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, 8, scalar.SizeBytes())

	desc := Make(Float32, 4, 3, 2)
	require.Equal(t, 3, desc.Rank())
	require.Equal(t, []int{4, 3, 2}, desc.Dims())
	require.Equal(t, []int{6, 2, 1}, desc.Strides())
	require.Equal(t, 4*3*2, desc.Size())
	require.Equal(t, 4*4*3*2, desc.SizeBytes())

	require.Panics(t, func() { Make(Float32, 4, 0) })
	require.Panics(t, func() { Make(InvalidDType, 4) })
	require.Panics(t, func() { MakeWithStrides(Float32, []int{2, 2}, []int{1}) })
}

func TestDimAndStride(t *testing.T) {
	desc := Make(Float32, 4, 3, 2)
	require.Equal(t, 4, desc.Dim(0))
	require.Equal(t, 2, desc.Dim(-1))
	require.Equal(t, 3, desc.Dim(-2))
	require.Equal(t, 1, desc.Stride(-1))
	require.Equal(t, 6, desc.Stride(0))
	require.Panics(t, func() { desc.Dim(3) })
	require.Panics(t, func() { desc.Stride(-4) })
}

func TestIsContiguous(t *testing.T) {
	// Contiguity holds exactly when the strides are the canonical row-major
	// strides of the dimensions.
	for _, dims := range [][]int{{7}, {2, 3}, {2, 3, 4}, {2, 3, 4, 5}} {
		desc := Make(Float32, dims...)
		require.True(t, desc.IsContiguous(), "canonical %s", desc)
		require.Equal(t, CanonicalStrides(dims), desc.Strides())

		if len(dims) >= 2 {
			strides := CanonicalStrides(dims)
			strides[0], strides[len(strides)-1] = strides[len(strides)-1], strides[0]
			permuted := MakeWithStrides(Float32, dims, strides)
			require.False(t, permuted.IsContiguous(), "permuted %s", permuted)
		}
	}

	// A widened leading stride breaks contiguity.
	padded := MakeWithStrides(Float32, []int{3, 4}, []int{5, 1})
	require.False(t, padded.IsContiguous())
	require.Equal(t, 4*(1+2*5+3*1), padded.SizeBytes())
}

func TestFormats(t *testing.T) {
	nchw := MakeWithFormat(Float32, []int{2, 3, 4, 5}, FormatNCHW)
	require.True(t, nchw.IsContiguous())
	require.Equal(t, []int{60, 20, 5, 1}, nchw.Strides())

	nhwc := MakeWithFormat(Float32, []int{2, 3, 4, 5}, FormatNHWC)
	require.False(t, nhwc.IsContiguous())
	require.Equal(t, []int{60, 1, 15, 3}, nhwc.Strides())
	require.Equal(t, nchw.Size(), nhwc.Size())
	require.Equal(t, nchw.SizeBytes(), nhwc.SizeBytes())
	require.True(t, nchw.EqualDims(nhwc))
	require.False(t, nchw.Equivalent(nhwc))

	require.Panics(t, func() { MakeWithFormat(Float32, []int{2, 3}, FormatNHWC) })
}

func TestEquivalent(t *testing.T) {
	a := Make(Float32, 2, 3)
	b := MakeWithStrides(Float32, []int{2, 3}, []int{3, 1})
	require.True(t, a.Equivalent(b), "format tags don't matter, strides do")
	require.False(t, a.Equivalent(Make(Float64, 2, 3)))
	require.False(t, a.Equivalent(Make(Float32, 3, 2)))
}

func TestPadding(t *testing.T) {
	desc := Make(Float32, 5)
	padded := PadToRank(desc, 4)
	require.Equal(t, 4, padded.Rank())
	require.Equal(t, []int{5, 1, 1, 1}, padded.Dims())
	require.Equal(t, []int{1, 1, 1, 1}, padded.Strides())
	require.Equal(t, desc.Size(), padded.Size())
	require.Equal(t, desc.SizeBytes(), padded.SizeBytes())
	require.True(t, desc.EqualDims(padded))

	// Padding is reversible: the original descriptor is recovered.
	require.True(t, desc.Equivalent(padded.TrimPadding()))
	require.Equal(t, desc.Dims(), padded.TrimPadding().Dims())

	// No-ops.
	require.Equal(t, 4, PadToRank(padded, 2).Rank())
	require.True(t, desc.Equivalent(desc.TrimPadding()))
}

func TestLeadingWindow(t *testing.T) {
	desc := Make(Float32, 10, 4)
	window := desc.LeadingWindow(4)
	require.Equal(t, []int{4, 4}, window.Dims())
	require.Equal(t, desc.Strides(), window.Strides())
	require.True(t, window.IsContiguous())

	require.Panics(t, func() { desc.LeadingWindow(0) })
	require.Panics(t, func() { desc.LeadingWindow(11) })
	require.Panics(t, func() { Make(Float32).LeadingWindow(1) })
}

func TestString(t *testing.T) {
	require.Equal(t, "(Float32)[2 3]", Make(Float32, 2, 3).String())
	require.Equal(t, "(Float32)[2 3 4 5]:nhwc", MakeWithFormat(Float32, []int{2, 3, 4, 5}, FormatNHWC).String())
	require.Equal(t, "(invalid)", Invalid().String())
}
