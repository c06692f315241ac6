// Package layouts defines Descriptor, the immutable value describing the shape,
// element data type and physical memory layout of a dense tensor.
//
// A Descriptor is independent of any buffer: it only describes how elements of
// a given dtypes.DType are arranged in memory, either through a named Format
// tag (e.g. FormatNHWC) or through an explicit per-axis stride sequence.
// Strides are always expressed in elements, not bytes.
//
// DType is the enumeration from github.com/gomlx/gopjrt/dtypes, which also
// provides the Go type mapping and the element widths. Float16 support uses
// github.com/x448/float16, and bfloat16 uses
// github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// ## Glossary
//
//   - Rank: number of axes of a tensor.
//   - Axis: index of one dimension; axis 0 is the leading ("minibatch") axis.
//   - Stride: distance in elements between two consecutive entries of an axis.
//   - Contiguous: a layout whose strides are exactly the canonical row-major
//     strides for its dimensions.
//   - Padding: some backends require a minimum rank; ranks below it are
//     right-padded with trailing unit axes of stride 1. Padding is purely
//     representational and reversible (see PadToRank and Descriptor.TrimPadding).
package layouts

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Format names a physical arrangement of elements recognized by some backend.
//
// All named formats are stride-expressible: building a Descriptor with a named
// format materializes the corresponding stride sequence. FormatStrided marks a
// layout given directly by explicit strides.
type Format int

const (
	// FormatStrided is an explicit per-axis stride sequence.
	FormatStrided Format = iota

	// FormatX is a plain rank-1 vector.
	FormatX

	// FormatNC is a rank-2 row-major matrix (minibatch x channels).
	FormatNC

	// FormatNCW is a rank-3 row-major layout.
	FormatNCW

	// FormatNCHW is the rank-4 row-major layout: channels-first.
	FormatNCHW

	// FormatNHWC is the rank-4 channels-last layout. Dimensions are still
	// given in NCHW order; only the physical strides differ.
	FormatNHWC
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatStrided:
		return "strided"
	case FormatX:
		return "x"
	case FormatNC:
		return "nc"
	case FormatNCW:
		return "ncw"
	case FormatNCHW:
		return "nchw"
	case FormatNHWC:
		return "nhwc"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// FormatRank returns the rank a named format applies to, or -1 for FormatStrided.
func (f Format) FormatRank() int {
	switch f {
	case FormatX:
		return 1
	case FormatNC:
		return 2
	case FormatNCW:
		return 3
	case FormatNCHW, FormatNHWC:
		return 4
	}
	return -1
}

// CanonicalStrides returns the row-major strides (in elements) for the given
// dimensions: the last axis has stride 1, and each previous axis has the
// product of the dimensions that follow it.
func CanonicalStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// formatStrides materializes the stride sequence of a named format.
func formatStrides(format Format, dims []int) []int {
	if want := format.FormatRank(); want >= 0 && want != len(dims) {
		exceptions.Panicf("layouts: format %s requires rank %d, got dimensions %v", format, want, dims)
	}
	switch format {
	case FormatNHWC:
		// dims are [N, C, H, W]; physically the channel axis is innermost.
		c, h, w := dims[1], dims[2], dims[3]
		return []int{c * h * w, 1, c * w, c}
	default:
		return CanonicalStrides(dims)
	}
}

// Descriptor describes the shape, element type and memory layout of a dense
// tensor. It is an immutable value object: all accessors that return slices
// return copies, and structural equality is defined by Equivalent.
//
// Use Make, MakeWithFormat or MakeWithStrides to create one.
type Descriptor struct {
	dtype   dtypes.DType
	dims    []int
	strides []int
	format  Format

	// padded counts trailing unit axes appended by PadToRank.
	padded int
}

// Make returns a Descriptor with canonical (contiguous row-major) strides for
// the given dimensions. No dimensions yield a scalar descriptor.
//
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dims ...int) Descriptor {
	checkDims(dtype, dims)
	return Descriptor{
		dtype:   dtype,
		dims:    slices.Clone(dims),
		strides: CanonicalStrides(dims),
	}
}

// MakeWithFormat returns a Descriptor laid out according to the named format.
// Dimensions are always given in logical (channels-first) order; the format
// only decides the physical strides.
func MakeWithFormat(dtype dtypes.DType, dims []int, format Format) Descriptor {
	checkDims(dtype, dims)
	if format == FormatStrided {
		return Make(dtype, dims...)
	}
	return Descriptor{
		dtype:   dtype,
		dims:    slices.Clone(dims),
		strides: formatStrides(format, dims),
		format:  format,
	}
}

// MakeWithStrides returns a Descriptor with an explicit per-axis stride
// sequence, in elements. len(strides) must equal len(dims).
func MakeWithStrides(dtype dtypes.DType, dims, strides []int) Descriptor {
	checkDims(dtype, dims)
	if len(strides) != len(dims) {
		exceptions.Panicf("layouts: %d dimensions but %d strides (%v / %v)", len(dims), len(strides), dims, strides)
	}
	for _, s := range strides {
		if s < 0 {
			exceptions.Panicf("layouts: negative strides are not supported, got %v", strides)
		}
	}
	return Descriptor{
		dtype:   dtype,
		dims:    slices.Clone(dims),
		strides: slices.Clone(strides),
	}
}

func checkDims(dtype dtypes.DType, dims []int) {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("layouts: cannot build a descriptor with an invalid dtype")
	}
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("layouts: cannot build a descriptor with an axis of dimension <= 0, got %v", dims)
		}
	}
}

// Invalid returns an invalid descriptor: Invalid().Ok() == false.
func Invalid() Descriptor { return Descriptor{dtype: dtypes.InvalidDType} }

// Ok returns whether this is a valid Descriptor. The zero value is invalid.
func (d Descriptor) Ok() bool { return d.dtype != dtypes.InvalidDType }

// DType returns the element data type.
func (d Descriptor) DType() dtypes.DType { return d.dtype }

// Rank returns the number of axes, after any padding.
func (d Descriptor) Rank() int { return len(d.dims) }

// IsScalar returns whether the descriptor has rank 0.
func (d Descriptor) IsScalar() bool { return d.Ok() && d.Rank() == 0 }

// Format returns the named format tag, FormatStrided for explicit layouts.
func (d Descriptor) Format() Format { return d.format }

// Dims returns a copy of the dimensions.
func (d Descriptor) Dims() []int { return slices.Clone(d.dims) }

// Strides returns a copy of the effective (post-padding) strides, in elements.
func (d Descriptor) Strides() []int { return slices.Clone(d.strides) }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so Dim(-1) is the last axis. It panics on an out-of-bounds axis.
func (d Descriptor) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += d.Rank()
	}
	if adjusted < 0 || adjusted >= d.Rank() {
		exceptions.Panicf("Descriptor.Dim(%d) out-of-bounds for rank %d (%s)", axis, d.Rank(), d)
	}
	return d.dims[adjusted]
}

// Stride returns the stride of the given axis, in elements. Negative axes
// count from the end.
func (d Descriptor) Stride(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += d.Rank()
	}
	if adjusted < 0 || adjusted >= d.Rank() {
		exceptions.Panicf("Descriptor.Stride(%d) out-of-bounds for rank %d (%s)", axis, d.Rank(), d)
	}
	return d.strides[adjusted]
}

// Size returns the number of elements: the product of all dimensions.
func (d Descriptor) Size() int {
	size := 1
	for _, dim := range d.dims {
		size *= dim
	}
	return size
}

// SizeBytes returns the number of bytes a buffer must provide to back this
// descriptor: the byte extent from offset zero to one past the highest
// addressed element. For contiguous and permuted-canonical layouts this equals
// Size() times the dtype width.
func (d Descriptor) SizeBytes() int {
	if !d.Ok() {
		return 0
	}
	span := 1
	for axis, dim := range d.dims {
		span += (dim - 1) * d.strides[axis]
	}
	return span * int(d.dtype.Memory())
}

// IsContiguous returns whether the strides are exactly the canonical row-major
// strides for the dimensions. Scalars are contiguous.
func (d Descriptor) IsContiguous() bool {
	return d.Ok() && slices.Equal(d.strides, CanonicalStrides(d.dims))
}

// Equivalent compares two descriptors structurally: dtype, dimensions and
// effective (post-padding) strides. Format tags are not compared: a descriptor
// built from FormatNCHW is equivalent to one built with the same explicit
// strides.
func (d Descriptor) Equivalent(other Descriptor) bool {
	return d.dtype == other.dtype &&
		slices.Equal(d.dims, other.dims) &&
		slices.Equal(d.strides, other.strides)
}

// EqualDims compares dimensions only, ignoring trailing unit axes added by
// padding on either side. Dtypes and strides can differ.
func (d Descriptor) EqualDims(other Descriptor) bool {
	return slices.Equal(d.TrimPadding().dims, other.TrimPadding().dims)
}

// LeadingWindow returns a descriptor for a window of n entries along axis 0,
// keeping the strides and all the other dimensions. It is the descriptor used
// by zero-copy row views and by minibatch sub-views.
//
// It panics for a scalar descriptor or if n is out of [1, Dim(0)].
func (d Descriptor) LeadingWindow(n int) Descriptor {
	if d.Rank() == 0 {
		exceptions.Panicf("Descriptor.LeadingWindow(%d): descriptor is a scalar (%s)", n, d)
	}
	if n < 1 || n > d.dims[0] {
		exceptions.Panicf("Descriptor.LeadingWindow(%d): valid range is [1, %d] (%s)", n, d.dims[0], d)
	}
	window := d
	window.dims = slices.Clone(d.dims)
	window.strides = slices.Clone(d.strides)
	window.dims[0] = n
	return window
}

// DropLeading returns a descriptor for one entry of axis 0: the leading axis
// is removed and the remaining dimensions and strides are kept. It panics for
// a scalar descriptor.
func (d Descriptor) DropLeading() Descriptor {
	if d.Rank() == 0 {
		exceptions.Panicf("Descriptor.DropLeading: descriptor is a scalar (%s)", d)
	}
	entry := d
	entry.dims = slices.Clone(d.dims[1:])
	entry.strides = slices.Clone(d.strides[1:])
	entry.format = FormatStrided
	return entry
}

// PadToRank right-pads the descriptor with trailing unit axes of stride 1
// until it reaches the given rank. The padding is recorded and reversible with
// TrimPadding. It is a no-op if the rank is already >= rank.
func PadToRank(d Descriptor, rank int) Descriptor {
	if d.Rank() >= rank {
		return d
	}
	padded := d
	padded.dims = slices.Clone(d.dims)
	padded.strides = slices.Clone(d.strides)
	for padded.Rank() < rank {
		padded.dims = append(padded.dims, 1)
		padded.strides = append(padded.strides, 1)
		padded.padded++
	}
	return padded
}

// TrimPadding removes the trailing unit axes previously appended by PadToRank,
// recovering the original descriptor. It is a no-op on unpadded descriptors.
func (d Descriptor) TrimPadding() Descriptor {
	if d.padded == 0 {
		return d
	}
	trimmed := d
	trimmed.dims = slices.Clone(d.dims[:len(d.dims)-d.padded])
	trimmed.strides = slices.Clone(d.strides[:len(d.strides)-d.padded])
	trimmed.padded = 0
	return trimmed
}

// String implements fmt.Stringer, pretty-prints the descriptor.
func (d Descriptor) String() string {
	if !d.Ok() {
		return "(invalid)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)%v", d.dtype, d.dims)
	if d.format != FormatStrided {
		fmt.Fprintf(&b, ":%s", d.format)
	} else if !d.IsContiguous() {
		fmt.Fprintf(&b, ":strides%v", d.strides)
	}
	return b.String()
}
